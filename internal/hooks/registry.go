package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/llmcord/pkg/models"
)

// DefaultTimeout bounds a single hook invocation.
const DefaultTimeout = 30 * time.Second

// ErrDuplicateCommand is returned when a command name is already taken.
var ErrDuplicateCommand = errors.New("duplicate command")

// FailureFunc is told about every failed hook invocation.
type FailureFunc func(point Point, name string, err error)

// Registry holds hook and command registrations. It is populated at
// startup and read concurrently by every conversation afterwards.
type Registry struct {
	handlers  map[Point][]*Registration
	byID      map[string]*Registration
	commands  map[string]*Command
	timeout   time.Duration
	onFailure FailureFunc
	logger    *slog.Logger
	mu        sync.RWMutex
}

// Options configures a Registry.
type Options struct {
	Timeout   time.Duration
	OnFailure FailureFunc
	Logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Registry{
		handlers:  make(map[Point][]*Registration),
		byID:      make(map[string]*Registration),
		commands:  make(map[string]*Command),
		timeout:   opts.Timeout,
		onFailure: opts.OnFailure,
		logger:    opts.Logger.With("component", "hooks"),
	}
}

// RegisterOption configures a registration.
type RegisterOption func(*Registration)

// WithPriority sets the hook priority.
func WithPriority(p Priority) RegisterOption {
	return func(r *Registration) {
		r.Priority = p
	}
}

// WithName sets the hook name used in logs.
func WithName(name string) RegisterOption {
	return func(r *Registration) {
		r.Name = name
	}
}

// WithSource sets the plugin the hook belongs to.
func WithSource(source string) RegisterOption {
	return func(r *Registration) {
		r.Source = source
	}
}

// Register adds fn to an extension point. fn must have the function type of
// that point (ReadyHook for on_bot_ready, and so on). Returns the
// registration ID.
func (r *Registry) Register(point Point, fn any, opts ...RegisterOption) (string, error) {
	fn, err := normalize(point, fn)
	if err != nil {
		return "", err
	}

	reg := &Registration{
		ID:       uuid.New().String(),
		Point:    point,
		Priority: PriorityNormal,
		fn:       fn,
	}
	for _, opt := range opts {
		opt(reg)
	}
	if reg.Name == "" {
		reg.Name = string(point)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := append(r.handlers[point], reg)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Priority < list[j].Priority
	})
	r.handlers[point] = list
	r.byID[reg.ID] = reg

	r.logger.Debug("registered hook",
		"id", reg.ID,
		"point", point,
		"name", reg.Name,
		"source", reg.Source,
		"priority", reg.Priority)

	return reg.ID, nil
}

// normalize converts fn to the named hook type of point, accepting plain
// function literals with the matching signature.
func normalize(point Point, fn any) (any, error) {
	var out any
	switch point {
	case PointBotReady:
		switch f := fn.(type) {
		case ReadyHook:
			out = f
		case func(context.Context, Client) error:
			out = ReadyHook(f)
		}
	case PointMessageReceived:
		switch f := fn.(type) {
		case MessageHook:
			out = f
		case func(context.Context, *models.Message) (Verdict, error):
			out = MessageHook(f)
		}
	case PointProcessAttachment:
		switch f := fn.(type) {
		case AttachmentHook:
			out = f
		case func(context.Context, models.Attachment, bool, *models.Message) (*AttachmentResult, error):
			out = AttachmentHook(f)
		}
	case PointBeforeLLMCall:
		switch f := fn.(type) {
		case BeforeLLMHook:
			out = f
		case func(context.Context, []models.Turn, *models.Message) ([]models.Turn, error):
			out = BeforeLLMHook(f)
		}
	case PointAfterLLMResponse:
		switch f := fn.(type) {
		case AfterLLMHook:
			out = f
		case func(context.Context, *models.Message, string) error:
			out = AfterLLMHook(f)
		}
	default:
		return nil, fmt.Errorf("unknown extension point %q", point)
	}
	if out == nil || reflect.ValueOf(out).IsNil() {
		return nil, fmt.Errorf("hook for %s has type %T", point, fn)
	}
	return out, nil
}

// OnReady registers a ready hook.
func (r *Registry) OnReady(fn ReadyHook, opts ...RegisterOption) string {
	return r.mustRegister(PointBotReady, fn, opts...)
}

// OnMessage registers a message hook.
func (r *Registry) OnMessage(fn MessageHook, opts ...RegisterOption) string {
	return r.mustRegister(PointMessageReceived, fn, opts...)
}

// OnAttachment registers an attachment hook.
func (r *Registry) OnAttachment(fn AttachmentHook, opts ...RegisterOption) string {
	return r.mustRegister(PointProcessAttachment, fn, opts...)
}

// BeforeLLM registers a before_llm_call hook.
func (r *Registry) BeforeLLM(fn BeforeLLMHook, opts ...RegisterOption) string {
	return r.mustRegister(PointBeforeLLMCall, fn, opts...)
}

// AfterLLM registers an after_llm_response hook.
func (r *Registry) AfterLLM(fn AfterLLMHook, opts ...RegisterOption) string {
	return r.mustRegister(PointAfterLLMResponse, fn, opts...)
}

// mustRegister backs the typed helpers. A failed registration is logged and
// yields an empty ID.
func (r *Registry) mustRegister(point Point, fn any, opts ...RegisterOption) string {
	id, err := r.Register(point, fn, opts...)
	if err != nil {
		r.logger.Warn("hook not registered", "point", point, "error", err)
		return ""
	}
	return id
}

// Unregister removes a hook by registration ID.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, exists := r.byID[id]
	if !exists {
		return false
	}
	delete(r.byID, id)

	list := r.handlers[reg.Point]
	for i, h := range list {
		if h.ID == id {
			r.handlers[reg.Point] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	r.logger.Debug("unregistered hook", "id", id, "point", reg.Point)
	return true
}

// RegisterCommand adds a command. Names are case-insensitive and each may
// be claimed once.
func (r *Registry) RegisterCommand(name string, fn CommandFunc, opts ...CommandOption) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("invalid command name %q", name)
	}
	if fn == nil {
		return fmt.Errorf("command %q has no handler", name)
	}
	cmd := &Command{Name: name, Fn: fn}
	for _, opt := range opts {
		opt(cmd)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.commands[name]; ok {
		return fmt.Errorf("%w: %q already registered by %q", ErrDuplicateCommand, name, prev.Source)
	}
	r.commands[name] = cmd
	return nil
}

// CommandOption configures a command registration.
type CommandOption func(*Command)

// CommandSource sets the plugin a command belongs to.
func CommandSource(source string) CommandOption {
	return func(c *Command) {
		c.Source = source
	}
}

// CommandDescription sets the help text of a command.
func CommandDescription(desc string) CommandOption {
	return func(c *Command) {
		c.Description = desc
	}
}

// Command looks a command up by case-insensitive name.
func (r *Registry) Command(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[strings.ToLower(name)]
	return cmd, ok
}

// Commands returns all commands sorted by name.
func (r *Registry) Commands() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HandlerCount returns the number of hooks registered for a point.
func (r *Registry) HandlerCount(point Point) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[point])
}

// Clear removes every hook and command.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[Point][]*Registration)
	r.byID = make(map[string]*Registration)
	r.commands = make(map[string]*Command)
}

func (r *Registry) snapshot(point Point) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Registration(nil), r.handlers[point]...)
}
