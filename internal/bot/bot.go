// Package bot runs the conversation loop: it decides which inbound messages
// get a reply, assembles their context, calls the model and streams the
// answer back.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/haasonsaas/llmcord/internal/cache"
	"github.com/haasonsaas/llmcord/internal/chain"
	"github.com/haasonsaas/llmcord/internal/hooks"
	"github.com/haasonsaas/llmcord/internal/llm"
	"github.com/haasonsaas/llmcord/internal/observability"
	"github.com/haasonsaas/llmcord/internal/render"
	"github.com/haasonsaas/llmcord/pkg/models"
)

const (
	DefaultMaxMessages     = 25
	DefaultUnpromptedEvery = 50
	DefaultRequestTimeout  = 2 * time.Minute
	// MaxConverseExchanges bounds the converse command.
	MaxConverseExchanges = 10

	typingInterval = 8 * time.Second
	failureNotice  = "Sorry, something went wrong while generating a reply."
	commandFailure = "Oops, something went wrong with that command."
)

// Transport is what the loop needs from the chat platform.
type Transport interface {
	render.Sender
	chain.Source
	Typing(ctx context.Context, channelID string) error
	SendText(ctx context.Context, channelID string, replyTo models.MessageID, text string) (models.MessageID, error)
}

// TriggerConfig selects which messages get a reply besides mentions and
// replies to the bot.
type TriggerConfig struct {
	Names           []string
	Keywords        []string
	UnpromptedEvery int
}

// Config configures the loop. Fields marked hot may be changed at runtime
// through UpdateConfig.
type Config struct {
	Model         string
	CommandPrefix string
	MaxMessages   int
	// MaxText and MaxImages only feed the warnings shown to users.
	MaxText   int
	MaxImages int
	// AcceptsImages and AcceptsNames override capability detection.
	AcceptsImages  *bool
	AcceptsNames   *bool
	RequestTimeout time.Duration

	// hot
	SystemPrompt        string
	Params              llm.Params
	AllowedChannelIDs   []string
	AllowedRoleIDs      []string
	AllowedChannelTypes []models.ChannelType
	Triggers            TriggerConfig
	OtherBotIDs         []string

	Now func() time.Time
}

// PluginInfo describes a loaded plugin for the plugins command.
type PluginInfo struct {
	Name        string
	Version     string
	Description string
}

// Deps are the collaborators the loop orchestrates.
type Deps struct {
	Transport  Transport
	Store      *cache.Store
	Walker     *chain.Walker
	Normalizer chain.Normalizer
	Registry   *hooks.Registry
	Provider   llm.Provider
	Renderer   *render.Renderer
	Plugins    []PluginInfo
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
	Logger     *slog.Logger
}

// hotState is the part of the config that can be swapped live.
type hotState struct {
	systemPrompt    string
	params          llm.Params
	channels        []string
	roles           []string
	channelTypes    []models.ChannelType
	names           []*regexp.Regexp
	keywords        []*regexp.Regexp
	unpromptedEvery int
	otherBots       []string
}

// Bot is the conversation loop.
type Bot struct {
	config Config
	deps   Deps
	model  llm.ModelRef
	caps   models.Capabilities
	logger *slog.Logger

	mu         sync.RWMutex
	hot        *hotState
	botUserID  string
	counts     map[string]int // messages seen per channel
	converse   map[string]int // remaining exchanges per channel
	inflight   sync.WaitGroup
	readyOnce  sync.Once
	identified chan struct{}
}

// New validates config and builds the loop.
func New(cfg Config, deps Deps) (*Bot, error) {
	if deps.Transport == nil || deps.Store == nil || deps.Walker == nil || deps.Normalizer == nil ||
		deps.Registry == nil || deps.Provider == nil || deps.Renderer == nil {
		return nil, fmt.Errorf("bot: missing dependency")
	}
	ref, err := llm.ParseModel(cfg.Model)
	if err != nil {
		return nil, err
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = "!"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	caps := llm.DetectCapabilities(ref)
	if cfg.AcceptsImages != nil {
		caps.Images = *cfg.AcceptsImages
	}
	if cfg.AcceptsNames != nil {
		caps.Names = *cfg.AcceptsNames
	}

	b := &Bot{
		config:     cfg,
		deps:       deps,
		model:      ref,
		caps:       caps,
		logger:     deps.Logger.With("component", "bot"),
		counts:     make(map[string]int),
		converse:   make(map[string]int),
		identified: make(chan struct{}),
	}
	if err := b.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	return b, nil
}

// UpdateConfig swaps in the hot fields of cfg.
func (b *Bot) UpdateConfig(cfg Config) error {
	hot := &hotState{
		systemPrompt:    cfg.SystemPrompt,
		params:          cfg.Params,
		channels:        slices.Clone(cfg.AllowedChannelIDs),
		roles:           slices.Clone(cfg.AllowedRoleIDs),
		channelTypes:    slices.Clone(cfg.AllowedChannelTypes),
		unpromptedEvery: cfg.Triggers.UnpromptedEvery,
		otherBots:       slices.Clone(cfg.OtherBotIDs),
	}
	if hot.unpromptedEvery == 0 {
		hot.unpromptedEvery = DefaultUnpromptedEvery
	}
	for _, pattern := range cfg.Triggers.Names {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return fmt.Errorf("trigger name %q: %w", pattern, err)
		}
		hot.names = append(hot.names, re)
	}
	for _, kw := range cfg.Triggers.Keywords {
		hot.keywords = append(hot.keywords, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(kw)+`\b`))
	}

	b.mu.Lock()
	b.hot = hot
	b.mu.Unlock()
	return nil
}

func (b *Bot) state() *hotState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hot
}

// Capabilities returns what the configured model accepts.
func (b *Bot) Capabilities() models.Capabilities { return b.caps }

// BotUserID returns the bot's own user ID, empty before ready.
func (b *Bot) BotUserID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.botUserID
}

type identitySetter interface {
	SetBotUserID(id string)
}

// HandleReady records the bot identity and runs ready hooks. Messages are
// held until the first call.
func (b *Bot) HandleReady(ctx context.Context, botUserID string) {
	b.mu.Lock()
	changed := b.botUserID != botUserID
	b.botUserID = botUserID
	b.mu.Unlock()

	if changed {
		b.deps.Walker.SetBotUserID(botUserID)
		if s, ok := b.deps.Normalizer.(identitySetter); ok {
			s.SetBotUserID(botUserID)
		}
	}
	b.readyOnce.Do(func() { close(b.identified) })
	b.logger.Info("bot ready", "bot_user_id", botUserID, "model", b.model.String())
	b.deps.Registry.DispatchReady(ctx, b)
}

// Run handles messages until the channel closes or ctx is done, then waits
// for in-flight replies.
func (b *Bot) Run(ctx context.Context, messages <-chan *models.Message) {
	defer b.inflight.Wait()

	select {
	case <-b.identified:
	case <-ctx.Done():
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.inflight.Add(1)
			go func() {
				defer b.inflight.Done()
				b.Handle(ctx, msg)
			}()
		}
	}
}
