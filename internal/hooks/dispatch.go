package hooks

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/haasonsaas/llmcord/pkg/models"
)

// ErrHookTimeout is reported when a hook exceeds the registry timeout.
var ErrHookTimeout = errors.New("hook timed out")

// call runs one hook under the registry timeout. Panics become errors. A
// hook that outlives its timeout is abandoned; its context is cancelled.
func (r *Registry) call(ctx context.Context, reg *Registration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("hook panic: %v", p)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrHookTimeout, r.timeout)
		}
		return ctx.Err()
	}
}

func (r *Registry) fail(reg *Registration, err error) {
	r.logger.Warn("hook failed",
		"point", reg.Point,
		"hook_id", reg.ID,
		"name", reg.Name,
		"source", reg.Source,
		"error", err)
	if r.onFailure != nil {
		r.onFailure(reg.Point, reg.Name, err)
	}
}

// DispatchReady invokes every ready hook.
func (r *Registry) DispatchReady(ctx context.Context, client Client) {
	for _, reg := range r.snapshot(PointBotReady) {
		fn := reg.fn.(ReadyHook)
		if err := r.call(ctx, reg, func(ctx context.Context) error {
			return fn(ctx, client)
		}); err != nil {
			r.fail(reg, err)
		}
	}
}

// DispatchMessage invokes every message hook and reports whether normal
// processing should proceed. Any Stop verdict means it should not, but the
// remaining hooks still run.
func (r *Registry) DispatchMessage(ctx context.Context, msg *models.Message) bool {
	proceed := true
	for _, reg := range r.snapshot(PointMessageReceived) {
		fn := reg.fn.(MessageHook)
		var verdict Verdict
		err := r.call(ctx, reg, func(ctx context.Context) error {
			v, err := fn(ctx, msg)
			verdict = v
			return err
		})
		if err != nil {
			r.fail(reg, err)
			continue
		}
		if verdict == Stop {
			r.logger.Debug("message stopped by hook", "name", reg.Name, "message_id", msg.ID)
			proceed = false
		}
	}
	return proceed
}

// DispatchAttachment offers an attachment to each hook in turn and returns
// the first non-empty result, or nil if no hook claims it.
func (r *Registry) DispatchAttachment(ctx context.Context, att models.Attachment, acceptsImages bool, msg *models.Message) *AttachmentResult {
	for _, reg := range r.snapshot(PointProcessAttachment) {
		fn := reg.fn.(AttachmentHook)
		var res *AttachmentResult
		err := r.call(ctx, reg, func(ctx context.Context) error {
			out, err := fn(ctx, att, acceptsImages, msg)
			res = out
			return err
		})
		if err != nil {
			r.fail(reg, err)
			continue
		}
		if !res.Empty() {
			return res
		}
	}
	return nil
}

// DispatchBeforeLLM threads turns through every before_llm_call hook. A nil
// return or a failure keeps the working list unchanged.
func (r *Registry) DispatchBeforeLLM(ctx context.Context, turns []models.Turn, msg *models.Message) []models.Turn {
	for _, reg := range r.snapshot(PointBeforeLLMCall) {
		fn := reg.fn.(BeforeLLMHook)
		in := slices.Clone(turns)
		var out []models.Turn
		err := r.call(ctx, reg, func(ctx context.Context) error {
			res, err := fn(ctx, in, msg)
			out = res
			return err
		})
		if err != nil {
			r.fail(reg, err)
			continue
		}
		if out != nil {
			turns = out
		}
	}
	return turns
}

// DispatchAfterLLM invokes every after_llm_response hook.
func (r *Registry) DispatchAfterLLM(ctx context.Context, msg *models.Message, reply string) {
	for _, reg := range r.snapshot(PointAfterLLMResponse) {
		fn := reg.fn.(AfterLLMHook)
		if err := r.call(ctx, reg, func(ctx context.Context) error {
			return fn(ctx, msg, reply)
		}); err != nil {
			r.fail(reg, err)
		}
	}
}

// RunCommand invokes the named command. found is false when no command has
// that name; err carries the command's own failure.
func (r *Registry) RunCommand(ctx context.Context, name string, msg *models.Message, userID string) (found bool, err error) {
	cmd, ok := r.Command(name)
	if !ok {
		return false, nil
	}
	reg := &Registration{Point: "command", Name: cmd.Name, Source: cmd.Source}
	if err := r.call(ctx, reg, func(ctx context.Context) error {
		return cmd.Fn(ctx, msg, userID)
	}); err != nil {
		r.fail(reg, err)
		return true, err
	}
	return true, nil
}

// ParseCommand splits "!name args" into its lowercased name and arguments.
// ok is false when text does not start with prefix followed by a name.
func ParseCommand(text, prefix string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", "", false
	}
	rest := strings.TrimSpace(text[len(prefix):])
	if rest == "" {
		return "", "", false
	}
	name, args, _ = strings.Cut(rest, " ")
	if i := strings.IndexAny(name, "\t\n"); i >= 0 {
		args = name[i+1:] + " " + args
		name = name[:i]
	}
	return strings.ToLower(name), strings.TrimSpace(args), true
}

// CommandArgs returns the text after the command word.
func CommandArgs(text string) string {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return ""
	}
	return strings.TrimSpace(strings.TrimSpace(text)[len(fields[0]):])
}
