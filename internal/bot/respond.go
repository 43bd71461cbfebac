package bot

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/llmcord/internal/chain"
	"github.com/haasonsaas/llmcord/internal/llm"
	"github.com/haasonsaas/llmcord/internal/observability"
	"github.com/haasonsaas/llmcord/internal/render"
	"github.com/haasonsaas/llmcord/pkg/models"
)

// respond builds the context for msg, streams a completion and renders it.
// With fresh set the reply ignores every earlier message.
func (b *Bot) respond(ctx context.Context, msg *models.Message, fresh bool) {
	defer b.sweep(ctx)
	hot := b.state()

	maxTurns := b.config.MaxMessages - 1
	if fresh {
		maxTurns = 0
	}
	c, err := b.deps.Walker.Build(ctx, chain.Request{
		Start:        msg,
		MaxTurns:     maxTurns,
		Capabilities: b.caps,
		Participants: hot.otherBots,
	})
	if err != nil {
		b.logger.WarnContext(ctx, "chain build failed", "error", err)
		b.deps.Metrics.RecordMessage(outcomeFailed)
		return
	}

	turns := c.History
	if !c.Current.IsEmpty() {
		turns = append(turns, c.Current)
	}
	if len(turns) > b.config.MaxMessages {
		turns = turns[len(turns)-b.config.MaxMessages:]
	}
	if len(turns) == 0 {
		b.logger.DebugContext(ctx, "nothing to answer")
		b.deps.Metrics.RecordMessage(outcomeIgnored)
		return
	}
	warnings := b.warnings(c, len(turns))
	turns = append([]models.Turn{models.TextTurn(models.RoleSystem, b.systemPrompt(hot, msg))}, turns...)
	turns = b.deps.Registry.DispatchBeforeLLM(ctx, turns, msg)

	stopTyping := b.keepTyping(ctx, msg.ChannelID)
	text, err := b.stream(ctx, hot, msg, turns, warnings)
	stopTyping()
	if err != nil {
		b.logger.ErrorContext(ctx, "response failed", "error", err)
		b.reply(context.WithoutCancel(ctx), msg, failureNotice)
		b.deps.Metrics.RecordMessage(outcomeFailed)
		return
	}

	if text == "" {
		b.logger.WarnContext(ctx, "model returned no text")
		b.deps.Metrics.RecordMessage(outcomeEmpty)
		return
	}
	b.deps.Registry.DispatchAfterLLM(ctx, msg, text)
	b.deps.Metrics.RecordMessage(outcomeReplied)
}

// stream runs the model call and renders its output.
func (b *Bot) stream(ctx context.Context, hot *hotState, msg *models.Message, turns []models.Turn, warnings []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout)
	defer cancel()
	ctx, span := b.deps.Tracer.TraceLLMRequest(ctx, b.model.Provider, b.model.Model)
	defer span.End()

	start := time.Now()
	chunks, err := b.deps.Provider.Stream(ctx, &llm.Request{
		Model:  b.model.Model,
		Turns:  turns,
		Params: hot.params,
	})
	if err != nil {
		b.deps.Metrics.ObserveLLM(b.model.Provider, b.model.Model, err, time.Since(start))
		observability.RecordError(span, err)
		return "", err
	}

	req := render.Request{ChannelID: msg.ChannelID, ReplyTo: msg.ID, Warnings: warnings}
	if b.caps.Names {
		req.SpeakerID = b.BotUserID()
	}
	res, err := b.deps.Renderer.Render(ctx, req, chunks)
	b.deps.Metrics.ObserveLLM(b.model.Provider, b.model.Model, err, time.Since(start))
	if err != nil {
		observability.RecordError(span, err)
		return "", err
	}
	b.logger.DebugContext(ctx, "reply rendered", "segments", len(res.Segments), "finish_reason", res.FinishReason)
	return res.Text, nil
}

// systemPrompt assembles the system turn for msg.
func (b *Bot) systemPrompt(hot *hotState, msg *models.Message) string {
	parts := make([]string, 0, 4)
	if p := strings.TrimSpace(hot.systemPrompt); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, fmt.Sprintf("Today's date: %s.", b.config.Now().Format("January 02 2006")))
	if b.caps.Names {
		parts = append(parts, "User's names are their Discord IDs and should be typed as '<@ID>'.")
	}
	if msg.GuildID != "" {
		parts = append(parts, "You are in a group chat. Respond to the latest message while considering relevant conversation context.")
	}
	return strings.Join(parts, "\n")
}

// warnings turns chain flags into user-facing notes. sent counts the
// conversation turns sent to the model.
func (b *Bot) warnings(c *chain.Chain, sent int) []string {
	var out []string
	f := c.Flags
	if f.TextTruncated {
		out = append(out, fmt.Sprintf("⚠️ Max %s characters per message", thousands(b.config.MaxText)))
	}
	if f.ImageLimitExceeded {
		switch {
		case !b.caps.Images || b.config.MaxImages <= 0:
			out = append(out, "⚠️ Can't see images")
		case b.config.MaxImages == 1:
			out = append(out, "⚠️ Max 1 image per message")
		default:
			out = append(out, fmt.Sprintf("⚠️ Max %d images per message", b.config.MaxImages))
		}
	}
	if f.UnsupportedAttachments {
		out = append(out, "⚠️ Unsupported attachments")
	}
	if f.PredecessorFetchFailed || sent >= b.config.MaxMessages {
		out = append(out, fmt.Sprintf("⚠️ Only using last %d message%s", sent, plural(sent)))
	}
	slices.Sort(out)
	return out
}

// keepTyping shows the typing indicator until the returned func is called.
func (b *Bot) keepTyping(ctx context.Context, channelID string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			if err := b.deps.Transport.Typing(ctx, channelID); err != nil && ctx.Err() == nil {
				b.logger.DebugContext(ctx, "typing failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// sweep evicts surplus nodes after a reply.
func (b *Bot) sweep(ctx context.Context) {
	if n := b.deps.Store.Evict(); n > 0 {
		b.logger.DebugContext(ctx, "evicted nodes", "count", n)
		b.deps.Metrics.RecordEviction(n)
	}
	b.deps.Metrics.SetCacheSize(b.deps.Store.Len())
}

func thousands(n int) string {
	s := strconv.Itoa(n)
	if n < 0 {
		return "-" + thousands(-n)
	}
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return s
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
