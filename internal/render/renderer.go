// Package render streams model output into chat messages, splitting long
// replies across several messages and throttling edits.
package render

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/llmcord/internal/cache"
	"github.com/haasonsaas/llmcord/internal/llm"
	"github.com/haasonsaas/llmcord/internal/observability"
	"github.com/haasonsaas/llmcord/pkg/models"
)

const (
	DefaultIndicator    = " ⚪"
	DefaultEditInterval = time.Second
	// DiscordMaxContent is the hard limit on plain message content.
	DiscordMaxContent = 2000
	// DiscordMaxEmbedDescription is the hard limit on an embed description.
	DiscordMaxEmbedDescription = 4096
)

// Sender posts and edits messages.
type Sender interface {
	Send(ctx context.Context, channelID string, replyTo models.MessageID, out models.Outbound) (models.MessageID, error)
	Edit(ctx context.Context, channelID string, id models.MessageID, out models.Outbound) error
}

// Config configures a Renderer.
type Config struct {
	PlainResponses bool
	// MaxLength is the number of runes per message, indicator excluded.
	// Zero derives it from the transport limit.
	MaxLength    int
	EditInterval time.Duration
	Indicator    string
	// Now is the clock used for throttling.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Indicator == "" {
		c.Indicator = DefaultIndicator
	}
	if c.EditInterval <= 0 {
		c.EditInterval = DefaultEditInterval
	}
	if c.MaxLength <= 0 {
		limit := DiscordMaxEmbedDescription
		if c.PlainResponses {
			limit = DiscordMaxContent
		}
		c.MaxLength = limit - utf8.RuneCountInString(c.Indicator)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Renderer turns token streams into chat messages.
type Renderer struct {
	config  Config
	sender  Sender
	cache   *cache.Store
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewRenderer creates a renderer. metrics may be nil.
func NewRenderer(cfg Config, sender Sender, store *cache.Store, metrics *observability.Metrics, logger *slog.Logger) *Renderer {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		config:  cfg,
		sender:  sender,
		cache:   store,
		metrics: metrics,
		logger:  logger.With("component", "render"),
	}
}

// MaxLength returns the effective per-message rune limit.
func (r *Renderer) MaxLength() int { return r.config.MaxLength }

// Request describes one reply.
type Request struct {
	ChannelID string
	// ReplyTo is the message being answered. Every segment's node points
	// back to it.
	ReplyTo models.MessageID
	// SpeakerID is recorded on the stored turn when names are supported.
	SpeakerID string
	// Warnings are shown on the first segment in embed mode.
	Warnings []string
}

// Result is the outcome of a render.
type Result struct {
	Text         string
	Segments     []models.MessageID
	FinishReason string
}

type segment struct {
	id     models.MessageID
	node   *cache.Node
	text   strings.Builder
	runes  int
	pushed string
	first  bool
}

// reply is the per-call streaming state.
type reply struct {
	r        *Renderer
	req      Request
	segs     []*segment
	lastPush time.Time
	inflight chan struct{}
	mu       sync.Mutex
}

// Render consumes stream until it finishes, fails, or ctx is done.
//
// Each outbound message gets a cache node whose guard is held until the
// whole reply is final, so concurrent chain walks wait for the complete
// text. On return every guard is released and every node holds the full
// reply, whether or not the stream failed. The stream's error is returned
// for the caller to report; content already sent is left in place.
func (r *Renderer) Render(ctx context.Context, req Request, stream <-chan llm.Chunk) (*Result, error) {
	st := &reply{r: r, req: req}
	res := &Result{}

	var streamErr error
loop:
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				break loop
			}
			if chunk.Err != nil {
				streamErr = chunk.Err
				break loop
			}
			st.append(ctx, chunk.Text)
			if chunk.FinishReason != "" {
				res.FinishReason = chunk.FinishReason
				break loop
			}
			st.maybePush(ctx)
		case <-ctx.Done():
			streamErr = ctx.Err()
			break loop
		}
	}

	st.finish(context.WithoutCancel(ctx), streamErr == nil)
	res.Text = st.fullText()
	for _, s := range st.segs {
		if s.id != 0 {
			res.Segments = append(res.Segments, s.id)
		}
	}
	return res, streamErr
}

// append adds text, opening new segments at the length limit.
func (st *reply) append(ctx context.Context, text string) {
	max := st.r.config.MaxLength
	for text != "" {
		var cur *segment
		if n := len(st.segs); n > 0 {
			cur = st.segs[n-1]
		}
		if cur == nil || cur.runes >= max {
			if cur != nil {
				st.closeSegment(ctx, cur)
			}
			var piece string
			piece, text = splitRunes(text, max)
			st.openSegment(ctx, piece)
			continue
		}
		var piece string
		piece, text = splitRunes(text, max-cur.runes)
		cur.text.WriteString(piece)
		cur.runes += utf8.RuneCountInString(piece)
	}
}

func (st *reply) openSegment(ctx context.Context, text string) {
	st.wait()
	seg := &segment{first: len(st.segs) == 0}
	seg.text.WriteString(text)
	seg.runes = utf8.RuneCountInString(text)

	replyTo := st.req.ReplyTo
	for i := len(st.segs) - 1; i >= 0; i-- {
		if st.segs[i].id != 0 {
			replyTo = st.segs[i].id
			break
		}
	}

	out := st.outbound(seg, false)
	id, err := st.r.sender.Send(ctx, st.req.ChannelID, replyTo, out)
	st.lastPush = st.r.config.Now()
	st.segs = append(st.segs, seg)
	st.r.metrics.RecordSegment(err)
	if err != nil {
		st.r.logger.Warn("failed to send reply segment", "channel_id", st.req.ChannelID, "segment", len(st.segs), "error", err)
		return
	}
	seg.id = id
	seg.pushed = seg.text.String()

	node := st.r.cache.GetOrCreate(id)
	if !node.TryAcquire() {
		if err := node.Acquire(ctx); err != nil {
			st.r.logger.Warn("could not guard reply node", "message_id", id, "error", err)
			return
		}
	}
	seg.node = node
}

// closeSegment pushes a full segment's final content before moving on.
func (st *reply) closeSegment(ctx context.Context, seg *segment) {
	st.wait()
	st.edit(ctx, seg, true, true)
}

// maybePush edits the open segment when no edit is in flight and the edit
// interval has elapsed since the last push.
func (st *reply) maybePush(ctx context.Context) {
	if len(st.segs) == 0 {
		return
	}
	seg := st.segs[len(st.segs)-1]
	if seg.id == 0 || seg.text.String() == seg.pushed || st.busy() {
		return
	}
	now := st.r.config.Now()
	if now.Sub(st.lastPush) < st.r.config.EditInterval {
		return
	}
	st.lastPush = now

	out := st.outbound(seg, false)
	seg.pushed = seg.text.String()
	done := make(chan struct{})
	st.mu.Lock()
	st.inflight = done
	st.mu.Unlock()
	go func() {
		defer close(done)
		err := st.r.sender.Edit(ctx, st.req.ChannelID, seg.id, out)
		st.r.metrics.RecordEdit(err)
		if err != nil {
			st.r.logger.Warn("failed to edit reply", "message_id", seg.id, "error", err)
		}
	}()
}

func (st *reply) edit(ctx context.Context, seg *segment, done, complete bool) {
	if seg.id == 0 {
		return
	}
	out := st.outbound(seg, done)
	if !complete && out.Embed != nil {
		out.Embed.Color = models.ColorIncomplete
	}
	err := st.r.sender.Edit(ctx, st.req.ChannelID, seg.id, out)
	st.r.metrics.RecordEdit(err)
	if err != nil {
		st.r.logger.Warn("failed to finalize reply", "message_id", seg.id, "error", err)
		return
	}
	seg.pushed = seg.text.String()
	st.lastPush = st.r.config.Now()
}

func (st *reply) busy() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.inflight == nil {
		return false
	}
	select {
	case <-st.inflight:
		st.inflight = nil
		return false
	default:
		return true
	}
}

func (st *reply) wait() {
	st.mu.Lock()
	ch := st.inflight
	st.inflight = nil
	st.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

// finish pushes the last segment's final content, then stores the full
// reply in every node and releases the guards.
func (st *reply) finish(ctx context.Context, complete bool) {
	st.wait()
	if n := len(st.segs); n > 0 {
		st.edit(ctx, st.segs[n-1], true, complete)
	}

	turn := models.Turn{Role: models.RoleAssistant, Text: st.fullText(), SpeakerID: st.req.SpeakerID}
	for _, seg := range st.segs {
		if seg.node == nil {
			continue
		}
		seg.node.Set(cache.Entry{Turn: turn, Predecessor: st.req.ReplyTo})
		seg.node.Release()
	}
}

func (st *reply) fullText() string {
	var b strings.Builder
	for _, s := range st.segs {
		b.WriteString(s.text.String())
	}
	return b.String()
}

func (st *reply) outbound(seg *segment, done bool) models.Outbound {
	text := seg.text.String()
	if !done {
		text += st.r.config.Indicator
	}
	if st.r.config.PlainResponses {
		return models.Outbound{Text: text}
	}
	embed := &models.OutboundEmbed{Description: text, Color: models.ColorIncomplete}
	if done {
		embed.Color = models.ColorComplete
	}
	if seg.first {
		for _, w := range st.req.Warnings {
			embed.Fields = append(embed.Fields, models.EmbedField{Name: w})
		}
	}
	return models.Outbound{Embed: embed}
}

// splitRunes returns the first n runes of s and the rest.
func splitRunes(s string, n int) (string, string) {
	if n <= 0 {
		return "", s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i], s[i:]
		}
		count++
	}
	return s, ""
}
