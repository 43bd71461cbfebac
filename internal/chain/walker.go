// Package chain assembles the conversation context preceding a message.
package chain

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/haasonsaas/llmcord/internal/cache"
	"github.com/haasonsaas/llmcord/pkg/models"
)

const (
	DefaultMaxTurns      = 25
	DefaultRecencyWindow = 5 * time.Minute
)

// Source retrieves messages the cache has not seen yet.
type Source interface {
	FetchMessage(ctx context.Context, channelID string, id models.MessageID) (*models.Message, error)
	// History returns up to limit messages sent before the given ID, newest
	// first.
	History(ctx context.Context, channelID string, before models.MessageID, limit int) ([]*models.Message, error)
}

// Normalizer computes a message's turn.
type Normalizer interface {
	Normalize(ctx context.Context, msg *models.Message, caps models.Capabilities) (models.Turn, cache.Flags)
}

// Config configures a Walker.
type Config struct {
	BotUserID     string
	RecencyWindow time.Duration
}

// Walker builds context chains through the node cache.
type Walker struct {
	config     Config
	cache      *cache.Store
	source     Source
	normalizer Normalizer
	logger     *slog.Logger
}

// NewWalker creates a walker.
func NewWalker(cfg Config, store *cache.Store, source Source, normalizer Normalizer, logger *slog.Logger) *Walker {
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = DefaultRecencyWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Walker{
		config:     cfg,
		cache:      store,
		source:     source,
		normalizer: normalizer,
		logger:     logger.With("component", "chain"),
	}
}

// SetBotUserID sets the bot identity once the client is connected.
func (w *Walker) SetBotUserID(id string) { w.config.BotUserID = id }

// Request describes one chain build.
type Request struct {
	Start        *models.Message
	MaxTurns     int
	Capabilities models.Capabilities
	// Participants are authors, besides the start author and the bot,
	// whose messages do not end a history scan.
	Participants []string
}

// Chain is the assembled context.
type Chain struct {
	// Current is the start message's own turn.
	Current models.Turn
	// History holds the non-empty preceding turns, oldest first.
	History []models.Turn
	// Flags is the union of the flags of every visited node.
	Flags cache.Flags
	// Hops counts visited predecessors, empty ones included.
	Hops int
}

// Build resolves the start message and walks backward from it. Replies are
// followed through reply links; other messages fall back to a scan of the
// channel history. Guards are taken one node at a time, newest first.
//
// Only context cancellation is returned as an error. An unreachable
// predecessor flags the node that referenced it and ends the walk.
func (w *Walker) Build(ctx context.Context, req Request) (*Chain, error) {
	start := req.Start
	startNode := w.cache.GetOrCreate(start.ID)
	entry, err := startNode.Resolve(ctx, w.compute(start, req.Capabilities))
	if err != nil {
		return nil, err
	}

	c := &Chain{Current: entry.Turn, Flags: entry.Flags}
	if req.MaxTurns > 0 {
		if start.IsReply() {
			err = w.followReplies(ctx, req, startNode, entry, c)
		} else {
			err = w.scanHistory(ctx, req, startNode, c)
		}
		if err != nil {
			return nil, err
		}
	}
	slices.Reverse(c.History)
	return c, nil
}

func (w *Walker) followReplies(ctx context.Context, req Request, current *cache.Node, entry cache.Entry, c *Chain) error {
	channelID := req.Start.ChannelID
	if req.Start.ReplyChannelID != "" {
		channelID = req.Start.ReplyChannelID
	}

	pred := entry.Predecessor
	for c.Hops < req.MaxTurns && pred != 0 {
		id := pred
		node := w.cache.GetOrCreate(id)
		e, err := node.Resolve(ctx, func(ctx context.Context) (cache.Entry, error) {
			msg, err := w.source.FetchMessage(ctx, channelID, id)
			if err != nil {
				return cache.Entry{}, err
			}
			return w.compute(msg, req.Capabilities)(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("predecessor fetch failed", "message_id", current.ID, "predecessor", id, "error", err)
			if err := current.MarkFlags(ctx, cache.Flags{PredecessorFetchFailed: true}); err != nil {
				return err
			}
			c.Flags.PredecessorFetchFailed = true
			return nil
		}

		c.Hops++
		c.Flags = c.Flags.Merge(e.Flags)
		if !e.Turn.IsEmpty() {
			c.History = append(c.History, e.Turn)
		}
		current, pred = node, e.Predecessor
	}
	return nil
}

func (w *Walker) scanHistory(ctx context.Context, req Request, startNode *cache.Node, c *Chain) error {
	start := req.Start
	msgs, err := w.source.History(ctx, start.ChannelID, start.ID, req.MaxTurns)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn("history fetch failed", "channel_id", start.ChannelID, "error", err)
		if err := startNode.MarkFlags(ctx, cache.Flags{PredecessorFetchFailed: true}); err != nil {
			return err
		}
		c.Flags.PredecessorFetchFailed = true
		return nil
	}

	for _, msg := range msgs {
		if c.Hops >= req.MaxTurns {
			break
		}
		if start.CreatedAt.Sub(msg.CreatedAt) > w.config.RecencyWindow {
			break
		}
		if !w.participant(req, msg.Author.ID) {
			break
		}

		e, err := w.cache.GetOrCreate(msg.ID).Resolve(ctx, w.compute(msg, req.Capabilities))
		if err != nil {
			return err
		}
		c.Hops++
		c.Flags = c.Flags.Merge(e.Flags)
		if !e.Turn.IsEmpty() {
			c.History = append(c.History, e.Turn)
		}
	}
	return nil
}

func (w *Walker) participant(req Request, authorID string) bool {
	if authorID == req.Start.Author.ID || (w.config.BotUserID != "" && authorID == w.config.BotUserID) {
		return true
	}
	return slices.Contains(req.Participants, authorID)
}

func (w *Walker) compute(msg *models.Message, caps models.Capabilities) cache.ComputeFunc {
	return func(ctx context.Context) (cache.Entry, error) {
		turn, flags := w.normalizer.Normalize(ctx, msg, caps)
		return cache.Entry{Turn: turn, Predecessor: msg.ReplyTo, Flags: flags}, nil
	}
}
