// Package content turns inbound chat messages into model-ready turns.
package content

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/llmcord/internal/cache"
	"github.com/haasonsaas/llmcord/internal/hooks"
	"github.com/haasonsaas/llmcord/pkg/models"
)

const (
	DefaultMaxText            = 100000
	DefaultMaxImages          = 5
	DefaultMaxAttachmentBytes = 10 << 20
)

// Config bounds what a single message may contribute.
type Config struct {
	// BotUserID identifies the bot's own messages and mention tokens.
	BotUserID          string
	MaxText            int
	MaxImages          int
	MaxAttachmentBytes int64
}

func (c *Config) applyDefaults() {
	if c.MaxText <= 0 {
		c.MaxText = DefaultMaxText
	}
	if c.MaxImages < 0 {
		c.MaxImages = 0
	} else if c.MaxImages == 0 {
		c.MaxImages = DefaultMaxImages
	}
	if c.MaxAttachmentBytes <= 0 {
		c.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
}

// Normalizer converts messages into turns.
type Normalizer struct {
	config  Config
	hooks   *hooks.Registry
	fetcher Fetcher
	logger  *slog.Logger
}

// NewNormalizer creates a normalizer. registry may be nil.
func NewNormalizer(cfg Config, registry *hooks.Registry, fetcher Fetcher, logger *slog.Logger) *Normalizer {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if fetcher == nil {
		fetcher = NewHTTPFetcher(0)
	}
	return &Normalizer{
		config:  cfg,
		hooks:   registry,
		fetcher: fetcher,
		logger:  logger.With("component", "normalizer"),
	}
}

// SetBotUserID sets the bot identity once the client is connected.
func (n *Normalizer) SetBotUserID(id string) { n.config.BotUserID = id }

// Config returns the effective configuration.
func (n *Normalizer) Config() Config { return n.config }

// Normalize builds the turn for msg. It suspends on attachment downloads and
// attachment hooks. Download failures are logged and the attachment is
// skipped.
func (n *Normalizer) Normalize(ctx context.Context, msg *models.Message, caps models.Capabilities) (models.Turn, cache.Flags) {
	var flags cache.Flags

	var images, texts []models.Attachment
	for _, att := range msg.Attachments {
		switch {
		case att.Size > n.config.MaxAttachmentBytes:
			flags.UnsupportedAttachments = true
		case att.IsImage():
			images = append(images, att)
		case att.IsText():
			texts = append(texts, att)
		default:
			flags.UnsupportedAttachments = true
		}
	}
	if len(images) > n.config.MaxImages {
		flags.ImageLimitExceeded = true
		images = images[:n.config.MaxImages]
	}

	var captions []string
	var parts []models.ContentPart
	for _, att := range images {
		caption, part := n.image(ctx, msg, att, caps)
		if caption != "" {
			captions = append(captions, fmt.Sprintf("[Image description: %s]", caption))
		}
		if part != nil {
			parts = append(parts, *part)
		}
	}

	pieces := make([]string, 0, 2+len(captions)+len(msg.Embeds)+len(texts))
	if body := n.stripMentions(msg.Content); body != "" {
		pieces = append(pieces, body)
	}
	pieces = append(pieces, captions...)
	for _, e := range msg.Embeds {
		if d := strings.TrimSpace(e.Description); d != "" {
			pieces = append(pieces, d)
		}
	}
	for _, att := range texts {
		data, err := n.fetcher.Fetch(ctx, att.URL, n.config.MaxAttachmentBytes)
		if err != nil {
			n.logger.Warn("text attachment fetch failed", "message_id", msg.ID, "filename", att.Filename, "error", err)
			continue
		}
		if !utf8.Valid(data) {
			n.logger.Debug("text attachment is not utf-8", "message_id", msg.ID, "filename", att.Filename)
			flags.UnsupportedAttachments = true
			continue
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			pieces = append(pieces, s)
		}
	}

	text, truncated := Truncate(strings.Join(pieces, "\n"), n.config.MaxText)
	flags.TextTruncated = truncated

	turn := models.Turn{Role: models.RoleUser}
	if n.config.BotUserID != "" && msg.Author.ID == n.config.BotUserID {
		turn.Role = models.RoleAssistant
	}
	if caps.Names && msg.Author.ID != "" {
		turn.SpeakerID = msg.Author.ID
	}
	if len(parts) == 0 {
		turn.Text = text
	} else {
		if text != "" {
			turn.Parts = append(turn.Parts, models.ContentPart{Type: models.PartText, Text: text})
		}
		turn.Parts = append(turn.Parts, parts...)
	}
	return turn, flags
}

// image resolves one image attachment into a caption and an inline part.
func (n *Normalizer) image(ctx context.Context, msg *models.Message, att models.Attachment, caps models.Capabilities) (string, *models.ContentPart) {
	var res *hooks.AttachmentResult
	if n.hooks != nil {
		res = n.hooks.DispatchAttachment(ctx, att, caps.Images, msg)
	}
	if res != nil {
		var part *models.ContentPart
		if caps.Images && res.ImageData != "" {
			mediaType := res.MediaType
			if mediaType == "" {
				mediaType = att.ContentType
			}
			part = &models.ContentPart{Type: models.PartImage, ImageURL: DataURL(mediaType, res.ImageData)}
		}
		return strings.TrimSpace(res.Caption), part
	}
	if !caps.Images {
		return "", nil
	}

	data, err := n.fetcher.Fetch(ctx, att.URL, n.config.MaxAttachmentBytes)
	if err != nil {
		n.logger.Warn("image fetch failed", "message_id", msg.ID, "filename", att.Filename, "error", err)
		return "", nil
	}
	return "", &models.ContentPart{
		Type:     models.PartImage,
		ImageURL: DataURL(att.ContentType, base64.StdEncoding.EncodeToString(data)),
	}
}

// stripMentions removes the bot's own mention tokens.
func (n *Normalizer) stripMentions(s string) string {
	if id := n.config.BotUserID; id != "" {
		s = strings.ReplaceAll(s, "<@"+id+">", "")
		s = strings.ReplaceAll(s, "<@!"+id+">", "")
	}
	return strings.TrimSpace(s)
}

// DataURL builds an inline data URL from a base64 payload.
func DataURL(mediaType, b64 string) string {
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	if mediaType == "" {
		mediaType = "image/png"
	}
	return "data:" + mediaType + ";base64," + b64
}

// Truncate cuts s to at most max runes.
func Truncate(s string, max int) (string, bool) {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s, false
	}
	i, count := 0, 0
	for i = range s {
		if count == max {
			break
		}
		count++
	}
	return s[:i], true
}
