// Package plugins loads the optional features that extend the bot through
// the hook registry: memory, captions, transcription, speech, faces and
// birthdays.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/llmcord/internal/content"
	"github.com/haasonsaas/llmcord/internal/hooks"
	"github.com/haasonsaas/llmcord/internal/observability"
	"github.com/haasonsaas/llmcord/internal/process"
	"github.com/haasonsaas/llmcord/pkg/models"
)

// Info describes a plugin.
type Info struct {
	ID          string
	Name        string
	Version     string
	Description string
}

// Plugin is a feature registered against the hook registry.
type Plugin interface {
	Info() Info
	// Schema returns the JSON schema of the plugin's settings, or "" when
	// it takes none.
	Schema() string
	Register(reg *hooks.Registry, host *Host) error
}

// Factory builds a fresh plugin instance.
type Factory func() Plugin

// Replier is how plugins talk back to users.
type Replier interface {
	SendText(ctx context.Context, channelID string, replyTo models.MessageID, text string) (models.MessageID, error)
	SendDM(ctx context.Context, userID, text string) error
	SendFile(ctx context.Context, channelID string, replyTo models.MessageID, name, contentType string, data []byte, caption string) (models.MessageID, error)
}

// Host is what a plugin may use besides the registry.
type Host struct {
	ID       string
	Replier  Replier
	Pool     *process.Pool
	Fetcher  content.Fetcher
	Metrics  *observability.Metrics
	Logger   *slog.Logger
	Settings map[string]any
	// Capabilities of the active model.
	Capabilities models.Capabilities
	// CommandPrefix is the in-chat command prefix, for help texts.
	CommandPrefix string
}

// Decode unmarshals the plugin settings into v.
func (h *Host) Decode(v any) error {
	if len(h.Settings) == 0 {
		return nil
	}
	data, err := json.Marshal(h.Settings)
	if err != nil {
		return fmt.Errorf("encode %s settings: %w", h.ID, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s settings: %w", h.ID, err)
	}
	return nil
}

// Reply sends text in msg's channel as a reply to msg, logging failures.
func (h *Host) Reply(ctx context.Context, msg *models.Message, text string) {
	if _, err := h.Replier.SendText(ctx, msg.ChannelID, msg.ID, text); err != nil {
		h.Logger.WarnContext(ctx, "plugin reply failed", "plugin", h.ID, "error", err)
	}
}

// Source tags a hook or command registration with the plugin ID.
func (h *Host) Source() hooks.RegisterOption { return hooks.WithSource(h.ID) }

// CommandSource tags a command registration with the plugin ID.
func (h *Host) CommandSource() hooks.CommandOption { return hooks.CommandSource(h.ID) }

// Args returns the arguments of the command in msg.
func (h *Host) Args(msg *models.Message) string {
	_, args, _ := hooks.ParseCommand(msg.Content, h.CommandPrefix)
	return args
}
