// Package builtin lists the plugins compiled into the bot.
package builtin

import (
	"github.com/haasonsaas/llmcord/internal/plugins"
	"github.com/haasonsaas/llmcord/internal/plugins/birthday"
	"github.com/haasonsaas/llmcord/internal/plugins/caption"
	"github.com/haasonsaas/llmcord/internal/plugins/example"
	"github.com/haasonsaas/llmcord/internal/plugins/faces"
	"github.com/haasonsaas/llmcord/internal/plugins/memory"
	"github.com/haasonsaas/llmcord/internal/plugins/transcribe"
	"github.com/haasonsaas/llmcord/internal/plugins/tts"
)

// Catalog maps plugin IDs, as used under the plugins config key, to their
// factories.
func Catalog() map[string]plugins.Factory {
	return map[string]plugins.Factory{
		"birthday":   birthday.New,
		"caption":    caption.New,
		"example":    example.New,
		"faces":      faces.New,
		"memory":     memory.New,
		"transcribe": transcribe.New,
		"tts":        tts.New,
	}
}
