// Package tts speaks replies aloud as uploaded audio files.
package tts

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"unicode"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/llmcord/internal/hooks"
	"github.com/haasonsaas/llmcord/internal/plugins"
	"github.com/haasonsaas/llmcord/internal/process"
	"github.com/haasonsaas/llmcord/pkg/models"
)

const (
	DefaultModel = openai.TTSModel1
	DefaultVoice = openai.VoiceAlloy
	// DefaultMaxText is the longest text synthesized.
	DefaultMaxText = 500
)

// Settings configure the plugin.
type Settings struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	Voice   string `json:"voice"`
	// EveryN speaks every Nth reply in addition to opted-in users; zero
	// speaks only for them.
	EveryN  int `json:"every_n"`
	MaxText int `json:"max_text"`
}

const settingsSchema = `{
	"type": "object",
	"properties": {
		"api_key": {"type": "string"},
		"base_url": {"type": "string"},
		"model": {"type": "string"},
		"voice": {"enum": ["alloy", "echo", "fable", "onyx", "nova", "shimmer"]},
		"every_n": {"type": "integer", "minimum": 0},
		"max_text": {"type": "integer", "minimum": 1, "maximum": 4096}
	},
	"additionalProperties": false
}`

type speaker interface {
	CreateSpeech(ctx context.Context, req openai.CreateSpeechRequest) (openai.RawResponse, error)
}

type Plugin struct {
	host     *plugins.Host
	settings Settings
	client   speaker

	mu      sync.Mutex
	replies int
	opted   map[string]bool
}

func New() plugins.Plugin { return &Plugin{opted: make(map[string]bool)} }

func (p *Plugin) Info() plugins.Info {
	return plugins.Info{
		ID:          "tts",
		Name:        "Voice TTS",
		Version:     "1.0",
		Description: "Speaks replies as audio files",
	}
}

func (p *Plugin) Schema() string { return settingsSchema }

func (p *Plugin) Register(reg *hooks.Registry, host *plugins.Host) error {
	p.host = host
	p.settings = Settings{Model: string(DefaultModel), Voice: string(DefaultVoice), MaxText: DefaultMaxText}
	if err := host.Decode(&p.settings); err != nil {
		return err
	}
	if host.Pool == nil {
		return fmt.Errorf("tts: offload pool required")
	}
	cfg := openai.DefaultConfig(p.settings.APIKey)
	if p.settings.BaseURL != "" {
		cfg.BaseURL = p.settings.BaseURL
	}
	p.client = openai.NewClientWithConfig(cfg)

	reg.AfterLLM(p.afterReply, host.Source(), hooks.WithName("tts.reply"), hooks.WithPriority(hooks.PriorityLow))
	if err := reg.RegisterCommand("speak", p.speak, host.CommandSource(),
		hooks.CommandDescription("Speak the given text")); err != nil {
		return err
	}
	return reg.RegisterCommand("voice", p.toggle, host.CommandSource(),
		hooks.CommandDescription("Toggle spoken replies for you"))
}

func (p *Plugin) afterReply(ctx context.Context, msg *models.Message, reply string) error {
	if !p.shouldSpeak(msg.Author.ID) {
		return nil
	}
	text := Sanitize(reply)
	if text == "" || len(text) > p.settings.MaxText {
		p.host.Logger.DebugContext(ctx, "reply not spoken", "chars", len(text))
		return nil
	}
	audio, err := p.synthesize(ctx, text)
	if err != nil {
		return err
	}
	_, err = p.host.Replier.SendFile(ctx, msg.ChannelID, msg.ID, "response.mp3", "audio/mpeg", audio, "")
	return err
}

func (p *Plugin) shouldSpeak(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies++
	if p.opted[userID] {
		return true
	}
	return p.settings.EveryN > 0 && p.replies%p.settings.EveryN == 0
}

func (p *Plugin) speak(ctx context.Context, msg *models.Message, _ string) error {
	text := Sanitize(p.host.Args(msg))
	switch {
	case text == "":
		p.host.Reply(ctx, msg, "❌ Usage: `"+p.host.CommandPrefix+"speak <text>`")
		return nil
	case len(text) > p.settings.MaxText:
		p.host.Reply(ctx, msg, fmt.Sprintf("❌ Text too long! Keep it under %d characters.", p.settings.MaxText))
		return nil
	}
	audio, err := p.synthesize(ctx, text)
	if err != nil {
		p.host.Logger.WarnContext(ctx, "speech synthesis failed", "error", err)
		p.host.Reply(ctx, msg, "❌ Couldn't generate speech.")
		return nil
	}
	_, err = p.host.Replier.SendFile(ctx, msg.ChannelID, msg.ID, "speech.mp3", "audio/mpeg", audio, "")
	return err
}

func (p *Plugin) toggle(ctx context.Context, msg *models.Message, userID string) error {
	p.mu.Lock()
	on := !p.opted[userID]
	if on {
		p.opted[userID] = true
	} else {
		delete(p.opted, userID)
	}
	p.mu.Unlock()

	if on {
		p.host.Reply(ctx, msg, "🔊 Voice responses enabled for you.")
	} else {
		p.host.Reply(ctx, msg, "🔇 Voice responses disabled for you.")
	}
	return nil
}

func (p *Plugin) synthesize(ctx context.Context, text string) ([]byte, error) {
	return process.Submit(ctx, p.host.Pool, process.LaneAudio, func(ctx context.Context) ([]byte, error) {
		resp, err := p.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
			Model:          openai.SpeechModel(p.settings.Model),
			Input:          text,
			Voice:          openai.SpeechVoice(p.settings.Voice),
			ResponseFormat: openai.SpeechResponseFormatMp3,
		})
		if err != nil {
			return nil, fmt.Errorf("speech: %w", err)
		}
		defer resp.Close()
		return io.ReadAll(resp)
	})
}

var (
	markup     = regexp.MustCompile("[*_~`>#|]+")
	whitespace = regexp.MustCompile(`\s+`)
)

// Sanitize drops emoji and markdown so only speakable text remains.
func Sanitize(text string) string {
	text = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case unicode.IsControl(r), unicode.Is(unicode.So, r), unicode.Is(unicode.Sk, r),
			unicode.Is(unicode.Variation_Selector, r), r == 0x200d:
			return -1
		}
		return r
	}, text)
	text = markup.ReplaceAllString(text, "")
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}
