// Package transcribe turns audio and video attachments into text with
// Whisper.
package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/llmcord/internal/hooks"
	"github.com/haasonsaas/llmcord/internal/plugins"
	"github.com/haasonsaas/llmcord/internal/process"
	"github.com/haasonsaas/llmcord/pkg/models"
)

const (
	DefaultModel    = openai.Whisper1
	DefaultLanguage = "en"
	DefaultFFmpeg   = "ffmpeg"
	// Whisper rejects uploads above 25 MB.
	DefaultMaxBytes = 25 << 20

	replyLimit = 1900
)

// DefaultKeywords trigger transcription when a message carries media.
var DefaultKeywords = []string{"transcribe", "transcript", "translate this"}

var (
	audioExtensions = map[string]bool{
		".mp3": true, ".wav": true, ".m4a": true, ".ogg": true, ".flac": true,
		".webm": true, ".aac": true, ".wma": true,
	}
	videoExtensions = map[string]bool{
		".mp4": true, ".mkv": true, ".mov": true, ".avi": true, ".flv": true,
		".wmv": true, ".m4v": true, ".mts": true, ".m2ts": true,
	}
)

// Settings configure the plugin.
type Settings struct {
	APIKey   string   `json:"api_key"`
	BaseURL  string   `json:"base_url"`
	Model    string   `json:"model"`
	Language string   `json:"language"`
	FFmpeg   string   `json:"ffmpeg"`
	Keywords []string `json:"keywords"`
	MaxBytes int64    `json:"max_bytes"`
}

const settingsSchema = `{
	"type": "object",
	"properties": {
		"api_key": {"type": "string"},
		"base_url": {"type": "string"},
		"model": {"type": "string"},
		"language": {"type": "string"},
		"ffmpeg": {"type": "string"},
		"keywords": {"type": "array", "items": {"type": "string", "minLength": 1}},
		"max_bytes": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": false
}`

type whisper interface {
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
}

type Plugin struct {
	host     *plugins.Host
	settings Settings
	client   whisper
}

func New() plugins.Plugin { return &Plugin{} }

func (p *Plugin) Info() plugins.Info {
	return plugins.Info{
		ID:          "transcribe",
		Name:        "Whisper Transcription",
		Version:     "1.0",
		Description: "Transcribes audio and video attachments",
	}
}

func (p *Plugin) Schema() string { return settingsSchema }

func (p *Plugin) Register(reg *hooks.Registry, host *plugins.Host) error {
	p.host = host
	p.settings = Settings{
		Model:    DefaultModel,
		Language: DefaultLanguage,
		FFmpeg:   DefaultFFmpeg,
		Keywords: DefaultKeywords,
		MaxBytes: DefaultMaxBytes,
	}
	if err := host.Decode(&p.settings); err != nil {
		return err
	}
	if host.Pool == nil {
		return fmt.Errorf("transcribe: offload pool required")
	}
	cfg := openai.DefaultConfig(p.settings.APIKey)
	if p.settings.BaseURL != "" {
		cfg.BaseURL = p.settings.BaseURL
	}
	p.client = openai.NewClientWithConfig(cfg)

	// Runs ahead of other message hooks so a transcription request is not
	// recorded as conversation.
	reg.OnMessage(p.onMessage, host.Source(), hooks.WithName("transcribe.keywords"), hooks.WithPriority(hooks.PriorityHigh))
	return reg.RegisterCommand("transcribe", p.command, host.CommandSource(),
		hooks.CommandDescription("Transcribe the audio or video files attached to the message"))
}

func (p *Plugin) onMessage(ctx context.Context, msg *models.Message) (hooks.Verdict, error) {
	if !p.requested(msg.Content) || len(media(msg.Attachments)) == 0 {
		return hooks.Continue, nil
	}
	p.host.Logger.InfoContext(ctx, "transcription requested", "message_id", msg.ID)
	p.transcribeAll(ctx, msg)
	return hooks.Stop, nil
}

func (p *Plugin) command(ctx context.Context, msg *models.Message, _ string) error {
	if len(media(msg.Attachments)) == 0 {
		p.host.Reply(ctx, msg, "❌ No audio or video files found")
		return nil
	}
	p.transcribeAll(ctx, msg)
	return nil
}

func (p *Plugin) requested(text string) bool {
	text = strings.ToLower(text)
	for _, kw := range p.settings.Keywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func (p *Plugin) transcribeAll(ctx context.Context, msg *models.Message) {
	for _, att := range media(msg.Attachments) {
		text, err := p.transcribe(ctx, att)
		switch {
		case err != nil:
			p.host.Logger.WarnContext(ctx, "transcription failed", "filename", att.Filename, "error", err)
			p.host.Reply(ctx, msg, fmt.Sprintf("❌ Error transcribing `%s`: %v", att.Filename, err))
		case text == "":
			p.host.Reply(ctx, msg, fmt.Sprintf("🔇 No speech detected in `%s`", att.Filename))
		default:
			reply := fmt.Sprintf("🎤 **Transcription of `%s`:**\n\n%s", att.Filename, text)
			if len(reply) > replyLimit {
				reply = clipBytes(reply, replyLimit) + "..."
			}
			p.host.Reply(ctx, msg, reply)
		}
	}
}

func (p *Plugin) transcribe(ctx context.Context, att models.Attachment) (string, error) {
	data, err := p.host.Fetcher.Fetch(ctx, att.URL, p.settings.MaxBytes)
	if err != nil {
		return "", err
	}
	name := att.Filename
	if isVideo(att) {
		if data, err = p.extractAudio(ctx, att.Filename, data); err != nil {
			return "", err
		}
		name = strings.TrimSuffix(name, filepath.Ext(name)) + ".mp3"
	}

	return process.Submit(ctx, p.host.Pool, process.LaneAudio, func(ctx context.Context) (string, error) {
		resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
			Model:    p.settings.Model,
			FilePath: name,
			Reader:   bytes.NewReader(data),
			Language: p.settings.Language,
		})
		if err != nil {
			return "", fmt.Errorf("whisper: %w", err)
		}
		return strings.TrimSpace(resp.Text), nil
	})
}

// extractAudio converts a video to mp3 with ffmpeg.
func (p *Plugin) extractAudio(ctx context.Context, filename string, data []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "transcribe-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input"+strings.ToLower(filepath.Ext(filename)))
	out := filepath.Join(dir, "audio.mp3")
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, err
	}
	if _, err := p.host.Pool.Run(ctx, process.LaneAudio, process.Command{
		Path: p.settings.FFmpeg,
		Args: []string{"-i", in, "-vn", "-q:a", "9", "-n", out},
	}); err != nil {
		return nil, fmt.Errorf("extract audio: %w", err)
	}
	return os.ReadFile(out)
}

func media(atts []models.Attachment) []models.Attachment {
	var out []models.Attachment
	for _, att := range atts {
		ext := strings.ToLower(filepath.Ext(att.Filename))
		if att.IsAudio() || att.IsVideo() || audioExtensions[ext] || videoExtensions[ext] {
			out = append(out, att)
		}
	}
	return out
}

// isVideo prefers the extension; .webm is treated as audio.
func isVideo(att models.Attachment) bool {
	ext := strings.ToLower(filepath.Ext(att.Filename))
	if audioExtensions[ext] {
		return false
	}
	return videoExtensions[ext] || att.IsVideo()
}

func clipBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
