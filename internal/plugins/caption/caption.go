// Package caption describes image attachments so models without vision
// still learn what was posted.
package caption

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/llmcord/internal/content"
	"github.com/haasonsaas/llmcord/internal/hooks"
	"github.com/haasonsaas/llmcord/internal/plugins"
	"github.com/haasonsaas/llmcord/internal/process"
	"github.com/haasonsaas/llmcord/pkg/models"
)

const (
	BackendCommand = "command"
	BackendOpenAI  = "openai"

	DefaultPrompt   = "Describe this image in detailed language."
	DefaultModel    = openai.GPT4oMini
	DefaultMaxBytes = 20 << 20
)

// DefaultArgs suit llama-mtmd-cli once model paths are prepended.
var DefaultArgs = []string{"--image", "{image}", "--prompt", "{prompt}"}

// Settings configure the plugin.
type Settings struct {
	Backend string `json:"backend"`
	// Command backend: executable and arguments. {image} and {prompt} are
	// substituted.
	Command string   `json:"command"`
	Args    []string `json:"args"`
	// OpenAI backend.
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`

	Prompt   string `json:"prompt"`
	MaxBytes int64  `json:"max_bytes"`
}

const settingsSchema = `{
	"type": "object",
	"properties": {
		"backend": {"enum": ["command", "openai"]},
		"command": {"type": "string"},
		"args": {"type": "array", "items": {"type": "string"}},
		"model": {"type": "string"},
		"api_key": {"type": "string"},
		"base_url": {"type": "string"},
		"prompt": {"type": "string"},
		"max_bytes": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": false
}`

// captioner produces a description of an image.
type captioner interface {
	Caption(ctx context.Context, data []byte, mediaType string) (string, error)
}

type Plugin struct {
	host     *plugins.Host
	settings Settings
	backend  captioner
}

func New() plugins.Plugin { return &Plugin{} }

func (p *Plugin) Info() plugins.Info {
	return plugins.Info{
		ID:          "caption",
		Name:        "Vision Caption",
		Version:     "1.0",
		Description: "Captions image attachments with a local vision model or the OpenAI API",
	}
}

func (p *Plugin) Schema() string { return settingsSchema }

func (p *Plugin) Register(reg *hooks.Registry, host *plugins.Host) error {
	p.host = host
	p.settings = Settings{Backend: BackendCommand, Prompt: DefaultPrompt, Model: DefaultModel, MaxBytes: DefaultMaxBytes}
	if err := host.Decode(&p.settings); err != nil {
		return err
	}

	switch p.settings.Backend {
	case BackendCommand:
		if p.settings.Command == "" {
			return fmt.Errorf("caption: command backend needs a command")
		}
		if host.Pool == nil {
			return fmt.Errorf("caption: command backend needs the offload pool")
		}
		args := p.settings.Args
		if len(args) == 0 {
			args = DefaultArgs
		}
		p.backend = &commandCaptioner{pool: host.Pool, path: p.settings.Command, args: args, prompt: p.settings.Prompt}
	case BackendOpenAI:
		cfg := openai.DefaultConfig(p.settings.APIKey)
		if p.settings.BaseURL != "" {
			cfg.BaseURL = p.settings.BaseURL
		}
		p.backend = &openAICaptioner{client: openai.NewClientWithConfig(cfg), model: p.settings.Model, prompt: p.settings.Prompt}
	default:
		return fmt.Errorf("caption: unknown backend %q", p.settings.Backend)
	}

	reg.OnAttachment(p.process, host.Source(), hooks.WithName("caption.image"))
	return nil
}

// process claims image attachments. A failed caption still hands the image
// over when the model can see it.
func (p *Plugin) process(ctx context.Context, att models.Attachment, acceptsImages bool, _ *models.Message) (*hooks.AttachmentResult, error) {
	if !att.IsImage() {
		return nil, nil
	}
	data, err := p.host.Fetcher.Fetch(ctx, att.URL, p.settings.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", att.Filename, err)
	}

	res := &hooks.AttachmentResult{MediaType: att.ContentType}
	if acceptsImages {
		res.ImageData = base64.StdEncoding.EncodeToString(data)
	}

	caption, err := p.backend.Caption(ctx, data, att.ContentType)
	if err != nil {
		p.host.Logger.WarnContext(ctx, "caption failed", "filename", att.Filename, "error", err)
		if res.ImageData == "" {
			return nil, err
		}
		return res, nil
	}
	p.host.Logger.DebugContext(ctx, "image captioned", "filename", att.Filename, "chars", len(caption))
	res.Caption = att.Filename + ": " + caption
	return res, nil
}

type commandCaptioner struct {
	pool   *process.Pool
	path   string
	args   []string
	prompt string
}

func (c *commandCaptioner) Caption(ctx context.Context, data []byte, mediaType string) (string, error) {
	dir, err := os.MkdirTemp("", "caption-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	image := filepath.Join(dir, "image"+extension(mediaType))
	if err := os.WriteFile(image, data, 0o600); err != nil {
		return "", err
	}

	args := make([]string, len(c.args))
	for i, a := range c.args {
		a = strings.ReplaceAll(a, "{image}", image)
		args[i] = strings.ReplaceAll(a, "{prompt}", c.prompt)
	}

	out, err := c.pool.Run(ctx, process.LaneVision, process.Command{Path: c.path, Args: args})
	if err != nil {
		return "", err
	}
	return lastLine(out.Stdout, c.prompt)
}

// lastLine returns the final non-empty stdout line with any echoed prompt
// removed.
func lastLine(stdout []byte, prompt string) (string, error) {
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	line := strings.TrimSpace(string(lines[len(lines)-1]))
	if prompt != "" {
		if _, after, ok := strings.Cut(line, prompt); ok {
			line = strings.TrimSpace(after)
		}
	}
	if line == "" {
		return "", fmt.Errorf("vision model returned no caption")
	}
	return line, nil
}

func extension(mediaType string) string {
	switch strings.ToLower(mediaType) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

type openAICaptioner struct {
	client *openai.Client
	model  string
	prompt string
}

func (c *openAICaptioner) Caption(ctx context.Context, data []byte, mediaType string) (string, error) {
	if mediaType == "" {
		mediaType = "image/png"
	}
	url := content.DataURL(mediaType, base64.StdEncoding.EncodeToString(data))
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: c.prompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
					URL:    url,
					Detail: openai.ImageURLDetailAuto,
				}},
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("vision request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("vision response has no choices")
	}
	caption := strings.TrimSpace(resp.Choices[0].Message.Content)
	if caption == "" {
		return "", fmt.Errorf("vision model returned no caption")
	}
	return caption, nil
}
