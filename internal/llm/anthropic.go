package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/llmcord/pkg/models"
)

// DefaultAnthropicMaxTokens is used when no max_tokens parameter is set;
// the Messages API requires one.
const DefaultAnthropicMaxTokens = 4096

// AnthropicConfig configures the Anthropic Messages API.
type AnthropicConfig struct {
	Name       string
	APIKey     string
	BaseURL    string
	MaxRetries int
	Logger     *slog.Logger
}

// AnthropicProvider streams completions from the Anthropic Messages API.
//
// System turns are lifted into the request's system prompt. Consecutive
// turns with the same role are merged because the API requires user and
// assistant turns to alternate. Speaker IDs are not supported by the API.
type AnthropicProvider struct {
	name   string
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicProvider creates a provider.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AnthropicProvider{
		name:   cfg.Name,
		client: anthropic.NewClient(opts...),
		logger: cfg.Logger.With("component", "llm", "provider", cfg.Name),
	}
}

// Name returns the provider key.
func (p *AnthropicProvider) Name() string { return p.name }

// Stream starts a streaming message. The SDK retries the initial request
// itself.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	system, turns := SplitSystem(req.Turns)
	messages := toAnthropicMessages(turns)
	if len(messages) == 0 {
		return nil, errors.New("anthropic: no user or assistant turns")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: DefaultAnthropicMaxTokens,
	}
	if req.Params.MaxTokens > 0 {
		params.MaxTokens = int64(req.Params.MaxTokens)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if req.Params.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Params.Temperature)
	}
	if req.Params.TopP != nil {
		params.TopP = anthropic.Float(*req.Params.TopP)
	}
	if len(req.Params.Stop) > 0 {
		params.StopSequences = req.Params.Stop
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		var stopReason string
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				if delta.Type == "text_delta" && delta.Text != "" {
					if !send(ctx, chunks, Chunk{Text: delta.Text}) {
						return
					}
				}
			case "message_delta":
				stopReason = string(event.AsMessageDelta().Delta.StopReason)
			case "message_stop":
				if stopReason == "" {
					stopReason = "end_turn"
				}
				send(ctx, chunks, Chunk{FinishReason: stopReason})
				return
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, chunks, Chunk{Err: fmt.Errorf("%s: stream: %w", p.name, err)})
			return
		}
		send(ctx, chunks, Chunk{Err: fmt.Errorf("%s: stream ended without message_stop", p.name)})
	}()
	return chunks, nil
}

func toAnthropicMessages(turns []models.Turn) []anthropic.MessageParam {
	type group struct {
		role   models.Role
		blocks []anthropic.ContentBlockParamUnion
	}
	var groups []group
	for _, t := range turns {
		blocks := anthropicBlocks(t)
		if len(blocks) == 0 {
			continue
		}
		if n := len(groups); n > 0 && groups[n-1].role == t.Role {
			groups[n-1].blocks = append(groups[n-1].blocks, blocks...)
			continue
		}
		groups = append(groups, group{role: t.Role, blocks: blocks})
	}

	out := make([]anthropic.MessageParam, 0, len(groups))
	for _, g := range groups {
		if g.role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(g.blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(g.blocks...))
		}
	}
	return out
}

func anthropicBlocks(t models.Turn) []anthropic.ContentBlockParamUnion {
	if len(t.Parts) == 0 {
		if t.Text == "" {
			return nil
		}
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(t.Text)}
	}
	var blocks []anthropic.ContentBlockParamUnion
	for _, part := range t.Parts {
		switch part.Type {
		case models.PartText:
			if part.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		case models.PartImage:
			if mediaType, data, ok := parseDataURL(part.ImageURL); ok {
				blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
			}
		}
	}
	return blocks
}

// parseDataURL splits "data:<type>;base64,<payload>".
func parseDataURL(u string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(u, "data:")
	if !found {
		return "", "", false
	}
	meta, data, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, enc, _ := strings.Cut(meta, ";")
	if enc != "base64" || mediaType == "" {
		return "", "", false
	}
	return mediaType, data, true
}
