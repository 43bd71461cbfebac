package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/llmcord/internal/retry"
	"github.com/haasonsaas/llmcord/pkg/models"
)

// OpenAIConfig configures an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	// Name is the provider key the endpoint is configured under.
	Name    string
	APIKey  string
	BaseURL string
	// Timeout bounds the whole request including streaming. Zero means none.
	Timeout time.Duration
	Retry   retry.Policy
	Logger  *slog.Logger
}

// OpenAIProvider streams completions from any endpoint speaking the OpenAI
// chat-completions protocol: OpenAI itself, OpenRouter, Mistral, Groq,
// Ollama, LM Studio, vLLM and x.ai.
//
// Stream creation is retried on rate limits and server errors. Once the
// stream is open, errors are delivered on the chunk channel and never
// retried, since part of the reply may already have been shown.
type OpenAIProvider struct {
	name   string
	client *openai.Client
	retry  retry.Policy
	logger *slog.Logger
}

// NewOpenAIProvider creates a provider. Local servers such as Ollama accept
// an empty API key.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAIProvider{
		name:   cfg.Name,
		client: openai.NewClientWithConfig(clientCfg),
		retry:  cfg.Retry,
		logger: cfg.Logger.With("component", "llm", "provider", cfg.Name),
	}
}

// Name returns the provider key.
func (p *OpenAIProvider) Name() string { return p.name }

// Stream starts a streaming chat completion.
func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Turns),
		Stream:   true,
	}
	applyOpenAIParams(&chatReq, req.Params)

	var stream *openai.ChatCompletionStream
	err := retry.Do(ctx, p.retry, func(ctx context.Context, attempt int) error {
		s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			if !isRetryableOpenAI(err) {
				return retry.Permanent(err)
			}
			p.logger.Warn("stream creation failed, retrying", "attempt", attempt, "error", err)
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: create stream: %w", p.name, err)
	}

	chunks := make(chan Chunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- Chunk) {
	defer close(chunks)
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			send(ctx, chunks, Chunk{FinishReason: "stop"})
			return
		}
		if err != nil {
			send(ctx, chunks, Chunk{Err: fmt.Errorf("%s: stream: %w", p.name, err)})
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			if !send(ctx, chunks, Chunk{Text: choice.Delta.Content}) {
				return
			}
		}
		if choice.FinishReason != "" {
			send(ctx, chunks, Chunk{FinishReason: string(choice.FinishReason)})
			return
		}
	}
}

func toOpenAIMessages(turns []models.Turn) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		msg := openai.ChatCompletionMessage{
			Role: string(t.Role),
			Name: t.SpeakerID,
		}
		if t.Role == models.RoleSystem {
			msg.Name = ""
		}
		if len(t.Parts) == 0 {
			msg.Content = t.Text
		} else {
			for _, part := range t.Parts {
				switch part.Type {
				case models.PartText:
					msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: part.Text,
					})
				case models.PartImage:
					msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    part.ImageURL,
							Detail: openai.ImageURLDetailAuto,
						},
					})
				}
			}
		}
		out = append(out, msg)
	}
	return out
}

func applyOpenAIParams(req *openai.ChatCompletionRequest, p Params) {
	if p.MaxTokens > 0 {
		req.MaxTokens = p.MaxTokens
	}
	if p.Temperature != nil {
		req.Temperature = float32(*p.Temperature)
	}
	if p.TopP != nil {
		req.TopP = float32(*p.TopP)
	}
	if p.PresencePenalty != nil {
		req.PresencePenalty = float32(*p.PresencePenalty)
	}
	if p.FrequencyPenalty != nil {
		req.FrequencyPenalty = float32(*p.FrequencyPenalty)
	}
	if len(p.Stop) > 0 {
		req.Stop = p.Stop
	}
	if p.Seed != nil {
		seed := *p.Seed
		req.Seed = &seed
	}
}

func isRetryableOpenAI(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retry.RetryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retry.RetryableStatus(reqErr.HTTPStatusCode)
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
