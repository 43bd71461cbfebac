// Package llm streams chat completions from remote language-model endpoints.
//
// A model is addressed as "provider/model" (for example
// "openai/gpt-4o" or "ollama/llama3.2-vision"). The provider part selects a
// configured endpoint; everything after the first slash is sent as the
// model name.
//
// Providers return a channel of Chunks. The channel is closed after the
// final chunk, which carries either a FinishReason or an Err. Consumers
// should drain the channel or cancel the context.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/llmcord/pkg/models"
)

// Provider is a streaming chat-completion backend.
type Provider interface {
	// Name returns the configured provider key, such as "openai".
	Name() string

	// Stream starts a completion. Errors creating the stream are returned
	// directly; errors while streaming arrive as a chunk with Err set.
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// Request is a single completion request.
type Request struct {
	// Model is the model name without the provider prefix.
	Model string
	// Turns is the full conversation including any system turns.
	Turns  []models.Turn
	Params Params
}

// Chunk is one increment of a streamed reply.
type Chunk struct {
	Text         string
	FinishReason string
	Err          error
}

// ModelRef is a parsed "provider/model" string.
type ModelRef struct {
	Provider string
	Model    string
}

func (r ModelRef) String() string { return r.Provider + "/" + r.Model }

// ParseModel splits a "provider/model" reference.
func ParseModel(ref string) (ModelRef, error) {
	provider, model, ok := strings.Cut(strings.TrimSpace(ref), "/")
	if !ok || provider == "" || model == "" {
		return ModelRef{}, fmt.Errorf("model %q must have the form provider/model", ref)
	}
	return ModelRef{Provider: strings.ToLower(provider), Model: model}, nil
}

// visionPatterns mark model names that accept image input.
var visionPatterns = []string{
	"gpt-4o", "gpt-4.1", "gpt-4-turbo", "gpt-5",
	"claude-3", "claude-sonnet", "claude-opus", "claude-haiku",
	"gemini", "gemma-3", "pixtral", "mistral-medium", "mistral-small",
	"llava", "vision", "-vl",
}

// DetectCapabilities infers what a model accepts from its name. Only the
// OpenAI API accepts per-message speaker names.
func DetectCapabilities(ref ModelRef) models.Capabilities {
	name := strings.ToLower(ref.Model)
	caps := models.Capabilities{Names: ref.Provider == "openai"}
	for _, p := range visionPatterns {
		if strings.Contains(name, p) {
			caps.Images = true
			break
		}
	}
	return caps
}

// SplitSystem separates leading and interleaved system turns from the rest,
// joining the system texts with blank lines.
func SplitSystem(turns []models.Turn) (string, []models.Turn) {
	var system []string
	rest := make([]models.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role == models.RoleSystem {
			if s := strings.TrimSpace(t.PlainText()); s != "" {
				system = append(system, s)
			}
			continue
		}
		rest = append(rest, t)
	}
	return strings.Join(system, "\n\n"), rest
}

// send delivers a chunk unless ctx is done.
func send(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
