package llm

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/haasonsaas/llmcord/pkg/models"
)

// Provider kinds.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
)

// Endpoint describes one configured provider.
type Endpoint struct {
	// Kind selects the wire protocol. Empty means "anthropic" for a provider
	// named anthropic and "openai" for everything else.
	Kind    string
	BaseURL string
	APIKey  string
}

// Router maps provider keys to providers.
type Router struct {
	providers map[string]Provider
}

// NewRouter builds a provider for every endpoint.
func NewRouter(endpoints map[string]Endpoint, timeout time.Duration, logger *slog.Logger) (*Router, error) {
	r := &Router{providers: make(map[string]Provider, len(endpoints))}
	for name, ep := range endpoints {
		kind := ep.Kind
		if kind == "" {
			kind = KindOpenAI
			if name == KindAnthropic {
				kind = KindAnthropic
			}
		}
		switch kind {
		case KindOpenAI:
			r.providers[name] = NewOpenAIProvider(OpenAIConfig{
				Name:    name,
				APIKey:  ep.APIKey,
				BaseURL: ep.BaseURL,
				Timeout: timeout,
				Logger:  logger,
			})
		case KindAnthropic:
			r.providers[name] = NewAnthropicProvider(AnthropicConfig{
				Name:    name,
				APIKey:  ep.APIKey,
				BaseURL: ep.BaseURL,
				Logger:  logger,
			})
		default:
			return nil, fmt.Errorf("provider %q: unknown kind %q", name, kind)
		}
	}
	return r, nil
}

// NewStaticRouter wraps existing providers, keyed by Name.
func NewStaticRouter(providers ...Provider) *Router {
	r := &Router{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Resolve parses ref and returns its provider and detected capabilities.
func (r *Router) Resolve(ref string) (Provider, ModelRef, models.Capabilities, error) {
	m, err := ParseModel(ref)
	if err != nil {
		return nil, ModelRef{}, models.Capabilities{}, err
	}
	p, ok := r.providers[m.Provider]
	if !ok {
		return nil, m, models.Capabilities{}, fmt.Errorf("no provider configured for %q", m.Provider)
	}
	return p, m, DetectCapabilities(m), nil
}

// Names returns the configured provider keys.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
