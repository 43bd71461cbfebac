// Package config loads the bot's YAML or JSON5 configuration.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/haasonsaas/llmcord/internal/llm"
)

// ErrMissingToken is returned when no bot token is configured.
var ErrMissingToken = errors.New("discord.bot_token is required")

// Config is the root configuration.
type Config struct {
	Discord DiscordConfig           `yaml:"discord"`
	LLM     LLMConfig               `yaml:"llm"`
	Cache   CacheConfig             `yaml:"cache"`
	Render  RenderConfig            `yaml:"render"`
	Hooks   HooksConfig             `yaml:"hooks"`
	Offload OffloadConfig           `yaml:"offload"`
	Plugins map[string]PluginConfig `yaml:"plugins"`
	Logging LoggingConfig           `yaml:"logging"`
	Metrics MetricsConfig           `yaml:"metrics"`
	Tracing TracingConfig           `yaml:"tracing"`
}

type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
	ClientID string `yaml:"client_id"`
	Status   string `yaml:"status"`

	AllowedChannelIDs   []string `yaml:"allowed_channel_ids"`
	AllowedRoleIDs      []string `yaml:"allowed_role_ids"`
	AllowedChannelTypes []string `yaml:"allowed_channel_types"`

	MaxText            int   `yaml:"max_text"`
	MaxImages          *int  `yaml:"max_images"`
	MaxMessages        int   `yaml:"max_messages"`
	MaxAttachmentBytes int64 `yaml:"max_attachment_bytes"`

	UsePlainResponses bool          `yaml:"use_plain_responses"`
	HistoryWindow     time.Duration `yaml:"history_window"`
	CommandPrefix     string        `yaml:"command_prefix"`

	Triggers    TriggerConfig `yaml:"triggers"`
	OtherBotIDs []string      `yaml:"other_bot_ids"`
}

// TriggerConfig controls which messages get a reply besides mentions and
// replies to the bot.
type TriggerConfig struct {
	// Names are case-insensitive regular expressions matched against the
	// message text.
	Names    []string `yaml:"names"`
	Keywords []string `yaml:"keywords"`
	// UnpromptedEvery replies unprompted after this many messages in a
	// channel. Negative disables it.
	UnpromptedEvery int `yaml:"unprompted_every"`
}

type LLMConfig struct {
	// Model is "provider/model".
	Model              string                    `yaml:"model"`
	Providers          map[string]ProviderConfig `yaml:"providers"`
	SystemPrompt       string                    `yaml:"system_prompt"`
	ExtraAPIParameters map[string]any            `yaml:"extra_api_parameters"`
	AcceptsImages      *bool                     `yaml:"accepts_images"`
	AcceptsNames       *bool                     `yaml:"accepts_names"`
	RequestTimeout     time.Duration             `yaml:"request_timeout"`
}

type ProviderConfig struct {
	Kind    string `yaml:"kind"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type CacheConfig struct {
	Capacity int `yaml:"capacity"`
}

type RenderConfig struct {
	EditInterval time.Duration `yaml:"edit_interval"`
	MaxLength    int           `yaml:"max_length"`
	Indicator    string        `yaml:"indicator"`
}

type HooksConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type OffloadConfig struct {
	Lanes map[string]LaneConfig `yaml:"lanes"`
}

type LaneConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

type PluginConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

type MetricsConfig struct {
	// Listen is the address for the /metrics endpoint. Empty disables it.
	Listen string `yaml:"listen"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
	ServiceName  string  `yaml:"service_name"`
}

// Load reads, merges, decodes, defaults and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	d := &c.Discord
	if d.MaxText == 0 {
		d.MaxText = 100_000
	}
	if d.MaxImages == nil {
		n := 5
		d.MaxImages = &n
	}
	if d.MaxMessages == 0 {
		d.MaxMessages = 25
	}
	if d.MaxAttachmentBytes == 0 {
		d.MaxAttachmentBytes = 10 << 20
	}
	if d.HistoryWindow == 0 {
		d.HistoryWindow = 5 * time.Minute
	}
	if d.CommandPrefix == "" {
		d.CommandPrefix = "!"
	}
	if d.Triggers.UnpromptedEvery == 0 {
		d.Triggers.UnpromptedEvery = 50
	}
	if c.LLM.RequestTimeout == 0 {
		c.LLM.RequestTimeout = 2 * time.Minute
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 100
	}
	if c.Render.EditInterval == 0 {
		c.Render.EditInterval = time.Second
	}
	if c.Hooks.Timeout == 0 {
		c.Hooks.Timeout = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "llmcord"
	}
}

// ValidationError lists every problem found in a config.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Unwrap exposes ErrMissingToken when the token is the problem.
func (e *ValidationError) Unwrap() error {
	if slices.Contains(e.Issues, ErrMissingToken.Error()) {
		return ErrMissingToken
	}
	return nil
}

var channelTypes = []string{"text", "dm", "public_thread", "private_thread"}

// Validate checks the config after defaults are applied.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Discord.BotToken) == "" {
		issues = append(issues, ErrMissingToken.Error())
	}
	for _, t := range c.Discord.AllowedChannelTypes {
		if !slices.Contains(channelTypes, t) {
			add("discord.allowed_channel_types: unknown type %q", t)
		}
	}
	for _, pattern := range c.Discord.Triggers.Names {
		if _, err := regexp.Compile("(?i)" + pattern); err != nil {
			add("discord.triggers.names: %v", err)
		}
	}
	if c.Discord.MaxMessages < 1 {
		add("discord.max_messages must be positive")
	}

	ref, err := llm.ParseModel(c.LLM.Model)
	if err != nil {
		add("llm.model: %v", err)
	} else if _, ok := c.LLM.Providers[ref.Provider]; !ok {
		add("llm.model: provider %q is not configured under llm.providers", ref.Provider)
	}
	for name, p := range c.LLM.Providers {
		switch p.Kind {
		case "", llm.KindOpenAI, llm.KindAnthropic:
		default:
			add("llm.providers.%s.kind: unknown kind %q", name, p.Kind)
		}
	}
	if _, err := llm.ParamsFromMap(c.LLM.ExtraAPIParameters); err != nil {
		add("llm.extra_api_parameters: %v", err)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// Endpoints converts the provider map for llm.NewRouter.
func (c *Config) Endpoints() map[string]llm.Endpoint {
	out := make(map[string]llm.Endpoint, len(c.LLM.Providers))
	for name, p := range c.LLM.Providers {
		out[name] = llm.Endpoint{Kind: p.Kind, BaseURL: p.BaseURL, APIKey: p.APIKey}
	}
	return out
}
