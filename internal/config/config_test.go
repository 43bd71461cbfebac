package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimal = `
discord:
  bot_token: ${TEST_LLMCORD_TOKEN:-tok}
llm:
  model: openai/gpt-4o
  providers:
    openai:
      api_key: sk-test
`

func writeConfig(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", minimal)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Discord.BotToken != "tok" {
		t.Errorf("token = %q, want env default", cfg.Discord.BotToken)
	}
	if cfg.Discord.MaxMessages != 25 || *cfg.Discord.MaxImages != 5 || cfg.Discord.MaxText != 100_000 {
		t.Errorf("discord defaults = %+v", cfg.Discord)
	}
	if cfg.Discord.HistoryWindow != 5*time.Minute || cfg.Discord.Triggers.UnpromptedEvery != 50 {
		t.Errorf("history/trigger defaults = %+v", cfg.Discord)
	}
	if cfg.Cache.Capacity != 100 || cfg.Hooks.Timeout != 30*time.Second {
		t.Errorf("cache/hooks defaults = %+v %+v", cfg.Cache, cfg.Hooks)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_LLMCORD_TOKEN", "from-env")
	path := writeConfig(t, t.TempDir(), "config.yaml", minimal)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Discord.BotToken != "from-env" {
		t.Errorf("token = %q", cfg.Discord.BotToken)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", minimal+"\ncache:\n  capacty: 10\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missing token",
			body:    "llm:\n  model: openai/gpt-4o\n  providers:\n    openai: {}\n",
			wantErr: "bot_token",
		},
		{
			name:    "model without provider entry",
			body:    "discord:\n  bot_token: x\nllm:\n  model: mistral/large\n  providers:\n    openai: {}\n",
			wantErr: "mistral",
		},
		{
			name:    "bad model form",
			body:    "discord:\n  bot_token: x\nllm:\n  model: gpt-4o\n",
			wantErr: "provider/model",
		},
		{
			name:    "unknown channel type",
			body:    strings.Replace(minimal, "discord:\n", "discord:\n  allowed_channel_types: [forum]\n", 1),
			wantErr: "allowed_channel_types",
		},
		{
			name:    "valid",
			body:    minimal,
			wantErr: "",
		},
		{
			name:    "bad trigger regex",
			body:    strings.Replace(minimal, "discord:\n", "discord:\n  triggers:\n    names: [\"(\"]\n", 1),
			wantErr: "triggers.names",
		},
		{
			name:    "unknown extra parameter",
			body:    minimal + "  extra_api_parameters:\n    warp_factor: 9\n",
			wantErr: "extra_api_parameters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), "config.yaml", tt.body)
			_, err := Load(path)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Load() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestMissingTokenSentinel(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", "llm:\n  model: openai/gpt-4o\n  providers:\n    openai: {}\n")
	_, err := Load(path)
	if !errors.Is(err, ErrMissingToken) {
		t.Fatalf("err = %v, want ErrMissingToken", err)
	}
}

func TestLoadIncludes(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "providers.json5", `{
  // shared provider block
  llm: {providers: {openai: {api_key: "sk-shared"}, anthropic: {kind: "anthropic"}}},
  cache: {capacity: 7},
}`)
	path := writeConfig(t, dir, "config.yaml", `
$include: providers.json5
discord:
  bot_token: x
llm:
  model: anthropic/claude-sonnet-4
cache:
  capacity: 9
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.Providers["openai"].APIKey != "sk-shared" {
		t.Errorf("included provider missing: %+v", cfg.LLM.Providers)
	}
	if cfg.Cache.Capacity != 9 {
		t.Errorf("including file should win, capacity = %d", cfg.Cache.Capacity)
	}
	if eps := cfg.Endpoints(); eps["anthropic"].Kind != "anthropic" {
		t.Errorf("endpoints = %+v", eps)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeConfig(t, dir, "b.yaml", "$include: a.yaml\n")

	if _, err := LoadRaw(path); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("LoadRaw() error = %v, want cycle", err)
	}
}

func TestRestartRequired(t *testing.T) {
	base := func() *Config {
		c := &Config{}
		c.Discord.BotToken = "x"
		c.LLM.Model = "openai/gpt-4o"
		c.ApplyDefaults()
		return c
	}

	hot := base()
	hot.LLM.SystemPrompt = "be terse"
	hot.Discord.Status = "online"
	hot.Discord.AllowedChannelIDs = []string{"1"}
	hot.Discord.Triggers.Keywords = []string{"bot"}
	if got := RestartRequired(base(), hot); len(got) != 0 {
		t.Errorf("hot-only changes reported cold sections %v", got)
	}

	cold := base()
	cold.LLM.Model = "openai/gpt-4.1"
	cold.Cache.Capacity = 5
	got := RestartRequired(base(), cold)
	if strings.Join(got, ",") != "llm,cache" {
		t.Errorf("RestartRequired = %v, want [llm cache]", got)
	}
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", minimal)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	changed := make(chan *Config, 4)
	w, err := NewWatcher(path, cfg, func(c *Config) { changed <- c }, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "config.yaml", minimal+"  system_prompt: hello\n")

	select {
	case c := <-changed:
		if c.LLM.SystemPrompt != "hello" {
			t.Errorf("system prompt = %q", c.LLM.SystemPrompt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}
