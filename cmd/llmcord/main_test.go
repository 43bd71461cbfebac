package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/llmcord/internal/config"
	"github.com/haasonsaas/llmcord/internal/plugins/builtin"
	"github.com/haasonsaas/llmcord/pkg/models"
)

const testConfig = `
discord:
  bot_token: tok
  allowed_channel_types: [text, dm]
  max_images: 2
  triggers:
    names: ["llm ?cord"]
llm:
  model: openai/gpt-4o
  providers:
    openai:
      api_key: sk-test
  extra_api_parameters:
    temperature: 0.5
plugins:
  example:
    enabled: true
  memory:
    enabled: false
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	if _, _, err := cmd.Find([]string{"check-config"}); err != nil {
		t.Fatalf("check-config not registered: %v", err)
	}
	if cmd.PersistentFlags().Lookup("config") == nil {
		t.Error("missing --config flag")
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("LLMCORD_CONFIG", "")
	if got := resolveConfigPath(""); got != defaultConfigPath {
		t.Errorf("default = %q", got)
	}
	t.Setenv("LLMCORD_CONFIG", "/etc/llmcord.yaml")
	if got := resolveConfigPath(""); got != "/etc/llmcord.yaml" {
		t.Errorf("env = %q", got)
	}
	if got := resolveConfigPath("local.yaml"); got != "local.yaml" {
		t.Errorf("flag = %q", got)
	}
}

func TestBotConfig(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, testConfig))
	if err != nil {
		t.Fatal(err)
	}
	got, err := botConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got.Model != "openai/gpt-4o" || got.MaxImages != 2 || got.CommandPrefix != "!" {
		t.Errorf("botConfig = %+v", got)
	}
	if len(got.AllowedChannelTypes) != 2 || got.AllowedChannelTypes[1] != models.ChannelDM {
		t.Errorf("channel types = %v", got.AllowedChannelTypes)
	}
	if got.Params.Temperature == nil || *got.Params.Temperature != 0.5 {
		t.Errorf("params = %+v", got.Params)
	}
	if len(got.Triggers.Names) != 1 || got.Triggers.UnpromptedEvery != 50 {
		t.Errorf("triggers = %+v", got.Triggers)
	}
}

func TestMaxImages(t *testing.T) {
	n := 3
	zero := 0
	tests := []struct {
		limit  *int
		images bool
		want   int
	}{
		{&n, true, 3},
		{&n, false, -1},
		{&zero, true, -1},
	}
	for _, tt := range tests {
		cfg := &config.Config{Discord: config.DiscordConfig{MaxImages: tt.limit}}
		if got := maxImages(cfg, models.Capabilities{Images: tt.images}); got != tt.want {
			t.Errorf("maxImages(%d, %v) = %d, want %d", *tt.limit, tt.images, got, tt.want)
		}
	}
}

func TestRunCheckConfig(t *testing.T) {
	var out bytes.Buffer
	if err := runCheckConfig(&out, writeConfig(t, testConfig)); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "plugin: example\n") || strings.Contains(out.String(), "memory") {
		t.Errorf("output = %q", out.String())
	}
}

func TestCheckPluginsReportsEveryProblem(t *testing.T) {
	entries := map[string]config.PluginConfig{
		"ghost":  {Enabled: true},
		"memory": {Enabled: true, Settings: map[string]any{"bogus": 1}},
		"tts":    {Enabled: false, Settings: map[string]any{"bogus": 1}},
	}
	_, err := checkPlugins(builtin.Catalog(), entries)
	if err == nil {
		t.Fatal("want error")
	}
	for _, want := range []string{"plugins.ghost: unknown plugin", "plugins.memory: settings invalid"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("err = %v, missing %q", err, want)
		}
	}
	if strings.Contains(err.Error(), "tts") {
		t.Errorf("disabled plugin checked: %v", err)
	}
}
