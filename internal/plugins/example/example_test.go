package example

import (
	"testing"

	"github.com/haasonsaas/llmcord/internal/hooks"
	"github.com/haasonsaas/llmcord/internal/plugins/plugintest"
)

func TestCommands(t *testing.T) {
	reg := hooks.NewRegistry(hooks.Options{})
	r := &plugintest.Replier{}
	if err := New().Register(reg, plugintest.Host("example", r, nil)); err != nil {
		t.Fatal(err)
	}

	plugintest.Run(t, reg, plugintest.Message("!hello"))
	if got, want := r.Last(), "Hello <@u1>! This is a custom command from a plugin!"; got != want {
		t.Errorf("hello = %q, want %q", got, want)
	}

	plugintest.Run(t, reg, plugintest.Message("!plugininfo"))
	plugintest.Contains(t, r.Last(), "example plugin")

	cmd, ok := reg.Command("hello")
	if !ok || cmd.Source != "example" {
		t.Errorf("hello command source = %+v", cmd)
	}
	if n := reg.HandlerCount(hooks.PointBotReady); n != 1 {
		t.Errorf("ready hooks = %d, want 1", n)
	}
}
