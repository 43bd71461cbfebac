package faces

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/haasonsaas/llmcord/internal/hooks"
	"github.com/haasonsaas/llmcord/internal/plugins"
	"github.com/haasonsaas/llmcord/internal/plugins/plugintest"
	"github.com/haasonsaas/llmcord/internal/process"
	"github.com/haasonsaas/llmcord/pkg/models"
)

// The fake face tool prints the image file itself, so each test image is
// the JSON the tool should report.
var images = plugintest.Fetcher{
	"https://cdn.example/alice.png":    []byte(`[[0, 0, 0]]`),
	"https://cdn.example/group.png":    []byte(`[[9, 9, 9], [0.1, 0, 0]]`),
	"https://cdn.example/stranger.png": []byte(`[[5, 5, 5]]`),
	"https://cdn.example/blank.png":    []byte(`[]`),
}

func image(name string) models.Attachment {
	return models.Attachment{Filename: name + ".png", ContentType: "image/png", URL: "https://cdn.example/" + name + ".png"}
}

func withImage(content, name string) *models.Message {
	msg := plugintest.Message(content)
	msg.Attachments = []models.Attachment{image(name)}
	return msg
}

func setup(t *testing.T) (*hooks.Registry, *plugintest.Replier, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script")
	}
	tmp := t.TempDir()
	tool := filepath.Join(tmp, "face-tool.sh")
	if err := os.WriteFile(tool, []byte("#!/bin/sh\n[ \"$1\" = encode ] || exit 2\ncat \"$2\"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(tmp, "faces")
	settings := map[string]any{"command": tool, "dir": dir, "admin_ids": []string{"u1"}}
	if err := plugins.ValidateSettings(settingsSchema, settings); err != nil {
		t.Fatalf("settings rejected: %v", err)
	}

	r := &plugintest.Replier{}
	host := plugintest.Host("faces", r, settings)
	host.Fetcher = images
	host.Pool = process.NewPool(process.Options{})
	t.Cleanup(host.Pool.Close)

	reg := hooks.NewRegistry(hooks.Options{})
	if err := New().Register(reg, host); err != nil {
		t.Fatal(err)
	}
	return reg, r, dir
}

func TestStoreAndMatch(t *testing.T) {
	reg, r, dir := setup(t)

	plugintest.Run(t, reg, withImage("!setimage", "alice"))
	if got, want := r.Last(), "✅ Face image stored for **u1** (1 image(s))."; got != want {
		t.Errorf("setimage = %q, want %q", got, want)
	}
	if _, err := os.Stat(filepath.Join(dir, "u1.json")); err != nil {
		t.Errorf("profile file: %v", err)
	}

	plugintest.Run(t, reg, withImage("!matchface", "group"))
	if got, want := r.Last(), "Match found: **u1** with 90.0% confidence."; got != want {
		t.Errorf("matchface = %q, want %q", got, want)
	}

	plugintest.Run(t, reg, withImage("!matchimage", "stranger"))
	if r.Last() != "No match found." {
		t.Errorf("stranger = %q", r.Last())
	}
}

func TestAskingWhoIsThisStopsMessage(t *testing.T) {
	reg, r, _ := setup(t)
	plugintest.Run(t, reg, withImage("!setimage bob", "alice"))
	plugintest.Contains(t, r.Last(), "**bob**")

	if reg.DispatchMessage(context.Background(), withImage("Who is this?", "alice")) {
		t.Error("message should be stopped")
	}
	plugintest.Contains(t, r.Last(), "Match found: **bob**")

	if !reg.DispatchMessage(context.Background(), plugintest.Message("who is this")) {
		t.Error("message without an image should continue")
	}
}

func TestAdminCommands(t *testing.T) {
	reg, r, _ := setup(t)

	plugintest.Run(t, reg, plugintest.Message("!listfaces"))
	if r.Last() != "No faces stored yet." {
		t.Errorf("listfaces = %q", r.Last())
	}
	plugintest.Run(t, reg, withImage("!setimage <@!123>", "alice"))
	plugintest.Run(t, reg, withImage("!setimage 123", "alice"))
	plugintest.Contains(t, r.Last(), "(2 image(s))")
	plugintest.Run(t, reg, plugintest.Message("!listfaces"))
	plugintest.Contains(t, r.Last(), "• <@123>: 2 image(s)")

	plugintest.Run(t, reg, plugintest.Message("!deleteimage <@123>"))
	plugintest.Contains(t, r.Last(), "has been deleted")
	plugintest.Run(t, reg, plugintest.Message("!deleteimage 123"))
	plugintest.Contains(t, r.Last(), "No image profile found")

	outsider := plugintest.Message("!listfaces")
	outsider.Author.ID = "u2"
	plugintest.Run(t, reg, outsider)
	plugintest.Contains(t, r.Last(), "Only admins")

	other := withImage("!setimage bob", "alice")
	other.Author.ID = "u2"
	plugintest.Run(t, reg, other)
	plugintest.Contains(t, r.Last(), "Only admins can set an image for someone else")
}

func TestRejectsBadInput(t *testing.T) {
	reg, r, _ := setup(t)

	plugintest.Run(t, reg, plugintest.Message("!matchface"))
	plugintest.Contains(t, r.Last(), "Please attach an image")

	plugintest.Run(t, reg, withImage("!setimage", "blank"))
	plugintest.Contains(t, r.Last(), "Could not store the face")

	for _, cmd := range []string{"!setimage ../etc", "!setimage a;rm", "!deleteimage $(id)"} {
		plugintest.Run(t, reg, withImage(cmd, "alice"))
		if !strings.HasPrefix(r.Last(), "❌") {
			t.Errorf("%s accepted: %q", cmd, r.Last())
		}
	}
}

func TestBest(t *testing.T) {
	profiles := []Profile{
		{Name: "a", Encodings: []Encoding{{0, 0}, {1, 1}}},
		{Name: "b", Encodings: []Encoding{{0.5, 0}}},
	}
	tests := []struct {
		probe Encoding
		name  string
		ok    bool
	}{
		{Encoding{0.05, 0}, "a", true},
		{Encoding{0.45, 0}, "b", true},
		{Encoding{0.95, 1}, "a", true},
		{Encoding{3, 3}, "", false},
		{Encoding{0, 0, 0}, "", false},
	}
	for _, tt := range tests {
		m, ok := Best(profiles, []Encoding{tt.probe}, DefaultTolerance)
		if ok != tt.ok || m.Name != tt.name {
			t.Errorf("Best(%v) = %+v, %v; want %q", tt.probe, m, ok, tt.name)
		}
	}
}
