// Package plugintest provides fakes for exercising plugins without a chat
// connection.
package plugintest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/llmcord/internal/hooks"
	"github.com/haasonsaas/llmcord/internal/plugins"
	"github.com/haasonsaas/llmcord/pkg/models"
)

// File is an uploaded file.
type File struct {
	ChannelID   string
	Name        string
	ContentType string
	Data        []byte
	Caption     string
}

// DM is a direct message.
type DM struct {
	UserID string
	Text   string
}

// Replier records everything a plugin sends.
type Replier struct {
	mu     sync.Mutex
	nextID models.MessageID
	Texts  []string
	DMs    []DM
	Files  []File
	Err    error
}

func (r *Replier) SendText(_ context.Context, _ string, _ models.MessageID, text string) (models.MessageID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return 0, r.Err
	}
	r.nextID++
	r.Texts = append(r.Texts, text)
	return r.nextID, nil
}

func (r *Replier) SendDM(_ context.Context, userID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.DMs = append(r.DMs, DM{UserID: userID, Text: text})
	return nil
}

func (r *Replier) SendFile(_ context.Context, channelID string, _ models.MessageID, name, contentType string, data []byte, caption string) (models.MessageID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return 0, r.Err
	}
	r.nextID++
	r.Files = append(r.Files, File{ChannelID: channelID, Name: name, ContentType: contentType, Data: data, Caption: caption})
	return r.nextID, nil
}

// Last returns the most recent text reply.
func (r *Replier) Last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Texts) == 0 {
		return ""
	}
	return r.Texts[len(r.Texts)-1]
}

// Fetcher serves attachment bodies by URL.
type Fetcher map[string][]byte

func (f Fetcher) Fetch(_ context.Context, url string, _ int64) ([]byte, error) {
	data, ok := f[url]
	if !ok {
		return nil, fmt.Errorf("fetch %s: not found", url)
	}
	return data, nil
}

// Host returns a host wired to r with discarded logs.
func Host(id string, r *Replier, settings map[string]any) *plugins.Host {
	return &plugins.Host{
		ID:            id,
		Replier:       r,
		Fetcher:       Fetcher{},
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Settings:      settings,
		CommandPrefix: "!",
	}
}

// Message builds a guild message from u1 in c1.
func Message(content string) *models.Message {
	return &models.Message{
		ID:          1,
		ChannelID:   "c1",
		GuildID:     "g1",
		ChannelType: models.ChannelText,
		Author:      models.Author{ID: "u1", Username: "alice"},
		Content:     content,
	}
}

// Run invokes the command in msg's content against reg and fails the test
// when it is missing or errors.
func Run(t *testing.T, reg *hooks.Registry, msg *models.Message) {
	t.Helper()
	name, _, ok := hooks.ParseCommand(msg.Content, "!")
	if !ok {
		t.Fatalf("%q is not a command", msg.Content)
	}
	found, err := reg.RunCommand(context.Background(), name, msg, msg.Author.ID)
	if !found {
		t.Fatalf("command %q not registered", name)
	}
	if err != nil {
		t.Fatalf("command %q: %v", name, err)
	}
}

// Contains fails the test unless got contains want.
func Contains(t *testing.T, got, want string) {
	t.Helper()
	if !strings.Contains(got, want) {
		t.Errorf("%q does not contain %q", got, want)
	}
}
