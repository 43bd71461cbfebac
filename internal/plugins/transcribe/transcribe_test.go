package transcribe

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/llmcord/internal/hooks"
	"github.com/haasonsaas/llmcord/internal/plugins"
	"github.com/haasonsaas/llmcord/internal/plugins/plugintest"
	"github.com/haasonsaas/llmcord/internal/process"
	"github.com/haasonsaas/llmcord/pkg/models"
)

type fakeWhisper struct {
	mu    sync.Mutex
	text  string
	err   error
	names []string
	data  [][]byte
}

func (f *fakeWhisper) CreateTranscription(_ context.Context, req openai.AudioRequest) (openai.AudioResponse, error) {
	data, _ := io.ReadAll(req.Reader)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, req.FilePath)
	f.data = append(f.data, data)
	if f.err != nil {
		return openai.AudioResponse{}, f.err
	}
	return openai.AudioResponse{Text: f.text}, nil
}

var voiceNote = models.Attachment{Filename: "note.ogg", ContentType: "audio/ogg", URL: "https://cdn.example/note.ogg"}

func setup(t *testing.T, settings map[string]any, w *fakeWhisper) (*hooks.Registry, *plugintest.Replier) {
	t.Helper()
	if err := plugins.ValidateSettings(settingsSchema, settings); err != nil {
		t.Fatalf("settings rejected: %v", err)
	}
	r := &plugintest.Replier{}
	host := plugintest.Host("transcribe", r, settings)
	host.Fetcher = plugintest.Fetcher{
		voiceNote.URL:                   []byte("OggS voice"),
		"https://cdn.example/clip.mp4": []byte("video bytes"),
	}
	host.Pool = process.NewPool(process.Options{})
	t.Cleanup(host.Pool.Close)

	reg := hooks.NewRegistry(hooks.Options{})
	p := New().(*Plugin)
	if err := p.Register(reg, host); err != nil {
		t.Fatal(err)
	}
	p.client = w
	return reg, r
}

func TestKeywordTriggersTranscription(t *testing.T) {
	w := &fakeWhisper{text: " hello world "}
	reg, r := setup(t, nil, w)

	msg := plugintest.Message("can you Transcribe this?")
	msg.Attachments = []models.Attachment{voiceNote}
	if reg.DispatchMessage(context.Background(), msg) {
		t.Error("message should be stopped after transcription")
	}
	if got, want := r.Last(), "🎤 **Transcription of `note.ogg`:**\n\nhello world"; got != want {
		t.Errorf("reply = %q, want %q", got, want)
	}
	if w.names[0] != "note.ogg" || string(w.data[0]) != "OggS voice" {
		t.Errorf("whisper got %v %q", w.names, w.data)
	}
}

func TestMessageWithoutRequestContinues(t *testing.T) {
	reg, r := setup(t, nil, &fakeWhisper{text: "x"})

	noKeyword := plugintest.Message("listen to this")
	noKeyword.Attachments = []models.Attachment{voiceNote}
	noMedia := plugintest.Message("transcribe please")
	noMedia.Attachments = []models.Attachment{{Filename: "a.png", ContentType: "image/png"}}

	for _, msg := range []*models.Message{noKeyword, noMedia} {
		if !reg.DispatchMessage(context.Background(), msg) {
			t.Errorf("%q was stopped", msg.Content)
		}
	}
	if len(r.Texts) != 0 {
		t.Errorf("replies = %q", r.Texts)
	}
}

func TestCommand(t *testing.T) {
	w := &fakeWhisper{}
	reg, r := setup(t, map[string]any{"keywords": []string{"dictate"}}, w)

	plugintest.Run(t, reg, plugintest.Message("!transcribe"))
	if r.Last() != "❌ No audio or video files found" {
		t.Errorf("reply = %q", r.Last())
	}

	msg := plugintest.Message("!transcribe")
	msg.Attachments = []models.Attachment{voiceNote}
	plugintest.Run(t, reg, msg)
	if r.Last() != "🔇 No speech detected in `note.ogg`" {
		t.Errorf("reply = %q", r.Last())
	}

	w.err = errors.New("quota exceeded")
	plugintest.Run(t, reg, msg)
	plugintest.Contains(t, r.Last(), "❌ Error transcribing `note.ogg`")
	plugintest.Contains(t, r.Last(), "quota exceeded")
}

func TestLongTranscriptClipped(t *testing.T) {
	reg, r := setup(t, nil, &fakeWhisper{text: strings.Repeat("é", 2000)})
	msg := plugintest.Message("transcript")
	msg.Attachments = []models.Attachment{voiceNote}
	reg.DispatchMessage(context.Background(), msg)

	got := r.Last()
	if !strings.HasSuffix(got, "...") || len(got) > replyLimit+3 {
		t.Errorf("reply length %d", len(got))
	}
	if !strings.HasSuffix(strings.TrimSuffix(got, "..."), "é") {
		t.Error("reply cut inside a rune")
	}
}

func TestVideoExtractsAudio(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script")
	}
	ffmpeg := filepath.Join(t.TempDir(), "ffmpeg.sh")
	// Args: -i in -vn -q:a 9 -n out
	if err := os.WriteFile(ffmpeg, []byte("#!/bin/sh\nprintf 'mp3:' > \"$7\"\ncat \"$2\" >> \"$7\"\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	w := &fakeWhisper{text: "from video"}
	reg, r := setup(t, map[string]any{"ffmpeg": ffmpeg}, w)

	msg := plugintest.Message("!transcribe")
	msg.Attachments = []models.Attachment{{Filename: "clip.mp4", ContentType: "video/mp4", URL: "https://cdn.example/clip.mp4"}}
	plugintest.Run(t, reg, msg)

	plugintest.Contains(t, r.Last(), "from video")
	if w.names[0] != "clip.mp3" || string(w.data[0]) != "mp3:video bytes" {
		t.Errorf("whisper got %v %q", w.names, w.data)
	}
}

func TestMediaDetection(t *testing.T) {
	tests := []struct {
		att   models.Attachment
		media bool
		video bool
	}{
		{models.Attachment{Filename: "a.mp3"}, true, false},
		{models.Attachment{Filename: "a.webm", ContentType: "video/webm"}, true, false},
		{models.Attachment{Filename: "a.MOV"}, true, true},
		{models.Attachment{Filename: "blob", ContentType: "video/quicktime"}, true, true},
		{models.Attachment{Filename: "blob", ContentType: "audio/wav"}, true, false},
		{models.Attachment{Filename: "a.txt", ContentType: "text/plain"}, false, false},
	}
	for _, tt := range tests {
		if got := len(media([]models.Attachment{tt.att})) == 1; got != tt.media {
			t.Errorf("media(%+v) = %v", tt.att, got)
		}
		if tt.media && isVideo(tt.att) != tt.video {
			t.Errorf("isVideo(%+v) = %v", tt.att, !tt.video)
		}
	}
}
