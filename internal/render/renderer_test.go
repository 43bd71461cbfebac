package render

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/llmcord/internal/cache"
	"github.com/haasonsaas/llmcord/internal/llm"
	"github.com/haasonsaas/llmcord/pkg/models"
)

type sent struct {
	id      models.MessageID
	replyTo models.MessageID
	out     models.Outbound
}

type edited struct {
	id  models.MessageID
	out models.Outbound
}

type fakeSender struct {
	mu      sync.Mutex
	nextID  models.MessageID
	sends   []sent
	edits   []edited
	sendErr error
}

func newFakeSender() *fakeSender { return &fakeSender{nextID: 1000} }

func (f *fakeSender) Send(ctx context.Context, channelID string, replyTo models.MessageID, out models.Outbound) (models.MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.nextID++
	f.sends = append(f.sends, sent{id: f.nextID, replyTo: replyTo, out: out})
	return f.nextID, nil
}

func (f *fakeSender) Edit(ctx context.Context, channelID string, id models.MessageID, out models.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, edited{id: id, out: out})
	return nil
}

func (f *fakeSender) lastEdit(id models.MessageID) (models.Outbound, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.edits) - 1; i >= 0; i-- {
		if f.edits[i].id == id {
			return f.edits[i].out, true
		}
	}
	return models.Outbound{}, false
}

// fixedClock never advances, so no throttled edits fire.
func fixedClock() func() time.Time {
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

// steppingClock advances by step on every call.
func steppingClock(step time.Duration) func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(step)
		return t
	}
}

func feed(chunks ...llm.Chunk) <-chan llm.Chunk {
	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func TestRenderSingleMessage(t *testing.T) {
	sender := newFakeSender()
	store := cache.NewStore(cache.Options{})
	r := NewRenderer(Config{Now: fixedClock()}, sender, store, nil, nil)

	res, err := r.Render(context.Background(), Request{ChannelID: "c1", ReplyTo: 7},
		feed(llm.Chunk{Text: "Hi"}, llm.Chunk{Text: " there!"}, llm.Chunk{FinishReason: "stop"}))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if res.Text != "Hi there!" || res.FinishReason != "stop" {
		t.Fatalf("result = %+v", res)
	}
	if len(sender.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(sender.sends))
	}
	first := sender.sends[0]
	if first.replyTo != 7 {
		t.Errorf("replyTo = %d, want 7", first.replyTo)
	}
	if first.out.Embed == nil || first.out.Embed.Description != "Hi"+DefaultIndicator {
		t.Errorf("first send = %+v", first.out.Embed)
	}

	final, ok := sender.lastEdit(first.id)
	if !ok {
		t.Fatal("no final edit")
	}
	if final.Embed.Description != "Hi there!" || final.Embed.Color != models.ColorComplete {
		t.Errorf("final edit = %+v", final.Embed)
	}

	node, ok := store.Get(first.id)
	if !ok {
		t.Fatal("reply node not cached")
	}
	entry := node.Entry()
	if entry.Turn.Role != models.RoleAssistant || entry.Turn.Text != "Hi there!" {
		t.Errorf("node turn = %+v", entry.Turn)
	}
	if entry.Predecessor != 7 {
		t.Errorf("predecessor = %d, want 7", entry.Predecessor)
	}
	if !node.TryAcquire() {
		t.Error("guard still held after render")
	}
}

func TestRenderSplitsAtLimit(t *testing.T) {
	sender := newFakeSender()
	store := cache.NewStore(cache.Options{})
	r := NewRenderer(Config{PlainResponses: true, Now: fixedClock()}, sender, store, nil, nil)
	max := r.MaxLength()
	if max != DiscordMaxContent-2 {
		t.Fatalf("MaxLength = %d", max)
	}

	total := strings.Repeat("é", max+1)
	var chunks []llm.Chunk
	for rest := total; rest != ""; {
		var piece string
		piece, rest = splitRunes(rest, 100)
		chunks = append(chunks, llm.Chunk{Text: piece})
	}
	chunks = append(chunks, llm.Chunk{FinishReason: "stop"})

	res, err := r.Render(context.Background(), Request{ChannelID: "c1", ReplyTo: 7}, feed(chunks...))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(res.Segments))
	}
	if sender.sends[1].replyTo != sender.sends[0].id {
		t.Errorf("second segment replies to %d, want %d", sender.sends[1].replyTo, sender.sends[0].id)
	}

	first, _ := sender.lastEdit(res.Segments[0])
	if got := len([]rune(first.Text)); got != max {
		t.Errorf("first segment = %d runes, want %d", got, max)
	}
	second, _ := sender.lastEdit(res.Segments[1])
	if second.Text != "é" {
		t.Errorf("second segment = %q", second.Text)
	}

	for _, id := range res.Segments {
		node, _ := store.Get(id)
		if node.Entry().Turn.Text != total {
			t.Errorf("node %d does not hold the full reply", id)
		}
	}
}

func TestRenderThrottlesEdits(t *testing.T) {
	tests := []struct {
		name      string
		clock     func() time.Time
		wantEdits func(int) bool
	}{
		{"no time passes", fixedClock(), func(n int) bool { return n == 1 }},
		{"interval elapses", steppingClock(2 * time.Second), func(n int) bool { return n >= 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := newFakeSender()
			r := NewRenderer(Config{Now: tt.clock}, sender, cache.NewStore(cache.Options{}), nil, nil)
			_, err := r.Render(context.Background(), Request{ChannelID: "c1", ReplyTo: 1},
				feed(llm.Chunk{Text: "a"}, llm.Chunk{Text: "b"}, llm.Chunk{Text: "c"}, llm.Chunk{Text: "d"}))
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if n := len(sender.edits); !tt.wantEdits(n) {
				t.Errorf("edits = %d", n)
			}
			last := sender.edits[len(sender.edits)-1].out
			if last.Embed.Description != "abcd" {
				t.Errorf("final = %q", last.Embed.Description)
			}
		})
	}
}

func TestRenderStreamErrorStoresPartial(t *testing.T) {
	sender := newFakeSender()
	store := cache.NewStore(cache.Options{})
	r := NewRenderer(Config{Now: fixedClock()}, sender, store, nil, nil)

	boom := errors.New("connection reset")
	res, err := r.Render(context.Background(), Request{ChannelID: "c1", ReplyTo: 3},
		feed(llm.Chunk{Text: "partial"}, llm.Chunk{Err: boom}))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if res.Text != "partial" {
		t.Errorf("text = %q", res.Text)
	}

	id := sender.sends[0].id
	final, _ := sender.lastEdit(id)
	if final.Embed.Color != models.ColorIncomplete || final.Embed.Description != "partial" {
		t.Errorf("final edit = %+v", final.Embed)
	}
	node, _ := store.Get(id)
	if node.Entry().Turn.Text != "partial" {
		t.Errorf("node text = %q", node.Entry().Turn.Text)
	}
	if !node.TryAcquire() {
		t.Error("guard still held after failed render")
	}
}

func TestRenderHoldsGuardWhileStreaming(t *testing.T) {
	sender := newFakeSender()
	store := cache.NewStore(cache.Options{})
	r := NewRenderer(Config{Now: fixedClock()}, sender, store, nil, nil)

	stream := make(chan llm.Chunk)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Render(context.Background(), Request{ChannelID: "c1", ReplyTo: 1}, stream)
	}()

	stream <- llm.Chunk{Text: "Hi"}
	// The renderer has finished the first chunk once it takes the second.
	stream <- llm.Chunk{Text: "!"}

	node, ok := store.Get(1001)
	if !ok {
		t.Fatal("node missing mid-stream")
	}
	if node.TryAcquire() {
		t.Fatal("guard free mid-stream")
	}

	close(stream)
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := node.Acquire(ctx); err != nil {
		t.Fatalf("guard not released: %v", err)
	}
	if node.Entry().Turn.Text != "Hi!" {
		t.Errorf("text = %q", node.Entry().Turn.Text)
	}
}

func TestRenderWarnings(t *testing.T) {
	tests := []struct {
		name   string
		plain  bool
		fields int
	}{
		{"embed", false, 1},
		{"plain", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := newFakeSender()
			r := NewRenderer(Config{PlainResponses: tt.plain, Now: fixedClock()}, sender, cache.NewStore(cache.Options{}), nil, nil)
			_, err := r.Render(context.Background(),
				Request{ChannelID: "c1", ReplyTo: 1, Warnings: []string{"⚠️ Max 5 images per message"}},
				feed(llm.Chunk{Text: "ok", FinishReason: "stop"}))
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			out := sender.sends[0].out
			if tt.plain {
				if out.Embed != nil || out.Text != "ok"+DefaultIndicator {
					t.Errorf("plain send = %+v", out)
				}
				return
			}
			if len(out.Embed.Fields) != tt.fields {
				t.Errorf("fields = %d, want %d", len(out.Embed.Fields), tt.fields)
			}
		})
	}
}

func TestRenderSendFailureNoNodes(t *testing.T) {
	sender := newFakeSender()
	sender.sendErr = errors.New("forbidden")
	store := cache.NewStore(cache.Options{})
	r := NewRenderer(Config{Now: fixedClock()}, sender, store, nil, nil)

	res, err := r.Render(context.Background(), Request{ChannelID: "c1", ReplyTo: 1},
		feed(llm.Chunk{Text: "hello", FinishReason: "stop"}))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(res.Segments) != 0 || store.Len() != 0 {
		t.Errorf("segments = %v, cached = %d", res.Segments, store.Len())
	}
}

func TestSplitRunes(t *testing.T) {
	tests := []struct {
		in         string
		n          int
		head, tail string
	}{
		{"hello", 2, "he", "llo"},
		{"hello", 10, "hello", ""},
		{"héllo", 2, "hé", "llo"},
		{"abc", 0, "", "abc"},
	}
	for _, tt := range tests {
		head, tail := splitRunes(tt.in, tt.n)
		if head != tt.head || tail != tt.tail {
			t.Errorf("splitRunes(%q, %d) = %q, %q", tt.in, tt.n, head, tail)
		}
	}
}
