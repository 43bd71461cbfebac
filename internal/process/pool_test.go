package process

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitReturnsValue(t *testing.T) {
	p := NewPool(Options{})

	got, err := Submit(context.Background(), p, LaneVision, func(ctx context.Context) (string, error) {
		return "a cat on a sofa", nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got != "a cat on a sofa" {
		t.Errorf("got %q", got)
	}
}

func TestSubmitPropagatesErrorAndPanic(t *testing.T) {
	p := NewPool(Options{})
	boom := errors.New("boom")

	if _, err := Submit(context.Background(), p, "", func(ctx context.Context) (int, error) {
		return 0, boom
	}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}

	_, err := Submit(context.Background(), p, "", func(ctx context.Context) (int, error) {
		panic("bad model")
	})
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Errorf("panic not contained: %v", err)
	}
}

func TestLaneConcurrencyLimit(t *testing.T) {
	p := NewPool(Options{Lanes: map[Lane]LaneConfig{LaneAudio: {Concurrency: 2}}})

	var running, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Submit(context.Background(), p, LaneAudio, func(ctx context.Context) (struct{}, error) {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return struct{}{}, nil
			})
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
	if s := p.Stats(LaneAudio); s.Active != 0 || s.Pending != 0 || s.Concurrency != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestLanesAreIndependent(t *testing.T) {
	p := NewPool(Options{})
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = Submit(context.Background(), p, LaneVision, func(ctx context.Context) (int, error) {
			close(started)
			<-release
			return 0, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Submit(ctx, p, LaneAudio, func(ctx context.Context) (int, error) { return 1, nil }); err != nil {
		t.Errorf("audio lane blocked by vision lane: %v", err)
	}
	close(release)
}

func TestSubmitTimeout(t *testing.T) {
	p := NewPool(Options{Lanes: map[Lane]LaneConfig{LaneFaces: {Timeout: 20 * time.Millisecond}}})

	_, err := Submit(context.Background(), p, LaneFaces, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestSubmitCallerCancelled(t *testing.T) {
	p := NewPool(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	_, err := Submit(ctx, p, "", func(ctx context.Context) (int, error) {
		ran.Store(true)
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
	if ran.Load() {
		t.Error("cancelled task should not run")
	}
}

func TestClose(t *testing.T) {
	p := NewPool(Options{})
	p.Close()
	if _, err := Submit(context.Background(), p, "", func(ctx context.Context) (int, error) { return 1, nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestSanitizeArgument(t *testing.T) {
	tests := []struct {
		arg  string
		want error
	}{
		{"alice", nil},
		{"--threshold=0.6", nil},
		{"", ErrEmptyArgument},
		{"a\x00b", ErrArgumentNullByte},
		{"a\nb", ErrArgumentControlChar},
		{"bob; rm -rf /", ErrArgumentShellMetachar},
		{"$(whoami)", ErrArgumentShellMetachar},
	}
	for _, tt := range tests {
		_, err := SanitizeArgument(tt.arg)
		if !errors.Is(err, tt.want) {
			t.Errorf("SanitizeArgument(%q) = %v, want %v", tt.arg, err, tt.want)
		}
	}
}

func TestRunCommand(t *testing.T) {
	echo, err := exec.LookPath("echo")
	if err != nil {
		t.Skip("echo not available")
	}
	p := NewPool(Options{})

	out, err := p.Run(context.Background(), LaneDefault, Command{Path: echo, Args: []string{"hello"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(string(out.Stdout)) != "hello" {
		t.Errorf("stdout = %q", out.Stdout)
	}

	var argErr *ArgumentError
	if _, err := p.Run(context.Background(), LaneDefault, Command{Path: echo, Args: []string{"ok", "x|y"}}); !errors.As(err, &argErr) || argErr.Index != 1 {
		t.Errorf("unsafe argument not rejected: %v", err)
	}
}

func TestRunCommandKilledOnTimeout(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	p := NewPool(Options{Lanes: map[Lane]LaneConfig{LaneDefault: {Timeout: 50 * time.Millisecond}}})

	start := time.Now()
	_, err = p.Run(context.Background(), LaneDefault, Command{Path: sleep, Args: []string{"5"}})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Error("process was not killed")
	}
}
