package channels

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorWrapping(t *testing.T) {
	root := errors.New("socket closed")
	err := fmt.Errorf("send: %w", ErrConnection("gateway down", root).WithContext("attempt", 2))

	if !errors.Is(err, root) {
		t.Error("errors.Is should reach the root cause")
	}
	if GetErrorCode(err) != ErrCodeConnection {
		t.Errorf("code = %s", GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Error("connection errors are retryable")
	}
	if IsRetryable(ErrAuthentication("bad token", nil)) {
		t.Error("auth errors are not retryable")
	}
	if IsRetryable(root) {
		t.Error("foreign errors are not retryable")
	}
	if GetErrorCode(root) != ErrCodeInternal {
		t.Error("foreign errors map to internal")
	}
}

func TestCodeForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorCode
	}{
		{401, ErrCodeAuthentication},
		{403, ErrCodeAuthentication},
		{404, ErrCodeNotFound},
		{429, ErrCodeRateLimit},
		{400, ErrCodeInvalidInput},
		{502, ErrCodeUnavailable},
		{0, ErrCodeInternal},
	}
	for _, tt := range tests {
		if got := CodeForStatus(tt.status); got != tt.want {
			t.Errorf("CodeForStatus(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(0, 0)
	r := NewRateLimiter(2, 3)
	r.now = func() time.Time { return now }
	r.lastRefill = now

	for i := 0; i < 3; i++ {
		if !r.Allow() {
			t.Fatalf("burst token %d denied", i)
		}
	}
	if r.Allow() {
		t.Fatal("bucket should be empty")
	}

	now = now.Add(500 * time.Millisecond)
	if !r.Allow() {
		t.Error("one token should refill after 500ms at 2/s")
	}

	now = now.Add(time.Hour)
	if got := r.Tokens(); got != 3 {
		t.Errorf("tokens = %v, want capped at 3", got)
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	r := NewRateLimiter(0.001, 1)
	if !r.Allow() {
		t.Fatal("first token denied")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want deadline exceeded", err)
	}
}
