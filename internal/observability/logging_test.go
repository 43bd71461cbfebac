package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerRedacts(t *testing.T) {
	tests := []struct {
		name   string
		log    func(*slog.Logger)
		secret string
	}{
		{
			name:   "message",
			log:    func(l *slog.Logger) { l.Info("using key sk-ant-REDACTED") },
			secret: "sk-ant-REDACTED",
		},
		{
			name:   "string attr",
			log:    func(l *slog.Logger) { l.Info("starting", "api_key", "sk-abcdefghijklmnopqrstuvwxyz") },
			secret: "sk-abcdefghijklmnopqrstuvwxyz",
		},
		{
			name: "error attr",
			log: func(l *slog.Logger) {
				l.Error("failed", "error", errors.New("bad token: abcdefghijklmnopqrstuvwx"))
			},
			secret: "abcdefghijklmnopqrstuvwx",
		},
		{
			name:   "custom pattern",
			log:    func(l *slog.Logger) { l.Info("hello", "note", "hunter2-custom") },
			secret: "hunter2-custom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{Output: &buf, RedactPatterns: []string{`hunter2-\w+`}})
			tt.log(logger)
			out := buf.String()
			if strings.Contains(out, tt.secret) {
				t.Errorf("secret leaked: %s", out)
			}
			if !strings.Contains(out, redacted) {
				t.Errorf("expected %q marker in %s", redacted, out)
			}
		})
	}
}

func TestLoggerContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, Format: "text"})
	ctx := WithMessage(context.Background(), "c1", "m1", "u1")
	logger.InfoContext(ctx, "hello")

	out := buf.String()
	for _, want := range []string{"channel_id=c1", "message_id=m1", "user_id=u1"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %s", want, out)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTracerWithoutEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer shutdown(context.Background())

	ctx, span := tracer.TraceMessage(context.Background(), "c", "m")
	RecordError(span, errors.New("x"))
	span.End()
	if TraceID(ctx) != "" {
		t.Error("no-op tracer should not produce a trace id")
	}

	var nilTracer *Tracer
	_, span = nilTracer.Start(context.Background(), "x")
	span.End()
}
