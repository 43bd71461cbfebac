// Package observability provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for the bot.
//
// Logging is plain log/slog with a handler that redacts secrets and adds
// correlation fields carried on the context:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.WithMessage(ctx, msg.ChannelID, msg.ID.String(), msg.Author.ID)
//	logger.InfoContext(ctx, "processing message")
//
// Metrics are registered on a caller-supplied registry so tests can use
// isolated instances. Every recording method is safe on a nil *Metrics.
//
// Tracing is a no-op unless an OTLP endpoint is configured.
package observability
