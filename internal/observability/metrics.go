package observability

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bot's Prometheus collectors.
//
// All recording methods are no-ops on a nil receiver so components can be
// constructed without metrics in tests.
type Metrics struct {
	registry prometheus.Gatherer

	// MessagesReceived counts inbound messages by outcome
	// (ignored, blocked, command, responded, failed).
	MessagesReceived *prometheus.CounterVec

	// LLMRequests counts completion requests by provider, model and status.
	LLMRequests *prometheus.CounterVec

	// LLMDuration tracks streaming request latency in seconds.
	LLMDuration *prometheus.HistogramVec

	// HookFailures counts hook errors, panics and timeouts.
	HookFailures *prometheus.CounterVec

	// CacheNodes is the current number of cached message nodes.
	CacheNodes prometheus.Gauge

	// CacheEvictions counts nodes removed by eviction sweeps.
	CacheEvictions prometheus.Counter

	// ResponseSegments counts reply messages sent, by status.
	ResponseSegments *prometheus.CounterVec

	// ResponseEdits counts progressive edits, by status.
	ResponseEdits *prometheus.CounterVec

	// OffloadTasks counts offloaded subprocess tasks by lane and status.
	OffloadTasks *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg uses a fresh
// private registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmcord_messages_received_total",
				Help: "Inbound messages by outcome",
			},
			[]string{"outcome"},
		),
		LLMRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmcord_llm_requests_total",
				Help: "LLM completion requests by provider, model and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmcord_llm_request_duration_seconds",
				Help:    "Streaming LLM request duration in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		HookFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmcord_hook_failures_total",
				Help: "Hook failures by point and handler name",
			},
			[]string{"point", "name"},
		),
		CacheNodes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "llmcord_cache_nodes",
				Help: "Message nodes currently cached",
			},
		),
		CacheEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "llmcord_cache_evictions_total",
				Help: "Message nodes evicted from the cache",
			},
		),
		ResponseSegments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmcord_response_segments_total",
				Help: "Response messages sent by status",
			},
			[]string{"status"},
		),
		ResponseEdits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmcord_response_edits_total",
				Help: "Progressive response edits by status",
			},
			[]string{"status"},
		),
		OffloadTasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmcord_offload_tasks_total",
				Help: "Offloaded subprocess tasks by lane and status",
			},
			[]string{"lane", "status"},
		),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordMessage counts an inbound message outcome.
func (m *Metrics) RecordMessage(outcome string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(outcome).Inc()
}

// ObserveLLM records a finished completion request.
func (m *Metrics) ObserveLLM(provider, model string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.LLMRequests.WithLabelValues(provider, model, status(err)).Inc()
	m.LLMDuration.WithLabelValues(provider, model).Observe(d.Seconds())
}

// RecordHookFailure counts a failed hook.
func (m *Metrics) RecordHookFailure(point, name string) {
	if m == nil {
		return
	}
	m.HookFailures.WithLabelValues(point, name).Inc()
}

// SetCacheSize sets the cached node gauge.
func (m *Metrics) SetCacheSize(n int) {
	if m == nil {
		return
	}
	m.CacheNodes.Set(float64(n))
}

// RecordEviction adds n evicted nodes.
func (m *Metrics) RecordEviction(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheEvictions.Add(float64(n))
}

// RecordSegment counts a response message send.
func (m *Metrics) RecordSegment(err error) {
	if m == nil {
		return
	}
	m.ResponseSegments.WithLabelValues(status(err)).Inc()
}

// RecordEdit counts a response edit.
func (m *Metrics) RecordEdit(err error) {
	if m == nil {
		return
	}
	m.ResponseEdits.WithLabelValues(status(err)).Inc()
}

// RecordOffload counts an offloaded task.
func (m *Metrics) RecordOffload(lane string, err error) {
	if m == nil {
		return
	}
	m.OffloadTasks.WithLabelValues(lane, status(err)).Inc()
}

// Handler returns an http.Handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
