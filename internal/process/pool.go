// Package process runs blocking work, mostly external programs, off the
// message path. Work is grouped into lanes; each lane has its own
// concurrency limit and timeout so a slow vision model cannot starve audio
// transcription.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/llmcord/internal/observability"
)

// Lane names a group of tasks sharing a concurrency limit.
type Lane string

const (
	LaneDefault Lane = "default"
	LaneVision  Lane = "vision"
	LaneAudio   Lane = "audio"
	LaneFaces   Lane = "faces"
)

const (
	DefaultTimeout     = 2 * time.Minute
	DefaultConcurrency = 1
	// DefaultWarnAfter is how long a task may wait before a warning is logged.
	DefaultWarnAfter = 5 * time.Second
)

var (
	// ErrTimeout is returned when a task exceeds its lane timeout.
	ErrTimeout = errors.New("offloaded task timed out")
	// ErrClosed is returned for tasks submitted to or queued in a closed pool.
	ErrClosed = errors.New("offload pool closed")
)

// LaneConfig configures one lane.
type LaneConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Options configures a Pool.
type Options struct {
	Lanes     map[Lane]LaneConfig
	WarnAfter time.Duration
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

type entry struct {
	id         string
	ctx        context.Context
	task       func(ctx context.Context) (any, error)
	enqueuedAt time.Time
	done       chan result
}

type result struct {
	value any
	err   error
}

type laneState struct {
	lane    Lane
	config  LaneConfig
	queue   []*entry
	active  int
	pumping bool
	mu      sync.Mutex
}

// Pool is a lane-based bounded worker queue.
type Pool struct {
	lanes     map[Lane]*laneState
	warnAfter time.Duration
	metrics   *observability.Metrics
	logger    *slog.Logger
	closed    bool
	mu        sync.RWMutex
}

// NewPool creates a pool. Lanes not listed in opts use the defaults.
func NewPool(opts Options) *Pool {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WarnAfter <= 0 {
		opts.WarnAfter = DefaultWarnAfter
	}
	p := &Pool{
		lanes:     make(map[Lane]*laneState),
		warnAfter: opts.WarnAfter,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("component", "offload"),
	}
	for lane, cfg := range opts.Lanes {
		p.lanes[lane] = newLaneState(lane, cfg)
	}
	return p
}

func newLaneState(lane Lane, cfg LaneConfig) *laneState {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &laneState{lane: lane, config: cfg}
}

// state returns the lane state, creating it with defaults if necessary.
func (p *Pool) state(lane Lane) (*laneState, error) {
	if lane == "" {
		lane = LaneDefault
	}
	p.mu.RLock()
	st, ok := p.lanes[lane]
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return st, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.lanes[lane]; ok {
		return st, nil
	}
	st = newLaneState(lane, LaneConfig{})
	p.lanes[lane] = st
	return st, nil
}

// Submit queues task on lane and waits for its result. The task's context
// carries the lane timeout; exceeding it yields ErrTimeout. If ctx ends
// first the caller stops waiting and the task is cancelled.
func Submit[T any](ctx context.Context, p *Pool, lane Lane, task func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	st, err := p.state(lane)
	if err != nil {
		return zero, err
	}

	e := &entry{
		id:  uuid.NewString(),
		ctx: ctx,
		task: func(ctx context.Context) (any, error) {
			return task(ctx)
		},
		enqueuedAt: time.Now(),
		done:       make(chan result, 1),
	}

	st.mu.Lock()
	st.queue = append(st.queue, e)
	st.mu.Unlock()
	p.pump(st)

	select {
	case res := <-e.done:
		p.metrics.RecordOffload(string(st.lane), res.err)
		if res.err != nil {
			return zero, res.err
		}
		if res.value == nil {
			return zero, nil
		}
		typed, ok := res.value.(T)
		if !ok {
			return zero, fmt.Errorf("unexpected task result type %T", res.value)
		}
		return typed, nil
	case <-ctx.Done():
		p.metrics.RecordOffload(string(st.lane), ctx.Err())
		return zero, ctx.Err()
	}
}

// pump starts queued tasks up to the lane's concurrency limit.
func (p *Pool) pump(st *laneState) {
	st.mu.Lock()
	if st.pumping {
		st.mu.Unlock()
		return
	}
	st.pumping = true
	st.mu.Unlock()

	for {
		st.mu.Lock()
		if st.active >= st.config.Concurrency || len(st.queue) == 0 {
			st.pumping = false
			st.mu.Unlock()
			return
		}
		e := st.queue[0]
		st.queue = st.queue[1:]
		queuedAhead := len(st.queue)
		if e.ctx.Err() != nil {
			st.mu.Unlock()
			e.done <- result{err: e.ctx.Err()}
			continue
		}
		st.active++
		st.mu.Unlock()

		if waited := time.Since(e.enqueuedAt); waited >= p.warnAfter {
			p.logger.Warn("offloaded task waited in queue",
				"lane", st.lane, "task_id", e.id, "waited_ms", waited.Milliseconds(), "queued_ahead", queuedAhead)
		}

		go p.run(st, e)
	}
}

func (p *Pool) run(st *laneState, e *entry) {
	ctx, cancel := context.WithTimeout(e.ctx, st.config.Timeout)
	value, err := safeCall(ctx, e.task)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && e.ctx.Err() == nil {
		err = fmt.Errorf("%w after %s: %v", ErrTimeout, st.config.Timeout, err)
	}
	cancel()

	st.mu.Lock()
	st.active--
	st.mu.Unlock()

	e.done <- result{value: value, err: err}
	p.pump(st)
}

func safeCall(ctx context.Context, task func(context.Context) (any, error)) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("offloaded task panic: %v", r)
		}
	}()
	return task(ctx)
}

// LaneStats describes a lane's load.
type LaneStats struct {
	Lane        Lane
	Pending     int
	Active      int
	Concurrency int
	Timeout     time.Duration
}

// Stats returns the lane's current load.
func (p *Pool) Stats(lane Lane) LaneStats {
	if lane == "" {
		lane = LaneDefault
	}
	p.mu.RLock()
	st, ok := p.lanes[lane]
	p.mu.RUnlock()
	if !ok {
		return LaneStats{Lane: lane}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return LaneStats{
		Lane:        lane,
		Pending:     len(st.queue),
		Active:      st.active,
		Concurrency: st.config.Concurrency,
		Timeout:     st.config.Timeout,
	}
}

// Close rejects new tasks and fails queued ones with ErrClosed. Running
// tasks finish normally.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	lanes := make([]*laneState, 0, len(p.lanes))
	for _, st := range p.lanes {
		lanes = append(lanes, st)
	}
	p.mu.Unlock()

	for _, st := range lanes {
		st.mu.Lock()
		for _, e := range st.queue {
			e.done <- result{err: ErrClosed}
		}
		st.queue = nil
		st.mu.Unlock()
	}
}
