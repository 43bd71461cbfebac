// Package cache holds the in-memory MessageNode arena shared by every
// conversation handled by the process.
package cache

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/haasonsaas/llmcord/pkg/models"
)

// DefaultCapacity is the node count above which the eviction sweep removes
// entries.
const DefaultCapacity = 100

// Store maps message IDs to nodes.
//
// Eviction removes the lowest IDs first. Snowflake IDs grow with time, so
// this approximates age-based eviction without tracking access order.
type Store struct {
	mu       sync.Mutex
	nodes    map[models.MessageID]*Node
	capacity int
	logger   *slog.Logger
}

// Options configures a Store.
type Options struct {
	Capacity int
	Logger   *slog.Logger
}

// NewStore creates an empty store.
func NewStore(opts Options) *Store {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		nodes:    make(map[models.MessageID]*Node),
		capacity: opts.Capacity,
		logger:   opts.Logger.With("component", "cache"),
	}
}

// GetOrCreate returns the node for id, creating it on first reference.
func (s *Store) GetOrCreate(id models.MessageID) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		return n
	}
	n := newNode(id)
	s.nodes[id] = n
	return n
}

// Get returns the node for id if present.
func (s *Store) Get(id models.MessageID) (*Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	return n, ok
}

// Len returns the number of cached nodes.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// Capacity returns the configured bound.
func (s *Store) Capacity() int { return s.capacity }

// Evict removes the oldest nodes until the store is back at capacity.
//
// Only the len-capacity lowest IDs are candidates. A candidate whose guard is
// held is skipped and no younger node is taken in its place, so it stays
// until a later sweep finds it free. Returns the number of removed nodes.
func (s *Store) Evict() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	excess := len(s.nodes) - s.capacity
	if excess <= 0 {
		return 0
	}

	ids := make([]models.MessageID, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	removed := 0
	for _, id := range ids[:excess] {
		n := s.nodes[id]
		if !n.TryAcquire() {
			s.logger.Debug("skipping busy node", "message_id", id)
			continue
		}
		delete(s.nodes, id)
		n.Release()
		removed++
	}
	return removed
}
