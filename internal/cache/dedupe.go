package cache

import (
	"sync"
	"time"

	"github.com/haasonsaas/llmcord/pkg/models"
)

// Dedupe remembers recently delivered message IDs so a gateway replay after
// a session resume does not trigger a second reply.
type Dedupe struct {
	mu      sync.Mutex
	seen    map[models.MessageID]time.Time
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewDedupe creates a filter. A non-positive ttl keeps IDs until they are
// pushed out by maxSize.
func NewDedupe(ttl time.Duration, maxSize int) *Dedupe {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Dedupe{
		seen:    make(map[models.MessageID]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen records id and reports whether it was already recorded and unexpired.
func (d *Dedupe) Seen(id models.MessageID) bool {
	if id == 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[id]; ok && (d.ttl <= 0 || now.Sub(at) < d.ttl) {
		return true
	}
	d.seen[id] = now
	d.prune(now)
	return false
}

func (d *Dedupe) prune(now time.Time) {
	if d.ttl > 0 {
		for id, at := range d.seen {
			if now.Sub(at) >= d.ttl {
				delete(d.seen, id)
			}
		}
	}
	for len(d.seen) > d.maxSize {
		var oldest models.MessageID
		for id := range d.seen {
			if oldest == 0 || id < oldest {
				oldest = id
			}
		}
		delete(d.seen, oldest)
	}
}

// Len returns the number of remembered IDs.
func (d *Dedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
