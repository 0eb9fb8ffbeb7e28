// Package fill reconciles broker executions into orders, positions and PnL
package fill

import (
	"sync"
	"time"
)

const (
	dedupCapacity = 10_000
	dedupTTL      = time.Hour
)

// Dedup is the in-memory first line of fill deduplication. The database
// primary key on fill id is authoritative; this map just spares the hot
// path a transaction for the common replay case.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewDedup returns an empty window
func NewDedup() *Dedup {
	return &Dedup{seen: make(map[string]time.Time), now: time.Now}
}

// Witness records a fill id and reports whether it was already present.
// Entries expire after an hour; at capacity the oldest entries are evicted.
func (d *Dedup) Witness(fillID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[fillID]; ok && now.Sub(at) < dedupTTL {
		return true
	}

	if len(d.seen) >= dedupCapacity {
		d.evict(now)
	}
	d.seen[fillID] = now
	return false
}

// Forget removes a fill id, allowing the caller to retry after a failed
// application.
func (d *Dedup) Forget(fillID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, fillID)
}

// evict drops expired entries, then the oldest entries until a quarter of
// the capacity is free. Called with the lock held.
func (d *Dedup) evict(now time.Time) {
	for id, at := range d.seen {
		if now.Sub(at) >= dedupTTL {
			delete(d.seen, id)
		}
	}
	for len(d.seen) >= dedupCapacity-dedupCapacity/4 {
		var oldestID string
		var oldestAt time.Time
		for id, at := range d.seen {
			if oldestID == "" || at.Before(oldestAt) {
				oldestID, oldestAt = id, at
			}
		}
		delete(d.seen, oldestID)
	}
}
