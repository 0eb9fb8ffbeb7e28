// Package marketdata ingests ticks and folds them into OHLCV bars
package marketdata

import (
	"sync"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
)

// TickCache holds the latest tick per symbol for price lookups such as
// market-order exposure checks.
type TickCache struct {
	mu    sync.RWMutex
	ticks map[string]core.Tick
}

// NewTickCache returns an empty cache
func NewTickCache() *TickCache {
	return &TickCache{ticks: make(map[string]core.Tick)}
}

// Put stores the tick if it is not older than the cached one
func (c *TickCache) Put(t core.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.ticks[t.Symbol]; ok && t.Timestamp.Before(cur.Timestamp) {
		return
	}
	c.ticks[t.Symbol] = t
}

// Latest returns the last tick for a symbol
func (c *TickCache) Latest(symbol string) (core.Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.ticks[symbol]
	return t, ok
}
