package marketdata

import (
	"context"
	"sync"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	"github.com/mirinaemaru/cautostock-sub000/internal/storage"
)

// memoryBarsPerSeries caps the in-memory tier per (symbol, timeframe)
const memoryBarsPerSeries = 200

type seriesKey struct {
	symbol    string
	timeframe core.Timeframe
}

// BarStore serves recent sealed bars from a bounded in-memory tier backed
// by the database. Strategy evaluation reads go through here so the hot
// path stays off disk.
type BarStore struct {
	store *storage.Store

	mu     sync.RWMutex
	series map[seriesKey][]core.Bar
}

// NewBarStore builds the two-tier store
func NewBarStore(store *storage.Store) *BarStore {
	return &BarStore{store: store, series: make(map[seriesKey][]core.Bar)}
}

// Append adds a sealed bar to the memory tier, evicting the oldest past
// the cap. Wire this to Aggregator.OnBarSealed.
func (b *BarStore) Append(bar core.Bar) {
	key := seriesKey{bar.Symbol, bar.Timeframe}

	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.series[key]

	// drop out-of-order duplicates of the newest bucket
	if n := len(s); n > 0 && !bar.BarTimestamp.After(s[n-1].BarTimestamp) {
		return
	}

	s = append(s, bar)
	if len(s) > memoryBarsPerSeries {
		s = s[len(s)-memoryBarsPerSeries:]
	}
	b.series[key] = s
}

// RecentBars returns up to n most recent sealed bars in chronological
// order, falling back to the database when memory holds fewer than n.
func (b *BarStore) RecentBars(ctx context.Context, symbol string, tf core.Timeframe, n int) ([]core.Bar, error) {
	b.mu.RLock()
	s := b.series[seriesKey{symbol, tf}]
	if len(s) >= n {
		out := make([]core.Bar, n)
		copy(out, s[len(s)-n:])
		b.mu.RUnlock()
		return out, nil
	}
	b.mu.RUnlock()

	var bars []core.Bar
	err := b.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		bars, err = q.RecentBars(ctx, symbol, tf, n)
		return err
	})
	if err != nil {
		return nil, err
	}

	// only closed bars feed evaluation
	sealed := bars[:0]
	for _, bar := range bars {
		if bar.Closed {
			sealed = append(sealed, bar)
		}
	}
	return sealed, nil
}
