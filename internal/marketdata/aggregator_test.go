package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	"github.com/mirinaemaru/cautostock-sub000/internal/storage"
	"github.com/mirinaemaru/cautostock-sub000/pkg/logging"
)

func newAggregator(t *testing.T, tfs ...core.Timeframe) (*Aggregator, *storage.Store) {
	t.Helper()
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	if len(tfs) == 0 {
		tfs = []core.Timeframe{core.Timeframe1m}
	}
	return NewAggregator(store, NewTickCache(), tfs, logging.NewNop()), store
}

func tick(symbol string, price float64, vol int64, ts time.Time) core.Tick {
	return core.Tick{Symbol: symbol, Price: decimal.NewFromFloat(price), Volume: vol, Timestamp: ts}
}

func TestAggregator_FoldsTicksIntoOpenBar(t *testing.T) {
	agg, _ := newAggregator(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Minute)

	agg.HandleTick(ctx, tick("005930", 100, 10, base))
	agg.HandleTick(ctx, tick("005930", 103, 5, base.Add(10*time.Second)))
	agg.HandleTick(ctx, tick("005930", 99, 7, base.Add(20*time.Second)))
	agg.HandleTick(ctx, tick("005930", 101, 3, base.Add(30*time.Second)))

	bar, ok := agg.OpenBar("005930", core.Timeframe1m)
	require.True(t, ok)
	assert.Equal(t, "100", bar.Open.String())
	assert.Equal(t, "103", bar.High.String())
	assert.Equal(t, "99", bar.Low.String())
	assert.Equal(t, "101", bar.Close.String())
	assert.Equal(t, int64(25), bar.Volume)
	assert.Equal(t, base, bar.BarTimestamp)
	assert.False(t, bar.Closed)
}

func TestAggregator_SealsOnBucketRollover(t *testing.T) {
	agg, store := newAggregator(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Minute).Add(-2 * time.Minute)

	var sealed []core.Bar
	agg.OnBarSealed(func(b core.Bar) { sealed = append(sealed, b) })

	agg.HandleTick(ctx, tick("005930", 100, 10, base))
	agg.HandleTick(ctx, tick("005930", 105, 10, base.Add(30*time.Second)))
	// next bucket seals the first bar
	agg.HandleTick(ctx, tick("005930", 106, 1, base.Add(time.Minute)))

	require.Len(t, sealed, 1)
	assert.True(t, sealed[0].Closed)
	assert.Equal(t, "105", sealed[0].Close.String())
	assert.Equal(t, base, sealed[0].BarTimestamp)

	var persisted *core.Bar
	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		persisted, err = q.GetBar(ctx, "005930", core.Timeframe1m, base)
		return err
	}))
	require.NotNil(t, persisted)
	assert.True(t, persisted.Closed)
	assert.Equal(t, int64(20), persisted.Volume)
}

func TestAggregator_LateTickDropped(t *testing.T) {
	agg, store := newAggregator(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Minute).Add(-5 * time.Minute)

	agg.HandleTick(ctx, tick("005930", 100, 10, base))
	agg.HandleTick(ctx, tick("005930", 101, 10, base.Add(time.Minute)))
	// belongs to the sealed first bucket
	agg.HandleTick(ctx, tick("005930", 999, 10, base.Add(30*time.Second)))

	var persisted *core.Bar
	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		persisted, err = q.GetBar(ctx, "005930", core.Timeframe1m, base)
		return err
	}))
	require.NotNil(t, persisted)
	assert.Equal(t, "100", persisted.Close.String(), "late tick must not mutate a sealed bar")
	assert.Equal(t, int64(10), persisted.Volume)
}

func TestAggregator_InvalidTicksIgnored(t *testing.T) {
	agg, _ := newAggregator(t)
	ctx := context.Background()

	agg.HandleTick(ctx, core.Tick{Symbol: "", Price: decimal.NewFromInt(100), Timestamp: time.Now()})
	agg.HandleTick(ctx, tick("005930", -5, 1, time.Now()))
	agg.HandleTick(ctx, tick("005930", 100, 1, time.Now().Add(2*time.Minute)))

	_, ok := agg.OpenBar("005930", core.Timeframe1m)
	assert.False(t, ok)
}

func TestAggregator_MultipleTimeframes(t *testing.T) {
	agg, _ := newAggregator(t, core.Timeframe1m, core.Timeframe5m)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(5 * time.Minute)

	agg.HandleTick(ctx, tick("005930", 100, 1, base))
	agg.HandleTick(ctx, tick("005930", 110, 1, base.Add(time.Minute)))

	m1, ok := agg.OpenBar("005930", core.Timeframe1m)
	require.True(t, ok)
	assert.Equal(t, "110", m1.Open.String(), "second minute opened a new 1m bar")

	m5, ok := agg.OpenBar("005930", core.Timeframe5m)
	require.True(t, ok)
	assert.Equal(t, "100", m5.Open.String(), "5m bar still open across minutes")
	assert.Equal(t, int64(2), m5.Volume)
}

func TestAggregator_SealExpiredClosesQuietBar(t *testing.T) {
	agg, store := newAggregator(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Minute).Add(-2 * time.Minute)

	var sealed []core.Bar
	agg.OnBarSealed(func(b core.Bar) { sealed = append(sealed, b) })

	agg.HandleTick(ctx, tick("005930", 100, 10, base))

	// still inside the bucket: nothing to seal
	agg.SealExpired(ctx, base.Add(59*time.Second))
	assert.Empty(t, sealed)
	_, ok := agg.OpenBar("005930", core.Timeframe1m)
	assert.True(t, ok)

	// the bucket has ended with no further ticks
	agg.SealExpired(ctx, base.Add(time.Minute))
	require.Len(t, sealed, 1)
	assert.True(t, sealed[0].Closed)
	assert.Equal(t, base, sealed[0].BarTimestamp)
	_, ok = agg.OpenBar("005930", core.Timeframe1m)
	assert.False(t, ok)

	var persisted *core.Bar
	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		persisted, err = q.GetBar(ctx, "005930", core.Timeframe1m, base)
		return err
	}))
	require.NotNil(t, persisted)
	assert.True(t, persisted.Closed)
}

func TestAggregator_FlushOpenSealsEverything(t *testing.T) {
	agg, _ := newAggregator(t)
	ctx := context.Background()

	var sealed []core.Bar
	agg.OnBarSealed(func(b core.Bar) { sealed = append(sealed, b) })

	agg.HandleTick(ctx, tick("005930", 100, 1, time.Now().UTC()))
	agg.HandleTick(ctx, tick("000660", 200, 1, time.Now().UTC()))
	agg.FlushOpen(ctx)

	assert.Len(t, sealed, 2)
	_, ok := agg.OpenBar("005930", core.Timeframe1m)
	assert.False(t, ok)
}

func TestTickCache_KeepsNewest(t *testing.T) {
	c := NewTickCache()
	now := time.Now()

	c.Put(tick("005930", 100, 1, now))
	c.Put(tick("005930", 90, 1, now.Add(-time.Second))) // stale

	latest, ok := c.Latest("005930")
	require.True(t, ok)
	assert.Equal(t, "100", latest.Price.String())

	_, ok = c.Latest("unknown")
	assert.False(t, ok)
}

func TestBarStore_MemoryTierAndFallback(t *testing.T) {
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	bs := NewBarStore(store)
	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

	// older bars only in the database
	for i := 0; i < 3; i++ {
		b := core.Bar{
			ID: core.NewID(), Symbol: "005930", Timeframe: core.Timeframe1m,
			Open: decimal.NewFromInt(100), High: decimal.NewFromInt(100),
			Low: decimal.NewFromInt(100), Close: decimal.NewFromInt(int64(100 + i)),
			BarTimestamp: base.Add(time.Duration(i) * time.Minute), Closed: true,
		}
		require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
			return q.SaveBar(ctx, &b)
		}))
	}

	// newest bar in memory only
	bs.Append(core.Bar{
		ID: core.NewID(), Symbol: "005930", Timeframe: core.Timeframe1m,
		Close: decimal.NewFromInt(200), BarTimestamp: base.Add(3 * time.Minute), Closed: true,
	})

	// memory holds fewer than requested, fall through to the database
	bars, err := bs.RecentBars(ctx, "005930", core.Timeframe1m, 3)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.True(t, bars[0].BarTimestamp.Before(bars[2].BarTimestamp))

	// memory alone can serve a request for one
	bars, err = bs.RecentBars(ctx, "005930", core.Timeframe1m, 1)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, "200", bars[0].Close.String())
}
