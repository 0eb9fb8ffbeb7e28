package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	"github.com/mirinaemaru/cautostock-sub000/internal/storage"
	"github.com/mirinaemaru/cautostock-sub000/pkg/telemetry"
)

// SealHandler is invoked after a bar is sealed and persisted
type SealHandler func(bar core.Bar)

// symbolState carries the open bars of one symbol. Its mutex serializes
// all folding for the symbol; symbols never contend with each other.
type symbolState struct {
	mu   sync.Mutex
	open map[core.Timeframe]*core.Bar
}

// Aggregator folds validated ticks into one open bar per (symbol, timeframe).
// A tick whose bucket is ahead of the open bar seals it; ticks behind a
// sealed bucket are dropped.
type Aggregator struct {
	store      *storage.Store
	cache      *TickCache
	timeframes []core.Timeframe
	logger     core.ILogger

	mu      sync.Mutex
	symbols map[string]*symbolState

	sealMu   sync.RWMutex
	onSealed []SealHandler
}

// NewAggregator builds an aggregator for the given timeframes
func NewAggregator(store *storage.Store, cache *TickCache, timeframes []core.Timeframe, logger core.ILogger) *Aggregator {
	return &Aggregator{
		store:      store,
		cache:      cache,
		timeframes: timeframes,
		logger:     logger,
		symbols:    make(map[string]*symbolState),
	}
}

// OnBarSealed registers a handler called for every sealed bar
func (a *Aggregator) OnBarSealed(h SealHandler) {
	a.sealMu.Lock()
	defer a.sealMu.Unlock()
	a.onSealed = append(a.onSealed, h)
}

func (a *Aggregator) state(symbol string) *symbolState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.symbols[symbol]
	if !ok {
		st = &symbolState{open: make(map[core.Timeframe]*core.Bar)}
		a.symbols[symbol] = st
	}
	return st
}

// HandleTick validates and folds one tick. Safe for concurrent callers;
// ticks for one symbol are processed under that symbol's lock.
func (a *Aggregator) HandleTick(ctx context.Context, t core.Tick) {
	if err := core.ValidateTick(t, time.Now()); err != nil {
		a.logger.Warn("tick rejected", "error", err)
		return
	}
	a.cache.Put(t)

	st := a.state(t.Symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, tf := range a.timeframes {
		a.fold(ctx, st, tf, t)
	}
}

func (a *Aggregator) fold(ctx context.Context, st *symbolState, tf core.Timeframe, t core.Tick) {
	bucket := tf.Truncate(t.Timestamp)
	open := st.open[tf]

	switch {
	case open == nil:
		st.open[tf] = newBar(t, tf, bucket)

	case bucket.Equal(open.BarTimestamp):
		if t.Price.GreaterThan(open.High) {
			open.High = t.Price
		}
		if t.Price.LessThan(open.Low) {
			open.Low = t.Price
		}
		open.Close = t.Price
		open.Volume += t.Volume

	case bucket.After(open.BarTimestamp):
		a.seal(ctx, *open)
		st.open[tf] = newBar(t, tf, bucket)

	default:
		// tick belongs to an already-sealed bucket
		a.logger.Warn("late tick dropped",
			"symbol", t.Symbol, "timeframe", string(tf),
			"tick_ts", t.Timestamp, "open_bucket", open.BarTimestamp)
	}
}

// seal persists the bar as closed and fans it out to handlers. The upsert
// under the unique bucket key makes re-sealing a no-op.
func (a *Aggregator) seal(ctx context.Context, bar core.Bar) {
	bar.Closed = true
	err := a.store.WithTx(ctx, func(q *storage.Queries) error {
		return q.SealBar(ctx, &bar)
	})
	if err != nil {
		a.logger.Error("seal bar failed",
			"symbol", bar.Symbol, "timeframe", string(bar.Timeframe), "error", err)
		return
	}
	telemetry.GetGlobalMetrics().AddBarSealed(ctx, string(bar.Timeframe))

	a.sealMu.RLock()
	handlers := a.onSealed
	a.sealMu.RUnlock()
	for _, h := range handlers {
		h(bar)
	}
}

// SealExpired seals open bars whose bucket has ended by now. Driven from a
// wall-clock ticker so a symbol whose feed goes quiet still closes its last
// bar instead of waiting for the next tick.
func (a *Aggregator) SealExpired(ctx context.Context, now time.Time) {
	a.mu.Lock()
	states := make([]*symbolState, 0, len(a.symbols))
	for _, st := range a.symbols {
		states = append(states, st)
	}
	a.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		for tf, open := range st.open {
			if tf.Truncate(now).After(open.BarTimestamp) {
				a.seal(ctx, *open)
				delete(st.open, tf)
			}
		}
		st.mu.Unlock()
	}
}

// FlushOpen seals every open bar regardless of bucket age. Called on
// shutdown and at market close so the last bucket is not lost.
func (a *Aggregator) FlushOpen(ctx context.Context) {
	a.mu.Lock()
	states := make([]*symbolState, 0, len(a.symbols))
	for _, st := range a.symbols {
		states = append(states, st)
	}
	a.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		for tf, open := range st.open {
			a.seal(ctx, *open)
			delete(st.open, tf)
		}
		st.mu.Unlock()
	}
}

// OpenBar returns a copy of the current open bar, if any
func (a *Aggregator) OpenBar(symbol string, tf core.Timeframe) (core.Bar, bool) {
	st := a.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	if b := st.open[tf]; b != nil {
		return *b, true
	}
	return core.Bar{}, false
}

func newBar(t core.Tick, tf core.Timeframe, bucket time.Time) *core.Bar {
	return &core.Bar{
		ID:           core.NewID(),
		Symbol:       t.Symbol,
		Timeframe:    tf,
		Open:         t.Price,
		High:         t.Price,
		Low:          t.Price,
		Close:        t.Price,
		Volume:       t.Volume,
		BarTimestamp: bucket,
	}
}
