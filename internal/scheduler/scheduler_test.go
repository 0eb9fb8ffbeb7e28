package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirinaemaru/cautostock-sub000/internal/config"
	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	"github.com/mirinaemaru/cautostock-sub000/internal/markethours"
	"github.com/mirinaemaru/cautostock-sub000/internal/marketdata"
	"github.com/mirinaemaru/cautostock-sub000/internal/order"
	"github.com/mirinaemaru/cautostock-sub000/internal/risk"
	"github.com/mirinaemaru/cautostock-sub000/internal/signal"
	"github.com/mirinaemaru/cautostock-sub000/internal/storage"
	"github.com/mirinaemaru/cautostock-sub000/internal/strategy"
	"github.com/mirinaemaru/cautostock-sub000/pkg/logging"
)

type recordingBroker struct {
	mu     sync.Mutex
	placed []*core.Order
}

func (b *recordingBroker) Name() string { return "REC" }

func (b *recordingBroker) PlaceOrder(ctx context.Context, o *core.Order) (*core.BrokerAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placed = append(b.placed, o)
	return &core.BrokerAck{BrokerOrderNo: "BRK-001"}, nil
}

func (b *recordingBroker) CancelOrder(ctx context.Context, brokerOrderNo string) error { return nil }
func (b *recordingBroker) ModifyOrder(ctx context.Context, brokerOrderNo string, newQty *int64, newPrice *decimal.Decimal) error {
	return nil
}
func (b *recordingBroker) SubscribeTicks(ctx context.Context, symbols []string, h core.TickHandler) (string, error) {
	return "sub", nil
}
func (b *recordingBroker) SubscribeFills(ctx context.Context, accountID string, h core.FillHandler) (string, error) {
	return "sub", nil
}
func (b *recordingBroker) Unsubscribe(subscriptionID string) error { return nil }
func (b *recordingBroker) Close() error                            { return nil }

func (b *recordingBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.placed)
}

func seoul() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		panic(err)
	}
	return loc
}

// Monday 10:00 KST
var evalTime = time.Date(2026, 8, 24, 10, 0, 0, 0, seoul())

type fixture struct {
	sched  *Scheduler
	broker *recordingBroker
	store  *storage.Store
	svc    *strategy.Service
	bars   *marketdata.BarStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := logging.NewNop()
	rule := core.RiskRule{
		Scope:                     core.ScopeGlobal,
		MaxPositionValuePerSymbol: decimal.NewFromInt(100_000_000),
		MaxOpenOrders:             100,
		MaxOrdersPerMinute:        100,
		DailyLossLimit:            decimal.NewFromInt(10_000_000),
		Active:                    true,
	}
	cal := markethours.NewCalendar(seoul(), []markethours.Session{markethours.Regular}, nil)
	ticks := marketdata.NewTickCache()
	ticks.Put(core.Tick{Symbol: "005930", Price: decimal.NewFromInt(70_000), Volume: 1, Timestamp: evalTime})

	engine := risk.NewEngine(rule, cal, ticks, false, logger)
	engine.SetClock(func() time.Time { return evalTime })

	broker := &recordingBroker{}
	orders := order.NewService(store, broker, engine, logger)

	svc := strategy.NewService(store, strategy.NewRegistry(), logger)
	bars := marketdata.NewBarStore(store)
	policy := signal.NewPolicy(5 * time.Minute)
	policy.SetClock(func() time.Time { return evalTime })

	cfg := config.StrategyExecutionConfig{
		Enabled:       true,
		Cron:          "0 * * * * *",
		Workers:       1,
		QueueCapacity: 16,
		TaskTimeoutMs: 5_000,
	}
	defaults := config.AppConfig{AccountID: "ACC1", DefaultSymbol: "005930"}

	sched := New(cfg, defaults, store, svc, bars, policy, orders, core.Timeframe1m, logger)
	sched.now = func() time.Time { return evalTime }
	t.Cleanup(sched.Stop)

	return &fixture{sched: sched, broker: broker, store: store, svc: svc, bars: bars}
}

// drain waits for all queued evaluations to finish. The pool runs a single
// worker, so a no-op barrier task completes after everything before it.
func (f *fixture) drain() {
	f.sched.pool.SubmitAndWait(func() {})
}

func maParams(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(strategy.MACrossParams{
		Type: strategy.KindMACross, ShortPeriod: 2, LongPeriod: 4, OrderQty: 3, TTLSec: 300,
	})
	require.NoError(t, err)
	return raw
}

// seedCross loads a series whose last bar produces a golden cross for
// SMA(2) over SMA(4).
func seedCross(f *fixture, symbol string) {
	closesSeq := []int64{100, 100, 100, 100, 100, 120}
	for i, c := range closesSeq {
		price := decimal.NewFromInt(c)
		f.bars.Append(core.Bar{
			Symbol:    symbol,
			Timeframe: core.Timeframe1m,
			BarTimestamp:     evalTime.Add(time.Duration(i-len(closesSeq)) * time.Minute).UTC(),
			Open:      price, High: price, Low: price, Close: price,
			Volume: 10,
			Closed: true,
		})
	}
}

func activeStrategy(t *testing.T, f *fixture, name, symbol string) *core.Strategy {
	t.Helper()
	ctx := context.Background()
	st, err := f.svc.Create(ctx, name, core.ModePaper, maParams(t))
	require.NoError(t, err)
	require.NoError(t, f.svc.Activate(ctx, st.ID))
	if symbol != "" {
		require.NoError(t, f.svc.MapSymbol(ctx, st.ID, symbol, "ACC1"))
	}
	return st
}

func TestTriggerEvaluation_PlacesOrderOnCross(t *testing.T) {
	f := newFixture(t)
	st := activeStrategy(t, f, "ma-1", "005930")
	seedCross(f, "005930")

	require.NoError(t, f.sched.TriggerEvaluation(context.Background()))
	f.drain()

	require.Equal(t, 1, f.broker.count())
	placed := f.broker.placed[0]
	assert.Equal(t, "005930", placed.Symbol)
	assert.Equal(t, core.SideBuy, placed.Side)
	assert.Equal(t, int64(3), placed.Qty)
	assert.Equal(t, st.ID, placed.StrategyID)
}

func TestTriggerEvaluation_HoldPlacesNothing(t *testing.T) {
	f := newFixture(t)
	activeStrategy(t, f, "ma-1", "005930")

	// flat closes, no crossover
	for i := 0; i < 6; i++ {
		price := decimal.NewFromInt(100)
		f.bars.Append(core.Bar{
			Symbol: "005930", Timeframe: core.Timeframe1m,
			BarTimestamp: evalTime.Add(time.Duration(i-6) * time.Minute).UTC(),
			Open:  price, High: price, Low: price, Close: price,
			Volume: 10, Closed: true,
		})
	}

	require.NoError(t, f.sched.TriggerEvaluation(context.Background()))
	f.drain()
	assert.Zero(t, f.broker.count())
}

func TestTriggerEvaluation_InsufficientBarsHolds(t *testing.T) {
	f := newFixture(t)
	activeStrategy(t, f, "ma-1", "005930")

	require.NoError(t, f.sched.TriggerEvaluation(context.Background()))
	f.drain()
	assert.Zero(t, f.broker.count())
}

func TestTriggerEvaluation_InactiveStrategySkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st, err := f.svc.Create(ctx, "ma-1", core.ModePaper, maParams(t))
	require.NoError(t, err)
	require.NoError(t, f.svc.MapSymbol(ctx, st.ID, "005930", "ACC1"))
	seedCross(f, "005930")

	require.NoError(t, f.sched.TriggerEvaluation(ctx))
	f.drain()
	assert.Zero(t, f.broker.count())
}

func TestTriggerEvaluation_DefaultSymbolFallback(t *testing.T) {
	f := newFixture(t)
	// no symbol mapping; the configured default pair is used
	activeStrategy(t, f, "ma-1", "")
	seedCross(f, "005930")

	require.NoError(t, f.sched.TriggerEvaluation(context.Background()))
	f.drain()

	require.Equal(t, 1, f.broker.count())
	assert.Equal(t, "ACC1", f.broker.placed[0].AccountID)
}

func TestTriggerEvaluation_CooldownSuppressesRepeat(t *testing.T) {
	f := newFixture(t)
	activeStrategy(t, f, "ma-1", "005930")
	seedCross(f, "005930")

	ctx := context.Background()
	require.NoError(t, f.sched.TriggerEvaluation(ctx))
	f.drain()
	require.NoError(t, f.sched.TriggerEvaluation(ctx))
	f.drain()

	assert.Equal(t, 1, f.broker.count(), "second identical signal sits in cooldown")
}

func TestStart_DisabledSchedulerStillTriggersManually(t *testing.T) {
	f := newFixture(t)
	f.sched.cfg.Enabled = false
	require.NoError(t, f.sched.Start())

	activeStrategy(t, f, "ma-1", "005930")
	seedCross(f, "005930")

	require.NoError(t, f.sched.TriggerEvaluation(context.Background()))
	f.drain()
	assert.Equal(t, 1, f.broker.count())
}
