package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	"github.com/mirinaemaru/cautostock-sub000/internal/markethours"
	"github.com/mirinaemaru/cautostock-sub000/internal/marketdata"
	"github.com/mirinaemaru/cautostock-sub000/internal/storage"
	"github.com/mirinaemaru/cautostock-sub000/pkg/logging"
)

const testAccount = "ACC1"

// Monday 10:00 KST, inside the regular session
var openTime = time.Date(2026, 8, 24, 10, 0, 0, 0, seoul())

func seoul() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		panic(err)
	}
	return loc
}

func fallbackRule() core.RiskRule {
	return core.RiskRule{
		Scope:                         core.ScopeGlobal,
		MaxPositionValuePerSymbol:     decimal.NewFromInt(1_000_000),
		MaxOpenOrders:                 10,
		MaxOrdersPerMinute:            3,
		DailyLossLimit:                decimal.NewFromInt(500_000),
		ConsecutiveOrderFailuresLimit: 5,
		Active:                        true,
	}
}

func newEngine(t *testing.T) (*Engine, *storage.Store, *marketdata.TickCache) {
	t.Helper()
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cal := markethours.NewCalendar(seoul(), []markethours.Session{markethours.Regular}, nil)
	ticks := marketdata.NewTickCache()
	e := NewEngine(fallbackRule(), cal, ticks, true, logging.NewNop())
	e.now = func() time.Time { return openTime }
	return e, store, ticks
}

func marketOrder(qty int64) *core.Order {
	return &core.Order{
		ID:        core.NewID(),
		AccountID: testAccount,
		Symbol:    "005930",
		Side:      core.SideBuy,
		Type:      core.OrderMarket,
		Qty:       qty,
		Status:    core.OrderNew,
	}
}

func evaluate(t *testing.T, e *Engine, store *storage.Store, o *core.Order) Decision {
	t.Helper()
	var d Decision
	require.NoError(t, store.WithTx(context.Background(), func(q *storage.Queries) error {
		var err error
		d, err = e.Evaluate(context.Background(), q, o)
		return err
	}))
	return d
}

func priceTick(ticks *marketdata.TickCache, price int64) {
	ticks.Put(core.Tick{
		Symbol:    "005930",
		Price:     decimal.NewFromInt(price),
		Volume:    1,
		Timestamp: openTime,
	})
}

func TestEvaluate_AllowsWithinLimits(t *testing.T) {
	e, store, ticks := newEngine(t)
	priceTick(ticks, 70_000)

	d := evaluate(t, e, store, marketOrder(10))
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Code)
}

func TestEvaluate_KillSwitchBlocksFirst(t *testing.T) {
	e, store, ticks := newEngine(t)
	priceTick(ticks, 70_000)
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		return e.TriggerKillSwitch(ctx, q, core.ScopeGlobal, "", "operator stop")
	}))

	d := evaluate(t, e, store, marketOrder(10))
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeKillSwitch, d.Code)
}

func TestEvaluate_ArmedDoesNotBlock(t *testing.T) {
	e, store, ticks := newEngine(t)
	priceTick(ticks, 70_000)
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		return e.Arm(ctx, q, core.ScopeGlobal, "", "watching")
	}))

	d := evaluate(t, e, store, marketOrder(10))
	assert.True(t, d.Allowed)
}

func TestEvaluate_PerAccountKillSwitch(t *testing.T) {
	e, store, ticks := newEngine(t)
	priceTick(ticks, 70_000)
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		return e.TriggerKillSwitch(ctx, q, core.ScopePerAccount, testAccount, "account halted")
	}))

	// the latched account is blocked
	d := evaluate(t, e, store, marketOrder(10))
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeKillSwitch, d.Code)

	// other accounts keep trading
	other := marketOrder(10)
	other.AccountID = "ACC2"
	d = evaluate(t, e, store, other)
	assert.True(t, d.Allowed)

	// release restores the account
	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		return e.ReleaseKillSwitch(ctx, q, core.ScopePerAccount, testAccount, "ops")
	}))
	d = evaluate(t, e, store, marketOrder(10))
	assert.True(t, d.Allowed)
}

func TestEvaluate_DailyLossTripsKillSwitch(t *testing.T) {
	e, store, ticks := newEngine(t)
	priceTick(ticks, 70_000)
	ctx := context.Background()

	// drive the account to the limit
	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		state, err := q.GetRiskState(ctx, core.ScopePerAccount, testAccount)
		if err != nil {
			return err
		}
		state.DailyPnL = decimal.NewFromInt(-500_000)
		state.DailyDate = "2026-08-24"
		return q.SaveRiskState(ctx, state)
	}))

	d := evaluate(t, e, store, marketOrder(10))
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeDailyLossLimit, d.Code)

	// the breach forced the global switch ON with an event
	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		global, err := q.GetRiskState(ctx, core.ScopeGlobal, "")
		if err != nil {
			return err
		}
		assert.Equal(t, core.KillSwitchOn, global.KillSwitch)
		events, err := q.EventsOfType(ctx, core.EventKillSwitchTriggered)
		if err != nil {
			return err
		}
		assert.Len(t, events, 1)
		return nil
	}))
}

func TestEvaluate_DailyCountersResetOnNewDay(t *testing.T) {
	e, store, ticks := newEngine(t)
	priceTick(ticks, 70_000)
	ctx := context.Background()

	// yesterday's loss must not block today
	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		state, err := q.GetRiskState(ctx, core.ScopePerAccount, testAccount)
		if err != nil {
			return err
		}
		state.DailyPnL = decimal.NewFromInt(-900_000)
		state.DailyDate = "2026-08-21"
		return q.SaveRiskState(ctx, state)
	}))

	d := evaluate(t, e, store, marketOrder(10))
	assert.True(t, d.Allowed)
}

func TestEvaluate_MaxOpenOrders(t *testing.T) {
	e, store, ticks := newEngine(t)
	priceTick(ticks, 100)
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		for i := 0; i < 10; i++ {
			o := marketOrder(1)
			o.Status = core.OrderSent
			o.IdempotencyKey = core.NewID()
			o.CreatedAt, o.UpdatedAt = openTime, openTime
			if err := q.InsertOrder(ctx, o); err != nil {
				return err
			}
		}
		return nil
	}))

	d := evaluate(t, e, store, marketOrder(1))
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeMaxOpenOrders, d.Code)
}

func TestEvaluate_OrderFrequencyBoundary(t *testing.T) {
	e, store, ticks := newEngine(t)
	priceTick(ticks, 100)
	ctx := context.Background()

	// three submissions in the window, limit three: the fourth is blocked
	for i := 0; i < 3; i++ {
		require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
			return e.RecordSubmitSuccess(ctx, q, testAccount)
		}))
	}

	d := evaluate(t, e, store, marketOrder(1))
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeOrderFrequency, d.Code)

	// entries age out of the rolling minute
	e.now = func() time.Time { return openTime.Add(61 * time.Second) }
	d = evaluate(t, e, store, marketOrder(1))
	assert.True(t, d.Allowed)
}

func TestEvaluate_PositionExposureBoundary(t *testing.T) {
	e, store, ticks := newEngine(t)
	priceTick(ticks, 150_000)

	// 10 shares at 150,000 projects 1,500,000 against a 1,000,000 cap
	d := evaluate(t, e, store, marketOrder(10))
	assert.False(t, d.Allowed)
	assert.Equal(t, CodePositionExposure, d.Code)
	assert.Contains(t, d.Reason, "1500000")

	// 6 shares projects 900,000 and passes
	d = evaluate(t, e, store, marketOrder(6))
	assert.True(t, d.Allowed)
}

func TestEvaluate_ExposureCountsExistingPosition(t *testing.T) {
	e, store, ticks := newEngine(t)
	priceTick(ticks, 150_000)
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		return q.UpsertPosition(ctx, &core.Position{
			AccountID: testAccount, Symbol: "005930", Qty: 5,
			AvgPrice: decimal.NewFromInt(140_000), LastUpdatedAt: openTime,
		})
	}))

	// 5 held + 2 new = 7 x 150,000 = 1,050,000
	d := evaluate(t, e, store, marketOrder(2))
	assert.False(t, d.Allowed)
	assert.Equal(t, CodePositionExposure, d.Code)
}

func TestEvaluate_MarketOrderWithoutTickRejected(t *testing.T) {
	e, store, _ := newEngine(t)

	d := evaluate(t, e, store, marketOrder(1))
	assert.False(t, d.Allowed)
	assert.Equal(t, CodePositionExposure, d.Code)
	assert.Contains(t, d.Reason, "no reference price")
}

func TestEvaluate_LimitOrderUsesLimitPrice(t *testing.T) {
	e, store, _ := newEngine(t)

	price := decimal.NewFromInt(200_000)
	o := marketOrder(10)
	o.Type = core.OrderLimit
	o.Price = &price

	d := evaluate(t, e, store, o)
	assert.False(t, d.Allowed)
	assert.Equal(t, CodePositionExposure, d.Code)
}

func TestEvaluate_ConsecutiveFailures(t *testing.T) {
	e, store, ticks := newEngine(t)
	priceTick(ticks, 100)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
			return e.RecordSubmitFailure(ctx, q, testAccount, "005930")
		}))
	}

	// streak of 4 is under the limit of 5
	d := evaluate(t, e, store, marketOrder(1))
	assert.True(t, d.Allowed)

	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		return e.RecordSubmitFailure(ctx, q, testAccount, "005930")
	}))

	// the fifth failure tripped the switch
	d = evaluate(t, e, store, marketOrder(1))
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeKillSwitch, d.Code)
}

func TestEvaluate_SuccessResetsFailureStreak(t *testing.T) {
	e, store, ticks := newEngine(t)
	priceTick(ticks, 100)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
			return e.RecordSubmitFailure(ctx, q, testAccount, "005930")
		}))
	}
	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		return e.RecordSubmitSuccess(ctx, q, testAccount)
	}))
	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		state, err := q.GetRiskState(ctx, core.ScopePerAccount, testAccount)
		if err != nil {
			return err
		}
		assert.Zero(t, state.ConsecutiveFailures)
		return nil
	}))
}

func TestEvaluate_MarketClosed(t *testing.T) {
	e, store, ticks := newEngine(t)
	priceTick(ticks, 100)

	// Saturday
	e.now = func() time.Time { return time.Date(2026, 8, 22, 10, 0, 0, 0, seoul()) }
	d := evaluate(t, e, store, marketOrder(1))
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeMarketClosed, d.Code)
}

func TestEvaluate_MarketCheckDisabled(t *testing.T) {
	e, store, ticks := newEngine(t)
	priceTick(ticks, 100)
	e.checkMarket = false

	e.now = func() time.Time { return time.Date(2026, 8, 22, 10, 0, 0, 0, seoul()) }
	d := evaluate(t, e, store, marketOrder(1))
	assert.True(t, d.Allowed)
}

func TestResolveRule_MostSpecificWins(t *testing.T) {
	e, store, _ := newEngine(t)
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		if err := q.UpsertRiskRule(ctx, &core.RiskRule{
			ID: core.NewID(), Scope: core.ScopePerAccount, AccountID: testAccount,
			MaxOpenOrders: 20, MaxPositionValuePerSymbol: decimal.NewFromInt(2_000_000),
			DailyLossLimit: decimal.NewFromInt(500_000), Active: true,
		}); err != nil {
			return err
		}
		return q.UpsertRiskRule(ctx, &core.RiskRule{
			ID: core.NewID(), Scope: core.ScopePerSymbol, AccountID: testAccount, Symbol: "005930",
			MaxOpenOrders: 2, MaxPositionValuePerSymbol: decimal.NewFromInt(100_000),
			DailyLossLimit: decimal.NewFromInt(500_000), Active: true,
		})
	}))

	var rule core.RiskRule
	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		rule, err = e.ResolveRule(ctx, q, testAccount, "005930")
		return err
	}))
	assert.Equal(t, core.ScopePerSymbol, rule.Scope)
	assert.Equal(t, 2, rule.MaxOpenOrders)

	// other symbols fall back to the account rule
	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		rule, err = e.ResolveRule(ctx, q, testAccount, "000660")
		return err
	}))
	assert.Equal(t, core.ScopePerAccount, rule.Scope)

	// unknown accounts fall back to the configured rule
	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		rule, err = e.ResolveRule(ctx, q, "OTHER", "005930")
		return err
	}))
	assert.Equal(t, fallbackRule().MaxOpenOrders, rule.MaxOpenOrders)
}

func TestKillSwitch_ReleaseIsManualOnly(t *testing.T) {
	e, store, ticks := newEngine(t)
	priceTick(ticks, 100)
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		return e.TriggerKillSwitch(ctx, q, core.ScopeGlobal, "", "stop")
	}))

	// time passing does not release it
	e.now = func() time.Time { return openTime.Add(48 * time.Hour) }
	d := evaluate(t, e, store, marketOrder(1))
	assert.Equal(t, CodeKillSwitch, d.Code)

	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		return e.ReleaseKillSwitch(ctx, q, core.ScopeGlobal, "", "ops")
	}))

	// released on a weekday inside the session
	e.now = func() time.Time { return openTime.Add(24 * time.Hour) }
	d = evaluate(t, e, store, marketOrder(1))
	assert.True(t, d.Allowed)

	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		events, err := q.EventsOfType(ctx, core.EventKillSwitchReleased)
		if err != nil {
			return err
		}
		assert.Len(t, events, 1)
		return nil
	}))
}
