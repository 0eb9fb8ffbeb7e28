// Package risk runs pre-trade checks and owns the kill switch
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	"github.com/mirinaemaru/cautostock-sub000/internal/markethours"
	"github.com/mirinaemaru/cautostock-sub000/internal/marketdata"
	"github.com/mirinaemaru/cautostock-sub000/internal/storage"
	"github.com/mirinaemaru/cautostock-sub000/pkg/telemetry"
)

// Rejection codes, one per check, in evaluation order
const (
	CodeKillSwitch          = "KILL_SWITCH"
	CodeDailyLossLimit      = "DAILY_LOSS_LIMIT"
	CodeMaxOpenOrders       = "MAX_OPEN_ORDERS"
	CodeOrderFrequency      = "ORDER_FREQUENCY_LIMIT"
	CodePositionExposure    = "POSITION_EXPOSURE_LIMIT"
	CodeConsecutiveFailures = "CONSECUTIVE_FAILURES"
	CodeMarketClosed        = "MARKET_CLOSED"
)

// frequencyWindow is the rolling window for the order-rate check
const frequencyWindow = time.Minute

// Decision is the outcome of a pre-trade evaluation. Code and Reason are
// set only when Allowed is false.
type Decision struct {
	Allowed bool
	Code    string
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func reject(code, reason string) Decision {
	return Decision{Code: code, Reason: reason}
}

// Engine evaluates the ordered pre-trade checks against persisted risk
// state. All reads and writes go through the caller's transaction so a
// rejection and its bookkeeping commit atomically with the order row.
type Engine struct {
	fallback core.RiskRule
	calendar *markethours.Calendar
	ticks    *marketdata.TickCache
	logger   core.ILogger

	checkMarket bool
	now         func() time.Time
}

// NewEngine builds the engine. fallback is the configured GLOBAL rule used
// when no persisted rule matches.
func NewEngine(fallback core.RiskRule, cal *markethours.Calendar, ticks *marketdata.TickCache, checkMarket bool, logger core.ILogger) *Engine {
	return &Engine{
		fallback:    fallback,
		calendar:    cal,
		ticks:       ticks,
		logger:      logger,
		checkMarket: checkMarket,
		now:         time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// ResolveRule returns the most specific active rule for (account, symbol):
// PER_SYMBOL beats PER_ACCOUNT beats GLOBAL beats the configured fallback.
func (e *Engine) ResolveRule(ctx context.Context, q *storage.Queries, accountID, symbol string) (core.RiskRule, error) {
	lookups := []struct {
		scope   core.RiskScope
		account string
		symbol  string
	}{
		{core.ScopePerSymbol, accountID, symbol},
		{core.ScopePerAccount, accountID, ""},
		{core.ScopeGlobal, "", ""},
	}
	for _, l := range lookups {
		r, err := q.GetRiskRule(ctx, l.scope, l.account, l.symbol)
		if err != nil {
			return core.RiskRule{}, err
		}
		if r != nil {
			return *r, nil
		}
	}
	return e.fallback, nil
}

// Evaluate runs the seven checks in order and stops at the first breach.
// The order has not been sent anywhere yet; a rejection here must produce
// a REJECTED order row, never a broker call.
func (e *Engine) Evaluate(ctx context.Context, q *storage.Queries, o *core.Order) (Decision, error) {
	now := e.now()

	rule, err := e.ResolveRule(ctx, q, o.AccountID, o.Symbol)
	if err != nil {
		return Decision{}, err
	}

	global, err := q.GetRiskState(ctx, core.ScopeGlobal, "")
	if err != nil {
		return Decision{}, err
	}
	if global.KillSwitch == core.KillSwitchOn {
		return reject(CodeKillSwitch, "kill switch is ON: "+global.KillSwitchReason), nil
	}

	state, err := q.GetRiskState(ctx, core.ScopePerAccount, o.AccountID)
	if err != nil {
		return Decision{}, err
	}
	if state.KillSwitch == core.KillSwitchOn {
		return reject(CodeKillSwitch, "account kill switch is ON: "+state.KillSwitchReason), nil
	}
	e.rollDailyWindow(state, now)

	if rule.DailyLossLimit.IsPositive() && state.DailyPnL.LessThanOrEqual(rule.DailyLossLimit.Neg()) {
		if err := e.trip(ctx, q, global, CodeDailyLossLimit,
			fmt.Sprintf("daily loss %s breached limit %s", state.DailyPnL, rule.DailyLossLimit)); err != nil {
			return Decision{}, err
		}
		if err := q.SaveRiskState(ctx, state); err != nil {
			return Decision{}, err
		}
		return reject(CodeDailyLossLimit,
			fmt.Sprintf("daily pnl %s at or below -%s", state.DailyPnL, rule.DailyLossLimit)), nil
	}

	if rule.MaxOpenOrders > 0 {
		open, err := q.CountOpenOrders(ctx, o.AccountID)
		if err != nil {
			return Decision{}, err
		}
		if open >= rule.MaxOpenOrders {
			return reject(CodeMaxOpenOrders,
				fmt.Sprintf("%d open orders at limit %d", open, rule.MaxOpenOrders)), nil
		}
	}

	if rule.MaxOrdersPerMinute > 0 {
		state.PruneOrderTimestamps(now, frequencyWindow)
		if len(state.RecentOrderTs) >= rule.MaxOrdersPerMinute {
			if err := q.SaveRiskState(ctx, state); err != nil {
				return Decision{}, err
			}
			return reject(CodeOrderFrequency,
				fmt.Sprintf("%d orders in the last minute at limit %d",
					len(state.RecentOrderTs), rule.MaxOrdersPerMinute)), nil
		}
	}

	if rule.MaxPositionValuePerSymbol.IsPositive() {
		d, err := e.checkExposure(ctx, q, o, rule)
		if err != nil {
			return Decision{}, err
		}
		if !d.Allowed {
			return d, nil
		}
	}

	if rule.ConsecutiveOrderFailuresLimit > 0 && state.ConsecutiveFailures >= rule.ConsecutiveOrderFailuresLimit {
		if err := e.trip(ctx, q, global, CodeConsecutiveFailures,
			fmt.Sprintf("%d consecutive order failures", state.ConsecutiveFailures)); err != nil {
			return Decision{}, err
		}
		return reject(CodeConsecutiveFailures,
			fmt.Sprintf("%d consecutive failures at limit %d",
				state.ConsecutiveFailures, rule.ConsecutiveOrderFailuresLimit)), nil
	}

	if e.checkMarket && !e.calendar.IsOpen(now) {
		return reject(CodeMarketClosed, "market is closed"), nil
	}

	if err := q.SaveRiskState(ctx, state); err != nil {
		return Decision{}, err
	}
	return allow(), nil
}

// checkExposure bounds the post-trade absolute position value. MARKET
// orders price off the latest tick; without one the order cannot be sized
// and is rejected.
func (e *Engine) checkExposure(ctx context.Context, q *storage.Queries, o *core.Order, rule core.RiskRule) (Decision, error) {
	var price decimal.Decimal
	switch {
	case o.Type == core.OrderLimit && o.Price != nil:
		price = *o.Price
	default:
		tick, ok := e.ticks.Latest(o.Symbol)
		if !ok {
			return reject(CodePositionExposure, "no reference price for "+o.Symbol), nil
		}
		price = tick.Price
	}

	pos, err := q.GetPosition(ctx, o.AccountID, o.Symbol)
	if err != nil {
		return Decision{}, err
	}
	var posQty int64
	if pos != nil {
		posQty = pos.Qty
	}

	projected := posQty + o.Side.Sign()*o.Qty
	value := decimal.NewFromInt(projected).Abs().Mul(price)
	if value.GreaterThan(rule.MaxPositionValuePerSymbol) {
		return reject(CodePositionExposure,
			fmt.Sprintf("projected exposure %s exceeds limit %s",
				value.Round(core.ScaleMoney), rule.MaxPositionValuePerSymbol)), nil
	}
	return allow(), nil
}

// RecordSubmitSuccess appends a frequency-tracker entry and clears the
// failure streak. Called only after the broker accepted the submission,
// so rejected-by-risk orders never consume rate budget.
func (e *Engine) RecordSubmitSuccess(ctx context.Context, q *storage.Queries, accountID string) error {
	now := e.now()
	state, err := q.GetRiskState(ctx, core.ScopePerAccount, accountID)
	if err != nil {
		return err
	}
	state.PruneOrderTimestamps(now, frequencyWindow)
	state.RecentOrderTs = append(state.RecentOrderTs, now)
	state.ConsecutiveFailures = 0
	return q.SaveRiskState(ctx, state)
}

// RecordSubmitFailure increments the failure streak and trips the kill
// switch when the streak reaches the resolved limit.
func (e *Engine) RecordSubmitFailure(ctx context.Context, q *storage.Queries, accountID, symbol string) error {
	state, err := q.GetRiskState(ctx, core.ScopePerAccount, accountID)
	if err != nil {
		return err
	}
	state.ConsecutiveFailures++
	if err := q.SaveRiskState(ctx, state); err != nil {
		return err
	}

	rule, err := e.ResolveRule(ctx, q, accountID, symbol)
	if err != nil {
		return err
	}
	if rule.ConsecutiveOrderFailuresLimit > 0 && state.ConsecutiveFailures >= rule.ConsecutiveOrderFailuresLimit {
		global, err := q.GetRiskState(ctx, core.ScopeGlobal, "")
		if err != nil {
			return err
		}
		return e.trip(ctx, q, global, CodeConsecutiveFailures,
			fmt.Sprintf("%d consecutive order failures", state.ConsecutiveFailures))
	}
	return nil
}

// ApplyRealizedPnL folds a realized delta into the account's daily PnL and
// trips the kill switch on a daily-loss breach. Returns whether the switch
// tripped so the caller can log it with the fill.
func (e *Engine) ApplyRealizedPnL(ctx context.Context, q *storage.Queries, accountID, symbol string, delta decimal.Decimal) (bool, error) {
	now := e.now()
	state, err := q.GetRiskState(ctx, core.ScopePerAccount, accountID)
	if err != nil {
		return false, err
	}
	e.rollDailyWindow(state, now)
	state.DailyPnL = state.DailyPnL.Add(delta).Round(core.ScaleMoney)
	if err := q.SaveRiskState(ctx, state); err != nil {
		return false, err
	}

	rule, err := e.ResolveRule(ctx, q, accountID, symbol)
	if err != nil {
		return false, err
	}
	if !rule.DailyLossLimit.IsPositive() || state.DailyPnL.GreaterThan(rule.DailyLossLimit.Neg()) {
		return false, nil
	}

	global, err := q.GetRiskState(ctx, core.ScopeGlobal, "")
	if err != nil {
		return false, err
	}
	if global.KillSwitch == core.KillSwitchOn {
		return false, nil
	}
	err = e.trip(ctx, q, global, CodeDailyLossLimit,
		fmt.Sprintf("daily loss %s breached limit %s", state.DailyPnL, rule.DailyLossLimit))
	return err == nil, err
}

// rollDailyWindow lazily resets daily counters when the calendar date in
// the market timezone has moved on.
func (e *Engine) rollDailyWindow(state *core.RiskState, now time.Time) {
	today := e.calendar.LocalDate(now)
	if state.DailyDate == today {
		return
	}
	state.DailyDate = today
	state.DailyPnL = decimal.Zero
}

// trip forces the kill switch of the given state row ON and records the
// event. Idempotent when the switch is already ON.
func (e *Engine) trip(ctx context.Context, q *storage.Queries, state *core.RiskState, code, reason string) error {
	if state.KillSwitch == core.KillSwitchOn {
		return nil
	}
	state.KillSwitch = core.KillSwitchOn
	state.KillSwitchReason = code + ": " + reason
	if err := q.SaveRiskState(ctx, state); err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]string{
		"scope": string(state.Scope), "account_id": state.AccountID,
		"code": code, "reason": reason,
	})
	if err := q.InsertOutboxEvent(ctx, &core.OutboxEvent{
		ID:          core.NewID(),
		Type:        core.EventKillSwitchTriggered,
		PayloadJSON: string(payload),
		CreatedAt:   e.now().UTC(),
	}); err != nil {
		return err
	}

	telemetry.GetGlobalMetrics().SetKillSwitchOn(string(state.Scope), true)
	e.logger.Error("kill switch tripped",
		"scope", string(state.Scope), "account_id", state.AccountID,
		"code", code, "reason", reason)
	return nil
}

// Arm sets the switch at the given scope to ARMED. ARMED does not block
// orders; it marks the system for operator attention.
func (e *Engine) Arm(ctx context.Context, q *storage.Queries, scope core.RiskScope, accountID, reason string) error {
	state, err := q.GetRiskState(ctx, scope, accountID)
	if err != nil {
		return err
	}
	if state.KillSwitch == core.KillSwitchOn {
		return fmt.Errorf("kill switch is ON; release it first")
	}
	state.KillSwitch = core.KillSwitchArmed
	state.KillSwitchReason = reason
	return q.SaveRiskState(ctx, state)
}

// TriggerKillSwitch turns the switch at the given scope ON manually.
// GLOBAL halts everything; PER_ACCOUNT halts one account's order flow.
func (e *Engine) TriggerKillSwitch(ctx context.Context, q *storage.Queries, scope core.RiskScope, accountID, reason string) error {
	state, err := q.GetRiskState(ctx, scope, accountID)
	if err != nil {
		return err
	}
	return e.trip(ctx, q, state, "MANUAL", reason)
}

// ReleaseKillSwitch turns the switch at the given scope OFF. This is the
// only path out of ON.
func (e *Engine) ReleaseKillSwitch(ctx context.Context, q *storage.Queries, scope core.RiskScope, accountID, operator string) error {
	state, err := q.GetRiskState(ctx, scope, accountID)
	if err != nil {
		return err
	}
	if state.KillSwitch == core.KillSwitchOff {
		return nil
	}
	state.KillSwitch = core.KillSwitchOff
	state.KillSwitchReason = ""
	if err := q.SaveRiskState(ctx, state); err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]string{
		"scope": string(state.Scope), "account_id": state.AccountID, "operator": operator,
	})
	if err := q.InsertOutboxEvent(ctx, &core.OutboxEvent{
		ID:          core.NewID(),
		Type:        core.EventKillSwitchReleased,
		PayloadJSON: string(payload),
		CreatedAt:   e.now().UTC(),
	}); err != nil {
		return err
	}

	telemetry.GetGlobalMetrics().SetKillSwitchOn(string(state.Scope), false)
	e.logger.Warn("kill switch released",
		"scope", string(state.Scope), "account_id", state.AccountID, "operator", operator)
	return nil
}
