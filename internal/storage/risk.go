package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
)

// UpsertRiskRule writes a rule at its (scope, account, symbol) key
func (s *Queries) UpsertRiskRule(ctx context.Context, r *core.RiskRule) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO risk_rules (id, scope, account_id, symbol, max_position_value,
			max_open_orders, max_orders_per_minute, daily_loss_limit,
			consecutive_failures_limit, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, account_id, symbol) DO UPDATE SET
			max_position_value = excluded.max_position_value,
			max_open_orders = excluded.max_open_orders,
			max_orders_per_minute = excluded.max_orders_per_minute,
			daily_loss_limit = excluded.daily_loss_limit,
			consecutive_failures_limit = excluded.consecutive_failures_limit,
			active = excluded.active`,
		r.ID, string(r.Scope), r.AccountID, r.Symbol, r.MaxPositionValuePerSymbol.String(),
		r.MaxOpenOrders, r.MaxOrdersPerMinute, r.DailyLossLimit.String(),
		r.ConsecutiveOrderFailuresLimit, boolToInt(r.Active))
	if err != nil {
		return fmt.Errorf("upsert risk rule: %w", err)
	}
	return nil
}

// GetRiskRule fetches the active rule at an exact scope key, nil if absent
func (s *Queries) GetRiskRule(ctx context.Context, scope core.RiskScope, accountID, symbol string) (*core.RiskRule, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, scope, account_id, symbol, max_position_value, max_open_orders,
			max_orders_per_minute, daily_loss_limit, consecutive_failures_limit, active
		FROM risk_rules
		WHERE scope = ? AND account_id = ? AND symbol = ? AND active = 1`,
		string(scope), accountID, symbol)

	var (
		r                   core.RiskRule
		scopeStr            string
		maxPos, dailyLoss   string
		active              int
	)
	err := row.Scan(&r.ID, &scopeStr, &r.AccountID, &r.Symbol, &maxPos, &r.MaxOpenOrders,
		&r.MaxOrdersPerMinute, &dailyLoss, &r.ConsecutiveOrderFailuresLimit, &active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan risk rule: %w", err)
	}
	r.Scope = core.RiskScope(scopeStr)
	if r.MaxPositionValuePerSymbol, err = decimal.NewFromString(maxPos); err != nil {
		return nil, fmt.Errorf("risk rule %s: bad position value: %w", r.ID, err)
	}
	if r.DailyLossLimit, err = decimal.NewFromString(dailyLoss); err != nil {
		return nil, fmt.Errorf("risk rule %s: bad loss limit: %w", r.ID, err)
	}
	r.Active = active != 0
	return &r, nil
}

// GetRiskState loads the risk state for a scope key, creating the default row
// on first access. The row is read-modify-written inside the caller's
// transaction, which serializes concurrent updates.
func (s *Queries) GetRiskState(ctx context.Context, scope core.RiskScope, accountID string) (*core.RiskState, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT scope, account_id, kill_switch, kill_switch_reason, daily_pnl, daily_date,
			consecutive_failures, recent_order_ts
		FROM risk_states WHERE scope = ? AND account_id = ?`,
		string(scope), accountID)

	var (
		rs                 core.RiskState
		scopeStr, ks       string
		dailyPnL, recentTs string
	)
	err := row.Scan(&scopeStr, &rs.AccountID, &ks, &rs.KillSwitchReason, &dailyPnL,
		&rs.DailyDate, &rs.ConsecutiveFailures, &recentTs)
	if err == sql.ErrNoRows {
		rs = core.RiskState{
			Scope:      scope,
			AccountID:  accountID,
			KillSwitch: core.KillSwitchOff,
			DailyPnL:   decimal.Zero,
		}
		if err := s.SaveRiskState(ctx, &rs); err != nil {
			return nil, err
		}
		return &rs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan risk state: %w", err)
	}

	rs.Scope = core.RiskScope(scopeStr)
	rs.KillSwitch = core.KillSwitchStatus(ks)
	if rs.DailyPnL, err = decimal.NewFromString(dailyPnL); err != nil {
		return nil, fmt.Errorf("risk state: bad daily pnl: %w", err)
	}
	var millis []int64
	if err := json.Unmarshal([]byte(recentTs), &millis); err != nil {
		return nil, fmt.Errorf("risk state: bad order timestamps: %w", err)
	}
	for _, m := range millis {
		rs.RecentOrderTs = append(rs.RecentOrderTs, time.UnixMilli(m).UTC())
	}
	return &rs, nil
}

// SaveRiskState writes the full risk state row
func (s *Queries) SaveRiskState(ctx context.Context, rs *core.RiskState) error {
	millis := make([]int64, 0, len(rs.RecentOrderTs))
	for _, ts := range rs.RecentOrderTs {
		millis = append(millis, ts.UnixMilli())
	}
	tsJSON, err := json.Marshal(millis)
	if err != nil {
		return fmt.Errorf("marshal order timestamps: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO risk_states (scope, account_id, kill_switch, kill_switch_reason,
			daily_pnl, daily_date, consecutive_failures, recent_order_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, account_id) DO UPDATE SET
			kill_switch = excluded.kill_switch,
			kill_switch_reason = excluded.kill_switch_reason,
			daily_pnl = excluded.daily_pnl,
			daily_date = excluded.daily_date,
			consecutive_failures = excluded.consecutive_failures,
			recent_order_ts = excluded.recent_order_ts`,
		string(rs.Scope), rs.AccountID, string(rs.KillSwitch), rs.KillSwitchReason,
		rs.DailyPnL.String(), rs.DailyDate, rs.ConsecutiveFailures, string(tsJSON))
	if err != nil {
		return fmt.Errorf("save risk state: %w", err)
	}
	return nil
}
