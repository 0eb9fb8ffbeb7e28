package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
)

// ErrIdempotencyConflict is returned when an insert hits an existing
// idempotency key. Callers treat it as a replay, not a failure.
var ErrIdempotencyConflict = fmt.Errorf("idempotency key already exists")

// InsertOrder inserts a new order. The UNIQUE constraint on idempotency_key
// converts concurrent duplicate placements into ErrIdempotencyConflict.
func (s *Queries) InsertOrder(ctx context.Context, o *core.Order) error {
	var price any
	if o.Price != nil {
		price = o.Price.String()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO orders (id, account_id, strategy_id, strategy_version_id, symbol, side,
			order_type, qty, price, status, idempotency_key, broker_order_no, reject_reason,
			filled_qty, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.AccountID, o.StrategyID, o.StrategyVersionID, o.Symbol, string(o.Side),
		string(o.Type), o.Qty, price, string(o.Status), o.IdempotencyKey, o.BrokerOrderNo,
		o.RejectReason, o.FilledQty, o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: orders.idempotency_key") {
			return ErrIdempotencyConflict
		}
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder fetches an order by id
func (s *Queries) GetOrder(ctx context.Context, id string) (*core.Order, error) {
	return s.getOrderWhere(ctx, "id = ?", id)
}

// GetOrderByIdempotencyKey fetches an order by its idempotency key, nil if absent
func (s *Queries) GetOrderByIdempotencyKey(ctx context.Context, key string) (*core.Order, error) {
	return s.getOrderWhere(ctx, "idempotency_key = ?", key)
}

func (s *Queries) getOrderWhere(ctx context.Context, where string, arg any) (*core.Order, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, account_id, strategy_id, strategy_version_id, symbol, side, order_type,
			qty, price, status, idempotency_key, broker_order_no, reject_reason, filled_qty,
			created_at, updated_at
		FROM orders WHERE `+where, arg)

	var (
		o                    core.Order
		side, otype, status  string
		price                sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&o.ID, &o.AccountID, &o.StrategyID, &o.StrategyVersionID, &o.Symbol,
		&side, &otype, &o.Qty, &price, &status, &o.IdempotencyKey, &o.BrokerOrderNo,
		&o.RejectReason, &o.FilledQty, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Side = core.OrderSide(side)
	o.Type = core.OrderType(otype)
	o.Status = core.OrderStatus(status)
	if price.Valid {
		p, err := decimal.NewFromString(price.String)
		if err != nil {
			return nil, fmt.Errorf("order %s: bad price: %w", o.ID, err)
		}
		o.Price = &p
	}
	o.CreatedAt = time.UnixMilli(createdAt).UTC()
	o.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &o, nil
}

// UpdateOrderStatus transitions an order and records broker reference or
// rejection reason as applicable.
func (s *Queries) UpdateOrderStatus(ctx context.Context, id string, status core.OrderStatus, brokerOrderNo, rejectReason string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE orders
		SET status = ?,
			broker_order_no = CASE WHEN ? != '' THEN ? ELSE broker_order_no END,
			reject_reason = CASE WHEN ? != '' THEN ? ELSE reject_reason END,
			updated_at = ?
		WHERE id = ?`,
		string(status), brokerOrderNo, brokerOrderNo, rejectReason, rejectReason,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update order %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update order %s status: not found", id)
	}
	return nil
}

// UpdateOrderFill records the new cumulative filled quantity and status
func (s *Queries) UpdateOrderFill(ctx context.Context, id string, filledQty int64, status core.OrderStatus) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE orders SET filled_qty = ?, status = ?, updated_at = ? WHERE id = ?`,
		filledQty, string(status), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update order %s fill: %w", id, err)
	}
	return nil
}

// UpdateOrderParams applies a broker-acked modification to qty/price
func (s *Queries) UpdateOrderParams(ctx context.Context, id string, qty *int64, price *decimal.Decimal) error {
	var priceArg any
	if price != nil {
		priceArg = price.String()
	}
	var qtyArg any
	if qty != nil {
		qtyArg = *qty
	}
	_, err := s.q.ExecContext(ctx, `
		UPDATE orders
		SET qty = COALESCE(?, qty),
			price = COALESCE(?, price),
			updated_at = ?
		WHERE id = ?`,
		qtyArg, priceArg, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update order %s params: %w", id, err)
	}
	return nil
}

// CountOpenOrders counts orders in non-terminal working states for an account
func (s *Queries) CountOpenOrders(ctx context.Context, accountID string) (int, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE account_id = ? AND status IN ('NEW', 'SENT', 'ACCEPTED', 'PART_FILLED')`,
		accountID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count open orders: %w", err)
	}
	return n, nil
}
