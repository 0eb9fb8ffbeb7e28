package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
)

// ErrDuplicateFill is returned when a fill id already exists. Fill
// application is idempotent at the database level through this constraint.
var ErrDuplicateFill = fmt.Errorf("fill already recorded")

// InsertFill records a broker execution. The primary key on the
// broker-assigned fill id rejects replays even after a process restart.
func (s *Queries) InsertFill(ctx context.Context, f *core.Fill) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO fills (id, order_id, account_id, symbol, side, qty, price, fill_timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.OrderID, f.AccountID, f.Symbol, string(f.Side), f.Qty, f.Price.String(),
		f.Timestamp.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "PRIMARY KEY constraint failed") {
			return ErrDuplicateFill
		}
		return fmt.Errorf("insert fill %s: %w", f.ID, err)
	}
	return nil
}

// SumFilledQty returns the total filled quantity recorded for an order
func (s *Queries) SumFilledQty(ctx context.Context, orderID string) (int64, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(qty), 0) FROM fills WHERE order_id = ?`, orderID)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("sum fills for order %s: %w", orderID, err)
	}
	return total, nil
}

// FillsForOrder lists recorded fills for an order in execution order
func (s *Queries) FillsForOrder(ctx context.Context, orderID string) ([]core.Fill, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, order_id, account_id, symbol, side, qty, price, fill_timestamp
		FROM fills WHERE order_id = ? ORDER BY fill_timestamp`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var fills []core.Fill
	for rows.Next() {
		var (
			f     core.Fill
			side  string
			price string
			ts    int64
		)
		if err := rows.Scan(&f.ID, &f.OrderID, &f.AccountID, &f.Symbol, &side, &f.Qty, &price, &ts); err != nil {
			return nil, err
		}
		f.Side = core.OrderSide(side)
		if f.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("fill %s: bad price: %w", f.ID, err)
		}
		f.Timestamp = time.UnixMilli(ts).UTC()
		fills = append(fills, f)
	}
	return fills, rows.Err()
}
