package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
)

// GetPosition returns the position for (account, symbol), nil if none exists
func (s *Queries) GetPosition(ctx context.Context, accountID, symbol string) (*core.Position, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT account_id, symbol, qty, avg_price, last_updated_at
		FROM positions WHERE account_id = ? AND symbol = ?`,
		accountID, symbol)

	var (
		p        core.Position
		avgPrice string
		updated  int64
	)
	err := row.Scan(&p.AccountID, &p.Symbol, &p.Qty, &avgPrice, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan position: %w", err)
	}
	if p.AvgPrice, err = decimal.NewFromString(avgPrice); err != nil {
		return nil, fmt.Errorf("position %s/%s: bad avg price: %w", accountID, symbol, err)
	}
	p.LastUpdatedAt = time.UnixMilli(updated).UTC()
	return &p, nil
}

// UpsertPosition writes the position row for (account, symbol)
func (s *Queries) UpsertPosition(ctx context.Context, p *core.Position) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO positions (account_id, symbol, qty, avg_price, last_updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, symbol) DO UPDATE SET
			qty = excluded.qty,
			avg_price = excluded.avg_price,
			last_updated_at = excluded.last_updated_at`,
		p.AccountID, p.Symbol, p.Qty, p.AvgPrice.String(), p.LastUpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert position %s/%s: %w", p.AccountID, p.Symbol, err)
	}
	return nil
}

// InsertPnLEntry appends a realized profit-and-loss ledger record
func (s *Queries) InsertPnLEntry(ctx context.Context, e *core.PnLEntry) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO pnl_ledger (id, account_id, symbol, realized_delta, cumulative_realized, fill_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.Symbol, e.RealizedDelta.String(), e.CumulativeRealized.String(),
		e.FillID, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert pnl entry: %w", err)
	}
	return nil
}

// LastCumulativeRealized returns the running realized total for (account, symbol)
func (s *Queries) LastCumulativeRealized(ctx context.Context, accountID, symbol string) (decimal.Decimal, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT cumulative_realized FROM pnl_ledger
		WHERE account_id = ? AND symbol = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		accountID, symbol)
	var cum string
	err := row.Scan(&cum)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("query cumulative pnl: %w", err)
	}
	d, err := decimal.NewFromString(cum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad cumulative pnl %q: %w", cum, err)
	}
	return d, nil
}
