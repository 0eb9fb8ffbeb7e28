package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
)

// SaveBar inserts or updates a bar. Open bars mutate in place within their
// bucket; the unique (symbol, timeframe, bar_timestamp) index keys the upsert.
func (s *Queries) SaveBar(ctx context.Context, b *core.Bar) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO bars (id, symbol, timeframe, open, high, low, close, volume, bar_timestamp, closed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, timeframe, bar_timestamp) DO UPDATE SET
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			closed = excluded.closed
		WHERE bars.closed = 0`,
		b.ID, b.Symbol, string(b.Timeframe),
		b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(),
		b.Volume, b.BarTimestamp.UnixMilli(), boolToInt(b.Closed))
	if err != nil {
		return fmt.Errorf("save bar %s/%s: %w", b.Symbol, b.Timeframe, err)
	}
	return nil
}

// SealBar marks the bar closed. Sealing an already-sealed bucket is a no-op.
func (s *Queries) SealBar(ctx context.Context, b *core.Bar) error {
	b.Closed = true
	return s.SaveBar(ctx, b)
}

// RecentBars returns the most recent n bars for (symbol, timeframe) in
// chronological order.
func (s *Queries) RecentBars(ctx context.Context, symbol string, tf core.Timeframe, n int) ([]core.Bar, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, symbol, timeframe, open, high, low, close, volume, bar_timestamp, closed
		FROM bars
		WHERE symbol = ? AND timeframe = ?
		ORDER BY bar_timestamp DESC
		LIMIT ?`,
		symbol, string(tf), n)
	if err != nil {
		return nil, fmt.Errorf("query recent bars: %w", err)
	}
	defer rows.Close()

	var bars []core.Bar
	for rows.Next() {
		b, err := scanBar(rows)
		if err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// reverse into chronological order
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// GetBar fetches one bar by its unique key
func (s *Queries) GetBar(ctx context.Context, symbol string, tf core.Timeframe, barTs time.Time) (*core.Bar, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, symbol, timeframe, open, high, low, close, volume, bar_timestamp, closed
		FROM bars
		WHERE symbol = ? AND timeframe = ? AND bar_timestamp = ?`,
		symbol, string(tf), barTs.UnixMilli())
	b, err := scanBar(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBar(r rowScanner) (core.Bar, error) {
	var (
		b                      core.Bar
		tf                     string
		open, high, low, close string
		barTs                  int64
		closed                 int
	)
	if err := r.Scan(&b.ID, &b.Symbol, &tf, &open, &high, &low, &close, &b.Volume, &barTs, &closed); err != nil {
		return core.Bar{}, err
	}
	b.Timeframe = core.Timeframe(tf)
	var err error
	if b.Open, err = decimal.NewFromString(open); err != nil {
		return core.Bar{}, fmt.Errorf("bar %s: bad open: %w", b.ID, err)
	}
	if b.High, err = decimal.NewFromString(high); err != nil {
		return core.Bar{}, fmt.Errorf("bar %s: bad high: %w", b.ID, err)
	}
	if b.Low, err = decimal.NewFromString(low); err != nil {
		return core.Bar{}, fmt.Errorf("bar %s: bad low: %w", b.ID, err)
	}
	if b.Close, err = decimal.NewFromString(close); err != nil {
		return core.Bar{}, fmt.Errorf("bar %s: bad close: %w", b.ID, err)
	}
	b.BarTimestamp = time.UnixMilli(barTs).UTC()
	b.Closed = closed != 0
	return b, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
