package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
)

// InsertStrategy inserts a strategy record
func (s *Queries) InsertStrategy(ctx context.Context, st *core.Strategy) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO strategies (id, name, status, mode, active_version_id, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.Name, string(st.Status), string(st.Mode), st.ActiveVersionID,
		boolToInt(st.Deleted), st.CreatedAt.UnixMilli(), st.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert strategy %s: %w", st.Name, err)
	}
	return nil
}

// UpdateStrategy writes mutable strategy fields
func (s *Queries) UpdateStrategy(ctx context.Context, st *core.Strategy) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE strategies
		SET name = ?, status = ?, mode = ?, active_version_id = ?, deleted = ?, updated_at = ?
		WHERE id = ?`,
		st.Name, string(st.Status), string(st.Mode), st.ActiveVersionID,
		boolToInt(st.Deleted), time.Now().UnixMilli(), st.ID)
	if err != nil {
		return fmt.Errorf("update strategy %s: %w", st.ID, err)
	}
	return nil
}

// GetStrategy fetches a strategy by id, nil if absent
func (s *Queries) GetStrategy(ctx context.Context, id string) (*core.Strategy, error) {
	return s.getStrategyWhere(ctx, "id = ?", id)
}

// GetStrategyByName fetches a strategy by unique name, nil if absent
func (s *Queries) GetStrategyByName(ctx context.Context, name string) (*core.Strategy, error) {
	return s.getStrategyWhere(ctx, "name = ?", name)
}

func (s *Queries) getStrategyWhere(ctx context.Context, where string, arg any) (*core.Strategy, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, name, status, mode, active_version_id, deleted, created_at, updated_at
		FROM strategies WHERE `+where, arg)
	st, err := scanStrategy(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListActiveStrategies lists ACTIVE, non-deleted strategies
func (s *Queries) ListActiveStrategies(ctx context.Context) ([]core.Strategy, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, name, status, mode, active_version_id, deleted, created_at, updated_at
		FROM strategies WHERE status = 'ACTIVE' AND deleted = 0 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list active strategies: %w", err)
	}
	defer rows.Close()

	var out []core.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanStrategy(r rowScanner) (core.Strategy, error) {
	var (
		st                   core.Strategy
		status, mode         string
		deleted              int
		createdAt, updatedAt int64
	)
	err := r.Scan(&st.ID, &st.Name, &status, &mode, &st.ActiveVersionID, &deleted, &createdAt, &updatedAt)
	if err != nil {
		return core.Strategy{}, err
	}
	st.Status = core.StrategyStatus(status)
	st.Mode = core.TradingMode(mode)
	st.Deleted = deleted != 0
	st.CreatedAt = time.UnixMilli(createdAt).UTC()
	st.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return st, nil
}

// InsertStrategyVersion appends a new immutable parameter snapshot
func (s *Queries) InsertStrategyVersion(ctx context.Context, v *core.StrategyVersion) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO strategy_versions (id, strategy_id, version_no, params_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		v.ID, v.StrategyID, v.VersionNo, v.ParamsJSON, v.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert strategy version %d for %s: %w", v.VersionNo, v.StrategyID, err)
	}
	return nil
}

// GetStrategyVersion fetches one version by id, nil if absent
func (s *Queries) GetStrategyVersion(ctx context.Context, id string) (*core.StrategyVersion, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, strategy_id, version_no, params_json, created_at
		FROM strategy_versions WHERE id = ?`, id)
	var (
		v         core.StrategyVersion
		createdAt int64
	)
	err := row.Scan(&v.ID, &v.StrategyID, &v.VersionNo, &v.ParamsJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan strategy version: %w", err)
	}
	v.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &v, nil
}

// NextVersionNo returns the next monotone version number for a strategy
func (s *Queries) NextVersionNo(ctx context.Context, strategyID string) (int, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_no), 0) + 1 FROM strategy_versions WHERE strategy_id = ?`,
		strategyID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("next version no: %w", err)
	}
	return n, nil
}

// UpsertStrategySymbol adds or re-activates a (strategy, symbol, account) mapping
func (s *Queries) UpsertStrategySymbol(ctx context.Context, m *core.StrategySymbol) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO strategy_symbols (id, strategy_id, symbol, account_id, is_active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(strategy_id, symbol, account_id) DO UPDATE SET is_active = excluded.is_active`,
		m.ID, m.StrategyID, m.Symbol, m.AccountID, boolToInt(m.IsActive))
	if err != nil {
		return fmt.Errorf("upsert strategy symbol: %w", err)
	}
	return nil
}

// RemoveStrategySymbol deactivates a mapping
func (s *Queries) RemoveStrategySymbol(ctx context.Context, strategyID, symbol, accountID string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE strategy_symbols SET is_active = 0
		WHERE strategy_id = ? AND symbol = ? AND account_id = ?`,
		strategyID, symbol, accountID)
	if err != nil {
		return fmt.Errorf("remove strategy symbol: %w", err)
	}
	return nil
}

// ListActiveSymbols lists active mappings for a strategy
func (s *Queries) ListActiveSymbols(ctx context.Context, strategyID string) ([]core.StrategySymbol, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, strategy_id, symbol, account_id, is_active
		FROM strategy_symbols WHERE strategy_id = ? AND is_active = 1 ORDER BY symbol`,
		strategyID)
	if err != nil {
		return nil, fmt.Errorf("list strategy symbols: %w", err)
	}
	defer rows.Close()

	var out []core.StrategySymbol
	for rows.Next() {
		var (
			m      core.StrategySymbol
			active int
		)
		if err := rows.Scan(&m.ID, &m.StrategyID, &m.Symbol, &m.AccountID, &active); err != nil {
			return nil, err
		}
		m.IsActive = active != 0
		out = append(out, m)
	}
	return out, rows.Err()
}
