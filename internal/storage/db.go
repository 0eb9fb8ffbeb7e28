// Package storage implements SQLite persistence for all trading entities
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Querier abstracts *sql.DB and *sql.Tx so repository methods run inside or
// outside an explicit transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries carries all repository methods over a Querier
type Queries struct {
	q Querier
}

// Store owns the database handle. Use-case transactions go through WithTx so
// state changes and their outbox events commit atomically.
type Store struct {
	db *sql.DB
	*Queries
}

const schema = `
CREATE TABLE IF NOT EXISTS bars (
	id            TEXT PRIMARY KEY,
	symbol        TEXT NOT NULL,
	timeframe     TEXT NOT NULL,
	open          TEXT NOT NULL,
	high          TEXT NOT NULL,
	low           TEXT NOT NULL,
	close         TEXT NOT NULL,
	volume        INTEGER NOT NULL,
	bar_timestamp INTEGER NOT NULL,
	closed        INTEGER NOT NULL DEFAULT 0,
	UNIQUE(symbol, timeframe, bar_timestamp)
);
CREATE INDEX IF NOT EXISTS idx_bars_lookup ON bars(symbol, timeframe, bar_timestamp DESC);

CREATE TABLE IF NOT EXISTS strategies (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL UNIQUE,
	status            TEXT NOT NULL,
	mode              TEXT NOT NULL,
	active_version_id TEXT NOT NULL DEFAULT '',
	deleted           INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS strategy_versions (
	id          TEXT PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	version_no  INTEGER NOT NULL,
	params_json TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	UNIQUE(strategy_id, version_no)
);

CREATE TABLE IF NOT EXISTS strategy_symbols (
	id          TEXT PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	account_id  TEXT NOT NULL,
	is_active   INTEGER NOT NULL DEFAULT 1,
	UNIQUE(strategy_id, symbol, account_id)
);

CREATE TABLE IF NOT EXISTS orders (
	id                  TEXT PRIMARY KEY,
	account_id          TEXT NOT NULL,
	strategy_id         TEXT NOT NULL DEFAULT '',
	strategy_version_id TEXT NOT NULL DEFAULT '',
	symbol              TEXT NOT NULL,
	side                TEXT NOT NULL,
	order_type          TEXT NOT NULL,
	qty                 INTEGER NOT NULL,
	price               TEXT,
	status              TEXT NOT NULL,
	idempotency_key     TEXT NOT NULL UNIQUE,
	broker_order_no     TEXT NOT NULL DEFAULT '',
	reject_reason       TEXT NOT NULL DEFAULT '',
	filled_qty          INTEGER NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_account_status ON orders(account_id, status);

CREATE TABLE IF NOT EXISTS fills (
	id             TEXT PRIMARY KEY,
	order_id       TEXT NOT NULL,
	account_id     TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	side           TEXT NOT NULL,
	qty            INTEGER NOT NULL,
	price          TEXT NOT NULL,
	fill_timestamp INTEGER NOT NULL,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);

CREATE TABLE IF NOT EXISTS positions (
	account_id      TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	qty             INTEGER NOT NULL,
	avg_price       TEXT NOT NULL,
	last_updated_at INTEGER NOT NULL,
	PRIMARY KEY(account_id, symbol)
);

CREATE TABLE IF NOT EXISTS pnl_ledger (
	id                  TEXT PRIMARY KEY,
	account_id          TEXT NOT NULL,
	symbol              TEXT NOT NULL,
	realized_delta      TEXT NOT NULL,
	cumulative_realized TEXT NOT NULL,
	fill_id             TEXT NOT NULL,
	created_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pnl_account ON pnl_ledger(account_id, symbol, created_at);

CREATE TABLE IF NOT EXISTS risk_rules (
	id                         TEXT PRIMARY KEY,
	scope                      TEXT NOT NULL,
	account_id                 TEXT NOT NULL DEFAULT '',
	symbol                     TEXT NOT NULL DEFAULT '',
	max_position_value         TEXT NOT NULL,
	max_open_orders            INTEGER NOT NULL,
	max_orders_per_minute      INTEGER NOT NULL,
	daily_loss_limit           TEXT NOT NULL,
	consecutive_failures_limit INTEGER NOT NULL,
	active                     INTEGER NOT NULL DEFAULT 1,
	UNIQUE(scope, account_id, symbol)
);

CREATE TABLE IF NOT EXISTS risk_states (
	scope                TEXT NOT NULL,
	account_id           TEXT NOT NULL DEFAULT '',
	kill_switch          TEXT NOT NULL DEFAULT 'OFF',
	kill_switch_reason   TEXT NOT NULL DEFAULT '',
	daily_pnl            TEXT NOT NULL DEFAULT '0',
	daily_date           TEXT NOT NULL DEFAULT '',
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	recent_order_ts      TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY(scope, account_id)
);

CREATE TABLE IF NOT EXISTS outbox_events (
	id           TEXT PRIMARY KEY,
	event_type   TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	published_at INTEGER,
	attempts     INTEGER NOT NULL DEFAULT 0,
	poisoned     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events(created_at) WHERE published_at IS NULL;

CREATE TABLE IF NOT EXISTS broker_tokens (
	id           INTEGER PRIMARY KEY CHECK (id = 1),
	access_token TEXT NOT NULL,
	expires_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
`

// Open opens (or creates) the database at path and applies the schema.
// WAL mode keeps readers unblocked during use-case transactions.
func Open(path string) (*Store, error) {
	// file: DSNs may already carry a query string
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", path+sep+"_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	// SQLite serializes writers; a single open connection avoids SQLITE_BUSY
	// storms under concurrent use-case transactions.
	db.SetMaxOpenConns(1)

	return &Store{db: db, Queries: &Queries{q: db}}, nil
}

// OpenInMemory opens a private in-memory database, for tests
func OpenInMemory() (*Store, error) {
	return Open("file::memory:?mode=memory&cache=shared")
}

// WithTx runs fn inside a transaction. The transaction commits only if fn
// returns nil; any state change and its outbox events are atomic.
func (s *Store) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&Queries{q: tx}); err != nil {
		return err
	}

	return tx.Commit()
}

// Close closes the database handle
func (s *Store) Close() error {
	return s.db.Close()
}
