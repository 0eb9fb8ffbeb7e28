package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
)

// InsertOutboxEvent records an event in the caller's transaction so that the
// event row is durable iff the state change is.
func (s *Queries) InsertOutboxEvent(ctx context.Context, e *core.OutboxEvent) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO outbox_events (id, event_type, payload_json, created_at, published_at, attempts, poisoned)
		VALUES (?, ?, ?, ?, NULL, 0, 0)`,
		e.ID, string(e.Type), e.PayloadJSON, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// PendingOutboxEvents lists unpublished, non-poisoned events in creation order
func (s *Queries) PendingOutboxEvents(ctx context.Context, limit int) ([]core.OutboxEvent, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, event_type, payload_json, created_at, published_at, attempts, poisoned
		FROM outbox_events
		WHERE published_at IS NULL AND poisoned = 0
		ORDER BY created_at, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending outbox events: %w", err)
	}
	defer rows.Close()

	var events []core.OutboxEvent
	for rows.Next() {
		var (
			e         core.OutboxEvent
			etype     string
			createdAt int64
			published sql.NullInt64
			poisoned  int
		)
		if err := rows.Scan(&e.ID, &etype, &e.PayloadJSON, &createdAt, &published, &e.Attempts, &poisoned); err != nil {
			return nil, err
		}
		e.Type = core.EventType(etype)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		if published.Valid {
			t := time.UnixMilli(published.Int64).UTC()
			e.PublishedAt = &t
		}
		e.Poisoned = poisoned != 0
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkOutboxPublished stamps a published timestamp on the event
func (s *Queries) MarkOutboxPublished(ctx context.Context, id string, at time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE outbox_events SET published_at = ? WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark outbox event %s published: %w", id, err)
	}
	return nil
}

// MarkOutboxFailed increments the attempt counter and poisons the event once
// it exceeds maxAttempts.
func (s *Queries) MarkOutboxFailed(ctx context.Context, id string, maxAttempts int) (poisoned bool, err error) {
	_, err = s.q.ExecContext(ctx, `
		UPDATE outbox_events
		SET attempts = attempts + 1,
			poisoned = CASE WHEN attempts + 1 >= ? THEN 1 ELSE 0 END
		WHERE id = ?`, maxAttempts, id)
	if err != nil {
		return false, fmt.Errorf("mark outbox event %s failed: %w", id, err)
	}
	row := s.q.QueryRowContext(ctx, `SELECT poisoned FROM outbox_events WHERE id = ?`, id)
	var p int
	if err := row.Scan(&p); err != nil {
		return false, fmt.Errorf("read outbox event %s: %w", id, err)
	}
	return p != 0, nil
}

// CountPendingOutbox returns the number of unpublished, non-poisoned events
func (s *Queries) CountPendingOutbox(ctx context.Context) (int64, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_events WHERE published_at IS NULL AND poisoned = 0`)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending outbox events: %w", err)
	}
	return n, nil
}

// EventsOfType lists events of one type in creation order, for tests and audit
func (s *Queries) EventsOfType(ctx context.Context, t core.EventType) ([]core.OutboxEvent, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, event_type, payload_json, created_at, published_at, attempts, poisoned
		FROM outbox_events WHERE event_type = ? ORDER BY created_at, id`, string(t))
	if err != nil {
		return nil, fmt.Errorf("query events of type %s: %w", t, err)
	}
	defer rows.Close()

	var events []core.OutboxEvent
	for rows.Next() {
		var (
			e         core.OutboxEvent
			etype     string
			createdAt int64
			published sql.NullInt64
			poisoned  int
		)
		if err := rows.Scan(&e.ID, &etype, &e.PayloadJSON, &createdAt, &published, &e.Attempts, &poisoned); err != nil {
			return nil, err
		}
		e.Type = core.EventType(etype)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		if published.Valid {
			t := time.UnixMilli(published.Int64).UTC()
			e.PublishedAt = &t
		}
		e.Poisoned = poisoned != 0
		events = append(events, e)
	}
	return events, rows.Err()
}
