package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveBrokerToken persists the access token as a fallback for process restarts
func (s *Queries) SaveBrokerToken(ctx context.Context, accessToken string, expiresAt time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO broker_tokens (id, access_token, expires_at, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		accessToken, expiresAt.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save broker token: %w", err)
	}
	return nil
}

// LoadBrokerToken returns the persisted token, empty if none exists
func (s *Queries) LoadBrokerToken(ctx context.Context) (accessToken string, expiresAt time.Time, err error) {
	row := s.q.QueryRowContext(ctx, `SELECT access_token, expires_at FROM broker_tokens WHERE id = 1`)
	var expires int64
	err = row.Scan(&accessToken, &expires)
	if err == sql.ErrNoRows {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("load broker token: %w", err)
	}
	return accessToken, time.UnixMilli(expires).UTC(), nil
}
