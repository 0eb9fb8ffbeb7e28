// Package broker implements the brokerage gateway variants
package broker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	"github.com/mirinaemaru/cautostock-sub000/internal/storage"
	apperrors "github.com/mirinaemaru/cautostock-sub000/pkg/errors"
)

// TokenFetcher exchanges app credentials for an access token
type TokenFetcher func(ctx context.Context) (token string, expiresAt time.Time, err error)

// TokenManager caches the brokerage access token and refreshes it ahead of
// expiry. Tokens are persisted so a restart inside the validity window does
// not burn an issuance against the brokerage's daily quota.
type TokenManager struct {
	store       *storage.Store
	fetch       TokenFetcher
	refreshLead time.Duration
	logger      core.ILogger
	now         func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenManager builds a manager with the given refresh lead
func NewTokenManager(store *storage.Store, fetch TokenFetcher, refreshLead time.Duration, logger core.ILogger) *TokenManager {
	return &TokenManager{
		store:       store,
		fetch:       fetch,
		refreshLead: refreshLead,
		logger:      logger,
		now:         time.Now,
	}
}

// Token returns a valid access token, refreshing when within the lead
// window. When a refresh fails but the cached token is still unexpired the
// cached token is returned; authentication failures are terminal.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	if m.token == "" {
		// cold start: try the persisted token first
		if err := m.loadPersisted(ctx); err != nil {
			m.logger.Warn("load persisted broker token failed", "error", err)
		}
	}

	if m.token != "" && now.Before(m.expiresAt.Add(-m.refreshLead)) {
		return m.token, nil
	}

	token, expiresAt, err := m.fetch(ctx)
	if err != nil {
		if m.token != "" && now.Before(m.expiresAt) {
			m.logger.Warn("token refresh failed, using unexpired cached token",
				"expires_at", m.expiresAt, "error", err)
			return m.token, nil
		}
		return "", fmt.Errorf("token refresh: %w", err)
	}

	m.token = token
	m.expiresAt = expiresAt
	if err := m.persist(ctx); err != nil {
		m.logger.Warn("persist broker token failed", "error", err)
	}
	m.logger.Info("broker token refreshed", "expires_at", expiresAt)
	return m.token, nil
}

// SignRequest implements the HTTP client Signer by attaching the token
func (m *TokenManager) SignRequest(req *http.Request) error {
	token, err := m.Token(req.Context())
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrAuthenticationFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (m *TokenManager) loadPersisted(ctx context.Context) error {
	return m.store.WithTx(ctx, func(q *storage.Queries) error {
		token, expiresAt, err := q.LoadBrokerToken(ctx)
		if err != nil {
			return err
		}
		if token != "" && m.now().Before(expiresAt) {
			m.token = token
			m.expiresAt = expiresAt
		}
		return nil
	})
}

func (m *TokenManager) persist(ctx context.Context) error {
	return m.store.WithTx(ctx, func(q *storage.Queries) error {
		return q.SaveBrokerToken(ctx, m.token, m.expiresAt)
	})
}
