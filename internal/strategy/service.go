package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	"github.com/mirinaemaru/cautostock-sub000/internal/storage"
)

// Service manages the strategy lifecycle: registration, versioned parameter
// updates and activation. All mutations run in a single transaction with
// their outbox events.
type Service struct {
	store    *storage.Store
	registry *Registry
	logger   core.ILogger
}

// NewService builds the admin service
func NewService(store *storage.Store, registry *Registry, logger core.ILogger) *Service {
	return &Service{store: store, registry: registry, logger: logger}
}

// Create registers a new INACTIVE strategy with version 1 holding params.
// Params must build against the registry before anything is persisted.
func (s *Service) Create(ctx context.Context, name string, mode core.TradingMode, params json.RawMessage) (*core.Strategy, error) {
	if _, err := s.registry.Build(params); err != nil {
		return nil, fmt.Errorf("create strategy %s: %w", name, err)
	}

	now := time.Now().UTC()
	st := &core.Strategy{
		ID:        core.NewID(),
		Name:      name,
		Status:    core.StrategyInactive,
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ver := &core.StrategyVersion{
		ID:         core.NewID(),
		StrategyID: st.ID,
		VersionNo:  1,
		ParamsJSON: string(params),
		CreatedAt:  now,
	}
	st.ActiveVersionID = ver.ID

	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		if existing, err := q.GetStrategyByName(ctx, name); err != nil {
			return err
		} else if existing != nil {
			return fmt.Errorf("strategy %s already exists", name)
		}
		if err := q.InsertStrategy(ctx, st); err != nil {
			return err
		}
		return q.InsertStrategyVersion(ctx, ver)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("strategy created",
		"strategy_id", st.ID, "name", name, "mode", string(mode))
	return st, nil
}

// UpdateParams appends a new version and atomically swaps it active.
// Evaluations started before the swap keep the version they resolved.
func (s *Service) UpdateParams(ctx context.Context, strategyID string, params json.RawMessage) (*core.StrategyVersion, error) {
	if _, err := s.registry.Build(params); err != nil {
		return nil, fmt.Errorf("update strategy %s: %w", strategyID, err)
	}

	var ver *core.StrategyVersion
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		st, err := q.GetStrategy(ctx, strategyID)
		if err != nil {
			return err
		}
		if st == nil || st.Deleted {
			return fmt.Errorf("strategy %s not found", strategyID)
		}

		no, err := q.NextVersionNo(ctx, strategyID)
		if err != nil {
			return err
		}
		ver = &core.StrategyVersion{
			ID:         core.NewID(),
			StrategyID: strategyID,
			VersionNo:  no,
			ParamsJSON: string(params),
			CreatedAt:  time.Now().UTC(),
		}
		if err := q.InsertStrategyVersion(ctx, ver); err != nil {
			return err
		}

		st.ActiveVersionID = ver.ID
		return q.UpdateStrategy(ctx, st)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("strategy params updated",
		"strategy_id", strategyID, "version_no", ver.VersionNo)
	return ver, nil
}

// Activate flips a strategy to ACTIVE and records the event
func (s *Service) Activate(ctx context.Context, strategyID string) error {
	return s.setStatus(ctx, strategyID, core.StrategyActive, core.EventStrategyActivated)
}

// Deactivate flips a strategy to INACTIVE and records the event.
// Open orders from earlier evaluations are unaffected.
func (s *Service) Deactivate(ctx context.Context, strategyID string) error {
	return s.setStatus(ctx, strategyID, core.StrategyInactive, core.EventStrategyDeactivated)
}

func (s *Service) setStatus(ctx context.Context, strategyID string, status core.StrategyStatus, evt core.EventType) error {
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		st, err := q.GetStrategy(ctx, strategyID)
		if err != nil {
			return err
		}
		if st == nil || st.Deleted {
			return fmt.Errorf("strategy %s not found", strategyID)
		}
		if st.Status == status {
			return nil // no transition, no event
		}

		st.Status = status
		if err := q.UpdateStrategy(ctx, st); err != nil {
			return err
		}

		payload, _ := json.Marshal(map[string]string{
			"strategy_id": st.ID,
			"name":        st.Name,
		})
		return q.InsertOutboxEvent(ctx, &core.OutboxEvent{
			ID:          core.NewID(),
			Type:        evt,
			PayloadJSON: string(payload),
			CreatedAt:   time.Now().UTC(),
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info("strategy status changed", "strategy_id", strategyID, "status", string(status))
	return nil
}

// Delete soft-deletes a strategy. Deleted strategies never evaluate but
// their history stays queryable.
func (s *Service) Delete(ctx context.Context, strategyID string) error {
	return s.store.WithTx(ctx, func(q *storage.Queries) error {
		st, err := q.GetStrategy(ctx, strategyID)
		if err != nil {
			return err
		}
		if st == nil || st.Deleted {
			return fmt.Errorf("strategy %s not found", strategyID)
		}
		st.Deleted = true
		st.Status = core.StrategyInactive
		return q.UpdateStrategy(ctx, st)
	})
}

// MapSymbol attaches a symbol/account pair to a strategy
func (s *Service) MapSymbol(ctx context.Context, strategyID, symbol, accountID string) error {
	return s.store.WithTx(ctx, func(q *storage.Queries) error {
		st, err := q.GetStrategy(ctx, strategyID)
		if err != nil {
			return err
		}
		if st == nil || st.Deleted {
			return fmt.Errorf("strategy %s not found", strategyID)
		}
		return q.UpsertStrategySymbol(ctx, &core.StrategySymbol{
			ID:         core.NewID(),
			StrategyID: strategyID,
			Symbol:     symbol,
			AccountID:  accountID,
			IsActive:   true,
		})
	})
}

// UnmapSymbol deactivates a symbol/account mapping
func (s *Service) UnmapSymbol(ctx context.Context, strategyID, symbol, accountID string) error {
	return s.store.WithTx(ctx, func(q *storage.Queries) error {
		return q.RemoveStrategySymbol(ctx, strategyID, symbol, accountID)
	})
}

// ResolveActive loads the built strategy for an ACTIVE record's current
// version. Returns the strategy instance and the version it came from.
func (s *Service) ResolveActive(ctx context.Context, st *core.Strategy) (IStrategy, *core.StrategyVersion, error) {
	var ver *core.StrategyVersion
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		ver, err = q.GetStrategyVersion(ctx, st.ActiveVersionID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if ver == nil {
		return nil, nil, fmt.Errorf("strategy %s: active version %s missing", st.ID, st.ActiveVersionID)
	}

	impl, err := s.registry.Build(json.RawMessage(ver.ParamsJSON))
	if err != nil {
		return nil, nil, fmt.Errorf("strategy %s version %d: %w", st.ID, ver.VersionNo, err)
	}
	return impl, ver, nil
}
