// Package scheduler drives periodic strategy evaluation over sealed bars
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mirinaemaru/cautostock-sub000/internal/config"
	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	"github.com/mirinaemaru/cautostock-sub000/internal/marketdata"
	"github.com/mirinaemaru/cautostock-sub000/internal/order"
	"github.com/mirinaemaru/cautostock-sub000/internal/signal"
	"github.com/mirinaemaru/cautostock-sub000/internal/storage"
	"github.com/mirinaemaru/cautostock-sub000/internal/strategy"
	"github.com/mirinaemaru/cautostock-sub000/pkg/concurrency"
)

// Scheduler fans active strategies out over their mapped symbols on a cron
// tick and walks each pair through evaluate, admit and place. Pairs run on
// a bounded worker pool so one slow evaluation cannot stall the tick.
type Scheduler struct {
	cfg        config.StrategyExecutionConfig
	defaults   config.AppConfig
	store      *storage.Store
	strategies *strategy.Service
	bars       *marketdata.BarStore
	policy     *signal.Policy
	orders     *order.Service
	pool       *concurrency.WorkerPool
	timeframe  core.Timeframe
	logger     core.ILogger
	cron       *cron.Cron
	now        func() time.Time
}

func New(
	cfg config.StrategyExecutionConfig,
	defaults config.AppConfig,
	store *storage.Store,
	strategies *strategy.Service,
	bars *marketdata.BarStore,
	policy *signal.Policy,
	orders *order.Service,
	timeframe core.Timeframe,
	logger core.ILogger,
) *Scheduler {
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "strategy_execution",
		MaxWorkers:  cfg.Workers,
		MaxCapacity: cfg.QueueCapacity,
		NonBlocking: true,
	}, logger)

	return &Scheduler{
		cfg:        cfg,
		defaults:   defaults,
		store:      store,
		strategies: strategies,
		bars:       bars,
		policy:     policy,
		orders:     orders,
		pool:       pool,
		timeframe:  timeframe,
		logger:     logger.WithField("component", "scheduler"),
		now:        time.Now,
	}
}

// Start registers the cron entry and begins ticking. A disabled scheduler
// still serves manual TriggerEvaluation calls.
func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		s.logger.Info("strategy scheduler disabled")
		return nil
	}

	s.cron = cron.New(cron.WithSeconds())
	_, err := s.cron.AddFunc(s.cfg.Cron, func() {
		if err := s.TriggerEvaluation(context.Background()); err != nil {
			s.logger.Error("scheduled evaluation failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("register cron %q: %w", s.cfg.Cron, err)
	}

	s.cron.Start()
	s.logger.Info("strategy scheduler started", "cron", s.cfg.Cron, "workers", s.cfg.Workers)
	return nil
}

// Stop halts the cron and drains in-flight evaluations
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.pool.Stop()
	s.logger.Info("strategy scheduler stopped")
}

// TriggerEvaluation runs one full fan-out pass. Exposed for manual kicks
// and tests; the cron calls it on schedule.
func (s *Scheduler) TriggerEvaluation(ctx context.Context) error {
	var active []core.Strategy
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var e error
		active, e = q.ListActiveStrategies(ctx)
		return e
	})
	if err != nil {
		return fmt.Errorf("list active strategies: %w", err)
	}

	for _, st := range active {
		st := st
		impl, ver, err := s.strategies.ResolveActive(ctx, &st)
		if err != nil {
			s.logger.Error("resolve strategy failed", "strategy_id", st.ID, "error", err)
			continue
		}

		pairs, err := s.symbolsFor(ctx, st.ID)
		if err != nil {
			s.logger.Error("list symbols failed", "strategy_id", st.ID, "error", err)
			continue
		}

		for _, pair := range pairs {
			pair := pair
			submitErr := s.pool.Submit(func() {
				taskCtx, cancel := context.WithTimeout(context.Background(),
					time.Duration(s.cfg.TaskTimeoutMs)*time.Millisecond)
				defer cancel()
				s.evaluatePair(taskCtx, st, ver, impl, pair)
			})
			if submitErr != nil {
				s.logger.Warn("evaluation skipped, pool full",
					"strategy_id", st.ID, "symbol", pair.Symbol)
			}
		}
	}
	return nil
}

// symbolsFor returns the strategy's mapped symbols, falling back to the
// configured default pair when no mapping exists.
func (s *Scheduler) symbolsFor(ctx context.Context, strategyID string) ([]core.StrategySymbol, error) {
	var pairs []core.StrategySymbol
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var e error
		pairs, e = q.ListActiveSymbols(ctx, strategyID)
		return e
	})
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 && s.defaults.DefaultSymbol != "" {
		pairs = []core.StrategySymbol{{
			StrategyID: strategyID,
			Symbol:     s.defaults.DefaultSymbol,
			AccountID:  s.defaults.AccountID,
		}}
	}
	return pairs, nil
}

func (s *Scheduler) evaluatePair(ctx context.Context, st core.Strategy, ver *core.StrategyVersion, impl strategy.IStrategy, pair core.StrategySymbol) {
	bars, err := s.bars.RecentBars(ctx, pair.Symbol, s.timeframe, impl.MinBars())
	if err != nil {
		s.logger.Error("load bars failed", "strategy_id", st.ID, "symbol", pair.Symbol, "error", err)
		return
	}

	decision, err := impl.Evaluate(strategy.Context{Bars: bars, Params: []byte(ver.ParamsJSON)})
	if err != nil {
		s.logger.Error("strategy evaluation failed",
			"strategy_id", st.ID, "symbol", pair.Symbol, "error", err)
		return
	}
	if decision.Type == core.SignalHold {
		s.logger.Debug("hold", "strategy_id", st.ID, "symbol", pair.Symbol, "reason", decision.Reason)
		return
	}

	sig := core.Signal{
		ID:          core.NewID(),
		StrategyID:  st.ID,
		Symbol:      pair.Symbol,
		Type:        decision.Type,
		Reason:      decision.Reason,
		GeneratedAt: s.now(),
		TTLSeconds:  impl.TTLSeconds(),
	}

	verdict := s.policy.Admit(ctx, sig, time.Duration(impl.CooldownSeconds())*time.Second)
	if verdict != signal.VerdictAccepted {
		s.logger.Info("signal not admitted",
			"strategy_id", st.ID, "symbol", pair.Symbol,
			"signal_type", string(sig.Type), "verdict", string(verdict))
		return
	}

	res, err := s.orders.Place(ctx, order.PlaceRequest{
		AccountID:         pair.AccountID,
		StrategyID:        st.ID,
		StrategyVersionID: ver.ID,
		SignalID:          sig.ID,
		Symbol:            pair.Symbol,
		Side:              sideOf(decision.Type),
		Type:              core.OrderMarket,
		Qty:               impl.OrderQty(),
	})
	if err != nil {
		s.logger.Error("order placement failed",
			"strategy_id", st.ID, "symbol", pair.Symbol, "signal_id", sig.ID, "error", err)
		return
	}

	s.logger.Info("signal executed",
		"strategy_id", st.ID, "symbol", pair.Symbol,
		"signal_type", string(sig.Type), "order_id", res.Order.ID,
		"order_status", string(res.Order.Status), "confidence", decision.Confidence)
}

func sideOf(t core.SignalType) core.OrderSide {
	if t == core.SignalSell {
		return core.SideSell
	}
	return core.SideBuy
}
