// Package outbox drains the transactional event table to downstream consumers
package outbox

import (
	"context"
	"time"

	"github.com/mirinaemaru/cautostock-sub000/internal/config"
	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	"github.com/mirinaemaru/cautostock-sub000/internal/storage"
	"github.com/mirinaemaru/cautostock-sub000/pkg/telemetry"
)

// Sink delivers one event to wherever events go. Returning an error leaves
// the event pending for the next pass; delivery is at-least-once, so sinks
// must tolerate redelivery.
type Sink func(ctx context.Context, e core.OutboxEvent) error

// LogSink writes events to the logger. It is the default sink when no
// external consumer is configured.
func LogSink(logger core.ILogger) Sink {
	return func(ctx context.Context, e core.OutboxEvent) error {
		logger.Info("event published",
			"event_id", e.ID, "event_type", string(e.Type), "payload", e.PayloadJSON)
		return nil
	}
}

// Publisher polls the outbox table at a fixed delay and pushes pending
// events through the sink in creation order. Events that keep failing are
// poisoned after max attempts so one bad payload cannot wedge the stream.
type Publisher struct {
	store  *storage.Store
	sink   Sink
	cfg    config.OutboxPublisherConfig
	logger core.ILogger
	now    func() time.Time
}

func NewPublisher(store *storage.Store, sink Sink, cfg config.OutboxPublisherConfig, logger core.ILogger) *Publisher {
	return &Publisher{
		store:  store,
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Run polls until the context is cancelled
func (p *Publisher) Run(ctx context.Context) error {
	delay := time.Duration(p.cfg.FixedDelayMs) * time.Millisecond
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	p.logger.Info("outbox publisher started", "fixed_delay", delay, "batch_size", p.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox publisher stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := p.DrainOnce(ctx); err != nil {
				p.logger.Error("outbox drain failed", "error", err)
			}
		}
	}
}

// DrainOnce publishes one batch of pending events. It returns how many were
// published and how many failed; a non-nil error means the batch could not
// be read at all.
func (p *Publisher) DrainOnce(ctx context.Context) (published, failed int, err error) {
	var pending []core.OutboxEvent
	err = p.store.WithTx(ctx, func(q *storage.Queries) error {
		var e error
		pending, e = q.PendingOutboxEvents(ctx, p.cfg.BatchSize)
		return e
	})
	if err != nil {
		return 0, 0, err
	}

	for _, e := range pending {
		if ctx.Err() != nil {
			break
		}
		if sinkErr := p.sink(ctx, e); sinkErr != nil {
			failed++
			p.markFailed(ctx, e, sinkErr)
			continue
		}
		if markErr := p.store.WithTx(ctx, func(q *storage.Queries) error {
			return q.MarkOutboxPublished(ctx, e.ID, p.now().UTC())
		}); markErr != nil {
			// the sink delivered; redelivery on the next pass is acceptable
			p.logger.Warn("mark published failed", "event_id", e.ID, "error", markErr)
			failed++
			continue
		}
		published++
	}

	p.updateGauge(ctx)
	return published, failed, nil
}

func (p *Publisher) markFailed(ctx context.Context, e core.OutboxEvent, cause error) {
	var poisoned bool
	err := p.store.WithTx(ctx, func(q *storage.Queries) error {
		var e2 error
		poisoned, e2 = q.MarkOutboxFailed(ctx, e.ID, p.cfg.MaxAttempts)
		return e2
	})
	if err != nil {
		p.logger.Warn("mark failed failed", "event_id", e.ID, "error", err)
		return
	}
	if poisoned {
		p.logger.Error("outbox event poisoned, manual intervention required",
			"event_id", e.ID, "event_type", string(e.Type), "attempts", e.Attempts+1, "error", cause)
	} else {
		p.logger.Warn("event publish failed, will retry",
			"event_id", e.ID, "event_type", string(e.Type), "error", cause)
	}
}

func (p *Publisher) updateGauge(ctx context.Context) {
	var n int64
	err := p.store.WithTx(ctx, func(q *storage.Queries) error {
		var e error
		n, e = q.CountPendingOutbox(ctx)
		return e
	})
	if err != nil {
		p.logger.Warn("count pending outbox failed", "error", err)
		return
	}
	telemetry.GetGlobalMetrics().SetOutboxPending(n)
}
