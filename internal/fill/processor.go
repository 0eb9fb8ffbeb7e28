package fill

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	"github.com/mirinaemaru/cautostock-sub000/internal/risk"
	"github.com/mirinaemaru/cautostock-sub000/internal/storage"
	apperrors "github.com/mirinaemaru/cautostock-sub000/pkg/errors"
	"github.com/mirinaemaru/cautostock-sub000/pkg/telemetry"
)

// Plausibility bounds for broker-reported executions. Values outside these
// are treated as corrupt data, not trades.
var (
	minFillPrice = decimal.NewFromInt(100)
	maxFillPrice = decimal.NewFromInt(10_000_000)
)

const maxFillQty = 1_000_000

// Processor applies execution reports transactionally: fill row, order
// progress, position, realized PnL and the outbox events all commit or
// roll back together.
type Processor struct {
	store      *storage.Store
	risk       *risk.Engine
	dedup      *Dedup
	allowShort bool
	logger     core.ILogger
	now        func() time.Time
}

// NewProcessor builds the processor. allowShort false rejects any fill
// that would drive a position negative.
func NewProcessor(store *storage.Store, riskEngine *risk.Engine, allowShort bool, logger core.ILogger) *Processor {
	return &Processor{
		store:      store,
		risk:       riskEngine,
		dedup:      NewDedup(),
		allowShort: allowShort,
		logger:     logger,
		now:        time.Now,
	}
}

// Process validates, deduplicates and applies one fill. Returning nil for
// dropped duplicates keeps broker redelivery quiet; validation and
// invariant failures return errors for the caller to log.
func (p *Processor) Process(ctx context.Context, f core.Fill) error {
	if err := p.validate(f); err != nil {
		telemetry.GetGlobalMetrics().AddFillDropped(ctx, "invalid")
		return err
	}

	if p.dedup.Witness(f.ID) {
		telemetry.GetGlobalMetrics().AddFillDropped(ctx, "duplicate")
		p.logger.Debug("duplicate fill dropped", "fill_id", f.ID)
		return nil
	}

	err := p.store.WithTx(ctx, func(q *storage.Queries) error {
		return p.apply(ctx, q, f)
	})
	if err == storage.ErrDuplicateFill {
		// already applied before a restart cleared the in-memory window
		telemetry.GetGlobalMetrics().AddFillDropped(ctx, "duplicate")
		p.logger.Debug("fill already persisted", "fill_id", f.ID)
		return nil
	}
	if err != nil {
		// let a redelivery retry
		p.dedup.Forget(f.ID)
		return err
	}

	telemetry.GetGlobalMetrics().AddFillApplied(ctx, f.Symbol)
	return nil
}

func (p *Processor) validate(f core.Fill) error {
	if f.ID == "" || f.OrderID == "" || f.AccountID == "" || f.Symbol == "" {
		return fmt.Errorf("%w: fill missing identifiers", apperrors.ErrInvalidRequest)
	}
	if f.Qty < 1 || f.Qty > maxFillQty {
		return fmt.Errorf("%w: fill %s qty %d out of bounds", apperrors.ErrInvalidRequest, f.ID, f.Qty)
	}
	if f.Price.LessThan(minFillPrice) || f.Price.GreaterThan(maxFillPrice) {
		return fmt.Errorf("%w: fill %s price %s out of bounds", apperrors.ErrInvalidRequest, f.ID, f.Price)
	}
	if f.Timestamp.After(p.now().Add(60 * time.Second)) {
		return fmt.Errorf("%w: fill %s timestamp in the future", apperrors.ErrInvalidRequest, f.ID)
	}
	return nil
}

func (p *Processor) apply(ctx context.Context, q *storage.Queries, f core.Fill) error {
	o, err := q.GetOrder(ctx, f.OrderID)
	if err != nil {
		return err
	}
	if o == nil {
		return fmt.Errorf("fill %s: %w", f.ID, apperrors.ErrOrderNotFound)
	}
	if !o.Status.CanFill() {
		return fmt.Errorf("%w: fill %s for order %s in status %s",
			apperrors.ErrInvariantViolation, f.ID, o.ID, o.Status)
	}

	applied, err := q.SumFilledQty(ctx, o.ID)
	if err != nil {
		return err
	}
	cumulative := applied + f.Qty
	if cumulative > o.Qty {
		return fmt.Errorf("%w: fill %s overfills order %s (%d > %d)",
			apperrors.ErrInvariantViolation, f.ID, o.ID, cumulative, o.Qty)
	}

	if err := q.InsertFill(ctx, &f); err != nil {
		return err
	}

	realized, err := p.applyToPosition(ctx, q, f)
	if err != nil {
		return err
	}

	status := core.OrderPartFilled
	if cumulative == o.Qty {
		status = core.OrderFilled
	}
	if err := q.UpdateOrderFill(ctx, o.ID, cumulative, status); err != nil {
		return err
	}
	if status == core.OrderFilled {
		telemetry.GetGlobalMetrics().AddOrderFilled(ctx, o.Symbol)
	}

	if !realized.IsZero() {
		tripped, err := p.risk.ApplyRealizedPnL(ctx, q, f.AccountID, f.Symbol, realized)
		if err != nil {
			return err
		}
		if tripped {
			p.logger.Error("daily loss limit tripped by fill", "fill_id", f.ID, "realized", realized)
		}
	}

	if err := p.emitFillEvents(ctx, q, f, o, status, realized); err != nil {
		return err
	}

	p.logger.Info("fill applied",
		"fill_id", f.ID, "order_id", o.ID, "symbol", f.Symbol,
		"qty", f.Qty, "price", f.Price, "cumulative", cumulative, "status", string(status))
	return nil
}

// applyToPosition folds the fill into the (account, symbol) position and
// returns the realized PnL delta at money scale. Buys and sells in the
// position's direction re-average; fills against it realize PnL on the
// closed quantity.
func (p *Processor) applyToPosition(ctx context.Context, q *storage.Queries, f core.Fill) (decimal.Decimal, error) {
	pos, err := q.GetPosition(ctx, f.AccountID, f.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if pos == nil {
		pos = &core.Position{AccountID: f.AccountID, Symbol: f.Symbol, AvgPrice: decimal.Zero}
	}

	signed := f.Side.Sign() * f.Qty
	newQty := pos.Qty + signed
	if newQty < 0 && !p.allowShort {
		return decimal.Zero, fmt.Errorf("%w: fill %s would short %s to %d",
			apperrors.ErrInvariantViolation, f.ID, f.Symbol, newQty)
	}

	realized := decimal.Zero
	sameDirection := pos.Qty == 0 || (pos.Qty > 0) == (signed > 0)

	if sameDirection {
		// weighted average entry price at price scale
		oldValue := decimal.NewFromInt(abs(pos.Qty)).Mul(pos.AvgPrice)
		addValue := decimal.NewFromInt(f.Qty).Mul(f.Price)
		pos.AvgPrice = oldValue.Add(addValue).
			DivRound(decimal.NewFromInt(abs(newQty)), core.ScalePrice)
	} else {
		closed := min64(abs(signed), abs(pos.Qty))
		direction := decimal.NewFromInt(sign(pos.Qty))
		realized = f.Price.Sub(pos.AvgPrice).
			Mul(decimal.NewFromInt(closed)).
			Mul(direction).
			Round(core.ScaleMoney)

		if abs(signed) > abs(pos.Qty) {
			// flipped through zero: the remainder opens at the fill price
			pos.AvgPrice = f.Price
		} else if newQty == 0 {
			pos.AvgPrice = decimal.Zero
		}
	}

	pos.Qty = newQty
	pos.LastUpdatedAt = p.now().UTC()
	if err := q.UpsertPosition(ctx, pos); err != nil {
		return decimal.Zero, err
	}

	if !realized.IsZero() {
		last, err := q.LastCumulativeRealized(ctx, f.AccountID, f.Symbol)
		if err != nil {
			return decimal.Zero, err
		}
		entry := &core.PnLEntry{
			ID:                 core.NewID(),
			AccountID:          f.AccountID,
			Symbol:             f.Symbol,
			RealizedDelta:      realized,
			CumulativeRealized: last.Add(realized).Round(core.ScaleMoney),
			FillID:             f.ID,
			CreatedAt:          p.now().UTC(),
		}
		if err := q.InsertPnLEntry(ctx, entry); err != nil {
			return decimal.Zero, err
		}
		delta, _ := realized.Float64()
		telemetry.GetGlobalMetrics().AddRealizedPnL(ctx, delta)
	}

	return realized, nil
}

func (p *Processor) emitFillEvents(ctx context.Context, q *storage.Queries, f core.Fill, o *core.Order, status core.OrderStatus, realized decimal.Decimal) error {
	fillPayload, _ := json.Marshal(map[string]any{
		"fill_id":  f.ID,
		"order_id": o.ID,
		"symbol":   f.Symbol,
		"side":     string(f.Side),
		"qty":      f.Qty,
		"price":    f.Price.String(),
		"status":   string(status),
	})
	if err := q.InsertOutboxEvent(ctx, &core.OutboxEvent{
		ID: core.NewID(), Type: core.EventFillApplied,
		PayloadJSON: string(fillPayload), CreatedAt: p.now().UTC(),
	}); err != nil {
		return err
	}

	posPayload, _ := json.Marshal(map[string]string{
		"account_id": f.AccountID,
		"symbol":     f.Symbol,
	})
	if err := q.InsertOutboxEvent(ctx, &core.OutboxEvent{
		ID: core.NewID(), Type: core.EventPositionUpdated,
		PayloadJSON: string(posPayload), CreatedAt: p.now().UTC(),
	}); err != nil {
		return err
	}

	if !realized.IsZero() {
		pnlPayload, _ := json.Marshal(map[string]string{
			"account_id": f.AccountID,
			"symbol":     f.Symbol,
			"realized":   realized.String(),
		})
		if err := q.InsertOutboxEvent(ctx, &core.OutboxEvent{
			ID: core.NewID(), Type: core.EventPnLUpdated,
			PayloadJSON: string(pnlPayload), CreatedAt: p.now().UTC(),
		}); err != nil {
			return err
		}
	}
	return nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func sign(n int64) int64 {
	if n < 0 {
		return -1
	}
	return 1
}
