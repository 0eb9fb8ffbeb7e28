// Package order owns the order lifecycle from risk check to broker ack
package order

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	"github.com/mirinaemaru/cautostock-sub000/internal/risk"
	"github.com/mirinaemaru/cautostock-sub000/internal/storage"
	apperrors "github.com/mirinaemaru/cautostock-sub000/pkg/errors"
	"github.com/mirinaemaru/cautostock-sub000/pkg/retry"
	"github.com/mirinaemaru/cautostock-sub000/pkg/telemetry"
)

// PlaceRequest describes an order to place. IdempotencyKey may be left
// empty; it is then derived from the identifying fields so a retried
// request maps onto the same key.
type PlaceRequest struct {
	AccountID         string
	StrategyID        string
	StrategyVersionID string
	SignalID          string
	Symbol            string
	Side              core.OrderSide
	Type              core.OrderType
	Qty               int64
	Price             *decimal.Decimal
	IdempotencyKey    string
}

// Key returns the explicit or derived idempotency key
func (r *PlaceRequest) Key() string {
	if r.IdempotencyKey != "" {
		return r.IdempotencyKey
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s|%d|%s",
		r.AccountID, r.StrategyID, r.Symbol, r.Side, r.Type, r.Qty, r.SignalID)))
	return hex.EncodeToString(h[:])
}

// PlaceResult is the outcome of a placement attempt
type PlaceResult struct {
	Order    *core.Order
	Decision risk.Decision
	// Replayed is set when the idempotency key matched an existing order
	// and no new work was done.
	Replayed bool
}

// Service drives the order state machine. All state transitions commit
// together with their outbox events; the broker is only ever called after
// the NEW row is durable and before the SENT transition.
type Service struct {
	store  *storage.Store
	broker core.IBroker
	risk   *risk.Engine
	logger core.ILogger
	now    func() time.Time
}

// NewService builds the order service
func NewService(store *storage.Store, broker core.IBroker, riskEngine *risk.Engine, logger core.ILogger) *Service {
	return &Service{
		store:  store,
		broker: broker,
		risk:   riskEngine,
		logger: logger,
		now:    time.Now,
	}
}

// Place runs the full placement flow: replay lookup, risk evaluation,
// durable NEW insert, broker submit with retries, then SENT or REJECTED.
// A replayed key returns the existing order without touching the broker.
func (s *Service) Place(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	key := req.Key()

	var result PlaceResult
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		existing, err := q.GetOrderByIdempotencyKey(ctx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			result = PlaceResult{Order: existing, Replayed: true}
			return nil
		}

		decision, err := s.risk.Evaluate(ctx, q, s.orderFromRequest(req, key))
		if err != nil {
			return err
		}
		if !decision.Allowed {
			o := s.orderFromRequest(req, key)
			o.Status = core.OrderRejected
			o.RejectReason = decision.Code
			if err := q.InsertOrder(ctx, o); err != nil {
				return err
			}
			if err := s.emitOrderEvent(ctx, q, core.EventOrderRejected, o, decision.Reason); err != nil {
				return err
			}
			telemetry.GetGlobalMetrics().AddOrderRejected(ctx, decision.Code)
			s.logger.Warn("order rejected by risk",
				"order_id", o.ID, "symbol", o.Symbol, "code", decision.Code, "reason", decision.Reason)
			result = PlaceResult{Order: o, Decision: decision}
			return nil
		}

		o := s.orderFromRequest(req, key)
		if err := q.InsertOrder(ctx, o); err != nil {
			if err == storage.ErrIdempotencyConflict {
				replay, lookupErr := q.GetOrderByIdempotencyKey(ctx, key)
				if lookupErr != nil {
					return lookupErr
				}
				result = PlaceResult{Order: replay, Replayed: true}
				return nil
			}
			return err
		}
		if err := s.emitOrderEvent(ctx, q, core.EventOrderCreated, o, ""); err != nil {
			return err
		}
		result = PlaceResult{Order: o, Decision: decision}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Replayed || result.Order.Status != core.OrderNew {
		return &result, nil
	}

	// durable NEW order: submit to the broker outside the transaction
	return s.submit(ctx, result.Order)
}

func (s *Service) submit(ctx context.Context, o *core.Order) (*PlaceResult, error) {
	var ack *core.BrokerAck
	err := retry.Do(ctx, retry.OrderPolicy, apperrors.IsRetryable, func() error {
		var placeErr error
		ack, placeErr = s.broker.PlaceOrder(ctx, o)
		return placeErr
	})

	if err != nil {
		code := apperrors.Code(err)
		o.Status = core.OrderRejected
		o.RejectReason = code
		detail := err.Error()
		txErr := s.store.WithTx(ctx, func(q *storage.Queries) error {
			if err := q.UpdateOrderStatus(ctx, o.ID, core.OrderRejected, "", code); err != nil {
				return err
			}
			if err := s.emitOrderEvent(ctx, q, core.EventOrderRejected, o, detail); err != nil {
				return err
			}
			return s.risk.RecordSubmitFailure(ctx, q, o.AccountID, o.Symbol)
		})
		if txErr != nil {
			return nil, fmt.Errorf("record broker failure for %s: %v (submit error: %w)", o.ID, txErr, err)
		}
		telemetry.GetGlobalMetrics().AddOrderRejected(ctx, code)
		s.logger.Error("broker submit failed",
			"order_id", o.ID, "symbol", o.Symbol, "code", code, "error", err)
		return &PlaceResult{Order: o, Decision: risk.Decision{Code: code, Reason: err.Error()}}, nil
	}

	o.Status = core.OrderSent
	o.BrokerOrderNo = ack.BrokerOrderNo
	err = s.store.WithTx(ctx, func(q *storage.Queries) error {
		if err := q.UpdateOrderStatus(ctx, o.ID, core.OrderSent, ack.BrokerOrderNo, ""); err != nil {
			return err
		}
		if err := s.emitOrderEvent(ctx, q, core.EventOrderSent, o, ack.BrokerOrderNo); err != nil {
			return err
		}
		return s.risk.RecordSubmitSuccess(ctx, q, o.AccountID)
	})
	if err != nil {
		return nil, err
	}
	telemetry.GetGlobalMetrics().AddOrderPlaced(ctx, o.Symbol)
	s.logger.Info("order sent",
		"order_id", o.ID, "symbol", o.Symbol, "side", string(o.Side),
		"qty", o.Qty, "broker_order_no", ack.BrokerOrderNo)
	return &PlaceResult{Order: o, Decision: risk.Decision{Allowed: true}}, nil
}

// Cancel requests cancellation of a working order. The broker call happens
// first; the CANCELLED transition commits only after the ack.
func (s *Service) Cancel(ctx context.Context, orderID string) error {
	var o *core.Order
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		o, err = q.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return err
	}
	if o == nil {
		return fmt.Errorf("order %s: %w", orderID, apperrors.ErrOrderNotFound)
	}
	if !o.Status.IsCancellable() {
		return fmt.Errorf("order %s in status %s cannot be cancelled", orderID, o.Status)
	}

	err = retry.Do(ctx, retry.OrderPolicy, apperrors.IsRetryable, func() error {
		return s.broker.CancelOrder(ctx, o.BrokerOrderNo)
	})
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	return s.store.WithTx(ctx, func(q *storage.Queries) error {
		fresh, err := q.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		// a fill may have raced the cancel ack
		if fresh.Status.IsTerminal() {
			s.logger.Warn("cancel ack after terminal state",
				"order_id", orderID, "status", string(fresh.Status))
			return nil
		}
		if err := q.UpdateOrderStatus(ctx, orderID, core.OrderCancelled, "", ""); err != nil {
			return err
		}
		return s.emitOrderEvent(ctx, q, core.EventOrderCancelled, fresh, "")
	})
}

// Modify applies a qty/price change to a working order after broker ack
func (s *Service) Modify(ctx context.Context, orderID string, newQty *int64, newPrice *decimal.Decimal) error {
	if newQty == nil && newPrice == nil {
		return fmt.Errorf("modify order %s: nothing to change", orderID)
	}

	var o *core.Order
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		o, err = q.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return err
	}
	if o == nil {
		return fmt.Errorf("order %s: %w", orderID, apperrors.ErrOrderNotFound)
	}
	if !o.Status.IsCancellable() {
		return fmt.Errorf("order %s in status %s cannot be modified", orderID, o.Status)
	}
	if newQty != nil && *newQty < o.FilledQty {
		return fmt.Errorf("order %s: new qty %d below filled qty %d", orderID, *newQty, o.FilledQty)
	}

	err = retry.Do(ctx, retry.OrderPolicy, apperrors.IsRetryable, func() error {
		return s.broker.ModifyOrder(ctx, o.BrokerOrderNo, newQty, newPrice)
	})
	if err != nil {
		return fmt.Errorf("modify order %s: %w", orderID, err)
	}

	return s.store.WithTx(ctx, func(q *storage.Queries) error {
		if err := q.UpdateOrderParams(ctx, orderID, newQty, newPrice); err != nil {
			return err
		}
		return s.emitOrderEvent(ctx, q, core.EventOrderModified, o, "")
	})
}

func (s *Service) orderFromRequest(req PlaceRequest, key string) *core.Order {
	now := s.now().UTC()
	return &core.Order{
		ID:                core.NewID(),
		AccountID:         req.AccountID,
		StrategyID:        req.StrategyID,
		StrategyVersionID: req.StrategyVersionID,
		Symbol:            req.Symbol,
		Side:              req.Side,
		Type:              req.Type,
		Qty:               req.Qty,
		Price:             req.Price,
		Status:            core.OrderNew,
		IdempotencyKey:    key,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (s *Service) emitOrderEvent(ctx context.Context, q *storage.Queries, evt core.EventType, o *core.Order, detail string) error {
	payload, _ := json.Marshal(map[string]any{
		"order_id":   o.ID,
		"account_id": o.AccountID,
		"symbol":     o.Symbol,
		"side":       string(o.Side),
		"qty":        o.Qty,
		"status":     string(o.Status),
		"detail":     detail,
	})
	return q.InsertOutboxEvent(ctx, &core.OutboxEvent{
		ID:          core.NewID(),
		Type:        evt,
		PayloadJSON: string(payload),
		CreatedAt:   s.now().UTC(),
	})
}

func validate(req PlaceRequest) error {
	if req.AccountID == "" || req.Symbol == "" {
		return fmt.Errorf("%w: account and symbol are required", apperrors.ErrInvalidRequest)
	}
	if req.Side != core.SideBuy && req.Side != core.SideSell {
		return fmt.Errorf("%w: bad side %q", apperrors.ErrInvalidRequest, req.Side)
	}
	if req.Qty <= 0 {
		return fmt.Errorf("%w: qty must be positive", apperrors.ErrInvalidRequest)
	}
	switch req.Type {
	case core.OrderMarket:
		if req.Price != nil {
			return fmt.Errorf("%w: market orders carry no price", apperrors.ErrInvalidRequest)
		}
	case core.OrderLimit:
		if req.Price == nil || !req.Price.IsPositive() {
			return fmt.Errorf("%w: limit orders need a positive price", apperrors.ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: bad order type %q", apperrors.ErrInvalidRequest, req.Type)
	}
	return nil
}
