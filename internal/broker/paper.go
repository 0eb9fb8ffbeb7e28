package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	"github.com/mirinaemaru/cautostock-sub000/internal/marketdata"
	apperrors "github.com/mirinaemaru/cautostock-sub000/pkg/errors"
)

// Paper simulates execution against the live (or stub) tick feed. Orders
// are acknowledged and then fully filled at the reference price; fills
// arrive asynchronously through the fill subscription like a real broker.
type Paper struct {
	ticks  *marketdata.TickCache
	logger core.ILogger
	delay  time.Duration

	mu    sync.Mutex
	seq   int64
	fills map[string]core.FillHandler
	wg    sync.WaitGroup
}

// NewPaper builds the simulated gateway. delay is the ack-to-fill latency.
func NewPaper(ticks *marketdata.TickCache, delay time.Duration, logger core.ILogger) *Paper {
	return &Paper{
		ticks:  ticks,
		logger: logger,
		delay:  delay,
		fills:  make(map[string]core.FillHandler),
	}
}

func (p *Paper) Name() string { return "PAPER" }

// PlaceOrder acknowledges and schedules a synthetic full fill. Market
// orders without a reference price are rejected the way a real brokerage
// rejects an unquotable instrument.
func (p *Paper) PlaceOrder(ctx context.Context, o *core.Order) (*core.BrokerAck, error) {
	price, err := p.execPrice(o)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.seq++
	no := fmt.Sprintf("PAPER-%06d", p.seq)
	p.mu.Unlock()

	fill := core.Fill{
		ID:        "PFILL-" + uuid.NewString(),
		OrderID:   o.ID,
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Qty:       o.Qty,
		Price:     price,
		Timestamp: time.Now().UTC(),
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if p.delay > 0 {
			time.Sleep(p.delay)
		}
		p.dispatch(fill)
	}()

	return &core.BrokerAck{BrokerOrderNo: no}, nil
}

func (p *Paper) execPrice(o *core.Order) (decimal.Decimal, error) {
	if tick, ok := p.ticks.Latest(o.Symbol); ok {
		return tick.Price, nil
	}
	if o.Type == core.OrderLimit && o.Price != nil {
		return *o.Price, nil
	}
	return decimal.Zero, fmt.Errorf("%w: no reference price for %s", apperrors.ErrOrderRejected, o.Symbol)
}

func (p *Paper) dispatch(f core.Fill) {
	p.mu.Lock()
	handlers := make([]core.FillHandler, 0, len(p.fills))
	for _, h := range p.fills {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h(f)
	}
}

// CancelOrder succeeds for any known-looking order number. The simulation
// fills instantly, so cancels race fills exactly as they do in production.
func (p *Paper) CancelOrder(ctx context.Context, brokerOrderNo string) error {
	if brokerOrderNo == "" {
		return apperrors.ErrOrderNotFound
	}
	return nil
}

func (p *Paper) ModifyOrder(ctx context.Context, brokerOrderNo string, newQty *int64, newPrice *decimal.Decimal) error {
	if brokerOrderNo == "" {
		return apperrors.ErrOrderNotFound
	}
	return nil
}

// SubscribeTicks is not the paper gateway's job; the market-data adapter
// owns the feed. It returns an inert subscription for interface parity.
func (p *Paper) SubscribeTicks(ctx context.Context, symbols []string, h core.TickHandler) (string, error) {
	return uuid.NewString(), nil
}

func (p *Paper) SubscribeFills(ctx context.Context, accountID string, h core.FillHandler) (string, error) {
	id := uuid.NewString()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fills[id] = h
	return id, nil
}

func (p *Paper) Unsubscribe(subscriptionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.fills, subscriptionID)
	return nil
}

func (p *Paper) Close() error {
	p.wg.Wait()
	return nil
}
