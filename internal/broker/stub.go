package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	apperrors "github.com/mirinaemaru/cautostock-sub000/pkg/errors"
)

// tickSubscription fans ticks out to one handler for a symbol set
type tickSubscription struct {
	symbols map[string]struct{}
	handler core.TickHandler
}

// Stub is the no-broker variant: it acknowledges every order and can
// generate a synthetic random-walk tick feed. Fills never arrive unless a
// test emits them. Used for development and as the test double.
type Stub struct {
	logger core.ILogger

	mu        sync.Mutex
	seq       int64
	ticks     map[string]*tickSubscription
	fills     map[string]core.FillHandler
	lastPrice map[string]decimal.Decimal

	genCancel context.CancelFunc
	genWG     sync.WaitGroup
}

// NewStub builds the stub gateway
func NewStub(logger core.ILogger) *Stub {
	return &Stub{
		logger:    logger,
		ticks:     make(map[string]*tickSubscription),
		fills:     make(map[string]core.FillHandler),
		lastPrice: make(map[string]decimal.Decimal),
	}
}

func (s *Stub) Name() string { return "STUB" }

// PlaceOrder acknowledges with a generated broker order number
func (s *Stub) PlaceOrder(ctx context.Context, o *core.Order) (*core.BrokerAck, error) {
	s.mu.Lock()
	s.seq++
	no := fmt.Sprintf("STUB-%06d", s.seq)
	s.mu.Unlock()
	return &core.BrokerAck{BrokerOrderNo: no}, nil
}

func (s *Stub) CancelOrder(ctx context.Context, brokerOrderNo string) error {
	if brokerOrderNo == "" {
		return apperrors.ErrOrderNotFound
	}
	return nil
}

func (s *Stub) ModifyOrder(ctx context.Context, brokerOrderNo string, newQty *int64, newPrice *decimal.Decimal) error {
	if brokerOrderNo == "" {
		return apperrors.ErrOrderNotFound
	}
	return nil
}

// SubscribeTicks registers a tick handler for the symbols
func (s *Stub) SubscribeTicks(ctx context.Context, symbols []string, h core.TickHandler) (string, error) {
	id := uuid.NewString()
	set := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		set[sym] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks[id] = &tickSubscription{symbols: set, handler: h}
	return id, nil
}

// SubscribeFills registers a fill handler for the account
func (s *Stub) SubscribeFills(ctx context.Context, accountID string, h core.FillHandler) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills[id] = h
	return id, nil
}

func (s *Stub) Unsubscribe(subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ticks, subscriptionID)
	delete(s.fills, subscriptionID)
	return nil
}

// EmitTick pushes a tick to all matching subscriptions
func (s *Stub) EmitTick(t core.Tick) {
	s.mu.Lock()
	s.lastPrice[t.Symbol] = t.Price
	handlers := make([]core.TickHandler, 0, len(s.ticks))
	for _, sub := range s.ticks {
		if _, ok := sub.symbols[t.Symbol]; ok {
			handlers = append(handlers, sub.handler)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(t)
	}
}

// EmitFill pushes an execution report to all fill subscriptions
func (s *Stub) EmitFill(f core.Fill) {
	s.mu.Lock()
	handlers := make([]core.FillHandler, 0, len(s.fills))
	for _, h := range s.fills {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(f)
	}
}

// StartGenerator begins a random-walk tick feed for the symbols. Prices
// start at seed and move up to 0.5% per interval.
func (s *Stub) StartGenerator(symbols []string, seed decimal.Decimal, interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.genCancel = cancel
	for _, sym := range symbols {
		if _, ok := s.lastPrice[sym]; !ok {
			s.lastPrice[sym] = seed
		}
	}
	s.mu.Unlock()

	s.genWG.Add(1)
	go func() {
		defer s.genWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				for _, sym := range symbols {
					s.EmitTick(s.nextTick(sym, now))
				}
			}
		}
	}()
}

func (s *Stub) nextTick(symbol string, now time.Time) core.Tick {
	s.mu.Lock()
	price := s.lastPrice[symbol]
	s.mu.Unlock()

	// drift within +-0.5%
	bps := rand.Intn(101) - 50
	move := price.Mul(decimal.New(int64(bps), -4))
	next := price.Add(move).Round(core.ScalePrice)
	if !next.IsPositive() {
		next = price
	}

	return core.Tick{
		Symbol:    symbol,
		Price:     next,
		Volume:    int64(rand.Intn(100) + 1),
		Timestamp: now.UTC(),
	}
}

// Close stops the generator and drops all subscriptions
func (s *Stub) Close() error {
	s.mu.Lock()
	cancel := s.genCancel
	s.genCancel = nil
	s.ticks = make(map[string]*tickSubscription)
	s.fills = make(map[string]core.FillHandler)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.genWG.Wait()
	return nil
}
