package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	"github.com/mirinaemaru/cautostock-sub000/pkg/websocket"
)

// streamMessage is the envelope the brokerage pushes over the socket
type streamMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type streamTick struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Volume    int64  `json:"volume"`
	Timestamp int64  `json:"timestamp"` // ms UTC
}

type streamFill struct {
	FillID    string `json:"fill_id"`
	OrderNo   string `json:"order_no"`
	OrderID   string `json:"client_order_id"`
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Qty       int64  `json:"qty"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"` // ms UTC
}

// Stream multiplexes brokerage push data over one resilient WebSocket.
// On every (re)connect it replays all active subscription requests.
type Stream struct {
	client *websocket.Client
	logger core.ILogger

	mu        sync.Mutex
	tickSubs  map[string]*tickSubscription
	fillSubs  map[string]core.FillHandler
	accounts  map[string]string // subscription id -> account
	onGaveUp  func(error)
}

// NewStream builds the stream against the brokerage stream URL
func NewStream(url string, logger core.ILogger) *Stream {
	s := &Stream{
		logger:   logger,
		tickSubs: make(map[string]*tickSubscription),
		fillSubs: make(map[string]core.FillHandler),
		accounts: make(map[string]string),
	}
	s.client = websocket.NewClient(url, s.handleMessage, logger)
	s.client.SetOnConnected(s.resubscribe)
	s.client.SetOnGaveUp(func(err error) {
		logger.Error("broker stream abandoned reconnection", "error", err)
		s.mu.Lock()
		cb := s.onGaveUp
		s.mu.Unlock()
		if cb != nil {
			cb(err)
		}
	})
	return s
}

// SetOnGaveUp registers the callback for permanent stream loss. The
// bootstrap wires this to a kill-switch trip: trading blind is worse than
// not trading.
func (s *Stream) SetOnGaveUp(cb func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onGaveUp = cb
}

// Start connects the underlying socket
func (s *Stream) Start() { s.client.Start() }

// Stop closes the socket and stops reconnecting
func (s *Stream) Stop() { s.client.Stop() }

// SubscribeTicks registers a handler and requests the symbols upstream
func (s *Stream) SubscribeTicks(symbols []string, h core.TickHandler) (string, error) {
	id := uuid.NewString()
	set := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		set[sym] = struct{}{}
	}

	s.mu.Lock()
	s.tickSubs[id] = &tickSubscription{symbols: set, handler: h}
	s.mu.Unlock()

	s.requestTicks(symbols)
	return id, nil
}

// SubscribeFills registers a handler and requests the account stream
func (s *Stream) SubscribeFills(accountID string, h core.FillHandler) (string, error) {
	id := uuid.NewString()

	s.mu.Lock()
	s.fillSubs[id] = h
	s.accounts[id] = accountID
	s.mu.Unlock()

	s.requestFills(accountID)
	return id, nil
}

// Unsubscribe drops a subscription locally. The upstream stream keeps
// sending until reconnect; unmatched data is discarded.
func (s *Stream) Unsubscribe(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tickSubs, id)
	delete(s.fillSubs, id)
	delete(s.accounts, id)
	return nil
}

func (s *Stream) requestTicks(symbols []string) {
	if err := s.client.Send(map[string]any{"op": "subscribe", "channel": "ticks", "symbols": symbols}); err != nil {
		s.logger.Debug("tick subscribe deferred until connect", "error", err)
	}
}

func (s *Stream) requestFills(accountID string) {
	if err := s.client.Send(map[string]any{"op": "subscribe", "channel": "fills", "account_id": accountID}); err != nil {
		s.logger.Debug("fill subscribe deferred until connect", "error", err)
	}
}

// resubscribe replays every active subscription after a reconnect
func (s *Stream) resubscribe() {
	s.mu.Lock()
	symbolSet := make(map[string]struct{})
	for _, sub := range s.tickSubs {
		for sym := range sub.symbols {
			symbolSet[sym] = struct{}{}
		}
	}
	accounts := make(map[string]struct{})
	for _, acc := range s.accounts {
		accounts[acc] = struct{}{}
	}
	s.mu.Unlock()

	if len(symbolSet) > 0 {
		symbols := make([]string, 0, len(symbolSet))
		for sym := range symbolSet {
			symbols = append(symbols, sym)
		}
		s.requestTicks(symbols)
	}
	for acc := range accounts {
		s.requestFills(acc)
	}
}

func (s *Stream) handleMessage(message []byte) {
	var env streamMessage
	if err := json.Unmarshal(message, &env); err != nil {
		s.logger.Warn("unparseable stream message dropped", "error", err)
		return
	}

	switch env.Type {
	case "tick":
		s.handleTick(env.Data)
	case "fill":
		s.handleFill(env.Data)
	case "pong", "ack":
		// control traffic, nothing to do
	default:
		s.logger.Debug("unknown stream message type", "type", env.Type)
	}
}

func (s *Stream) handleTick(data json.RawMessage) {
	var raw streamTick
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("bad tick payload dropped", "error", err)
		return
	}
	price, err := decimal.NewFromString(raw.Price)
	if err != nil {
		s.logger.Warn("bad tick price dropped", "symbol", raw.Symbol, "price", raw.Price)
		return
	}
	tick := core.Tick{
		Symbol:    raw.Symbol,
		Price:     price,
		Volume:    raw.Volume,
		Timestamp: time.UnixMilli(raw.Timestamp).UTC(),
	}

	s.mu.Lock()
	handlers := make([]core.TickHandler, 0, len(s.tickSubs))
	for _, sub := range s.tickSubs {
		if _, ok := sub.symbols[tick.Symbol]; ok {
			handlers = append(handlers, sub.handler)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(tick)
	}
}

func (s *Stream) handleFill(data json.RawMessage) {
	var raw streamFill
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("bad fill payload dropped", "error", err)
		return
	}
	price, err := decimal.NewFromString(raw.Price)
	if err != nil {
		s.logger.Warn("bad fill price dropped", "fill_id", raw.FillID, "price", raw.Price)
		return
	}
	fill := core.Fill{
		ID:        raw.FillID,
		OrderID:   raw.OrderID,
		AccountID: raw.AccountID,
		Symbol:    raw.Symbol,
		Side:      core.OrderSide(raw.Side),
		Qty:       raw.Qty,
		Price:     price,
		Timestamp: time.UnixMilli(raw.Timestamp).UTC(),
	}

	s.mu.Lock()
	handlers := make([]core.FillHandler, 0, len(s.fillSubs))
	for _, h := range s.fillSubs {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(fill)
	}
}
