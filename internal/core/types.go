// Package core defines the domain types shared across the trading system
package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Decimal scales used throughout the system. Indicators compute at scale 8,
// prices persist at scale 4 and currency amounts at scale 2.
const (
	ScaleIndicator int32 = 8
	ScalePrice     int32 = 4
	ScaleMoney     int32 = 2
)

// Timeframe identifies a bar bucket width
type Timeframe string

const (
	Timeframe1m Timeframe = "1m"
	Timeframe5m Timeframe = "5m"
	Timeframe1d Timeframe = "1d"
)

// Duration returns the bucket width of the timeframe
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Truncate floors ts to the inclusive start of the bucket containing it
func (tf Timeframe) Truncate(ts time.Time) time.Time {
	return ts.UTC().Truncate(tf.Duration())
}

// Valid reports whether the timeframe is one of the supported buckets
func (tf Timeframe) Valid() bool {
	switch tf {
	case Timeframe1m, Timeframe5m, Timeframe1d:
		return true
	}
	return false
}

// Tick is a single market trade event. Immutable; discarded after aggregation.
type Tick struct {
	Symbol    string
	Price     decimal.Decimal
	Volume    int64
	Timestamp time.Time
	Status    string
}

// Bar is a time-bucketed OHLCV aggregate, unique by (symbol, timeframe, bar_timestamp)
type Bar struct {
	ID           string
	Symbol       string
	Timeframe    Timeframe
	Open         decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	Close        decimal.Decimal
	Volume       int64
	BarTimestamp time.Time
	Closed       bool
}

// StrategyStatus is the lifecycle state of a strategy
type StrategyStatus string

const (
	StrategyInactive StrategyStatus = "INACTIVE"
	StrategyActive   StrategyStatus = "ACTIVE"
)

// TradingMode selects simulated versus real brokerage execution
type TradingMode string

const (
	ModePaper TradingMode = "PAPER"
	ModeLive  TradingMode = "LIVE"
)

// Strategy is a registered trading strategy with versioned parameters
type Strategy struct {
	ID              string
	Name            string
	Status          StrategyStatus
	Mode            TradingMode
	ActiveVersionID string
	Deleted         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StrategyVersion is an immutable parameter snapshot; version numbers are
// monotone per strategy and exactly one version is active at a time.
type StrategyVersion struct {
	ID         string
	StrategyID string
	VersionNo  int
	ParamsJSON string
	CreatedAt  time.Time
}

// StrategySymbol maps a strategy to a tradable symbol and account.
// Unique on (strategy_id, symbol, account_id). Drives scheduler fan-out.
type StrategySymbol struct {
	ID         string
	StrategyID string
	Symbol     string
	AccountID  string
	IsActive   bool
}

// SignalType is a typed trading intent
type SignalType string

const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
	SignalHold SignalType = "HOLD"
)

// DefaultSignalTTLSeconds applies when a strategy does not set its own TTL
const DefaultSignalTTLSeconds = 300

// DefaultSignalCooldownSeconds applies when a strategy does not set its own cooldown
const DefaultSignalCooldownSeconds = 300

// Signal is a strategy's trading intent with an expiration
type Signal struct {
	ID          string
	StrategyID  string
	Symbol      string
	Type        SignalType
	Reason      string
	GeneratedAt time.Time
	TTLSeconds  int
}

// Expired reports whether the signal's TTL has elapsed at now
func (s Signal) Expired(now time.Time) bool {
	return now.Sub(s.GeneratedAt) > time.Duration(s.TTLSeconds)*time.Second
}

// OrderSide is the direction of an order
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL
func (s OrderSide) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// OrderType is the execution type of an order
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// OrderStatus is a state in the order state machine
type OrderStatus string

const (
	OrderNew        OrderStatus = "NEW"
	OrderSent       OrderStatus = "SENT"
	OrderAccepted   OrderStatus = "ACCEPTED"
	OrderPartFilled OrderStatus = "PART_FILLED"
	OrderFilled     OrderStatus = "FILLED"
	OrderRejected   OrderStatus = "REJECTED"
	OrderCancelled  OrderStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled:
		return true
	}
	return false
}

// IsOpen reports whether the order counts against the open-order limit
func (s OrderStatus) IsOpen() bool {
	switch s {
	case OrderNew, OrderSent, OrderAccepted, OrderPartFilled:
		return true
	}
	return false
}

// IsCancellable reports whether a cancel request is valid in this state
func (s OrderStatus) IsCancellable() bool {
	switch s {
	case OrderSent, OrderAccepted, OrderPartFilled:
		return true
	}
	return false
}

// CanFill reports whether the order may still receive fills
func (s OrderStatus) CanFill() bool {
	switch s {
	case OrderSent, OrderAccepted, OrderPartFilled:
		return true
	}
	return false
}

// Order is an application-owned order. BrokerOrderNo is a foreign reference
// into the broker's namespace, set after the order reaches SENT.
type Order struct {
	ID                string
	AccountID         string
	StrategyID        string
	StrategyVersionID string
	Symbol            string
	Side              OrderSide
	Type              OrderType
	Qty               int64
	Price             *decimal.Decimal // nil for MARKET
	Status            OrderStatus
	IdempotencyKey    string
	BrokerOrderNo     string
	RejectReason      string
	FilledQty         int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Remaining returns the unfilled quantity
func (o *Order) Remaining() int64 {
	return o.Qty - o.FilledQty
}

// Fill is a broker execution report. The broker-assigned ID is the
// deduplication key. Immutable once accepted.
type Fill struct {
	ID        string
	OrderID   string
	AccountID string
	Symbol    string
	Side      OrderSide
	Qty       int64
	Price     decimal.Decimal
	Timestamp time.Time
}

// Position is the net holdings of (account, symbol). AvgPrice is undefined
// when Qty is zero.
type Position struct {
	AccountID     string
	Symbol        string
	Qty           int64
	AvgPrice      decimal.Decimal
	LastUpdatedAt time.Time
}

// PnLEntry is an append-only realized profit-and-loss ledger record
type PnLEntry struct {
	ID                 string
	AccountID          string
	Symbol             string
	RealizedDelta      decimal.Decimal
	CumulativeRealized decimal.Decimal
	FillID             string
	CreatedAt          time.Time
}

// RiskScope orders risk rules from most to least specific
type RiskScope string

const (
	ScopeGlobal     RiskScope = "GLOBAL"
	ScopePerAccount RiskScope = "PER_ACCOUNT"
	ScopePerSymbol  RiskScope = "PER_SYMBOL"
)

// RiskRule is a set of pre-trade limits at a scope. Most-specific wins.
type RiskRule struct {
	ID                            string
	Scope                         RiskScope
	AccountID                     string
	Symbol                        string
	MaxPositionValuePerSymbol     decimal.Decimal
	MaxOpenOrders                 int
	MaxOrdersPerMinute            int
	DailyLossLimit                decimal.Decimal
	ConsecutiveOrderFailuresLimit int
	Active                        bool
}

// KillSwitchStatus is the safety-latch state
type KillSwitchStatus string

const (
	KillSwitchOff   KillSwitchStatus = "OFF"
	KillSwitchArmed KillSwitchStatus = "ARMED"
	KillSwitchOn    KillSwitchStatus = "ON"
)

// RiskState is the mutable risk record per scope. The database row is
// authoritative; in-process copies are caches.
type RiskState struct {
	Scope               RiskScope
	AccountID           string
	KillSwitch          KillSwitchStatus
	KillSwitchReason    string
	DailyPnL            decimal.Decimal
	DailyDate           string // local date the daily counters belong to
	ConsecutiveFailures int
	RecentOrderTs       []time.Time
}

// PruneOrderTimestamps drops tracker entries older than the rolling window
func (rs *RiskState) PruneOrderTimestamps(now time.Time, window time.Duration) {
	kept := rs.RecentOrderTs[:0]
	for _, ts := range rs.RecentOrderTs {
		if now.Sub(ts) < window {
			kept = append(kept, ts)
		}
	}
	rs.RecentOrderTs = kept
}

// EventType enumerates the outbox event taxonomy
type EventType string

const (
	EventOrderCreated        EventType = "ORDER_CREATED"
	EventOrderSent           EventType = "ORDER_SENT"
	EventOrderRejected       EventType = "ORDER_REJECTED"
	EventOrderCancelled      EventType = "ORDER_CANCELLED"
	EventOrderModified       EventType = "ORDER_MODIFIED"
	EventFillApplied         EventType = "FILL_APPLIED"
	EventPositionUpdated     EventType = "POSITION_UPDATED"
	EventPnLUpdated          EventType = "PNL_UPDATED"
	EventKillSwitchTriggered EventType = "KILL_SWITCH_TRIGGERED"
	EventKillSwitchReleased  EventType = "KILL_SWITCH_RELEASED"
	EventStrategyActivated   EventType = "STRATEGY_ACTIVATED"
	EventStrategyDeactivated EventType = "STRATEGY_DEACTIVATED"
)

// OutboxEvent is written in the same transaction as the state change it
// describes, and published asynchronously at-least-once.
type OutboxEvent struct {
	ID          string
	Type        EventType
	PayloadJSON string
	CreatedAt   time.Time
	PublishedAt *time.Time
	Attempts    int
	Poisoned    bool
}

// ValidateTick rejects malformed ticks before aggregation. A timestamp more
// than 60s ahead of wall clock is invalid.
func ValidateTick(t Tick, now time.Time) error {
	if t.Symbol == "" {
		return fmt.Errorf("tick: empty symbol")
	}
	if !t.Price.IsPositive() {
		return fmt.Errorf("tick %s: non-positive price %s", t.Symbol, t.Price)
	}
	if t.Volume < 0 {
		return fmt.Errorf("tick %s: negative volume %d", t.Symbol, t.Volume)
	}
	if t.Timestamp.After(now.Add(60 * time.Second)) {
		return fmt.Errorf("tick %s: timestamp %s too far in the future", t.Symbol, t.Timestamp)
	}
	return nil
}
