package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// BrokerAck is a successful broker acknowledgement
type BrokerAck struct {
	BrokerOrderNo string
}

// TickHandler is invoked per tick from broker-owned goroutines
type TickHandler func(Tick)

// FillHandler is invoked per execution report from broker-owned goroutines
type FillHandler func(Fill)

// IBroker defines the brokerage gateway capability set. Variants: STUB,
// PAPER, LIVE. Synchronous calls classify failures via pkg/apperrors.
type IBroker interface {
	Name() string

	PlaceOrder(ctx context.Context, o *Order) (*BrokerAck, error)
	CancelOrder(ctx context.Context, brokerOrderNo string) error
	ModifyOrder(ctx context.Context, brokerOrderNo string, newQty *int64, newPrice *decimal.Decimal) error

	SubscribeTicks(ctx context.Context, symbols []string, h TickHandler) (string, error)
	SubscribeFills(ctx context.Context, accountID string, h FillHandler) (string, error)
	Unsubscribe(subscriptionID string) error

	Close() error
}

// ILogger defines the structured logging contract
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
