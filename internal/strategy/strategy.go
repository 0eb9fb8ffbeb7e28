// Package strategy implements signal-generating strategies over bar series
package strategy

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
)

// Context is the input to a strategy evaluation: closed bars in
// chronological order plus the active version's parameters.
type Context struct {
	Bars   []core.Bar
	Params json.RawMessage
}

// Decision is the output of a strategy evaluation
type Decision struct {
	Type       core.SignalType
	Confidence float64 // [0, 1]
	Reason     string
}

// Hold is the neutral decision
func Hold(reason string) Decision {
	return Decision{Type: core.SignalHold, Reason: reason}
}

// IStrategy is the closed evaluation contract. Implementations are pure
// functions of the context; all state lives in the caller.
type IStrategy interface {
	Kind() string
	// MinBars is the number of bars required for a non-trivial decision
	MinBars() int
	// TTLSeconds is the expiry applied to signals this strategy emits
	TTLSeconds() int
	// CooldownSeconds is the re-signal suppression window per (strategy, symbol)
	CooldownSeconds() int
	// OrderQty is the quantity for orders derived from this strategy's signals
	OrderQty() int64
	Evaluate(sc Context) (Decision, error)
}

// Builder constructs a strategy variant from its version parameters
type Builder func(params json.RawMessage) (IStrategy, error)

// Registry maps strategy kinds to builders. Populated once at startup.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry returns a registry with the built-in variants registered
func NewRegistry() *Registry {
	r := &Registry{builders: make(map[string]Builder)}
	r.Register(KindMACross, NewMACross)
	r.Register(KindRSI, NewRSI)
	return r
}

// Register adds a builder for a kind
func (r *Registry) Register(kind string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[kind] = b
}

// Build constructs the strategy named by the "type" field of params
func (r *Registry) Build(params json.RawMessage) (IStrategy, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(params, &head); err != nil {
		return nil, fmt.Errorf("parse strategy params: %w", err)
	}

	r.mu.RLock()
	b, ok := r.builders[head.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy type %q", head.Type)
	}
	return b(params)
}

var hundred = decimal.NewFromInt(100)

// crossConfidence scales the gap between two averages into [0.5, 1].
// A wider spread at the crossing bar counts as a stronger signal.
func crossConfidence(leader, trailer decimal.Decimal) float64 {
	if trailer.IsZero() {
		return 0.5
	}
	spread, _ := leader.Sub(trailer).Abs().DivRound(trailer.Abs(), 8).Float64()
	c := 0.5 + spread*10
	if c > 1 {
		c = 1
	}
	return c
}

// zoneConfidence scales penetration depth into a zone of the given width
// into [0.5, 1].
func zoneConfidence(depth, width decimal.Decimal) float64 {
	if width.IsZero() || depth.IsNegative() {
		return 0.5
	}
	frac, _ := depth.DivRound(width, 8).Float64()
	c := 0.5 + frac/2
	if c > 1 {
		c = 1
	}
	return c
}

// closes extracts the close series from bars in chronological order
func closes(bars []core.Bar) []decimal.Decimal {
	out := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}
