package strategy

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	"github.com/mirinaemaru/cautostock-sub000/internal/strategy/indicator"
)

// KindRSI identifies the RSI mean-reversion strategy
const KindRSI = "RSI"

// RSIParams are the version parameters for the RSI strategy
type RSIParams struct {
	Type        string          `json:"type"`
	Period      int             `json:"period"`
	Oversold    decimal.Decimal `json:"oversold"`
	Overbought  decimal.Decimal `json:"overbought"`
	OrderQty    int64           `json:"order_qty"`
	TTLSec      int             `json:"ttl_seconds"`
	CooldownSec int             `json:"cooldown_seconds"`
}

// RSI emits BUY when the indicator crosses down into the oversold zone and
// SELL when it crosses up into the overbought zone. Staying inside a zone
// does not re-trigger.
type RSI struct {
	params RSIParams
}

// NewRSI builds the strategy from version params
func NewRSI(raw json.RawMessage) (IStrategy, error) {
	var p RSIParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("rsi params: %w", err)
	}
	if p.Period <= 0 {
		p.Period = 14
	}
	if p.Oversold.IsZero() {
		p.Oversold = decimal.NewFromInt(30)
	}
	if p.Overbought.IsZero() {
		p.Overbought = decimal.NewFromInt(70)
	}
	if p.Oversold.GreaterThanOrEqual(p.Overbought) {
		return nil, fmt.Errorf("rsi: oversold %s must be below overbought %s", p.Oversold, p.Overbought)
	}
	if p.OrderQty <= 0 {
		p.OrderQty = 1
	}
	if p.TTLSec <= 0 {
		p.TTLSec = core.DefaultSignalTTLSeconds
	}
	if p.CooldownSec <= 0 {
		p.CooldownSec = core.DefaultSignalCooldownSeconds
	}
	return &RSI{params: p}, nil
}

func (s *RSI) Kind() string { return KindRSI }

// MinBars needs two RSI points to detect a crossing
func (s *RSI) MinBars() int { return s.params.Period + 2 }

func (s *RSI) TTLSeconds() int { return s.params.TTLSec }

func (s *RSI) CooldownSeconds() int { return s.params.CooldownSec }

// OrderQty is the quantity for orders derived from this strategy's signals
func (s *RSI) OrderQty() int64 { return s.params.OrderQty }

func (s *RSI) Evaluate(sc Context) (Decision, error) {
	if len(sc.Bars) < s.MinBars() {
		return Hold("insufficient data"), nil
	}

	series, err := indicator.RSISeries(closes(sc.Bars), s.params.Period)
	if err != nil {
		return Decision{}, err
	}
	prev, cur := series[len(series)-2], series[len(series)-1]

	switch {
	case prev.GreaterThanOrEqual(s.params.Oversold) && cur.LessThan(s.params.Oversold):
		return Decision{
			Type:       core.SignalBuy,
			Confidence: zoneConfidence(s.params.Oversold.Sub(cur), s.params.Oversold),
			Reason:     fmt.Sprintf("RSI oversold crossover: %s < %s", cur, s.params.Oversold),
		}, nil
	case prev.LessThanOrEqual(s.params.Overbought) && cur.GreaterThan(s.params.Overbought):
		return Decision{
			Type:       core.SignalSell,
			Confidence: zoneConfidence(cur.Sub(s.params.Overbought), hundred.Sub(s.params.Overbought)),
			Reason:     fmt.Sprintf("RSI overbought crossover: %s > %s", cur, s.params.Overbought),
		}, nil
	}
	return Hold("no RSI crossover"), nil
}
