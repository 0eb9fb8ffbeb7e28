package strategy

import (
	"encoding/json"
	"fmt"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	"github.com/mirinaemaru/cautostock-sub000/internal/strategy/indicator"
)

// KindMACross identifies the moving-average crossover strategy
const KindMACross = "MA_CROSS"

// MACrossParams are the version parameters for the crossover strategy
type MACrossParams struct {
	Type        string `json:"type"`
	ShortPeriod int    `json:"short_period"`
	LongPeriod  int    `json:"long_period"`
	OrderQty    int64  `json:"order_qty"`
	TTLSec      int    `json:"ttl_seconds"`
	CooldownSec int    `json:"cooldown_seconds"`
}

// MACross emits BUY on a golden cross of the short SMA over the long SMA
// and SELL on the mirror death cross. Crossings are detected between the
// two most recent closed bars only; an already-crossed state holds.
type MACross struct {
	params MACrossParams
}

// NewMACross builds the strategy from version params
func NewMACross(raw json.RawMessage) (IStrategy, error) {
	var p MACrossParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("ma_cross params: %w", err)
	}
	if p.ShortPeriod <= 0 || p.LongPeriod <= 0 {
		return nil, fmt.Errorf("ma_cross: periods must be positive (short=%d long=%d)", p.ShortPeriod, p.LongPeriod)
	}
	if p.ShortPeriod >= p.LongPeriod {
		return nil, fmt.Errorf("ma_cross: short_period %d must be less than long_period %d", p.ShortPeriod, p.LongPeriod)
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
	return &MACross{params: p}, nil
}

func (s *MACross) Kind() string { return KindMACross }

// MinBars needs one extra bar to evaluate the averages at the previous close
func (s *MACross) MinBars() int { return s.params.LongPeriod + 1 }

func (s *MACross) TTLSeconds() int { return s.params.TTLSec }

func (s *MACross) CooldownSeconds() int { return s.params.CooldownSec }

// OrderQty is the quantity for orders derived from this strategy's signals
func (s *MACross) OrderQty() int64 { return s.params.OrderQty }

func (s *MACross) Evaluate(sc Context) (Decision, error) {
	if len(sc.Bars) < s.MinBars() {
		return Hold("insufficient data"), nil
	}

	cs := closes(sc.Bars)
	prev := cs[:len(cs)-1]

	shortPrev, err := indicator.SMA(prev, s.params.ShortPeriod)
	if err != nil {
		return Decision{}, err
	}
	longPrev, err := indicator.SMA(prev, s.params.LongPeriod)
	if err != nil {
		return Decision{}, err
	}
	shortNow, err := indicator.SMA(cs, s.params.ShortPeriod)
	if err != nil {
		return Decision{}, err
	}
	longNow, err := indicator.SMA(cs, s.params.LongPeriod)
	if err != nil {
		return Decision{}, err
	}

	switch {
	case shortPrev.LessThanOrEqual(longPrev) && shortNow.GreaterThan(longNow):
		return Decision{
			Type:       core.SignalBuy,
			Confidence: crossConfidence(shortNow, longNow),
			Reason:     fmt.Sprintf("golden cross: SMA(%d)=%s > SMA(%d)=%s", s.params.ShortPeriod, shortNow, s.params.LongPeriod, longNow),
		}, nil
	case shortPrev.GreaterThanOrEqual(longPrev) && shortNow.LessThan(longNow):
		return Decision{
			Type:       core.SignalSell,
			Confidence: crossConfidence(longNow, shortNow),
			Reason:     fmt.Sprintf("death cross: SMA(%d)=%s < SMA(%d)=%s", s.params.ShortPeriod, shortNow, s.params.LongPeriod, longNow),
		}, nil
	}
	return Hold("no crossover"), nil
}
