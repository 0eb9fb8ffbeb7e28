// Package indicator computes technical indicators over ordered close series.
// All results are rounded half-up at decimal scale 8.
package indicator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
)

var hundred = decimal.NewFromInt(100)

// SMA returns the simple moving average of the last period closes
func SMA(closes []decimal.Decimal, period int) (decimal.Decimal, error) {
	if period <= 0 {
		return decimal.Zero, fmt.Errorf("sma: period must be positive, got %d", period)
	}
	if len(closes) < period {
		return decimal.Zero, fmt.Errorf("sma: need %d closes, have %d", period, len(closes))
	}
	sum := decimal.Zero
	for _, c := range closes[len(closes)-period:] {
		sum = sum.Add(c)
	}
	return sum.DivRound(decimal.NewFromInt(int64(period)), core.ScaleIndicator), nil
}

// EMA returns the exponential moving average over the whole series, seeded
// with the SMA of the first period closes.
func EMA(closes []decimal.Decimal, period int) (decimal.Decimal, error) {
	if period <= 0 {
		return decimal.Zero, fmt.Errorf("ema: period must be positive, got %d", period)
	}
	if len(closes) < period {
		return decimal.Zero, fmt.Errorf("ema: need %d closes, have %d", period, len(closes))
	}

	seed, err := SMA(closes[:period], period)
	if err != nil {
		return decimal.Zero, err
	}

	// multiplier = 2 / (period + 1)
	mult := decimal.NewFromInt(2).DivRound(decimal.NewFromInt(int64(period+1)), core.ScaleIndicator)
	ema := seed
	for _, c := range closes[period:] {
		ema = c.Sub(ema).Mul(mult).Add(ema).Round(core.ScaleIndicator)
	}
	return ema, nil
}

// RSISeries returns the Wilder-smoothed RSI for each close from index period
// onward. The result is aligned so that the last element is the RSI at the
// last close; len(result) == len(closes) - period.
func RSISeries(closes []decimal.Decimal, period int) ([]decimal.Decimal, error) {
	if period <= 0 {
		return nil, fmt.Errorf("rsi: period must be positive, got %d", period)
	}
	if len(closes) < period+1 {
		return nil, fmt.Errorf("rsi: need %d closes, have %d", period+1, len(closes))
	}

	p := decimal.NewFromInt(int64(period))
	pMinusOne := decimal.NewFromInt(int64(period - 1))

	// seed averages over the first period changes
	avgGain, avgLoss := decimal.Zero, decimal.Zero
	for i := 1; i <= period; i++ {
		change := closes[i].Sub(closes[i-1])
		if change.IsPositive() {
			avgGain = avgGain.Add(change)
		} else {
			avgLoss = avgLoss.Add(change.Neg())
		}
	}
	avgGain = avgGain.DivRound(p, core.ScaleIndicator)
	avgLoss = avgLoss.DivRound(p, core.ScaleIndicator)

	out := make([]decimal.Decimal, 0, len(closes)-period)
	out = append(out, rsiValue(avgGain, avgLoss))

	for i := period + 1; i < len(closes); i++ {
		change := closes[i].Sub(closes[i-1])
		gain, loss := decimal.Zero, decimal.Zero
		if change.IsPositive() {
			gain = change
		} else {
			loss = change.Neg()
		}
		avgGain = avgGain.Mul(pMinusOne).Add(gain).DivRound(p, core.ScaleIndicator)
		avgLoss = avgLoss.Mul(pMinusOne).Add(loss).DivRound(p, core.ScaleIndicator)
		out = append(out, rsiValue(avgGain, avgLoss))
	}
	return out, nil
}

func rsiValue(avgGain, avgLoss decimal.Decimal) decimal.Decimal {
	if avgLoss.IsZero() {
		return hundred
	}
	rs := avgGain.DivRound(avgLoss, core.ScaleIndicator)
	return hundred.Sub(hundred.DivRound(decimal.NewFromInt(1).Add(rs), core.ScaleIndicator)).Round(core.ScaleIndicator)
}
