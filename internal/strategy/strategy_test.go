package strategy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
)

func barsFromCloses(closes ...float64) []core.Bar {
	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	out := make([]core.Bar, len(closes))
	for i, c := range closes {
		out[i] = core.Bar{
			Symbol:       "005930",
			Timeframe:    core.Timeframe1m,
			Close:        decimal.NewFromFloat(c),
			BarTimestamp: base.Add(time.Duration(i) * time.Minute),
			Closed:       true,
		}
	}
	return out
}

func TestRegistry_BuildByType(t *testing.T) {
	r := NewRegistry()

	s, err := r.Build(json.RawMessage(`{"type":"MA_CROSS","short_period":5,"long_period":20}`))
	require.NoError(t, err)
	assert.Equal(t, KindMACross, s.Kind())

	s, err = r.Build(json.RawMessage(`{"type":"RSI","period":14}`))
	require.NoError(t, err)
	assert.Equal(t, KindRSI, s.Kind())

	_, err = r.Build(json.RawMessage(`{"type":"MOMO"}`))
	assert.ErrorContains(t, err, "unknown strategy type")
}

func TestMACross_RejectsBadPeriods(t *testing.T) {
	_, err := NewMACross(json.RawMessage(`{"type":"MA_CROSS","short_period":20,"long_period":5}`))
	assert.Error(t, err)

	_, err = NewMACross(json.RawMessage(`{"type":"MA_CROSS","short_period":0,"long_period":5}`))
	assert.Error(t, err)
}

func TestMACross_InsufficientData(t *testing.T) {
	s, err := NewMACross(json.RawMessage(`{"type":"MA_CROSS","short_period":2,"long_period":4}`))
	require.NoError(t, err)

	d, err := s.Evaluate(Context{Bars: barsFromCloses(10, 10, 10, 10)})
	require.NoError(t, err)
	assert.Equal(t, core.SignalHold, d.Type)
	assert.Equal(t, "insufficient data", d.Reason)
}

func TestMACross_GoldenCross(t *testing.T) {
	s, err := NewMACross(json.RawMessage(`{"type":"MA_CROSS","short_period":2,"long_period":4}`))
	require.NoError(t, err)

	// flat then a jump: the short average overtakes the long one on the
	// last bar only
	d, err := s.Evaluate(Context{Bars: barsFromCloses(100, 100, 100, 100, 100, 120)})
	require.NoError(t, err)
	assert.Equal(t, core.SignalBuy, d.Type)
	assert.Contains(t, d.Reason, "golden cross")
	assert.GreaterOrEqual(t, d.Confidence, 0.5)
}

func TestMACross_DeathCross(t *testing.T) {
	s, err := NewMACross(json.RawMessage(`{"type":"MA_CROSS","short_period":2,"long_period":4}`))
	require.NoError(t, err)

	d, err := s.Evaluate(Context{Bars: barsFromCloses(100, 100, 100, 100, 100, 80)})
	require.NoError(t, err)
	assert.Equal(t, core.SignalSell, d.Type)
	assert.Contains(t, d.Reason, "death cross")
}

func TestMACross_AlreadyCrossedHolds(t *testing.T) {
	s, err := NewMACross(json.RawMessage(`{"type":"MA_CROSS","short_period":2,"long_period":4}`))
	require.NoError(t, err)

	// short stays above long for the last two bars: no fresh crossing
	d, err := s.Evaluate(Context{Bars: barsFromCloses(100, 100, 100, 100, 120, 125)})
	require.NoError(t, err)
	assert.Equal(t, core.SignalHold, d.Type)
	assert.Equal(t, "no crossover", d.Reason)
}

func TestRSI_Defaults(t *testing.T) {
	s, err := NewRSI(json.RawMessage(`{"type":"RSI"}`))
	require.NoError(t, err)
	assert.Equal(t, 14+2, s.MinBars())
	assert.Equal(t, core.DefaultSignalTTLSeconds, s.TTLSeconds())
}

func TestRSI_OversoldCrossover(t *testing.T) {
	s, err := NewRSI(json.RawMessage(`{"type":"RSI","period":3,"oversold":30,"overbought":70}`))
	require.NoError(t, err)

	// mild mixed changes keep RSI mid-range, then one hard drop pushes it
	// below 30 on the final bar
	d, err := s.Evaluate(Context{Bars: barsFromCloses(100, 101, 100, 101, 100, 101, 80)})
	require.NoError(t, err)
	assert.Equal(t, core.SignalBuy, d.Type)
	assert.Contains(t, d.Reason, "RSI oversold crossover")
}

func TestRSI_OverboughtCrossover(t *testing.T) {
	s, err := NewRSI(json.RawMessage(`{"type":"RSI","period":3,"oversold":30,"overbought":70}`))
	require.NoError(t, err)

	d, err := s.Evaluate(Context{Bars: barsFromCloses(100, 99, 100, 99, 100, 99, 120)})
	require.NoError(t, err)
	assert.Equal(t, core.SignalSell, d.Type)
	assert.Contains(t, d.Reason, "RSI overbought crossover")
}

func TestRSI_StayingInZoneDoesNotRetrigger(t *testing.T) {
	s, err := NewRSI(json.RawMessage(`{"type":"RSI","period":3,"oversold":30,"overbought":70}`))
	require.NoError(t, err)

	// still falling after the zone entry: RSI was already below 30
	d, err := s.Evaluate(Context{Bars: barsFromCloses(100, 101, 100, 90, 80, 70, 60)})
	require.NoError(t, err)
	assert.Equal(t, core.SignalHold, d.Type)
}

func TestRSI_InsufficientData(t *testing.T) {
	s, err := NewRSI(json.RawMessage(`{"type":"RSI","period":14}`))
	require.NoError(t, err)

	d, err := s.Evaluate(Context{Bars: barsFromCloses(1, 2, 3)})
	require.NoError(t, err)
	assert.Equal(t, core.SignalHold, d.Type)
	assert.Equal(t, "insufficient data", d.Reason)
}
