package indicator

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closesFromInts(vals ...int64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.NewFromInt(v)
	}
	return out
}

func TestSMA(t *testing.T) {
	closes := closesFromInts(10, 20, 30, 40, 50)

	sma, err := SMA(closes, 5)
	require.NoError(t, err)
	assert.True(t, sma.Equal(decimal.NewFromInt(30)), "got %s", sma)

	sma, err = SMA(closes, 2)
	require.NoError(t, err)
	assert.True(t, sma.Equal(decimal.NewFromInt(45)), "got %s", sma)
}

func TestSMA_InsufficientData(t *testing.T) {
	_, err := SMA(closesFromInts(1, 2), 3)
	assert.Error(t, err)
}

func TestSMA_Rounding(t *testing.T) {
	sma, err := SMA(closesFromInts(1, 1, 2), 3)
	require.NoError(t, err)
	// 4/3 at scale 8 half-up
	assert.Equal(t, "1.33333333", sma.String())
}

func TestEMA_ConstantSeries(t *testing.T) {
	closes := closesFromInts(50, 50, 50, 50, 50, 50)
	ema, err := EMA(closes, 3)
	require.NoError(t, err)
	assert.True(t, ema.Equal(decimal.NewFromInt(50)), "got %s", ema)
}

func TestEMA_TracksTrend(t *testing.T) {
	closes := closesFromInts(10, 11, 12, 13, 14, 15, 16, 17, 18, 19)
	ema, err := EMA(closes, 5)
	require.NoError(t, err)
	sma, err := SMA(closes, 5)
	require.NoError(t, err)
	// EMA weights recent closes more than the trailing SMA midpoint
	assert.True(t, ema.GreaterThan(decimal.NewFromInt(16)), "ema %s", ema)
	assert.True(t, sma.Equal(decimal.NewFromInt(17)))
}

func TestRSISeries_AllGains(t *testing.T) {
	closes := closesFromInts(10, 11, 12, 13, 14, 15)
	rsi, err := RSISeries(closes, 5)
	require.NoError(t, err)
	require.Len(t, rsi, 1)
	assert.True(t, rsi[0].Equal(decimal.NewFromInt(100)), "got %s", rsi[0])
}

func TestRSISeries_Balanced(t *testing.T) {
	// alternate +1/-1 changes: equal average gain and loss, RSI == 50
	closes := closesFromInts(100, 101, 100, 101, 100, 101, 100, 101, 100)
	rsi, err := RSISeries(closes, 8)
	require.NoError(t, err)
	require.Len(t, rsi, 1)
	assert.Equal(t, "50", rsi[0].StringFixed(0))
}

func TestRSISeries_Length(t *testing.T) {
	closes := make([]decimal.Decimal, 30)
	for i := range closes {
		closes[i] = decimal.NewFromInt(int64(100 + i%3))
	}
	rsi, err := RSISeries(closes, 14)
	require.NoError(t, err)
	assert.Len(t, rsi, 30-14)
}

func TestRSISeries_InsufficientData(t *testing.T) {
	_, err := RSISeries(closesFromInts(1, 2, 3), 14)
	assert.Error(t, err)
}

func TestRSISeries_DownMoveLowersRSI(t *testing.T) {
	up := closesFromInts(100, 102, 104, 106, 108, 110, 112, 114, 116, 118, 120, 122, 124, 126, 128)
	down := append(append([]decimal.Decimal{}, up...), decimal.NewFromInt(120))

	rsiUp, err := RSISeries(up, 14)
	require.NoError(t, err)
	rsiDown, err := RSISeries(down, 14)
	require.NoError(t, err)

	last := rsiDown[len(rsiDown)-1]
	assert.True(t, last.LessThan(rsiUp[len(rsiUp)-1]), "rsi should fall after a down move: %s", last)
}
