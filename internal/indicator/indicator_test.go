package indicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fvg-engine/perpetual-trader/internal/candlestore"
)

func candle(ts int64, o, h, l, c, v float64) candlestore.Candle {
	return candlestore.Candle{TimestampMs: ts, Open: o, High: h, Low: l, Close: c, Volume: v}
}

func flatSeries(n int, price, vol float64) []candlestore.Candle {
	out := make([]candlestore.Candle, n)
	for i := range out {
		out[i] = candle(int64(i), price, price, price, price, vol)
	}
	return out
}

func TestATR_InsufficientCandlesReturnsNoResult(t *testing.T) {
	_, ok := ATR(flatSeries(5, 100, 1), 14)
	assert.False(t, ok)
}

func TestATR_FlatCandlesIsZero(t *testing.T) {
	v, ok := ATR(flatSeries(20, 100, 1), 14)
	require.True(t, ok)
	assert.Equal(t, 0.0, v)
}

func TestSMA(t *testing.T) {
	candles := []candlestore.Candle{
		candle(1, 0, 0, 0, 10, 1),
		candle(2, 0, 0, 0, 20, 1),
		candle(3, 0, 0, 0, 30, 1),
	}
	v, ok := SMA(candles, 3)
	require.True(t, ok)
	assert.Equal(t, 20.0, v)

	_, ok = SMA(candles, 5)
	assert.False(t, ok)
}

func TestBollingerBands_FlatSeriesHasZeroWidth(t *testing.T) {
	bb, ok := BollingerBands(flatSeries(20, 50, 1))
	require.True(t, ok)
	assert.Equal(t, 50.0, bb.Middle)
	assert.Equal(t, 50.0, bb.Upper)
	assert.Equal(t, 50.0, bb.Lower)
}

func TestBias(t *testing.T) {
	base := flatSeries(21, 100, 1)
	base[20].Close = 100 * 1.003 // > sma*1.002
	assert.Equal(t, Bullish, Bias(base))

	base2 := flatSeries(21, 100, 1)
	base2[20].Close = 100 * 0.996 // < sma*0.998
	assert.Equal(t, Bearish, Bias(base2))

	base3 := flatSeries(21, 100, 1)
	assert.Equal(t, Neutral, Bias(base3))
}

func TestBreakOfStructure(t *testing.T) {
	candles := flatSeries(22, 100, 1)
	// set a swing high in the 20-candle window preceding the last candle
	for i := 0; i < 20; i++ {
		candles[i].High = 110
		candles[i].Low = 90
	}
	candles[len(candles)-1].Close = 111 // breaks the 110 high
	assert.True(t, BreakOfStructure(candles, Bullish))
	assert.False(t, BreakOfStructure(candles, Bearish))
	assert.False(t, BreakOfStructure(candles, Neutral))
}

func buildBullishFVG(lookback int) []candlestore.Candle {
	// enough history for the 20-period volume average preceding c2
	candles := flatSeries(lookback+30, 100, 10)
	n := len(candles)
	j := n - 5 // position of c2 within the window scanned
	candles[j-1] = candle(int64(j-1), 99, 100, 98, 99, 10)  // c1: high=100
	candles[j] = candle(int64(j), 99, 104, 99, 103, 100)    // c2: green impulse, big volume
	candles[j+1] = candle(int64(j+1), 103, 106, 102, 104, 10) // c3: low=102 > c1.high=100
	return candles
}

func TestFindFVGCandidates_BullishZoneInvariants(t *testing.T) {
	candles := buildBullishFVG(10)
	zones := FindFVGCandidates(candles, 10, 0.001, 1.5, Bullish)
	require.NotEmpty(t, zones)

	for _, z := range zones {
		require.Equal(t, Bullish, z.Direction)
		assert.Less(t, z.ZoneLow, z.ZoneHigh)
		c1 := candles[z.c3Index-2]
		c2 := candles[z.c3Index-1]
		c3 := candles[z.c3Index]
		assert.Equal(t, c1.High, z.ZoneLow)
		assert.Equal(t, c3.Low, z.ZoneHigh)
		assert.Greater(t, c2.Close, c2.Open)
	}
}

func TestFindFVGCandidates_NoSignalWhenLookbackExceedsLength(t *testing.T) {
	zones := FindFVGCandidates(flatSeries(5, 100, 1), 10, 0.001, 1.5, Neutral)
	assert.Nil(t, zones)
}

func TestConfirm_AllConditionsRequired(t *testing.T) {
	candles := buildBullishFVG(10)
	zones := FindFVGCandidates(candles, 10, 0.001, 1.5, Bullish)
	require.NotEmpty(t, zones)
	zone := zones[len(zones)-1]

	// The flat candles after c3 already retest the zone and this close breaks
	// out, but without a volume spike the zone stays unconfirmed.
	extended := append(append([]candlestore.Candle{}, candles...), candle(int64(len(candles)), 104, 105, 103, 104, 10))
	ok, reason := Confirm(extended, zone, 1.5, nil)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)

	// Retest into the zone, then a high-volume breakout candle above zoneHigh.
	retest := candle(int64(len(extended)), 104, 104.5, 101.5, 102, 10)
	extended = append(extended, retest)
	breakout := candle(int64(len(extended)), 102, 110, 102, 109, 1000)
	extended = append(extended, breakout)

	ok, reason = Confirm(extended, zone, 1.5, nil)
	assert.True(t, ok, "reason: %s", reason)
}

func TestConfirm_BollingerFilterIsOptional(t *testing.T) {
	candles := buildBullishFVG(10)
	zones := FindFVGCandidates(candles, 10, 0.001, 1.5, Bullish)
	require.NotEmpty(t, zones)
	zone := zones[len(zones)-1]

	extended := append([]candlestore.Candle{}, candles...)
	retest := candle(int64(len(extended)), 104, 104.5, 101.5, 102, 10)
	extended = append(extended, retest)
	breakout := candle(int64(len(extended)), 102, 110, 102, 109, 1000)
	extended = append(extended, breakout)

	// With a Bollinger filter that rejects (middle above close), must fail.
	bb := &Bollinger{Middle: 200}
	ok, reason := Confirm(extended, zone, 1.5, bb)
	assert.False(t, ok)
	assert.Equal(t, MissingBollinger, reason)
}
