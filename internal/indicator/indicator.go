// Package indicator holds pure functions over candle slices: ATR, SMA,
// Bollinger bands, higher-timeframe bias, break-of-structure, and Fair
// Value Gap detection (confirmed and pending). Nothing here touches the
// network or the Candle Store directly — callers pass in a snapshot slice.
package indicator

import (
	"fmt"
	"math"

	"github.com/fvg-engine/perpetual-trader/internal/candlestore"
)

// Direction is the bias/signal side.
type Direction int

const (
	Neutral Direction = iota
	Bullish
	Bearish
)

func (d Direction) String() string {
	switch d {
	case Bullish:
		return "Bullish"
	case Bearish:
		return "Bearish"
	default:
		return "Neutral"
	}
}

// Bollinger holds a 20-period, 2.0-sigma band computed from SMA.
type Bollinger struct {
	Middle float64
	Upper  float64
	Lower  float64
}

const (
	bollingerPeriod = 20
	bollingerMult   = 2.0
	biasPeriod      = 20
	biasUpMult      = 1.002
	biasDownMult    = 0.998
	bosWindow       = 20
)

// ATR returns the arithmetic mean of true range over the last period
// completed candles. Requires period+1 candles; otherwise returns (0, false)
// per the "defined no-result instead of faulting" boundary rule (spec.md §8).
func ATR(candles []candlestore.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period+1 {
		return 0, false
	}
	start := len(candles) - period
	var sum float64
	for i := start; i < len(candles); i++ {
		c := candles[i]
		prevClose := candles[i-1].Close
		tr := math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
		sum += tr
	}
	return sum / float64(period), true
}

// SMA returns the mean of the last period closes, or (0, false) if there
// aren't enough candles.
func SMA(candles []candlestore.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period {
		return 0, false
	}
	start := len(candles) - period
	var sum float64
	for i := start; i < len(candles); i++ {
		sum += candles[i].Close
	}
	return sum / float64(period), true
}

// BollingerBands returns the 20-period, 2.0-sigma band, or false if there
// aren't enough candles.
func BollingerBands(candles []candlestore.Candle) (Bollinger, bool) {
	mid, ok := SMA(candles, bollingerPeriod)
	if !ok {
		return Bollinger{}, false
	}
	start := len(candles) - bollingerPeriod
	var sqDiff float64
	for i := start; i < len(candles); i++ {
		d := candles[i].Close - mid
		sqDiff += d * d
	}
	sigma := math.Sqrt(sqDiff / float64(bollingerPeriod))
	return Bollinger{
		Middle: mid,
		Upper:  mid + bollingerMult*sigma,
		Lower:  mid - bollingerMult*sigma,
	}, true
}

// Bias derives the 4h directional stance from the last close against the
// 20-period SMA, per spec.md §4.D.
func Bias(candles4h []candlestore.Candle) Direction {
	sma, ok := SMA(candles4h, biasPeriod)
	if !ok {
		return Neutral
	}
	last := candles4h[len(candles4h)-1].Close
	switch {
	case last > sma*biasUpMult:
		return Bullish
	case last < sma*biasDownMult:
		return Bearish
	default:
		return Neutral
	}
}

// BreakOfStructure evaluates whether the 1h bias is confirmed by price
// crossing the prior bosWindow-candle swing high/low, per spec.md §4.D.
// Neutral bias never confirms.
func BreakOfStructure(candles1h []candlestore.Candle, bias Direction) bool {
	if bias == Neutral || len(candles1h) < bosWindow+1 {
		return false
	}
	last := candles1h[len(candles1h)-1]
	window := candles1h[len(candles1h)-1-bosWindow : len(candles1h)-1]

	switch bias {
	case Bullish:
		hi := window[0].High
		for _, c := range window {
			hi = math.Max(hi, c.High)
		}
		return last.Close > hi
	case Bearish:
		lo := window[0].Low
		for _, c := range window {
			lo = math.Min(lo, c.Low)
		}
		return last.Close < lo
	default:
		return false
	}
}

// AverageVolume returns the mean volume of the period candles ending at
// (and including) index upto, inclusive, or false if there aren't enough
// preceding candles.
func AverageVolume(candles []candlestore.Candle, upto, period int) (float64, bool) {
	if period <= 0 || upto-period+1 < 0 || upto >= len(candles) {
		return 0, false
	}
	start := upto - period + 1
	var sum float64
	for i := start; i <= upto; i++ {
		sum += candles[i].Volume
	}
	return sum / float64(period), true
}

// FVGZone is an immutable Fair Value Gap zone, per spec.md §3.
type FVGZone struct {
	Direction   Direction
	ZoneLow     float64
	ZoneHigh    float64
	ImpulseHigh float64
	ImpulseLow  float64
	CreatedAt   int64 // timestamp of c3, the candle that closed the gap
	c3Index     int   // index of c3 within the slice the zone was found in
}

const volumeAvgPeriod = 20

// FindFVGCandidates scans candles for the 3-candle Fair Value Gap pattern
// within the last lookback windows (spec.md §4.D), restricted to the side
// matching bias (tie-break: bias arbitrates). Returns zones oldest-first.
// If lookback+3 > len(candles), returns nil (no signal), per the boundary
// rule in spec.md §4.D.
func FindFVGCandidates(candles []candlestore.Candle, lookback int, minGapPct, minVolMult float64, bias Direction) []FVGZone {
	n := len(candles)
	if lookback+3 > n {
		return nil
	}

	var zones []FVGZone
	lo := n - lookback - 2
	if lo < 0 {
		lo = 0
	}
	hi := n - 2
	for j := lo; j < hi; j++ {
		c1 := candles[j]
		c2 := candles[j+1]
		c3 := candles[j+2]

		avgVol, ok := AverageVolume(candles, j+1, volumeAvgPeriod)
		if !ok {
			continue
		}

		if bias != Bearish && c3.Low > c1.High {
			gap := c3.Low - c1.High
			if gap > c2.Close*minGapPct && c2.Close > c2.Open && c2.Volume > minVolMult*avgVol {
				zones = append(zones, FVGZone{
					Direction:   Bullish,
					ZoneLow:     c1.High,
					ZoneHigh:    c3.Low,
					ImpulseHigh: c2.High,
					ImpulseLow:  c2.Low,
					CreatedAt:   c3.TimestampMs,
					c3Index:     j + 2,
				})
			}
		}
		if bias != Bullish && c1.Low > c3.High {
			gap := c1.Low - c3.High
			if gap > c2.Close*minGapPct && c2.Close < c2.Open && c2.Volume > minVolMult*avgVol {
				zones = append(zones, FVGZone{
					Direction:   Bearish,
					ZoneLow:     c3.High,
					ZoneHigh:    c1.Low,
					ImpulseHigh: c2.High,
					ImpulseLow:  c2.Low,
					CreatedAt:   c3.TimestampMs,
					c3Index:     j + 2,
				})
			}
		}
	}
	return zones
}

// MissingCondition names the single most-blocking unmet confirmation for a
// diagnostic "pending FVG" report, per spec.md §4.D.
type MissingCondition string

const (
	MissingRetest   MissingCondition = "retest"
	MissingBreakout MissingCondition = "breakout"
	MissingBollinger MissingCondition = "bollinger"
	MissingVolume   MissingCondition = "volume"
)

const retestTolerance = 0.5

// Confirm evaluates the four confirmation conditions of spec.md §4.D against
// the current (last) candle of candles, where zone was found scanning an
// earlier window of the same series. bb is optional: when non-nil, the
// Bollinger-middle filter (condition 4) is also enforced.
//
// Returns (true, "") when fully confirmed, or (false, reason) naming the
// first unmet condition, checked in the order retest, breakout, volume,
// Bollinger — retest is checked first because without it neither a
// breakout nor a volume spike means anything (the zone was never
// revisited).
func Confirm(candles []candlestore.Candle, zone FVGZone, minVolMult float64, bb *Bollinger) (bool, MissingCondition) {
	n := len(candles)
	if n == 0 || zone.c3Index >= n-1 {
		return false, MissingRetest
	}
	current := candles[n-1]

	retested := false
	zoneHeight := zone.ZoneHigh - zone.ZoneLow
	tol := retestTolerance * zoneHeight
	for i := zone.c3Index + 1; i < n; i++ {
		c := candles[i]
		if zone.Direction == Bullish && c.Low <= zone.ZoneHigh+tol {
			retested = true
			break
		}
		if zone.Direction == Bearish && c.High >= zone.ZoneLow-tol {
			retested = true
			break
		}
	}
	if !retested {
		return false, MissingRetest
	}

	breakout := false
	if zone.Direction == Bullish {
		breakout = current.Close > zone.ZoneHigh
	} else {
		breakout = current.Close < zone.ZoneLow
	}
	if !breakout {
		return false, MissingBreakout
	}

	avgVol, ok := AverageVolume(candles, n-1, volumeAvgPeriod)
	if !ok || current.Volume <= minVolMult*avgVol {
		return false, MissingVolume
	}

	if bb != nil {
		if zone.Direction == Bullish && current.Close <= bb.Middle {
			return false, MissingBollinger
		}
		if zone.Direction == Bearish && current.Close >= bb.Middle {
			return false, MissingBollinger
		}
	}

	return true, ""
}

// DetectConfirmedFVG runs FindFVGCandidates then Confirm on each candidate
// (newest first), returning the first confirmed zone, or false if none of
// the candidates confirm.
func DetectConfirmedFVG(candles []candlestore.Candle, lookback int, minGapPct, minVolMult float64, bias Direction, bb *Bollinger) (FVGZone, bool) {
	zones := FindFVGCandidates(candles, lookback, minGapPct, minVolMult, bias)
	for i := len(zones) - 1; i >= 0; i-- {
		if ok, _ := Confirm(candles, zones[i], minVolMult, bb); ok {
			return zones[i], true
		}
	}
	return FVGZone{}, false
}

// PendingFVG searches the same candidate space as DetectConfirmedFVG and,
// when a zone exists but isn't yet confirmed, returns a human-readable
// diagnostic tag for the single most-blocking missing condition.
func PendingFVG(candles []candlestore.Candle, lookback int, minGapPct, minVolMult float64, bias Direction, bb *Bollinger) (string, bool) {
	zones := FindFVGCandidates(candles, lookback, minGapPct, minVolMult, bias)
	if len(zones) == 0 {
		return "", false
	}
	zone := zones[len(zones)-1]
	ok, reason := Confirm(candles, zone, minVolMult, bb)
	if ok {
		return "", false
	}
	return fmt.Sprintf("pending: %s zone %.4f-%.4f waiting on %s", zone.Direction, zone.ZoneLow, zone.ZoneHigh, reason), true
}
