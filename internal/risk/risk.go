// Package risk implements the pure stop-loss/take-profit/sizing/validation
// transforms of spec.md §4.E as a pipeline of stages over an immutable
// Trade Signal: detect -> set SL -> set TP -> snap -> size -> validate. Each
// stage is a pure function; the Orchestrator only composes them (spec.md
// §9's "Signal construction as a pipeline" design note).
package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/fvg-engine/perpetual-trader/internal/indicator"
)

// MinOrderNotional is the exchange-enforced minimum notional, per spec.md §3.
const MinOrderNotional = 100.0

// Side is the trade direction.
type Side int

const (
	Buy Side = iota
	Sell
)

// SymbolParams is the static per-symbol tuple of spec.md §3.
type SymbolParams struct {
	MinGapPct       float64
	MinVolMult      float64
	FVGLookback     int
	SLATRMult       float64
	TPMult          float64
	TimeStopCandles int
	QtyStep         float64
	TickSize        float64
}

// Metrics is the process-wide Risk Metrics of spec.md §3, owned exclusively
// by the Orchestrator and passed here as a read-only value.
type Metrics struct {
	AccountBalance    float64
	CurrentEquity     float64
	DailyPnL          float64
	MaxDailyLoss      float64
	MaxRiskPerTrade   float64 // fraction of balance, e.g. 0.01
	TradingEnabled    bool
	TradesToday       int
	WinsToday         int
}

const equityFloorPct = 0.90

// TradingAllowed reports whether new entries are allowed, per spec.md §3:
// false while |daily_pnl| >= max_daily_loss, while current_equity <
// account_balance * 0.90, or while TradingEnabled is false.
func (m Metrics) TradingAllowed() bool {
	if math.Abs(m.DailyPnL) >= m.MaxDailyLoss {
		return false
	}
	if m.CurrentEquity < m.AccountBalance*equityFloorPct {
		return false
	}
	return m.TradingEnabled
}

// RemainingDailyBudget returns max(max_daily_loss - |daily_pnl|, 0).
func (m Metrics) RemainingDailyBudget() float64 {
	rem := m.MaxDailyLoss - math.Abs(m.DailyPnL)
	if rem < 0 {
		return 0
	}
	return rem
}

// Signal is the immutable Trade Signal of spec.md §3, built in stages.
type Signal struct {
	Side           Side
	Zone           indicator.FVGZone
	EntryPrice     float64
	StopLoss       float64
	TakeProfit1    float64
	TakeProfit2    float64
	PositionSize   float64
	RiskAmount     float64
	TimestampMs    int64
}

// NewSignal starts the pipeline: a bare signal carrying only the zone, side,
// and entry price. Every later stage returns a new value; none mutate in
// place, avoiding the half-built-signal mutation bug spec.md §9 warns about.
func NewSignal(side Side, zone indicator.FVGZone, entryPrice float64, timestampMs int64) Signal {
	return Signal{Side: side, Zone: zone, EntryPrice: entryPrice, TimestampMs: timestampMs}
}

// SetStopLoss sets the stop-loss per spec.md §4.E: when bb is supplied, use
// the opposite band; otherwise zone_low/zone_high offset by atr*sl_atr_mult.
func SetStopLoss(s Signal, atr float64, params SymbolParams, bb *indicator.Bollinger) Signal {
	out := s
	if bb != nil {
		if s.Side == Buy {
			out.StopLoss = bb.Lower
		} else {
			out.StopLoss = bb.Upper
		}
		return out
	}
	if s.Side == Buy {
		out.StopLoss = s.Zone.ZoneLow - atr*params.SLATRMult
	} else {
		out.StopLoss = s.Zone.ZoneHigh + atr*params.SLATRMult
	}
	return out
}

// SetTakeProfits sets tp1/tp2 per spec.md §4.E.
func SetTakeProfits(s Signal, params SymbolParams, bb *indicator.Bollinger) Signal {
	out := s
	if bb != nil {
		if s.Side == Buy {
			out.TakeProfit1 = bb.Middle
			out.TakeProfit2 = bb.Upper
		} else {
			out.TakeProfit1 = bb.Middle
			out.TakeProfit2 = bb.Lower
		}
		return out
	}
	risk := math.Abs(s.EntryPrice - s.StopLoss)
	if s.Side == Buy {
		out.TakeProfit1 = s.EntryPrice + risk*params.TPMult
		out.TakeProfit2 = s.EntryPrice + risk*params.TPMult*1.5
	} else {
		out.TakeProfit1 = s.EntryPrice - risk*params.TPMult
		out.TakeProfit2 = s.EntryPrice - risk*params.TPMult*1.5
	}
	return out
}

// RoundToTick snaps a price to the nearest multiple of tickSize. tickSize=0
// disables rounding (no-op), per spec.md §8's boundary rule (never divide by
// zero). Idempotent: RoundToTick(RoundToTick(x)) == RoundToTick(x).
func RoundToTick(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	d := decimal.NewFromFloat(price)
	step := decimal.NewFromFloat(tickSize)
	snapped := d.DivRound(step, 12).Round(0).Mul(step)
	f, _ := snapped.Float64()
	return f
}

// SnapToTick snaps SL, TP1, TP2 to tick_size before sizing, per spec.md §3's
// invariant that the size must match the distance the exchange will enforce.
func SnapToTick(s Signal, tickSize float64) Signal {
	out := s
	out.StopLoss = RoundToTick(s.StopLoss, tickSize)
	out.TakeProfit1 = RoundToTick(s.TakeProfit1, tickSize)
	out.TakeProfit2 = RoundToTick(s.TakeProfit2, tickSize)
	return out
}

// floorToStep rounds qty down to the nearest multiple of step using decimal
// arithmetic to avoid float accumulation error across repeated snaps.
func floorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	floored := q.DivRound(s, 12).Floor().Mul(s)
	f, _ := floored.Float64()
	if f < 0 {
		return 0
	}
	return f
}

// PositionSize computes size per spec.md §4.E:
//
//	raw = min(balance*max_risk_per_trade_pct, remaining_daily_budget) / |entry-stop|
//	size = floor(raw/qty_step) * qty_step
//
// risk_amount on the returned Signal is always computed AFTER sizing
// (size * |entry-stop|), per spec.md §9/§12's resolution of the source's
// inconsistent ordering.
func PositionSize(s Signal, metrics Metrics, params SymbolParams) Signal {
	out := s
	dist := math.Abs(s.EntryPrice - s.StopLoss)
	if dist <= 0 {
		out.PositionSize = 0
		out.RiskAmount = 0
		return out
	}

	budget := math.Min(metrics.AccountBalance*metrics.MaxRiskPerTrade, metrics.RemainingDailyBudget())
	raw := budget / dist
	size := floorToStep(raw, params.QtyStep)

	out.PositionSize = size
	out.RiskAmount = size * dist
	return out
}

// Reason names why a Signal failed Validate, per spec.md §7.
type Reason string

const (
	ReasonOK                    Reason = ""
	ReasonZeroSize              Reason = "zero size"
	ReasonBelowMinNotional      Reason = "notional below minimum"
	ReasonTradingDisabled       Reason = "trading disabled"
	ReasonEquityBelowFloor      Reason = "equity below floor"
	ReasonRiskExceedsCap        Reason = "risk exceeds per-trade cap"
	ReasonDailyBudgetExhausted  Reason = "daily budget exhausted"
	ReasonDirectionInconsistent Reason = "SL/TP direction inconsistent with side"
)

const validateEpsilon = 1e-9

// Validate checks a fully-built Signal against Metrics and returns
// (ReasonOK, true) if it may be placed, or the first failing reason
// otherwise. Checks run in this order: trading allowed (reported as equity
// below floor when that is the cause), zero size, minimum notional, SL/TP
// direction, per-trade risk cap, remaining daily budget.
func Validate(s Signal, metrics Metrics) (Reason, bool) {
	if !metrics.TradingAllowed() {
		if metrics.CurrentEquity < metrics.AccountBalance*equityFloorPct {
			return ReasonEquityBelowFloor, false
		}
		return ReasonTradingDisabled, false
	}
	if s.PositionSize <= 0 {
		return ReasonZeroSize, false
	}
	if s.PositionSize*s.EntryPrice < MinOrderNotional {
		return ReasonBelowMinNotional, false
	}
	if s.Side == Buy {
		if !(s.StopLoss < s.EntryPrice && s.EntryPrice < s.TakeProfit1) {
			return ReasonDirectionInconsistent, false
		}
	} else {
		if !(s.TakeProfit1 < s.EntryPrice && s.EntryPrice < s.StopLoss) {
			return ReasonDirectionInconsistent, false
		}
	}
	if s.RiskAmount > metrics.AccountBalance*metrics.MaxRiskPerTrade+validateEpsilon {
		return ReasonRiskExceedsCap, false
	}
	if s.RiskAmount > metrics.RemainingDailyBudget()+validateEpsilon {
		return ReasonDailyBudgetExhausted, false
	}
	return ReasonOK, true
}

// UpdatePnL recomputes unrealized PnL and the running max favorable
// excursion for an open position, per spec.md §4.E.
func UpdatePnL(side Side, entryPrice, markPrice, size, maxFavorableExcursion float64) (unrealizedPnL, newMFE float64) {
	sign := 1.0
	if side == Sell {
		sign = -1.0
	}
	unrealizedPnL = (markPrice - entryPrice) * size * sign
	newMFE = math.Max(maxFavorableExcursion, unrealizedPnL)
	return unrealizedPnL, newMFE
}
