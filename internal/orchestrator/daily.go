package orchestrator

import (
	"fmt"
	"time"
)

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// maybeEmitStatus sends the periodic per-symbol status line every
// cfg.StatusInterval (default 5 minutes), per spec.md §4.F/§4.G.
func (o *Orchestrator) maybeEmitStatus(now time.Time) {
	interval := o.cfg.StatusInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if !o.lastStatusEmit.IsZero() && now.Sub(o.lastStatusEmit) < interval {
		return
	}
	o.lastStatusEmit = now

	lines := make([]string, 0, len(o.positions)+1)
	lines = append(lines, fmt.Sprintf("equity %.2f  daily pnl %.2f  trades %d/%d",
		o.metrics.CurrentEquity, o.metrics.DailyPnL, o.metrics.WinsToday, o.metrics.TradesToday))
	for symbol, pos := range o.positions {
		lines = append(lines, fmt.Sprintf("%s: size %.6f entry %.4f pnl %.2f", symbol, pos.Size, pos.EntryPrice, pos.UnrealizedPnL))
	}
	o.notifier.Status(lines)
}

// maybeDailyReset resets Risk Metrics' daily counters at the first cycle
// that crosses UTC midnight, per spec.md §4.F, and records the prior day's
// equity into the rolling equity curve used for the DailySummary's
// max-drawdown line.
func (o *Orchestrator) maybeDailyReset(now time.Time) {
	today := now.UTC().Format("2006-01-02")
	if today == o.lastResetDate {
		return
	}

	trades := o.metrics.TradesToday
	wins := o.metrics.WinsToday
	dailyPnL := o.metrics.DailyPnL
	maxDrawdown := o.maxDrawdown()
	o.notifier.DailySummary(dailyPnL, trades, wins, maxDrawdown)

	o.equityCurve = append(o.equityCurve, o.metrics.CurrentEquity)
	o.metrics.AccountBalance = o.metrics.CurrentEquity
	o.metrics.MaxDailyLoss = o.metrics.AccountBalance * o.maxDailyLossPct
	o.metrics.DailyPnL = 0
	o.metrics.TradesToday = 0
	o.metrics.WinsToday = 0
	o.metrics.TradingEnabled = true
	o.lastResetDate = today
}

// maxDrawdown computes the largest peak-to-trough drop across the recorded
// equity curve, supplemented from the source's own daily accounting to
// give the DailySummary notification a drawdown figure (spec.md §7's
// "supplemented features" allowance).
func (o *Orchestrator) maxDrawdown() float64 {
	if len(o.equityCurve) == 0 {
		return 0
	}
	peak := o.equityCurve[0]
	maxDD := 0.0
	for _, v := range o.equityCurve {
		if v > peak {
			peak = v
		}
		if dd := peak - v; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// enforceDrawdownCutoff disables trading for the rest of the day once the
// Risk Metrics themselves report trading as disallowed, and sends a single
// RiskAlert for the transition (not on every cycle), per spec.md §4.F.7.
func (o *Orchestrator) enforceDrawdownCutoff(now time.Time) {
	wasEnabled := o.metrics.TradingEnabled
	allowed := o.metrics.TradingAllowed()
	if !allowed && wasEnabled {
		o.metrics.TradingEnabled = false
		o.notifier.RiskAlert("*", "drawdown cutoff: trading disabled for remainder of day")
	}
}
