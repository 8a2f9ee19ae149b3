package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/fvg-engine/perpetual-trader/internal/candlestore"
	"github.com/fvg-engine/perpetual-trader/internal/exchange"
	"github.com/fvg-engine/perpetual-trader/internal/indicator"
	"github.com/fvg-engine/perpetual-trader/internal/risk"
)

// timeframeMinutes maps the exchange's interval strings to a duration, per
// the kline topic naming of spec.md §6.
func timeframeMinutes(tf string) time.Duration {
	switch tf {
	case "15":
		return 15 * time.Minute
	case "60":
		return time.Hour
	case "240":
		return 4 * time.Hour
	default:
		return 15 * time.Minute
	}
}

func toExchangeSide(s risk.Side) exchange.Side {
	if s == risk.Sell {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

func fromExchangeSide(s exchange.Side) risk.Side {
	if s == exchange.SideSell {
		return risk.Sell
	}
	return risk.Buy
}

// manageExisting walks every locally tracked position: detects a close
// (by our own SL/TP, by a manual intervention, or by our own time-stop
// order) and otherwise refreshes unrealized PnL against the latest entry
// timeframe close, per spec.md §4.F.
func (o *Orchestrator) manageExisting(ctx context.Context, log *slog.Logger, snapshot map[candlestore.Key][]candlestore.Candle, exchangePositions map[string]exchange.OpenPosition, now time.Time) {
	for symbol, pos := range o.positions {
		entryKey := candlestore.Key{Symbol: symbol, Timeframe: o.cfg.EntryTimeframe}
		candles := snapshot[entryKey]
		var lastClose, lastLow, lastHigh float64
		if n := len(candles); n > 0 {
			lastClose = candles[n-1].Close
			lastLow = candles[n-1].Low
			lastHigh = candles[n-1].High
		} else {
			lastClose, lastLow, lastHigh = pos.EntryPrice, pos.EntryPrice, pos.EntryPrice
		}

		exch, stillOpen := exchangePositions[symbol]
		if !stillOpen {
			// The exit price is an estimate from the last PnL refresh
			// (entry + unrealized_pnl/size * side sign), not an actual fill.
			exitPrice := pos.EntryPrice
			if pos.Size > 0 {
				sign := 1.0
				if pos.Side == risk.Sell {
					sign = -1.0
				}
				exitPrice = pos.EntryPrice + pos.UnrealizedPnL/pos.Size*sign
			}
			o.closePositionLocally(symbol, pos, exitPrice, now, classifyExternalClose(pos, lastLow, lastHigh))
			continue
		}

		if mismatchedSize(exch.Size, pos.Size) {
			log.Warn("orchestrator: exchange size mismatch, adopting exchange size", "symbol", symbol, "local_size", pos.Size, "exchange_size", exch.Size)
			pos.Size = exch.Size
		}

		unrealized, mfe := risk.UpdatePnL(pos.Side, pos.EntryPrice, lastClose, pos.Size, pos.MaxFavorableExcursion)
		pos.UnrealizedPnL = unrealized
		pos.MaxFavorableExcursion = mfe

		params := o.cfg.SymbolParams[symbol]

		if reason, exitPrice, hit := slTPHit(pos, lastLow, lastHigh); hit {
			_, err := o.exchange.ClosePosition(ctx, symbol, toExchangeSide(pos.Side), pos.Size, params.QtyStep)
			if err != nil {
				log.Warn("orchestrator: sl/tp close failed", "symbol", symbol, "error", err)
				o.positions[symbol] = pos
				continue
			}
			o.closePositionLocally(symbol, pos, exitPrice, now, reason)
			continue
		}

		// time_stop_candles counts 4h candles, whatever the entry timeframe.
		if timeStopElapsed(pos.EntryTime, now, "240", params.TimeStopCandles) {
			_, err := o.exchange.ClosePosition(ctx, symbol, toExchangeSide(pos.Side), pos.Size, params.QtyStep)
			if err != nil {
				log.Warn("orchestrator: time-stop close failed", "symbol", symbol, "error", err)
				o.positions[symbol] = pos
				continue
			}
			o.closePositionLocally(symbol, pos, lastClose, now, "Time stop")
			continue
		}

		o.positions[symbol] = pos
	}
}

// slTPHit evaluates the latest entry-timeframe candle's low/high against the
// position's SL/TP1 levels, per spec.md §4.F step 3 ("evaluate SL/TP hits
// using the latest entry-timeframe candle's low/high"). SL is checked before
// TP1 so a candle that spans both levels is booked as the loss.
func slTPHit(pos *Position, low, high float64) (reason string, exitPrice float64, hit bool) {
	if pos.Side == risk.Buy {
		if low <= pos.StopLoss {
			return "Stop-loss hit", pos.StopLoss, true
		}
		if high >= pos.TakeProfit1 {
			return "TP1 reached", pos.TakeProfit1, true
		}
		return "", 0, false
	}
	if high >= pos.StopLoss {
		return "Stop-loss hit", pos.StopLoss, true
	}
	if low <= pos.TakeProfit1 {
		return "TP1 reached", pos.TakeProfit1, true
	}
	return "", 0, false
}

// mismatchedSize reports whether the exchange and local size diverge by
// more than the spec.md §4.F reconciliation threshold.
func mismatchedSize(exchangeSize, localSize float64) bool {
	d := exchangeSize - localSize
	if d < 0 {
		d = -d
	}
	return d > 0.001
}

// timeStopElapsed reports whether timeStopCandles candles of candleTimeframe
// have elapsed since entryTime, per spec.md §4.E.
func timeStopElapsed(entryTime, now time.Time, candleTimeframe string, timeStopCandles int) bool {
	if timeStopCandles <= 0 {
		return false
	}
	limit := timeframeMinutes(candleTimeframe) * time.Duration(timeStopCandles)
	return now.Sub(entryTime) >= limit
}

// classifyExternalClose names the close reason when the exchange no longer
// reports the position and our own active SL/TP check (which would have
// caught the common case) didn't fire this cycle: a candle that spans
// beyond SL/TP is attributed to the attached order firing, anything else is
// reported as a manual close, per the "manual-close estimate kept as-is"
// decision.
func classifyExternalClose(pos *Position, lastLow, lastHigh float64) string {
	if reason, _, hit := slTPHit(pos, lastLow, lastHigh); hit {
		return reason
	}
	return "Manual close detected"
}

// closePositionLocally removes the position, books its realized PnL into
// the daily Risk Metrics, and notifies, per spec.md §4.E/§4.F.
func (o *Orchestrator) closePositionLocally(symbol string, pos *Position, exitPrice float64, now time.Time, reason string) {
	pnl, _ := risk.UpdatePnL(pos.Side, pos.EntryPrice, exitPrice, pos.Size, pos.MaxFavorableExcursion)
	pos.ActualExit = &exitPrice
	pos.ClosedReason = reason
	pos.ClosedAt = now

	o.metrics.DailyPnL += pnl
	o.metrics.CurrentEquity += pnl
	if pnl > 0 {
		o.metrics.WinsToday++
	}

	delete(o.positions, symbol)

	if reason == "Manual close detected" {
		o.notifier.ManualClose(symbol, pnl)
	} else {
		o.notifier.TradeClose(symbol, reason, pnl)
	}
}

// evaluateEntries scans every symbol without a local position for a
// confirmed FVG signal and, if one validates, places it — bounded by
// MaxOpenPositions and a final check against the exchange's own view of
// open positions (spec.md §4.F's race-safety rule).
func (o *Orchestrator) evaluateEntries(ctx context.Context, log *slog.Logger, snapshot map[candlestore.Key][]candlestore.Candle, exchangePositions map[string]exchange.OpenPosition, now time.Time) {
	capacity := o.cfg.MaxOpenPositions - len(o.positions)
	if capacity <= 0 || len(exchangePositions) >= o.cfg.MaxOpenPositions {
		return
	}

	for _, symbol := range o.cfg.Symbols {
		if capacity <= 0 {
			return
		}
		if _, open := o.positions[symbol]; open {
			continue
		}
		if _, open := exchangePositions[symbol]; open {
			continue
		}
		if !o.metrics.TradingAllowed() {
			continue
		}

		params, ok := o.cfg.SymbolParams[symbol]
		if !ok {
			continue
		}

		sig, ok := o.buildSignal(symbol, snapshot, params, now)
		if !ok {
			continue
		}

		reason, valid := risk.Validate(sig, o.metrics)
		if !valid {
			log.Info("orchestrator: signal rejected", "symbol", symbol, "reason", reason)
			if reason == risk.ReasonRiskExceedsCap || reason == risk.ReasonDailyBudgetExhausted {
				o.notifier.RiskAlert(symbol, string(reason))
			}
			continue
		}

		ack, err := o.exchange.PlaceMarketOrder(ctx, symbol, toExchangeSide(sig.Side), sig.PositionSize, sig.StopLoss, sig.TakeProfit1, params.QtyStep, params.TickSize)
		if err != nil {
			log.Warn("orchestrator: place order failed", "symbol", symbol, "error", err)
			o.notifier.RiskAlert(symbol, "order failed: "+err.Error())
			continue
		}

		o.positions[symbol] = &Position{
			Symbol:      symbol,
			Side:        sig.Side,
			EntryPrice:  sig.EntryPrice,
			EntryTime:   now,
			Size:        sig.PositionSize,
			StopLoss:    sig.StopLoss,
			TakeProfit1: sig.TakeProfit1,
			TakeProfit2: sig.TakeProfit2,
			OrderID:     ack.OrderID,
		}
		o.metrics.TradesToday++
		capacity--

		sideStr := "Buy"
		if sig.Side == risk.Sell {
			sideStr = "Sell"
		}
		o.notifier.TradeOpen(symbol, sideStr, sig.EntryPrice, sig.StopLoss, sig.TakeProfit1, sig.PositionSize)
	}
}

// buildSignal runs the detect -> SL -> TP -> snap -> size pipeline of
// spec.md §4.D/§4.E for one symbol, returning false when the higher
// timeframes don't line up or no confirmed zone exists.
func (o *Orchestrator) buildSignal(symbol string, snapshot map[candlestore.Key][]candlestore.Candle, params risk.SymbolParams, now time.Time) (risk.Signal, bool) {
	biasCandles := snapshot[candlestore.Key{Symbol: symbol, Timeframe: o.cfg.BiasTimeframe}]
	bias := indicator.Bias(biasCandles)
	if bias == indicator.Neutral {
		return risk.Signal{}, false
	}

	structureCandles := snapshot[candlestore.Key{Symbol: symbol, Timeframe: o.cfg.StructureTimeframe}]
	if !indicator.BreakOfStructure(structureCandles, bias) {
		return risk.Signal{}, false
	}

	entryCandles := snapshot[candlestore.Key{Symbol: symbol, Timeframe: o.cfg.EntryTimeframe}]
	if len(entryCandles) == 0 {
		return risk.Signal{}, false
	}

	var bb *indicator.Bollinger
	if o.cfg.UseBollinger {
		if b, ok := indicator.BollingerBands(entryCandles); ok {
			bb = &b
		}
	}

	zone, ok := indicator.DetectConfirmedFVG(entryCandles, params.FVGLookback, params.MinGapPct, params.MinVolMult, bias, bb)
	if !ok {
		return risk.Signal{}, false
	}

	atr, ok := indicator.ATR(entryCandles, 14)
	if !ok {
		return risk.Signal{}, false
	}

	side := risk.Buy
	if zone.Direction == indicator.Bearish {
		side = risk.Sell
	}
	entryPrice := entryCandles[len(entryCandles)-1].Close

	sig := risk.NewSignal(side, zone, entryPrice, now.UnixMilli())
	sig = risk.SetStopLoss(sig, atr, params, bb)
	sig = risk.SetTakeProfits(sig, params, bb)
	sig = risk.SnapToTick(sig, params.TickSize)
	sig = risk.PositionSize(sig, o.metrics, params)
	return sig, true
}
