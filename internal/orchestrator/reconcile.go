package orchestrator

import (
	"context"
	"log/slog"

	"github.com/fvg-engine/perpetual-trader/internal/risk"
)

const (
	orphanStopLossPct   = 0.05
	orphanTakeProfitPct = 0.10
)

// Reconcile runs once at process startup, per spec.md §4.F: every position
// the exchange currently reports becomes a local Position (an "orphan
// import"), synthesizing SL/TP from a flat percentage of entry price when
// the exchange order itself carries none, so time-stop and PnL tracking
// still apply to positions opened by a prior run or by hand.
func (o *Orchestrator) Reconcile(ctx context.Context, log *slog.Logger) error {
	exchangePositions, err := o.exchange.GetAllOpenPositions(ctx)
	if err != nil {
		return err
	}

	now := o.clock()
	for symbol, exch := range exchangePositions {
		side := fromExchangeSide(exch.Side)
		pos := &Position{
			Symbol:     symbol,
			Side:       side,
			EntryPrice: exch.AvgPrice,
			EntryTime:  now,
			Size:       exch.Size,
			StopLoss:   exch.StopLoss,
			TakeProfit1: exch.TakeProfit,
		}
		if exch.CreatedTime > 0 {
			pos.EntryTime = msToTime(exch.CreatedTime)
		}
		if pos.StopLoss == 0 {
			pos.StopLoss = synthesizeStop(side, exch.AvgPrice, orphanStopLossPct)
		}
		if pos.TakeProfit1 == 0 {
			pos.TakeProfit1 = synthesizeStop(side, exch.AvgPrice, -orphanTakeProfitPct)
			pos.TakeProfit2 = pos.TakeProfit1
		}

		log.Info("orchestrator: reconciled orphan position", "symbol", symbol, "side", side, "size", pos.Size, "entry", pos.EntryPrice)
		o.positions[symbol] = pos
	}
	return nil
}

// synthesizeStop offsets entryPrice by pct against side (pct negative moves
// the offset in the profit direction instead), used only when the exchange
// itself carries no SL/TP on an imported position.
func synthesizeStop(side risk.Side, entryPrice, pct float64) float64 {
	if side == risk.Buy {
		return entryPrice * (1 - pct)
	}
	return entryPrice * (1 + pct)
}
