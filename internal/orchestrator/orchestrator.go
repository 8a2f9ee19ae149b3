package orchestrator

import (
	"context"
	"log/slog"
	"time"
)

// Run drives the cooperative loop per spec.md §4.F: Reconcile once at
// startup, then RunCycle every cfg.CycleInterval until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, log *slog.Logger) error {
	if err := o.Reconcile(ctx, log); err != nil {
		log.Error("orchestrator: startup reconciliation failed", "error", err)
		return err
	}
	o.notifier.Start(o.cfg.Symbols)

	interval := o.cfg.CycleInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.RunCycle(ctx, log)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.RunCycle(ctx, log)
		}
	}
}

// RunCycle executes one full 60s cycle per spec.md §4.F:
//  1. snapshot candles
//  2. fetch exchange open positions once (used both for manual-close
//     detection and the pre-placement cap check)
//  3. manage every locally tracked position (time-stop, manual close, PnL)
//  4. evaluate new entries for symbols without a position, up to the
//     global cap
//  5. place validated signals
//  6. periodic status emission
//  7. daily reset / drawdown cutoff
func (o *Orchestrator) RunCycle(ctx context.Context, log *slog.Logger) {
	now := o.clock()
	snapshot := o.candles.Snapshot()

	exchangePositions, err := o.exchange.GetAllOpenPositions(ctx)
	if err != nil {
		log.Warn("orchestrator: get_all_open_positions failed, skipping cycle", "error", err)
		return
	}

	o.manageExisting(ctx, log, snapshot, exchangePositions, now)
	o.evaluateEntries(ctx, log, snapshot, exchangePositions, now)

	o.maybeEmitStatus(now)
	o.maybeDailyReset(now)
	o.enforceDrawdownCutoff(now)
}
