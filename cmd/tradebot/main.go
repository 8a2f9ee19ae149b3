// Command tradebot is the engine's process entrypoint, grounded on the
// teacher's cmd/bot/main.go top-level wiring: build the WebSocket listener,
// prefetch enough REST history to prime it, then run the control loop
// until SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fvg-engine/perpetual-trader/internal/candlestore"
	"github.com/fvg-engine/perpetual-trader/internal/config"
	"github.com/fvg-engine/perpetual-trader/internal/exchange"
	"github.com/fvg-engine/perpetual-trader/internal/feed"
	"github.com/fvg-engine/perpetual-trader/internal/notifier"
	"github.com/fvg-engine/perpetual-trader/internal/orchestrator"
	"github.com/fvg-engine/perpetual-trader/internal/risk"
	"github.com/fvg-engine/perpetual-trader/pkg"
)

func main() {
	log := pkg.SetupLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log); err != nil {
		log.Error("tradebot: exiting", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	store := candlestore.New()
	ex := exchange.New(cfg.Exchange.BaseURL, cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.Quote, log)
	notif := notifier.New("", cfg.Telegram.Token, cfg.Telegram.ChatID, log)

	timeframes := []string{cfg.Trading.EntryTimeframe, cfg.Trading.StructureTimeframe, cfg.Trading.BiasTimeframe}
	feed.Prefetch(ctx, ex, store, cfg.Trading.Symbols, timeframes, log)

	marketFeed := feed.New(cfg.Exchange.WSURL, cfg.Trading.Symbols, timeframes, store, log)
	go func() {
		if err := marketFeed.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("tradebot: market feed stopped", "error", err)
		}
	}()

	if cfg.Trading.EnablePrivateFeed {
		updates := make(chan feed.PositionUpdate, 64)
		privateFeed := feed.NewPrivateFeed(cfg.Exchange.PrivateWS, cfg.Exchange.APIKey, cfg.Exchange.APISecret, updates, log)
		go func() {
			if err := privateFeed.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("tradebot: private feed stopped", "error", err)
			}
		}()
		go drainPositionUpdates(ctx, updates, log)
	}

	symbolParams := make(map[string]risk.SymbolParams, len(cfg.Trading.Symbols))
	for _, symbol := range cfg.Trading.Symbols {
		symbolParams[symbol] = risk.SymbolParams{
			MinGapPct:       cfg.Trading.MinGapPct,
			MinVolMult:      cfg.Trading.MinVolMult,
			FVGLookback:     cfg.Trading.FVGLookback,
			SLATRMult:       cfg.Trading.SLATRMult,
			TPMult:          cfg.Trading.TPMult,
			TimeStopCandles: cfg.Trading.TimeStopCandles,
			QtyStep:         cfg.Trading.QtyStep,
			TickSize:        cfg.Trading.TickSize,
		}
	}

	orchCfg := orchestrator.Config{
		Symbols:            cfg.Trading.Symbols,
		SymbolParams:       symbolParams,
		EntryTimeframe:     cfg.Trading.EntryTimeframe,
		StructureTimeframe: cfg.Trading.StructureTimeframe,
		BiasTimeframe:      cfg.Trading.BiasTimeframe,
		MaxOpenPositions:   cfg.Trading.MaxOpenPositions,
		CycleInterval:      time.Duration(cfg.Trading.CycleInterval) * time.Second,
		StatusInterval:     5 * time.Minute,
		UseBollinger:       cfg.Trading.UseBollinger,
	}
	orch := orchestrator.New(orchCfg, store, ex, notif, cfg.Trading.AccountBalance, cfg.Trading.MaxRiskPerTrade, cfg.Trading.MaxDailyLossPct)

	log.Info("tradebot: starting", "symbols", cfg.Trading.Symbols, "cycle_interval", orchCfg.CycleInterval)
	return orch.Run(ctx, log)
}

// drainPositionUpdates logs authenticated fill notifications; nothing in
// the control loop currently consumes Position.ActualEntry/ActualExit
// beyond what the REST position snapshot already provides, so this is a
// passive observability tap rather than a feed into the Orchestrator.
func drainPositionUpdates(ctx context.Context, updates <-chan feed.PositionUpdate, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			log.Info("tradebot: fill observed", "symbol", u.Symbol, "price", u.FillPrice)
		}
	}
}
