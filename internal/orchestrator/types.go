// Package orchestrator is the single-threaded control loop of spec.md §4.F:
// per 60s cycle it snapshots candles, manages open positions, detects new
// signals, places orders one at a time, enforces global caps, reconciles
// against the exchange, and handles the daily reset. Grounded on the
// teacher's cmd/bot/main.go top-level control flow and
// internal/trade/check_pnl.go daily accounting, generalized from a single
// symbol to the multi-symbol, multi-timeframe pipeline spec.md describes.
package orchestrator

import (
	"context"
	"time"

	"github.com/fvg-engine/perpetual-trader/internal/candlestore"
	"github.com/fvg-engine/perpetual-trader/internal/exchange"
	"github.com/fvg-engine/perpetual-trader/internal/risk"
)

// Position is the spec.md §3 Position record, owned exclusively by the
// Orchestrator goroutine.
type Position struct {
	Symbol                 string
	Side                   risk.Side
	EntryPrice             float64
	EntryTime              time.Time
	Size                   float64
	StopLoss               float64
	TakeProfit1            float64
	TakeProfit2            float64
	UnrealizedPnL          float64
	OrderID                string
	ActualEntry            *float64
	ActualExit             *float64
	MaxFavorableExcursion  float64

	// ClosedReason/ClosedAt are set on close, just before the position is
	// removed from the local map; nothing reads them afterwards, and they
	// are never persisted (spec.md §1 non-goal: no DB).
	ClosedReason string
	ClosedAt     time.Time
}

// ExchangeClient is the subset of internal/exchange.Client the Orchestrator
// depends on, narrowed to an interface so tests can substitute a fake.
type ExchangeClient interface {
	PlaceMarketOrder(ctx context.Context, symbol string, side exchange.Side, qty, stopLoss, takeProfit, qtyStep, tickSize float64) (exchange.OrderAck, error)
	ClosePosition(ctx context.Context, symbol string, side exchange.Side, qty, qtyStep float64) (exchange.OrderAck, error)
	GetAllOpenPositions(ctx context.Context) (map[string]exchange.OpenPosition, error)
}

// CandleSource is the read side of the Candle Store the Orchestrator
// depends on.
type CandleSource interface {
	Snapshot() map[candlestore.Key][]candlestore.Candle
}

// Notifier is the subset of internal/notifier.Telegram the Orchestrator
// depends on.
type Notifier interface {
	Start(symbols []string)
	TradeOpen(symbol, side string, entry, sl, tp1, size float64)
	TradeClose(symbol, reason string, pnl float64)
	ManualClose(symbol string, estimatedPnL float64)
	Status(lines []string)
	DailySummary(dailyPnL float64, trades, wins int, maxDrawdown float64)
	RiskAlert(symbol, reason string)
}

// Config carries the trading knobs the Orchestrator needs.
type Config struct {
	Symbols            []string
	SymbolParams       map[string]risk.SymbolParams
	EntryTimeframe     string
	StructureTimeframe string
	BiasTimeframe      string
	MaxOpenPositions   int
	CycleInterval      time.Duration
	StatusInterval     time.Duration
	UseBollinger       bool
}

// Orchestrator is the single-threaded cooperative loop owner of Risk
// Metrics and the local Positions map, per spec.md §5 / §9.
type Orchestrator struct {
	cfg       Config
	candles   CandleSource
	exchange  ExchangeClient
	notifier  Notifier
	clock     func() time.Time

	metrics         risk.Metrics
	maxDailyLossPct float64
	positions       map[string]*Position

	lastStatusEmit time.Time
	lastResetDate  string // "2006-01-02" in UTC
	equityCurve    []float64
}

// New builds an Orchestrator. initialBalance seeds Risk Metrics at startup
// from config, per spec.md §3's lifecycle rule.
func New(cfg Config, candles CandleSource, ex ExchangeClient, notif Notifier, initialBalance, maxRiskPerTrade, maxDailyLossPct float64) *Orchestrator {
	now := time.Now
	o := &Orchestrator{
		cfg:      cfg,
		candles:  candles,
		exchange: ex,
		notifier: notif,
		clock:    now,
		metrics: risk.Metrics{
			AccountBalance:  initialBalance,
			CurrentEquity:   initialBalance,
			MaxDailyLoss:    initialBalance * maxDailyLossPct,
			MaxRiskPerTrade: maxRiskPerTrade,
			TradingEnabled:  true,
		},
		maxDailyLossPct: maxDailyLossPct,
		positions:       make(map[string]*Position),
		lastResetDate: now().UTC().Format("2006-01-02"),
		equityCurve:   []float64{initialBalance},
	}
	return o
}

// Metrics returns a copy of the current Risk Metrics, for observability.
func (o *Orchestrator) Metrics() risk.Metrics { return o.metrics }

// Positions returns a copy of the current local positions keyed by symbol.
func (o *Orchestrator) Positions() map[string]Position {
	out := make(map[string]Position, len(o.positions))
	for k, v := range o.positions {
		out[k] = *v
	}
	return out
}
