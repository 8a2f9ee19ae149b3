// Package notifier is the one-way outbound Notifier of spec.md §4.G: a
// fire-and-forget Telegram sendMessage POST per call, non-2xx logged only.
// Grounded on the teacher's internal/notifier/discord.go webhook client,
// adapted from Discord's webhook+multipart split to Telegram's single
// chat_id/sendMessage endpoint (spec.md §6).
package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Telegram is the outbound channel. One chat id per spec.md §6.
type Telegram struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
	log     *slog.Logger
}

// New builds a Telegram notifier. apiBase defaults to the public Bot API
// when empty, overridable for tests.
func New(apiBase, token, chatID string, log *slog.Logger) *Telegram {
	if apiBase == "" {
		apiBase = "https://api.telegram.org"
	}
	return &Telegram{
		apiBase: apiBase,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// send performs one POST and ignores non-success responses beyond logging,
// per spec.md §4.G.
func (t *Telegram) send(text string) {
	if t.token == "" || t.chatID == "" {
		return
	}
	body, err := json.Marshal(sendMessageRequest{ChatID: t.chatID, Text: text, ParseMode: "HTML"})
	if err != nil {
		t.log.Warn("notifier: marshal failed", "error", err)
		return
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	resp, err := t.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.log.Warn("notifier: send failed", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.log.Warn("notifier: non-success response", "status", resp.StatusCode)
	}
}

// Start announces process startup.
func (t *Telegram) Start(symbols []string) {
	t.send(fmt.Sprintf("<b>Engine started</b>\nSymbols: %v", symbols))
}

// TradeOpen announces a newly opened position.
func (t *Telegram) TradeOpen(symbol, side string, entry, sl, tp1, size float64) {
	t.send(fmt.Sprintf(
		"<b>Opened %s</b> %s\nEntry: %.6f\nSL: %.6f\nTP1: %.6f\nSize: %.6f",
		symbol, side, entry, sl, tp1, size,
	))
}

// TradeClose announces a closed position (SL/TP/time-stop).
func (t *Telegram) TradeClose(symbol, reason string, pnl float64) {
	t.send(fmt.Sprintf("<b>Closed %s</b>\nReason: %s\nPnL: %.2f", symbol, reason, pnl))
}

// ManualClose announces a position found closed externally (not by this
// engine).
func (t *Telegram) ManualClose(symbol string, estimatedPnL float64) {
	t.send(fmt.Sprintf("<b>Manual close detected</b> %s\nEstimated PnL: %.2f", symbol, estimatedPnL))
}

// Status emits the periodic per-symbol state aggregate.
func (t *Telegram) Status(lines []string) {
	text := "<b>Status</b>\n"
	for _, l := range lines {
		text += l + "\n"
	}
	t.send(text)
}

// DailySummary emits the end-of-day aggregate.
func (t *Telegram) DailySummary(dailyPnL float64, trades, wins int, maxDrawdown float64) {
	t.send(fmt.Sprintf(
		"<b>Daily summary</b>\nPnL: %.2f\nTrades: %d\nWins: %d\nMax drawdown: %.2f",
		dailyPnL, trades, wins, maxDrawdown,
	))
}

// RiskAlert announces an order failure or the drawdown cutoff.
func (t *Telegram) RiskAlert(symbol, reason string) {
	t.send(fmt.Sprintf("<b>Risk alert</b> %s\n%s", symbol, reason))
}
