package feed

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// PositionUpdate carries a best-effort actual fill price observed on the
// optional authenticated stream, per spec.md §4.B/§6. Nothing in
// SPEC_FULL's orchestrator depends on this stream being enabled. Updates
// are only published on the channel; nothing writes them into
// Position.ActualEntry/ActualExit.
type PositionUpdate struct {
	Symbol     string
	FillPrice  float64
	IsEntry    bool
	ObservedAt time.Time
}

// PrivateFeed is the optional authenticated execution/order/position
// stream of spec.md §6, sharing the public Feed's connect-subscribe-
// reconnect lifecycle. Unlike the public Feed it sends no keepalive ping.
type PrivateFeed struct {
	wsURL     string
	apiKey    string
	apiSecret string
	updates   chan<- PositionUpdate
	log       *slog.Logger
	dialer    *websocket.Dialer
}

// NewPrivateFeed builds a PrivateFeed that publishes fills onto updates.
func NewPrivateFeed(wsURL, apiKey, apiSecret string, updates chan<- PositionUpdate, log *slog.Logger) *PrivateFeed {
	return &PrivateFeed{wsURL: wsURL, apiKey: apiKey, apiSecret: apiSecret, updates: updates, log: log, dialer: websocket.DefaultDialer}
}

type authMessage struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

func (f *PrivateFeed) authArgs() []string {
	expires := time.Now().Add(pingInterval).UnixMilli()
	payload := fmt.Sprintf("GET/realtime%d", expires)
	mac := hmac.New(sha256.New, []byte(f.apiSecret))
	mac.Write([]byte(payload))
	sig := hex.EncodeToString(mac.Sum(nil))
	return []string{f.apiKey, fmt.Sprintf("%d", expires), sig}
}

// Run mirrors Feed.Run's reconnect loop but authenticates before
// subscribing to execution/order/position topics.
func (f *PrivateFeed) Run(ctx context.Context) error {
	backoff := backoffStart
	attempts := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, _, err := f.dialer.DialContext(ctx, f.wsURL, nil)
		if err != nil {
			attempts++
			if attempts >= maxReconnects {
				return fmt.Errorf("private feed: exhausted %d reconnect attempts: %w", maxReconnects, err)
			}
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}

		attempts = 0
		backoff = backoffStart

		if err := conn.WriteJSON(authMessage{Op: "auth", Args: f.authArgs()}); err != nil {
			conn.Close()
			continue
		}
		if err := conn.WriteJSON(authMessage{Op: "subscribe", Args: []string{"execution", "order", "position"}}); err != nil {
			conn.Close()
			continue
		}

		f.readLoop(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !sleepCtx(ctx, backoffStart) {
			return ctx.Err()
		}
	}
}

type executionMessage struct {
	Topic string `json:"topic"`
	Data  []struct {
		Symbol    string      `json:"symbol"`
		ExecPrice json.Number `json:"execPrice"`
		Side      string      `json:"side"`
	} `json:"data"`
}

func (f *PrivateFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			f.log.Warn("private feed read error", "error", err)
			return
		}
		var msg executionMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Topic != "execution" {
			continue
		}
		for _, d := range msg.Data {
			price, _ := d.ExecPrice.Float64()
			select {
			case f.updates <- PositionUpdate{Symbol: d.Symbol, FillPrice: price, ObservedAt: time.Now()}:
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}
