// Package feed is the Market Feed of spec.md §4.B: a single streaming
// connection subscribing to every (symbol, timeframe) tuple, deduplicating
// in-progress candle updates into the Candle Store, and auto-reconnecting
// with exponential backoff. Grounded on the teacher's
// internal/market/streamer.go connect-read-reconnect loop, generalized from
// one symbol/interval to a batched multi-subscription topic stream.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fvg-engine/perpetual-trader/internal/candlestore"
)

const (
	subscribeBatchSize = 10
	pingInterval       = 20 * time.Second
	backoffStart       = 5 * time.Second
	backoffCap         = 300 * time.Second
	maxReconnects      = 20
)

// Appender is the write side of the Candle Store the Feed depends on.
type Appender interface {
	AppendOrReplace(key candlestore.Key, c candlestore.Candle)
}

// Feed owns the public streaming connection.
type Feed struct {
	wsURL   string
	symbols []string
	// Timeframes uses the exchange's own interval strings ("15","60","240").
	timeframes []string
	store      Appender
	log        *slog.Logger
	dialer     *websocket.Dialer
}

// New builds a Feed that will subscribe to every (symbol, timeframe) pair
// in the cross product of symbols and timeframes.
func New(wsURL string, symbols, timeframes []string, store Appender, log *slog.Logger) *Feed {
	return &Feed{
		wsURL:      wsURL,
		symbols:    symbols,
		timeframes: timeframes,
		store:      store,
		log:        log,
		dialer:     websocket.DefaultDialer,
	}
}

type subscribeMessage struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type pingMessage struct {
	Op string `json:"op"`
}

// klineMessage is the public WS data message shape of spec.md §6.
type klineMessage struct {
	Topic string      `json:"topic"`
	Data  []klineData `json:"data"`
}

type klineData struct {
	Start  int64       `json:"start"`
	Open   json.Number `json:"open"`
	High   json.Number `json:"high"`
	Low    json.Number `json:"low"`
	Close  json.Number `json:"close"`
	Volume json.Number `json:"volume"`
}

func (f *Feed) topics() []string {
	topics := make([]string, 0, len(f.symbols)*len(f.timeframes))
	for _, tf := range f.timeframes {
		for _, sym := range f.symbols {
			topics = append(topics, fmt.Sprintf("kline.%s.%s", tf, sym))
		}
	}
	return topics
}

// Run blocks, connecting and reconnecting with exponential backoff until ctx
// is cancelled or the attempt budget (maxReconnects) is exhausted, per
// spec.md §4.B.
func (f *Feed) Run(ctx context.Context) error {
	backoff := backoffStart
	attempts := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.log.Info("market feed connecting", "url", f.wsURL)
		conn, _, err := f.dialer.DialContext(ctx, f.wsURL, nil)
		if err != nil {
			attempts++
			f.log.Error("market feed connect failed", "error", err, "attempt", attempts)
			if attempts >= maxReconnects {
				return fmt.Errorf("market feed: exhausted %d reconnect attempts: %w", maxReconnects, err)
			}
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}

		attempts = 0
		backoff = backoffStart
		f.log.Info("market feed connected")

		reason := f.runSession(ctx, conn)
		conn.Close()
		f.log.Warn("market feed session ended", "reason", reason)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !sleepCtx(ctx, backoffStart) {
			return ctx.Err()
		}
	}
}

// runSession subscribes, pings, and reads until the connection fails; it
// returns a named reason string, per spec.md §4.B.
func (f *Feed) runSession(ctx context.Context, conn *websocket.Conn) string {
	if err := f.subscribeAll(conn); err != nil {
		return "subscribe error: " + err.Error()
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgCh := make(chan []byte, 256)
	readErrCh := make(chan error, 1)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErrCh <- err
				return
			}
			select {
			case msgCh <- msg:
			case <-sessionCtx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "context cancelled"
		case err := <-readErrCh:
			return "read error: " + err.Error()
		case <-ticker.C:
			if err := conn.WriteJSON(pingMessage{Op: "ping"}); err != nil {
				return "ping failed: " + err.Error()
			}
		case msg := <-msgCh:
			f.handleMessage(msg)
		}
	}
}

func (f *Feed) subscribeAll(conn *websocket.Conn) error {
	topics := f.topics()
	for i := 0; i < len(topics); i += subscribeBatchSize {
		end := i + subscribeBatchSize
		if end > len(topics) {
			end = len(topics)
		}
		msg := subscribeMessage{Op: "subscribe", Args: topics[i:end]}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) handleMessage(raw []byte) {
	var msg klineMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Topic == "" {
		return // pong / op-reply / unparseable: ignored
	}
	if !strings.HasPrefix(msg.Topic, "kline.") {
		return
	}
	parts := strings.SplitN(msg.Topic, ".", 3)
	if len(parts) != 3 {
		return
	}
	timeframe, symbol := parts[1], parts[2]

	for _, d := range msg.Data {
		c := candlestore.Candle{
			TimestampMs: d.Start,
			Open:        mustFloat(d.Open),
			High:        mustFloat(d.High),
			Low:         mustFloat(d.Low),
			Close:       mustFloat(d.Close),
			Volume:      mustFloat(d.Volume),
		}
		f.store.AppendOrReplace(candlestore.Key{Symbol: symbol, Timeframe: timeframe}, c)
	}
}

func mustFloat(n json.Number) float64 {
	v, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return 0
	}
	return v
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > backoffCap {
		return backoffCap
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
