// Package exchange is the REST Client of spec.md §4.C: a long-lived,
// pooled HTTP client issuing signed and unsigned calls against the
// exchange's V5-style API (spec.md §6), with every call classified and
// retried per spec.md §7.
//
// The teacher's own (go-binance SDK) executor.go cannot speak Bybit's
// X-BAPI-* signature scheme, so this client is hand-written net/http in the
// same plain struct-and-methods style the teacher uses for its own helper
// methods (adjustQuantity, FormatPrice) rather than a generated SDK.
package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fvg-engine/perpetual-trader/internal/xerrors"
)

const (
	recvWindowMs  = 5000
	connectTimeout = 5 * time.Second
	totalTimeout   = 10 * time.Second
)

// Client wraps one pooled *http.Client holding the exchange credentials.
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	quote     string
	http      *http.Client
	log       *slog.Logger
	now       func() time.Time
}

// New builds a Client. quote is the configured settlement currency (e.g.
// "USDT") used to filter GetAllOpenPositions and FetchLinearSymbols.
func New(baseURL, apiKey, apiSecret, quote string, log *slog.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		quote:     quote,
		http:      &http.Client{Timeout: totalTimeout, Transport: transport},
		log:       log,
		now:       time.Now,
	}
}

// Side mirrors spec.md §3's Buy/Sell for order placement calls.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// bybitEnvelope is the common {retCode, retMsg, result} response shape of
// spec.md §6.
type bybitEnvelope struct {
	RetCode int64           `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (c *Client) sign(timestamp, body string) string {
	payload := timestamp + c.apiKey + strconv.Itoa(recvWindowMs) + body
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// doSigned issues a signed POST (body) or GET (query) call and unmarshals
// result into out. op names the operation for error classification and
// logging.
func (c *Client) doSigned(ctx context.Context, op, method, path string, query url.Values, body []byte, out any) error {
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)

	signPayload := string(body)
	reqURL := c.baseURL + path
	if method == http.MethodGet && query != nil {
		signPayload = query.Encode()
		reqURL += "?" + signPayload
	}
	sig := c.sign(ts, signPayload)

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return xerrors.Classify(op, 0, 0, "", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-SIGN", sig)
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindowMs))

	return c.do(ctx, op, req, out)
}

func (c *Client) doPublic(ctx context.Context, op, path string, query url.Values, out any) error {
	reqURL := c.baseURL + path
	if query != nil {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return xerrors.Classify(op, 0, 0, "", err)
	}
	return c.do(ctx, op, req, out)
}

func (c *Client) do(ctx context.Context, op string, req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return xerrors.Classify(op, 0, 0, "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return xerrors.Classify(op, 0, 0, "", err)
	}

	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return xerrors.Classify(op, resp.StatusCode, 0, "malformed response body", nil)
	}

	if classified := xerrors.Classify(op, resp.StatusCode, env.RetCode, env.RetMsg, nil); classified != nil {
		return classified
	}

	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return xerrors.Classify(op, resp.StatusCode, env.RetCode, "malformed result payload", nil)
		}
	}
	return nil
}

// formatQty formats qty at qtyStep precision using decimal arithmetic, per
// spec.md §4.C.
func formatQty(qty, qtyStep float64) string {
	return formatAtStep(qty, qtyStep)
}

// formatPrice formats price at tickSize precision.
func formatPrice(price, tickSize float64) string {
	return formatAtStep(price, tickSize)
}

func formatAtStep(value, step float64) string {
	if step <= 0 {
		return decimal.NewFromFloat(value).String()
	}
	stepDec := decimal.NewFromFloat(step)
	places := int32(0)
	for s := stepDec; s.LessThan(decimal.New(1, 0)) && places < 12; s = s.Mul(decimal.New(10, 0)) {
		places++
	}
	return decimal.NewFromFloat(value).Truncate(places).StringFixed(places)
}

// OrderAck is the result of a successful order placement.
type OrderAck struct {
	OrderID string
}

// PlaceMarketOrder sends a market order with attached SL/TP in "full"
// TP/SL mode, per spec.md §4.C/§6.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side Side, qty, stopLoss, takeProfit float64, qtyStep, tickSize float64) (OrderAck, error) {
	return c.placeOrder(ctx, "place_market_order", symbol, side, "Market", qty, qtyStep, tickSize, stopLoss, takeProfit, "", false)
}

// PlaceLimitOrder is the maker variant used only by optional tooling, per
// spec.md §4.C.
func (c *Client) PlaceLimitOrder(ctx context.Context, symbol string, side Side, qty, price float64, qtyStep, tickSize float64) (OrderAck, error) {
	return c.placeOrder(ctx, "place_limit_order", symbol, side, "Limit", qty, qtyStep, tickSize, 0, 0, formatPrice(price, tickSize), false)
}

// ClosePosition sends a reduce-only market order on the opposite side.
func (c *Client) ClosePosition(ctx context.Context, symbol string, side Side, qty, qtyStep float64) (OrderAck, error) {
	opposite := SideSell
	if side == SideSell {
		opposite = SideBuy
	}
	return c.placeOrder(ctx, "close_position", symbol, opposite, "Market", qty, qtyStep, 0, 0, 0, "", true)
}

type createOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	StopLoss    string `json:"stopLoss,omitempty"`
	TakeProfit  string `json:"takeProfit,omitempty"`
	TpslMode    string `json:"tpslMode,omitempty"`
	TimeInForce string `json:"timeInForce"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
	Price       string `json:"price,omitempty"`
}

type createOrderResult struct {
	OrderID string `json:"orderId"`
}

func (c *Client) placeOrder(ctx context.Context, op, symbol string, side Side, orderType string, qty, qtyStep, tickSize, stopLoss, takeProfit float64, priceStr string, reduceOnly bool) (OrderAck, error) {
	req := createOrderRequest{
		Category:    "linear",
		Symbol:      symbol,
		Side:        string(side),
		OrderType:   orderType,
		Qty:         formatQty(qty, qtyStep),
		TimeInForce: "GTC",
		ReduceOnly:  reduceOnly,
		Price:       priceStr,
	}
	if stopLoss > 0 {
		req.StopLoss = formatPrice(stopLoss, tickSize)
		req.TpslMode = "Full"
	}
	if takeProfit > 0 {
		req.TakeProfit = formatPrice(takeProfit, tickSize)
		req.TpslMode = "Full"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return OrderAck{}, fmt.Errorf("%s: marshal request: %w", op, err)
	}

	var result createOrderResult
	cap := readOnlyRetryCap
	if op != "get_all_open_positions" {
		cap = orderRetryCap
	}
	err = withRetry(ctx, c.log, op, cap, func() error {
		return c.doSigned(ctx, op, http.MethodPost, "/v5/order/create", nil, body, &result)
	})
	if err != nil {
		return OrderAck{}, err
	}
	return OrderAck{OrderID: result.OrderID}, nil
}

// OpenPosition mirrors one entry of GET /v5/position/list, per spec.md §6.
type OpenPosition struct {
	Symbol      string
	Side        Side
	Size        float64
	AvgPrice    float64
	StopLoss    float64
	TakeProfit  float64
	CreatedTime int64
}

type positionListResult struct {
	List []struct {
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		Size        string `json:"size"`
		AvgPrice    string `json:"avgPrice"`
		StopLoss    string `json:"stopLoss"`
		TakeProfit  string `json:"takeProfit"`
		CreatedTime string `json:"createdTime"`
	} `json:"list"`
}

// GetAllOpenPositions returns a mapping from symbol to position for every
// symbol the account holds with size > 0, per spec.md §4.C.
func (c *Client) GetAllOpenPositions(ctx context.Context) (map[string]OpenPosition, error) {
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("settleCoin", c.quote)
	query.Set("limit", "200")

	var result positionListResult
	err := withRetry(ctx, c.log, "get_all_open_positions", readOnlyRetryCap, func() error {
		return c.doSigned(ctx, "get_all_open_positions", http.MethodGet, "/v5/position/list", query, nil, &result)
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]OpenPosition)
	for _, p := range result.List {
		size := parseFloat(p.Size)
		if size <= 0 {
			continue
		}
		out[p.Symbol] = OpenPosition{
			Symbol:      p.Symbol,
			Side:        Side(p.Side),
			Size:        size,
			AvgPrice:    parseFloat(p.AvgPrice),
			StopLoss:    parseFloat(p.StopLoss),
			TakeProfit:  parseFloat(p.TakeProfit),
			CreatedTime: int64(parseFloat(p.CreatedTime)),
		}
	}
	return out, nil
}

// Kline mirrors one candle row returned by GET /v5/market/kline.
type Kline struct {
	TimestampMs int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
}

type klineResult struct {
	List [][]string `json:"list"`
}

// FetchKlines returns limit candles, oldest-first, per spec.md §4.C/§6
// (the raw response is newest-first and must be reversed).
func (c *Client) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("symbol", symbol)
	query.Set("interval", interval)
	query.Set("limit", strconv.Itoa(limit))

	var result klineResult
	err := withRetry(ctx, c.log, "fetch_klines", readOnlyRetryCap, func() error {
		return c.doPublic(ctx, "fetch_klines", "/v5/market/kline", query, &result)
	})
	if err != nil {
		return nil, err
	}

	out := make([]Kline, len(result.List))
	for i, row := range result.List {
		if len(row) < 6 {
			continue
		}
		out[i] = Kline{
			TimestampMs: int64(parseFloat(row[0])),
			Open:        parseFloat(row[1]),
			High:        parseFloat(row[2]),
			Low:         parseFloat(row[3]),
			Close:       parseFloat(row[4]),
			Volume:      parseFloat(row[5]),
		}
	}
	// reverse: exchange returns newest-first
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out, nil
}

type instrumentsResult struct {
	List []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		QuoteCoin  string `json:"quoteCoin"`
	} `json:"list"`
}

// FetchLinearSymbols returns the sorted list of symbols quoted in the
// configured settlement currency with status "Trading", per spec.md §4.C.
func (c *Client) FetchLinearSymbols(ctx context.Context) ([]string, error) {
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("status", "Trading")

	var result instrumentsResult
	err := withRetry(ctx, c.log, "fetch_linear_symbols", readOnlyRetryCap, func() error {
		return c.doPublic(ctx, "fetch_linear_symbols", "/v5/market/instruments-info", query, &result)
	})
	if err != nil {
		return nil, err
	}

	var symbols []string
	for _, s := range result.List {
		if s.Status == "Trading" && s.QuoteCoin == c.quote {
			symbols = append(symbols, s.Symbol)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
