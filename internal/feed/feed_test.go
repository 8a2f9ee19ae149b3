package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fvg-engine/perpetual-trader/internal/candlestore"
)

type fakeAppender struct {
	appended []candlestore.Candle
	key      candlestore.Key
}

func (f *fakeAppender) AppendOrReplace(key candlestore.Key, c candlestore.Candle) {
	f.key = key
	f.appended = append(f.appended, c)
}

func TestHandleMessage_ParsesKlineTopicIntoCandle(t *testing.T) {
	fa := &fakeAppender{}
	f := New("wss://example", []string{"BTCUSDT"}, []string{"15"}, fa, nil)

	raw := []byte(`{"topic":"kline.15.BTCUSDT","data":[{"start":1000,"open":"100.1","high":"101.2","low":"99.9","close":"100.9","volume":"12.5"}]}`)
	f.handleMessage(raw)

	require.Len(t, fa.appended, 1)
	assert.Equal(t, candlestore.Key{Symbol: "BTCUSDT", Timeframe: "15"}, fa.key)
	assert.Equal(t, int64(1000), fa.appended[0].TimestampMs)
	assert.Equal(t, 100.9, fa.appended[0].Close)
}

func TestHandleMessage_IgnoresNonKlineMessages(t *testing.T) {
	fa := &fakeAppender{}
	f := New("wss://example", []string{"BTCUSDT"}, []string{"15"}, fa, nil)

	f.handleMessage([]byte(`{"op":"pong"}`))
	f.handleMessage([]byte(`not json`))
	f.handleMessage([]byte(`{"topic":"orderbook.1.BTCUSDT","data":[]}`))

	assert.Empty(t, fa.appended)
}

func TestTopics_BatchesCorrectly(t *testing.T) {
	symbols := make([]string, 25)
	for i := range symbols {
		symbols[i] = "SYM"
	}
	f := New("wss://example", symbols, []string{"15"}, &fakeAppender{}, nil)
	topics := f.topics()
	require.Len(t, topics, 25)

	batches := 0
	for i := 0; i < len(topics); i += subscribeBatchSize {
		batches++
	}
	assert.Equal(t, 3, batches, "25 topics in batches of 10 should be 3 subscribe messages")
}

func TestNextBackoff_CapsAtMax(t *testing.T) {
	b := backoffStart
	for i := 0; i < 20; i++ {
		b = nextBackoff(b)
	}
	assert.Equal(t, backoffCap, b)
}
