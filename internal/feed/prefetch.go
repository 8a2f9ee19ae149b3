package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fvg-engine/perpetual-trader/internal/candlestore"
	"github.com/fvg-engine/perpetual-trader/internal/exchange"
)

const (
	prefetchCandleCount = 30
	prefetchConcurrency = 20
)

// KlineFetcher is the read side of the REST Client the prefetch step needs.
type KlineFetcher interface {
	FetchKlines(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Kline, error)
}

// Seeder is the write side of the Candle Store the prefetch step needs.
type Seeder interface {
	Seed(key candlestore.Key, candles []candlestore.Candle)
}

// Prefetch fetches prefetchCandleCount prior candles per (symbol,
// timeframe) in parallel, bounded by a semaphore of prefetchConcurrency
// in-flight requests (a buffered channel, the idiom used throughout the
// reference corpus for bounding fan-out without an external semaphore
// package), and seeds the Store. Failures are logged and skipped per
// symbol/timeframe; the live stream backfills via AppendOrReplace once it
// starts producing candles for that key. Oldest-first order is preserved.
func Prefetch(ctx context.Context, fetcher KlineFetcher, store Seeder, symbols, timeframes []string, log *slog.Logger) {
	type job struct {
		symbol    string
		timeframe string
	}
	var jobs []job
	for _, tf := range timeframes {
		for _, sym := range symbols {
			jobs = append(jobs, job{symbol: sym, timeframe: tf})
		}
	}

	sem := make(chan struct{}, prefetchConcurrency)
	var wg sync.WaitGroup

	for _, j := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(j job) {
			defer wg.Done()
			defer func() { <-sem }()

			klines, err := fetcher.FetchKlines(ctx, j.symbol, j.timeframe, prefetchCandleCount)
			if err != nil {
				log.Warn("prefetch failed, continuing without history", "symbol", j.symbol, "timeframe", j.timeframe, "error", err)
				return
			}
			candles := make([]candlestore.Candle, len(klines))
			for i, k := range klines {
				candles[i] = candlestore.Candle{
					TimestampMs: k.TimestampMs,
					Open:        k.Open,
					High:        k.High,
					Low:         k.Low,
					Close:       k.Close,
					Volume:      k.Volume,
				}
			}
			store.Seed(candlestore.Key{Symbol: j.symbol, Timeframe: j.timeframe}, candles)
		}(j)
	}

	wg.Wait()
}
