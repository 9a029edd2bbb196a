// Package marketrest wraps the go-binance/v2 SDK for the two REST calls the
// screener needs at bootstrap: the 24h ticker list (to pick a universe) and
// historical klines (to seed KlineStore). It replaces the teacher's
// hand-rolled pkg/binance/client.go raw-JSON HTTP calls.
package marketrest

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vyx/screener/internal/model"
)

// DefaultBootstrapConcurrency bounds the number of in-flight kline requests
// during bootstrap, grounded on the teacher's GetMultipleKlines semaphore
// cap of 10.
const DefaultBootstrapConcurrency = 10

// defaultBlacklistSuffixes excludes leveraged-token and non-spot pairs from
// the discovered universe.
var defaultBlacklistSuffixes = []string{"UP", "DOWN", "BEAR", "BULL"}

// Client is a thin, context-aware wrapper over *binance.Client.
type Client struct {
	sdk *binance.Client
	log zerolog.Logger
}

// New constructs a Client. apiKey/secretKey may be empty for the public,
// unauthenticated endpoints this package uses.
func New(apiKey, secretKey string, log zerolog.Logger) *Client {
	return &Client{
		sdk: binance.NewClient(apiKey, secretKey),
		log: log.With().Str("component", "marketrest").Logger(),
	}
}

// TopSymbolsByQuoteVolume fetches the 24h ticker list and returns the top
// `count` USDT spot pairs by quote volume, excluding leveraged tokens and
// futures/options symbols.
func (c *Client) TopSymbolsByQuoteVolume(ctx context.Context, count int, minQuoteVolume float64) ([]string, error) {
	stats, err := c.sdk.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		symbol string
		volume float64
	}
	var filtered []candidate
	for _, s := range stats {
		if !strings.HasSuffix(s.Symbol, "USDT") || strings.Contains(s.Symbol, "_") {
			continue
		}
		if isLeveragedToken(s.Symbol) {
			continue
		}
		qv, err := strconv.ParseFloat(s.QuoteVolume, 64)
		if err != nil || qv <= minQuoteVolume {
			continue
		}
		filtered = append(filtered, candidate{symbol: s.Symbol, volume: qv})
	}

	sort.Slice(filtered, func(i, j int) bool { return filtered[i].volume > filtered[j].volume })
	if len(filtered) > count {
		filtered = filtered[:count]
	}

	out := make([]string, len(filtered))
	for i, cand := range filtered {
		out[i] = cand.symbol
	}
	return out, nil
}

func isLeveragedToken(symbol string) bool {
	for _, suffix := range defaultBlacklistSuffixes {
		if strings.Contains(symbol, suffix) {
			return true
		}
	}
	return false
}

// Klines fetches the last `limit` klines for (symbol, interval).
func (c *Client) Klines(ctx context.Context, symbol string, interval model.Interval, limit int) ([]model.Kline, error) {
	raw, err := c.sdk.NewKlinesService().
		Symbol(symbol).
		Interval(string(interval)).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]model.Kline, len(raw))
	for i, k := range raw {
		kline, err := convertKline(k)
		if err != nil {
			return nil, err
		}
		out[i] = kline
	}
	return out, nil
}

func convertKline(k *binance.Kline) (model.Kline, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return model.Kline{}, err
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return model.Kline{}, err
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return model.Kline{}, err
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return model.Kline{}, err
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return model.Kline{}, err
	}
	quoteVolume, err := strconv.ParseFloat(k.QuoteAssetVolume, 64)
	if err != nil {
		return model.Kline{}, err
	}
	buyVolume, err := strconv.ParseFloat(k.TakerBuyBaseAssetVolume, 64)
	if err != nil {
		return model.Kline{}, err
	}

	return model.Kline{
		OpenTime:    k.OpenTime,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closePrice,
		Volume:      volume,
		CloseTime:   k.CloseTime,
		QuoteVolume: quoteVolume,
		Trades:      int(k.TradeNum),
		IsFinal:     true,
		BuyVolume:   buyVolume,
		SellVolume:  volume - buyVolume,
		VolumeDelta: buyVolume - (volume - buyVolume),
	}, nil
}

// MultiKlines fetches klines for every symbol concurrently, bounded by
// concurrency in-flight requests (golang.org/x/sync/semaphore), grounded on
// the teacher's GetMultipleKlines fan-out. A per-symbol failure is recorded
// in the returned errs map and does not abort the batch.
func (c *Client) MultiKlines(ctx context.Context, symbols []string, interval model.Interval, limit, concurrency int) (map[string][]model.Kline, map[string]error) {
	if concurrency <= 0 {
		concurrency = DefaultBootstrapConcurrency
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	g, gctx := errgroup.WithContext(context.Background())

	var mu sync.Mutex
	results := make(map[string][]model.Kline, len(symbols))
	errs := make(map[string]error)

	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			klines, err := c.Klines(ctx, symbol, interval, limit)
			mu.Lock()
			if err != nil {
				c.log.Warn().Err(err).Str("symbol", symbol).Msg("bootstrap kline fetch failed")
				errs[symbol] = err
			} else {
				results[symbol] = klines
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}
