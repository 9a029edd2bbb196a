// Package ingestor orchestrates bootstrap (REST) and streaming (websocket)
// market data acquisition, grounded on the teacher's pkg/binance client and
// websocket shapes but restructured around KlineStore/UpdateBus/UpdateBatcher
// rather than a single hard-coded cache and event bus.
package ingestor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vyx/screener/internal/klinestore"
	"github.com/vyx/screener/internal/marketrest"
	"github.com/vyx/screener/internal/model"
	"github.com/vyx/screener/internal/updatebatcher"
	"github.com/vyx/screener/internal/updatebus"
	"github.com/vyx/screener/internal/wsmanager"
)

const (
	streamConnKey        = "exchange-stream"
	subscriptionDebounce = 300 * time.Millisecond
	// DefaultScreenerLimit is the number of historical bars fetched per
	// (symbol, interval) at bootstrap.
	DefaultScreenerLimit = 1440
)

// Config controls bootstrap and streaming behavior.
type Config struct {
	WSBaseURL             string
	ScreenerLimit         int
	BootstrapConcurrency  int
	PrimaryInterval       model.Interval
	MinQuoteVolume        float64
}

// Ingestor bootstraps history via REST, then maintains a live websocket
// subscription, writing every update into KlineStore / the ticker
// UpdateBatcher and notifying UpdateBus subscribers of bar closes.
type Ingestor struct {
	cfg   Config
	rest  *marketrest.Client
	ws    *wsmanager.Manager
	store *klinestore.Store
	bus   *updatebus.Bus
	tick  *updatebatcher.Batcher
	log   zerolog.Logger

	mu        sync.Mutex
	symbols   []string
	intervals []model.Interval
	debounce  *time.Timer
}

// New constructs an Ingestor. tickerSink receives flushed ticker batches
// (key -> model.Ticker) from the internal UpdateBatcher.
func New(cfg Config, rest *marketrest.Client, ws *wsmanager.Manager, store *klinestore.Store, bus *updatebus.Bus, tickerSink updatebatcher.Sink, log zerolog.Logger) *Ingestor {
	if cfg.ScreenerLimit <= 0 {
		cfg.ScreenerLimit = DefaultScreenerLimit
	}
	if cfg.BootstrapConcurrency <= 0 {
		cfg.BootstrapConcurrency = marketrest.DefaultBootstrapConcurrency
	}
	return &Ingestor{
		cfg:   cfg,
		rest:  rest,
		ws:    ws,
		store: store,
		bus:   bus,
		tick:  updatebatcher.New(tickerSink),
		log:   log.With().Str("component", "ingestor").Logger(),
	}
}

// Bootstrap discovers the trading universe, seeds KlineStore via REST for
// every (symbol, interval) pair, and opens the live subscription.
func (ig *Ingestor) Bootstrap(ctx context.Context, universeSize int, intervals []model.Interval) error {
	if len(intervals) == 0 {
		intervals = []model.Interval{ig.cfg.PrimaryInterval}
	}

	symbols, err := ig.rest.TopSymbolsByQuoteVolume(ctx, universeSize, ig.cfg.MinQuoteVolume)
	if err != nil {
		return fmt.Errorf("ingestor: discover universe: %w", err)
	}

	for _, iv := range intervals {
		results, errs := ig.rest.MultiKlines(ctx, symbols, iv, ig.cfg.ScreenerLimit, ig.cfg.BootstrapConcurrency)
		for symbol, err := range errs {
			ig.log.Warn().Err(err).Str("symbol", symbol).Str("interval", string(iv)).Msg("bootstrap fetch failed, skipping symbol")
		}
		for symbol, klines := range results {
			if err := ig.store.BulkLoad(symbol, string(iv), klines); err != nil {
				ig.log.Warn().Err(err).Str("symbol", symbol).Msg("bulk load rejected")
				continue
			}
			if len(klines) > 0 {
				last := klines[len(klines)-1]
				ig.bus.Emit(symbol, string(iv), updatebus.UpdateEvent{
					Symbol: symbol, Interval: string(iv), OpenTime: last.OpenTime, WasClose: true,
				})
			}
		}
	}

	ig.mu.Lock()
	ig.symbols = symbols
	ig.intervals = intervals
	ig.mu.Unlock()

	return ig.resubscribe()
}

// UpdateSubscription changes the tracked (symbols, intervals) set. The new
// subscription is established after a short debounce so rapid toggles
// (traders enabled/disabled in quick succession) coalesce into one
// reconnect instead of one per toggle.
func (ig *Ingestor) UpdateSubscription(symbols []string, intervals []model.Interval) {
	ig.mu.Lock()
	ig.symbols = symbols
	ig.intervals = intervals
	if ig.debounce != nil {
		ig.debounce.Stop()
	}
	ig.debounce = time.AfterFunc(subscriptionDebounce, func() {
		if err := ig.resubscribe(); err != nil {
			ig.log.Error().Err(err).Msg("resubscribe failed")
		}
	})
	ig.mu.Unlock()
}

func (ig *Ingestor) resubscribe() error {
	ig.mu.Lock()
	symbols := append([]string(nil), ig.symbols...)
	intervals := append([]model.Interval(nil), ig.intervals...)
	ig.mu.Unlock()

	url := ig.buildStreamURL(symbols, intervals)
	return ig.ws.Connect(streamConnKey, url, wsmanager.Handlers{
		OnMessage: ig.handleMessage,
	}, true)
}

func (ig *Ingestor) buildStreamURL(symbols []string, intervals []model.Interval) string {
	streams := make([]string, 0, len(symbols)*(len(intervals)+1))
	for _, symbol := range symbols {
		lower := strings.ToLower(symbol)
		streams = append(streams, lower+"@ticker")
		for _, iv := range intervals {
			streams = append(streams, fmt.Sprintf("%s@kline_%s", lower, iv))
		}
	}
	return fmt.Sprintf("%s/stream?streams=%s", ig.cfg.WSBaseURL, strings.Join(streams, "/"))
}

// Shutdown stops the ticker batcher and tears down the live subscription.
func (ig *Ingestor) Shutdown() {
	ig.mu.Lock()
	if ig.debounce != nil {
		ig.debounce.Stop()
	}
	ig.mu.Unlock()
	ig.tick.Dispose()
	_ = ig.ws.Disconnect(streamConnKey)
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tickerEvent struct {
	EventType   string `json:"e"`
	Symbol      string `json:"s"`
	LastPrice   string `json:"c"`
	ChangePct   string `json:"P"`
	QuoteVolume string `json:"q"`
	EventTime   int64  `json:"E"`
}

type klineEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime           int64  `json:"t"`
		CloseTime           int64  `json:"T"`
		Interval            string `json:"i"`
		Open                string `json:"o"`
		Close               string `json:"c"`
		High                string `json:"h"`
		Low                 string `json:"l"`
		Volume              string `json:"v"`
		TradeCount          int    `json:"n"`
		IsClosed            bool   `json:"x"`
		QuoteVolume         string `json:"q"`
		TakerBuyBaseVolume  string `json:"V"`
	} `json:"k"`
}

// handleMessage dispatches one inbound combined-stream message: ticker
// payloads go to the ticker UpdateBatcher, kline payloads go straight to
// KlineStore.UpdateKline, and a true WasClose result is republished on
// UpdateBus for TraderScheduler to react to.
func (ig *Ingestor) handleMessage(raw []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		ig.log.Warn().Err(err).Msg("malformed stream envelope")
		return
	}

	switch {
	case strings.Contains(env.Stream, "@ticker"):
		ig.handleTicker(env.Data)
	case strings.Contains(env.Stream, "@kline_"):
		ig.handleKline(env.Data)
	}
}

func (ig *Ingestor) handleTicker(data json.RawMessage) {
	var ev tickerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		ig.log.Warn().Err(err).Msg("malformed ticker event")
		return
	}
	last, _ := strconv.ParseFloat(ev.LastPrice, 64)
	changePct, _ := strconv.ParseFloat(ev.ChangePct, 64)
	quoteVol, _ := strconv.ParseFloat(ev.QuoteVolume, 64)

	ig.tick.Add(ev.Symbol, model.Ticker{
		Symbol:             ev.Symbol,
		LastPrice:          last,
		PriceChangePercent: changePct,
		QuoteVolume:        quoteVol,
		EventTime:          time.UnixMilli(ev.EventTime),
	})
}

func (ig *Ingestor) handleKline(data json.RawMessage) {
	var ev klineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		ig.log.Warn().Err(err).Msg("malformed kline event")
		return
	}

	volume, _ := strconv.ParseFloat(ev.Kline.Volume, 64)
	buyVolume, _ := strconv.ParseFloat(ev.Kline.TakerBuyBaseVolume, 64)
	open, _ := strconv.ParseFloat(ev.Kline.Open, 64)
	high, _ := strconv.ParseFloat(ev.Kline.High, 64)
	low, _ := strconv.ParseFloat(ev.Kline.Low, 64)
	closePrice, _ := strconv.ParseFloat(ev.Kline.Close, 64)
	quoteVolume, _ := strconv.ParseFloat(ev.Kline.QuoteVolume, 64)

	k := model.Kline{
		OpenTime:    ev.Kline.StartTime,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closePrice,
		Volume:      volume,
		CloseTime:   ev.Kline.CloseTime,
		QuoteVolume: quoteVolume,
		Trades:      ev.Kline.TradeCount,
		IsFinal:     ev.Kline.IsClosed,
		BuyVolume:   buyVolume,
		SellVolume:  volume - buyVolume,
		VolumeDelta: buyVolume - (volume - buyVolume),
	}

	result, err := ig.store.UpdateKline(ev.Symbol, ev.Kline.Interval, k)
	if err != nil {
		ig.log.Warn().Err(err).Str("symbol", ev.Symbol).Str("interval", ev.Kline.Interval).Msg("rejected inbound kline")
		return
	}
	if result.WasClose {
		ig.bus.Emit(ev.Symbol, ev.Kline.Interval, updatebus.UpdateEvent{
			Symbol: ev.Symbol, Interval: ev.Kline.Interval, OpenTime: result.OpenTime, WasClose: true,
		})
	}
}
