// Package model holds the data types shared across the screening engine:
// klines, tickers, traders, and the signals they produce.
package model

import (
	"encoding/json"
	"time"
)

// Interval is a supported kline timeframe.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// Duration returns the wall-clock width of the interval.
func (iv Interval) Duration() time.Duration {
	switch iv {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval4h:
		return 4 * time.Hour
	case Interval1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether iv is one of the supported enumeration values.
func (iv Interval) Valid() bool {
	return iv.Duration() > 0
}

// SupportedIntervals lists the fixed enumeration, shortest first.
func SupportedIntervals() []Interval {
	return []Interval{Interval1m, Interval5m, Interval15m, Interval1h, Interval4h, Interval1d}
}

// OpenTimeFor aligns t to the start of the bar it falls in for iv.
func OpenTimeFor(iv Interval, t time.Time) int64 {
	d := iv.Duration()
	if d <= 0 {
		return t.UnixMilli()
	}
	ms := t.UnixMilli()
	width := d.Milliseconds()
	return (ms / width) * width
}

// Kline is an immutable OHLCV bar. BuyVolume/SellVolume/VolumeDelta are
// enriched once at ingestion from the taker-buy-base field and never
// recomputed by readers.
type Kline struct {
	OpenTime    int64   `json:"openTime"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	CloseTime   int64   `json:"closeTime"`
	QuoteVolume float64 `json:"quoteVolume"`
	Trades      int     `json:"trades"`
	IsFinal     bool    `json:"isFinal"`
	BuyVolume   float64 `json:"buyVolume"`
	SellVolume  float64 `json:"sellVolume"`
	VolumeDelta float64 `json:"volumeDelta"`
}

// Valid reports whether k satisfies the basic OHLCV sanity invariants.
func (k Kline) Valid() bool {
	if k.Volume < 0 {
		return false
	}
	if k.CloseTime <= k.OpenTime {
		return false
	}
	return true
}

// Ticker is the latest 24h summary for a symbol.
type Ticker struct {
	Symbol             string    `json:"symbol"`
	LastPrice          float64   `json:"lastPrice"`
	PriceChangePercent float64   `json:"priceChangePercent"`
	QuoteVolume        float64   `json:"quoteVolume"`
	EventTime          time.Time `json:"eventTime"`
}

// SubscriptionTier enumerates access levels of the external TierPolicy.
type SubscriptionTier string

const (
	TierAnonymous SubscriptionTier = "ANONYMOUS"
	TierFree      SubscriptionTier = "FREE"
	TierPro       SubscriptionTier = "PRO"
	TierElite     SubscriptionTier = "ELITE"
)

// User is the minimal shape TierPolicy needs to make an enable/disable
// decision. Authentication and tiering themselves are external.
type User struct {
	ID               string           `json:"id"`
	SubscriptionTier SubscriptionTier `json:"subscriptionTier"`
}

// IndicatorStyle carries visual hints for the optional chart panel.
// The core never interprets this beyond forwarding it.
type IndicatorStyle struct {
	Color     interface{} `json:"color,omitempty"`
	FillColor *string     `json:"fillColor,omitempty"`
	LineWidth *float64    `json:"lineWidth,omitempty"`
}

// IndicatorConfig names a chart-layer indicator. Forwarded to UI verbatim.
type IndicatorConfig struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name"`
	Type   string                 `json:"type"`
	Panel  bool                   `json:"panel"`
	Params map[string]interface{} `json:"params,omitempty"`
	Style  IndicatorStyle         `json:"style"`
}

// TraderFilter holds the executable predicate and its scheduling metadata.
type TraderFilter struct {
	Code               string            `json:"code" validate:"required"`
	Description        []string          `json:"description,omitempty"`
	RefreshInterval    Interval          `json:"refreshInterval" validate:"required"`
	RequiredTimeframes []Interval        `json:"requiredTimeframes" validate:"required,min=1"`
	Indicators         []IndicatorConfig `json:"indicators,omitempty"`
}

// Trader is the unit of user intent: a predicate plus scheduling metadata.
type Trader struct {
	ID         string           `json:"id" validate:"required"`
	UserID     string           `json:"userId,omitempty"`
	Name       string           `json:"name" validate:"required"`
	Enabled    bool             `json:"enabled"`
	AccessTier SubscriptionTier `json:"accessTier"`
	Filter     TraderFilter     `json:"filter" validate:"required"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// SignalStatus enumerates the lifecycle of a materialized Signal.
type SignalStatus string

const (
	SignalActive SignalStatus = "active"
	SignalClosed SignalStatus = "closed"
)

// Signal is a materialized detection produced by a trader.
type Signal struct {
	ID            string                 `json:"id"`
	TraderID      string                 `json:"traderId"`
	Symbol        string                 `json:"symbol"`
	DetectedAt    time.Time              `json:"detectedAt"`
	BarOpenTime   int64                  `json:"barOpenTime"`
	PriceAtSignal float64                `json:"priceAtSignal"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Status        SignalStatus           `json:"status"`
	Count         int                    `json:"count"`
}

// HistoricalSignal is a Signal produced by HistoricalScanner's replay.
type HistoricalSignal struct {
	Signal
	BarsAgo    int  `json:"barsAgo"`
	IsReplayed bool `json:"isReplayed"`
}

// MarshalFilter double-encodes nothing; it exists purely so callers that
// persist a Trader through an opaque TraderStore have a stable byte form.
func (t Trader) MarshalFilter() (json.RawMessage, error) {
	b, err := json.Marshal(t.Filter)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
