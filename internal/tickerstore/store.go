// Package tickerstore holds the latest ticker per symbol. Grounded on
// internal/klinestore.Store's per-key mutex and touched-timestamp shape
// (component 2 of this module): the teacher has no standalone ticker cache
// of its own (24h-ticker payloads are only ever forwarded straight to
// websocket clients), so this is new, built in the sibling store's idiom
// rather than invented from nothing.
package tickerstore

import (
	"sync"
	"time"

	"github.com/vyx/screener/internal/model"
)

type entry struct {
	ticker  model.Ticker
	touched time.Time
}

// Store is a concurrency-safe map of the latest model.Ticker per symbol. It
// satisfies scheduler.PriceSource (LastPrice); cmd/screener reads LastPrice
// on each primary-interval close to feed signalmanager.Manager.UpdatePrice.
type Store struct {
	mu      sync.RWMutex
	tickers map[string]entry
}

// New constructs an empty Store.
func New() *Store {
	return &Store{tickers: make(map[string]entry)}
}

// Update records the latest ticker for symbol, stamping it with the current
// time for staleness tracking.
func (s *Store) Update(symbol string, t model.Ticker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickers[symbol] = entry{ticker: t, touched: time.Now()}
}

// LastPrice returns the most recently observed price for symbol.
func (s *Store) LastPrice(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tickers[symbol]
	if !ok {
		return 0, false
	}
	return e.ticker.LastPrice, true
}

// Get returns the full ticker for symbol.
func (s *Store) Get(symbol string) (model.Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tickers[symbol]
	if !ok {
		return model.Ticker{}, false
	}
	return e.ticker, true
}

// Snapshot returns every tracked ticker, keyed by symbol.
func (s *Store) Snapshot() map[string]model.Ticker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.Ticker, len(s.tickers))
	for sym, e := range s.tickers {
		out[sym] = e.ticker
	}
	return out
}

// PruneStale removes every tracked ticker whose symbol is absent from
// active and whose last update is older than maxAge, returning the count
// removed.
func (s *Store) PruneStale(active map[string]struct{}, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for sym, e := range s.tickers {
		if _, ok := active[sym]; ok {
			continue
		}
		if e.touched.Before(cutoff) {
			delete(s.tickers, sym)
			removed++
		}
	}
	return removed
}
