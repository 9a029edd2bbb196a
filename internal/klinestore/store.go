// Package klinestore owns all historical kline state: a bounded,
// per-(symbol, interval) ring with tail-replace-or-append semantics and
// strictly increasing open times.
package klinestore

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vyx/screener/internal/model"
)

// Errors returned by Store operations.
var (
	ErrInvalidKline = errors.New("klinestore: invalid kline")
	ErrNonMonotonic = errors.New("klinestore: non-monotonic open times")
)

type key struct {
	symbol   string
	interval string
}

// UpdateResult reports whether an applied kline closed out a bar.
type UpdateResult struct {
	WasClose bool
	OpenTime int64
}

type series struct {
	mu       sync.RWMutex
	klines   []model.Kline
	capacity int
	touched  time.Time
}

// Store is the sole owner of KlineSeries state. Readers receive defensive
// copies; it never hands out a mutable alias to its internal slices.
type Store struct {
	mu            sync.RWMutex
	series        map[key]*series
	defaultCap    int
	log           zerolog.Logger
}

// New constructs a Store with the given default per-key capacity (spec
// default 1440 for the primary interval; callers may size down for higher
// timeframes by calling SetCapacity after the first write).
func New(defaultCapacity int, log zerolog.Logger) *Store {
	if defaultCapacity < 1 {
		defaultCapacity = 1440
	}
	return &Store{
		series:     make(map[key]*series),
		defaultCap: defaultCapacity,
		log:        log.With().Str("component", "klinestore").Logger(),
	}
}

func (s *Store) seriesFor(symbol, interval string, createIfMissing bool) *series {
	k := key{symbol, interval}

	s.mu.RLock()
	sr, ok := s.series[k]
	s.mu.RUnlock()
	if ok || !createIfMissing {
		return sr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok = s.series[k]; ok {
		return sr
	}
	sr = &series{capacity: s.defaultCap}
	s.series[k] = sr
	return sr
}

// UpdateKline applies the tail-replace-or-append rule: a kline with the same
// OpenTime as the tail replaces it; a kline with a larger OpenTime appends,
// and if the previous tail was non-final, signals a bar close.
func (s *Store) UpdateKline(symbol, interval string, k model.Kline) (UpdateResult, error) {
	if !k.Valid() {
		return UpdateResult{}, ErrInvalidKline
	}

	sr := s.seriesFor(symbol, interval, true)
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.touched = time.Now()

	if len(sr.klines) == 0 {
		sr.klines = append(sr.klines, k)
		return UpdateResult{WasClose: false, OpenTime: k.OpenTime}, nil
	}

	tail := sr.klines[len(sr.klines)-1]
	switch {
	case k.OpenTime == tail.OpenTime:
		sr.klines[len(sr.klines)-1] = k
		return UpdateResult{WasClose: false, OpenTime: k.OpenTime}, nil
	case k.OpenTime > tail.OpenTime:
		wasClose := !tail.IsFinal
		sr.klines = append(sr.klines, k)
		if len(sr.klines) > sr.capacity {
			sr.klines = sr.klines[len(sr.klines)-sr.capacity:]
		}
		return UpdateResult{WasClose: wasClose, OpenTime: k.OpenTime}, nil
	default:
		// OpenTime < tail.OpenTime with unequal value: non-monotonic.
		return UpdateResult{}, ErrInvalidKline
	}
}

// BulkLoad replaces the series wholesale (bootstrap path). klines must be
// strictly increasing by OpenTime; if the input exceeds capacity, the
// oldest entries are dropped.
func (s *Store) BulkLoad(symbol, interval string, klines []model.Kline) error {
	for i := 1; i < len(klines); i++ {
		if klines[i].OpenTime <= klines[i-1].OpenTime {
			return ErrNonMonotonic
		}
	}

	sr := s.seriesFor(symbol, interval, true)
	sr.mu.Lock()
	defer sr.mu.Unlock()

	cp := make([]model.Kline, len(klines))
	copy(cp, klines)
	if len(cp) > sr.capacity {
		cp = cp[len(cp)-sr.capacity:]
	}
	sr.klines = cp
	sr.touched = time.Now()
	return nil
}

// SetCapacity overrides the per-key capacity for (symbol, interval), trimming
// immediately if the series already exceeds the new capacity.
func (s *Store) SetCapacity(symbol, interval string, capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	sr := s.seriesFor(symbol, interval, true)
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.capacity = capacity
	if len(sr.klines) > capacity {
		sr.klines = sr.klines[len(sr.klines)-capacity:]
	}
}

// View is a read-only snapshot of a kline series.
type View struct {
	Klines []model.Kline
}

// GetSeries returns a constant-time snapshot handle. The returned slice is a
// defensive copy; mutating it has no effect on the Store.
func (s *Store) GetSeries(symbol, interval string) (View, bool) {
	sr := s.seriesFor(symbol, interval, false)
	if sr == nil {
		return View{}, false
	}
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	cp := make([]model.Kline, len(sr.klines))
	copy(cp, sr.klines)
	return View{Klines: cp}, true
}

// GetLastNClosed returns the most recent n closed bars, excluding any open
// tail.
func (s *Store) GetLastNClosed(symbol, interval string, n int) []model.Kline {
	sr := s.seriesFor(symbol, interval, false)
	if sr == nil || n <= 0 {
		return nil
	}
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	closed := sr.klines
	if l := len(closed); l > 0 && !closed[l-1].IsFinal {
		closed = closed[:l-1]
	}
	if len(closed) > n {
		closed = closed[len(closed)-n:]
	}
	out := make([]model.Kline, len(closed))
	copy(out, closed)
	return out
}

// EvictInactive removes every (symbol, interval) series whose tail is older
// than olderThan, returning the count removed.
func (s *Store) EvictInactive(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, sr := range s.series {
		sr.mu.RLock()
		stale := sr.touched.Before(cutoff)
		sr.mu.RUnlock()
		if stale {
			delete(s.series, k)
			removed++
		}
	}
	return removed
}

// EvictInactiveExcept is EvictInactive restricted to symbols not present in
// active -- CleanupSupervisor uses it to spare series whose symbol is in the
// current active set even if no kline has touched them recently (e.g. a
// chart-focused symbol with a slow-moving high timeframe).
func (s *Store) EvictInactiveExcept(active map[string]struct{}, olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, sr := range s.series {
		if _, ok := active[k.symbol]; ok {
			continue
		}
		sr.mu.RLock()
		stale := sr.touched.Before(cutoff)
		sr.mu.RUnlock()
		if stale {
			delete(s.series, k)
			removed++
		}
	}
	return removed
}

// Symbols returns every symbol currently tracked.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for k := range s.series {
		seen[k.symbol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	return out
}

// Has reports whether the store has any data for (symbol, interval).
func (s *Store) Has(symbol, interval string) bool {
	return s.seriesFor(symbol, interval, false) != nil
}
