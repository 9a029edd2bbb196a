// Package signalmanager is the live signal store: per-(trader, symbol)
// dedup by bar-count window, price tracking on primary-interval closes, and
// age-based eviction. No single teacher file owns this -- the teacher
// persists signals straight to Supabase without in-memory dedup state -- so
// the dedup state is grounded on internal/container's BoundedMap contract
// and the indicator-snapshot pattern from internal/analysis/calculator.go.
package signalmanager

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vyx/screener/internal/container"
	"github.com/vyx/screener/internal/model"
)

// DefaultDedupeThreshold is the default bar-count window, in bars of the
// triggering trader's RefreshInterval, within which repeat matches fold
// into the existing signal's Count instead of creating a new one.
const DefaultDedupeThreshold = 50

// DefaultDedupeCapacity is the size of the LRU dedup-state table, named
// explicitly in the specification.
const DefaultDedupeCapacity = 1000

// RemoteSignalFeed is the external feed fusion source: an opaque producer
// of already-detected signals from another server instance.
type RemoteSignalFeed interface {
	Subscribe(onSignal func(model.Signal)) (unsubscribe func())
}

// Config controls Manager sizing and dedup behavior.
type Config struct {
	DedupeThreshold int // <= 0 uses DefaultDedupeThreshold
	DedupeCapacity  int // <= 0 uses DefaultDedupeCapacity
}

type dedupState struct {
	lastBarOpenTime int64
	signalID        string
}

type record struct {
	model.Signal
	remote bool
}

// ListFilter narrows List's result set. Zero values mean "don't filter on
// this field". Results are always ordered newest-detected-first before
// Offset/Limit are applied, so pagination is stable across calls between
// Submits.
type ListFilter struct {
	TraderIDs  []string // empty means "any trader"
	Symbol     string
	Status     model.SignalStatus
	RemoteOnly bool
	Offset     int // <= 0 means start at the beginning
	Limit      int // <= 0 means no limit
}

// Manager is the live signal store.
type Manager struct {
	threshold int
	log       zerolog.Logger

	dedupe *container.BoundedMap[string, *dedupState]

	mu       sync.RWMutex
	live     map[string]*record
	closed   map[string]*record
	bySymbol map[string]map[string]struct{} // symbol -> live signal IDs
	prices   PriceSource

	remoteUnsubscribe func()

	listenersMu    sync.Mutex
	listeners      map[int]func(model.Signal)
	nextListenerID int
}

// New constructs a Manager. If feed is non-nil, it is subscribed
// immediately and every inbound remote signal is fused in, skipping dedup.
func New(cfg Config, feed RemoteSignalFeed, log zerolog.Logger) *Manager {
	threshold := cfg.DedupeThreshold
	if threshold <= 0 {
		threshold = DefaultDedupeThreshold
	}
	capacity := cfg.DedupeCapacity
	if capacity <= 0 {
		capacity = DefaultDedupeCapacity
	}
	m := &Manager{
		threshold: threshold,
		log:       log.With().Str("component", "signalmanager").Logger(),
		dedupe:    container.NewBoundedMap[string, *dedupState](capacity, container.LRU),
		live:      make(map[string]*record),
		closed:    make(map[string]*record),
		bySymbol:  make(map[string]map[string]struct{}),
		listeners: make(map[int]func(model.Signal)),
	}
	if feed != nil {
		m.remoteUnsubscribe = feed.Subscribe(m.insertRemote)
	}
	return m
}

func dedupeKey(traderID, symbol string) string {
	return traderID + ":" + symbol
}

// Submit applies the dedup algorithm for a detected match and returns the
// resulting (possibly pre-existing, now-incremented) Signal. meta should
// carry an "interval" string entry (the triggering RefreshInterval) so bar
// counting can be derived from barOpenTime deltas rather than wall-clock;
// without it, every Submit is treated as exceeding the dedupe window.
func (m *Manager) Submit(traderID, symbol string, barOpenTime int64, price float64, meta map[string]any) model.Signal {
	key := dedupeKey(traderID, symbol)

	if state, ok := m.dedupe.Get(key); ok {
		elapsed := elapsedBars(state.lastBarOpenTime, barOpenTime, meta)
		if elapsed < m.threshold {
			if sig, ok := m.incrementLive(state.signalID); ok {
				state.lastBarOpenTime = barOpenTime
				m.dedupe.Set(key, state)
				signalsDeduped.WithLabelValues(traderID).Inc()
				return sig
			}
			// the tracked signal aged out from under us; fall through to
			// create a fresh one.
		}
	}

	sig := m.createSignal(traderID, symbol, barOpenTime, price, meta)
	m.dedupe.Set(key, &dedupState{lastBarOpenTime: barOpenTime, signalID: sig.ID})
	signalsCreated.WithLabelValues(traderID).Inc()
	return sig
}

func elapsedBars(prevOpenTime, curOpenTime int64, meta map[string]any) int {
	ivStr, _ := meta["interval"].(string)
	dur := model.Interval(ivStr).Duration()
	if dur <= 0 {
		return math.MaxInt
	}
	delta := curOpenTime - prevOpenTime
	if delta <= 0 {
		return 0
	}
	return int(delta / dur.Milliseconds())
}

func (m *Manager) createSignal(traderID, symbol string, barOpenTime int64, price float64, meta map[string]any) model.Signal {
	sig := model.Signal{
		ID:            uuid.NewString(),
		TraderID:      traderID,
		Symbol:        symbol,
		DetectedAt:    time.Now().UTC(),
		BarOpenTime:   barOpenTime,
		PriceAtSignal: price,
		Metadata:      meta,
		Status:        model.SignalActive,
		Count:         1,
	}
	m.mu.Lock()
	m.live[sig.ID] = &record{Signal: sig}
	if m.bySymbol[symbol] == nil {
		m.bySymbol[symbol] = make(map[string]struct{})
	}
	m.bySymbol[symbol][sig.ID] = struct{}{}
	m.mu.Unlock()
	liveSignalsGauge.Set(float64(len(m.live)))
	m.notify(sig)
	return sig
}

func (m *Manager) incrementLive(signalID string) (model.Signal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.live[signalID]
	if !ok {
		return model.Signal{}, false
	}
	rec.Count++
	return rec.Signal, true
}

// UpdatePrice updates PriceAtSignal on every active (non-remote-only
// filtered) live signal for symbol. Called on every primary-interval
// close.
func (m *Manager) UpdatePrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.bySymbol[symbol] {
		if rec, ok := m.live[id]; ok && rec.Status == model.SignalActive {
			rec.PriceAtSignal = price
		}
	}
}

// Close moves a live signal to the closed store. Closure is always an
// explicit call from the external position-management consumer; Manager
// never closes a signal on its own.
func (m *Manager) Close(signalID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.live[signalID]
	if !ok {
		return false
	}
	rec.Status = model.SignalClosed
	delete(m.live, signalID)
	if set := m.bySymbol[rec.Symbol]; set != nil {
		delete(set, signalID)
		if len(set) == 0 {
			delete(m.bySymbol, rec.Symbol)
		}
	}
	m.closed[signalID] = rec
	liveSignalsGauge.Set(float64(len(m.live)))
	return true
}

// insertRemote fuses an externally-produced signal in verbatim, skipping
// the dedup path -- the producing server already deduplicated it.
func (m *Manager) insertRemote(sig model.Signal) {
	rec := &record{Signal: sig, remote: true}
	m.mu.Lock()
	if sig.Status == model.SignalClosed {
		m.closed[sig.ID] = rec
		m.mu.Unlock()
		return
	}
	m.live[sig.ID] = rec
	if m.bySymbol[sig.Symbol] == nil {
		m.bySymbol[sig.Symbol] = make(map[string]struct{})
	}
	m.bySymbol[sig.Symbol][sig.ID] = struct{}{}
	m.mu.Unlock()
	liveSignalsGauge.Set(float64(len(m.live)))
	m.notify(sig)
}

// List returns a snapshot of signals matching filter, newest-detected-first,
// with Offset/Limit applied after filtering and sorting.
func (m *Manager) List(filter ListFilter) []model.Signal {
	traderSet := make(map[string]struct{}, len(filter.TraderIDs))
	for _, id := range filter.TraderIDs {
		traderSet[id] = struct{}{}
	}

	m.mu.RLock()
	out := make([]model.Signal, 0)
	collect := func(recs map[string]*record) {
		for _, rec := range recs {
			if len(traderSet) > 0 {
				if _, ok := traderSet[rec.TraderID]; !ok {
					continue
				}
			}
			if filter.Symbol != "" && rec.Symbol != filter.Symbol {
				continue
			}
			if filter.Status != "" && rec.Status != filter.Status {
				continue
			}
			if filter.RemoteOnly && !rec.remote {
				continue
			}
			out = append(out, rec.Signal)
		}
	}
	collect(m.live)
	collect(m.closed)
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []model.Signal{}
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out
}

// CurrentPrice reports the most recently observed price for symbol, via the
// PriceSource installed with SetPriceSource -- PriceAtSignal on a live
// record is refreshed only on primary-interval closes, not a live quote, so
// this reads through to the ticker cache instead of Manager's own state.
// Returns false if no PriceSource is installed or no ticker has been
// observed for symbol yet.
func (m *Manager) CurrentPrice(symbol string) (float64, bool) {
	m.mu.RLock()
	prices := m.prices
	m.mu.RUnlock()
	if prices == nil {
		return 0, false
	}
	return prices.LastPrice(symbol)
}

// SetPriceSource installs the collaborator CurrentPrice reads through to.
// Safe to call at any time; nil clears it.
func (m *Manager) SetPriceSource(prices PriceSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices = prices
}

// PriceSource supplies the latest known price for a symbol. Satisfied by
// internal/tickerstore.Store.
type PriceSource interface {
	LastPrice(symbol string) (float64, bool)
}

// CleanupOldSignals removes active signals older (by DetectedAt) than
// maxAge from the live store, and closed signals older than closedMaxAge
// from the closed store. Returns the number evicted from each. Callers
// under memory pressure (CleanupSupervisor) pass halved durations.
func (m *Manager) CleanupOldSignals(maxAge, closedMaxAge time.Duration) (evictedActive, evictedClosed int) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, rec := range m.live {
		if now.Sub(rec.DetectedAt) > maxAge {
			delete(m.live, id)
			if set := m.bySymbol[rec.Symbol]; set != nil {
				delete(set, id)
				if len(set) == 0 {
					delete(m.bySymbol, rec.Symbol)
				}
			}
			evictedActive++
		}
	}
	for id, rec := range m.closed {
		if now.Sub(rec.DetectedAt) > closedMaxAge {
			delete(m.closed, id)
			evictedClosed++
		}
	}
	if evictedActive > 0 {
		signalsEvicted.WithLabelValues("live").Add(float64(evictedActive))
	}
	if evictedClosed > 0 {
		signalsEvicted.WithLabelValues("closed").Add(float64(evictedClosed))
	}
	liveSignalsGauge.Set(float64(len(m.live)))
	return evictedActive, evictedClosed
}

// RecentSymbols returns the distinct symbols referenced by the n
// most-recently detected signals (live or closed), newest first --
// CleanupSupervisor folds this into its "active set" so a symbol a user
// just got a signal on isn't evicted out from under them.
func (m *Manager) RecentSymbols(n int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type entry struct {
		symbol string
		at     time.Time
	}
	all := make([]entry, 0, len(m.live)+len(m.closed))
	for _, rec := range m.live {
		all = append(all, entry{rec.Symbol, rec.DetectedAt})
	}
	for _, rec := range m.closed {
		all = append(all, entry{rec.Symbol, rec.DetectedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.After(all[j].at) })

	seen := make(map[string]struct{})
	out := make([]string, 0, n)
	for _, e := range all {
		if len(out) >= n {
			break
		}
		if _, ok := seen[e.symbol]; ok {
			continue
		}
		seen[e.symbol] = struct{}{}
		out = append(out, e.symbol)
	}
	return out
}

// TruncateClosedLog keeps only the maxRetained most-recently-detected
// closed signals, evicting the rest. Live signals are never truncated by
// count -- only CleanupOldSignals ages them out.
func (m *Manager) TruncateClosedLog(maxRetained int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.closed) <= maxRetained {
		return 0
	}

	type idAt struct {
		id string
		at time.Time
	}
	list := make([]idAt, 0, len(m.closed))
	for id, rec := range m.closed {
		list = append(list, idAt{id, rec.DetectedAt})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].at.Before(list[j].at) })

	toRemove := len(list) - maxRetained
	for i := 0; i < toRemove; i++ {
		delete(m.closed, list[i].id)
	}
	signalsEvicted.WithLabelValues("closed").Add(float64(toRemove))
	return toRemove
}

// OnSignal registers fn to be called with every newly created signal
// (local or remote-fused). It is not called on Count increments or Close --
// only on first detection. Returns an unsubscribe func.
func (m *Manager) OnSignal(fn func(model.Signal)) (unsubscribe func()) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	id := m.nextListenerID
	m.nextListenerID++
	m.listeners[id] = fn
	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) notify(sig model.Signal) {
	m.listenersMu.Lock()
	fns := make([]func(model.Signal), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.listenersMu.Unlock()
	for _, fn := range fns {
		fn(sig)
	}
}

// Shutdown unsubscribes from the remote feed, if one was configured.
func (m *Manager) Shutdown() {
	if m.remoteUnsubscribe != nil {
		m.remoteUnsubscribe()
	}
}
