// Package cleanup runs the periodic maintenance sweeps that keep the
// in-memory stores bounded: stale tickers, untouched kline series, and
// aged-out signal history. Grounded on internal/trader/registry.go's
// startCleanup/cleanupLoop/cleanup goroutine shape (ticker + select +
// stop-channel + sync.WaitGroup) and internal/monitoring/engine.go's
// cleanupLoop (ticker + select on ctx.Done()).
package cleanup

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Defaults, named explicitly in the specification.
const (
	DefaultStoreSweepInterval  = 30 * time.Second
	DefaultSignalSweepInterval = 5 * time.Minute

	DefaultTickerMaxAge       = 5 * time.Minute
	DefaultSeriesMaxAge       = 5 * time.Minute
	DefaultSignalMaxAge       = time.Hour
	DefaultClosedSignalMaxAge = 24 * time.Hour
	DefaultClosedLogCapacity  = 100
	DefaultActiveSignalWindow = 20

	// DefaultHeapPressureRatio is the HeapAlloc/HeapSys ratio above which a
	// single sweep runs with every age threshold halved.
	DefaultHeapPressureRatio = 0.70
)

// TickerPruner is the subset of tickerstore.Store the supervisor needs.
type TickerPruner interface {
	PruneStale(active map[string]struct{}, maxAge time.Duration) int
}

// SeriesPruner is the subset of klinestore.Store the supervisor needs.
type SeriesPruner interface {
	EvictInactiveExcept(active map[string]struct{}, olderThan time.Duration) int
}

// SignalStore is the subset of signalmanager.Manager the supervisor needs.
type SignalStore interface {
	CleanupOldSignals(maxAge, closedMaxAge time.Duration) (evictedActive, evictedClosed int)
	TruncateClosedLog(maxRetained int) int
	RecentSymbols(n int) []string
}

// HistoricalCache ages out retained historical-scan results. No concrete
// implementation exists yet -- HistoricalScanner.Scan returns its results
// directly to the caller with nothing retained server-side -- so Supervisor
// treats a nil HistoricalCache as a no-op and simply skips that sub-sweep.
type HistoricalCache interface {
	EvictOlderThan(maxAge time.Duration) int
}

// Config controls sweep intervals, age thresholds, and active-set sizing.
// Zero values fall back to the package defaults.
type Config struct {
	StoreSweepInterval  time.Duration
	SignalSweepInterval time.Duration

	TickerMaxAge       time.Duration
	SeriesMaxAge       time.Duration
	SignalMaxAge       time.Duration
	ClosedSignalMaxAge time.Duration
	ClosedLogCapacity  int
	ActiveSignalWindow int
	HistoricalMaxAge   time.Duration
	HeapPressureRatio  float64
}

func (c Config) withDefaults() Config {
	if c.StoreSweepInterval <= 0 {
		c.StoreSweepInterval = DefaultStoreSweepInterval
	}
	if c.SignalSweepInterval <= 0 {
		c.SignalSweepInterval = DefaultSignalSweepInterval
	}
	if c.TickerMaxAge <= 0 {
		c.TickerMaxAge = DefaultTickerMaxAge
	}
	if c.SeriesMaxAge <= 0 {
		c.SeriesMaxAge = DefaultSeriesMaxAge
	}
	if c.SignalMaxAge <= 0 {
		c.SignalMaxAge = DefaultSignalMaxAge
	}
	if c.ClosedSignalMaxAge <= 0 {
		c.ClosedSignalMaxAge = DefaultClosedSignalMaxAge
	}
	if c.ClosedLogCapacity <= 0 {
		c.ClosedLogCapacity = DefaultClosedLogCapacity
	}
	if c.ActiveSignalWindow <= 0 {
		c.ActiveSignalWindow = DefaultActiveSignalWindow
	}
	if c.HistoricalMaxAge <= 0 {
		c.HistoricalMaxAge = 4 * time.Hour
	}
	if c.HeapPressureRatio <= 0 {
		c.HeapPressureRatio = DefaultHeapPressureRatio
	}
	return c
}

// Supervisor runs the two periodic sweeps described above.
type Supervisor struct {
	cfg Config
	log zerolog.Logger

	tickers    TickerPruner
	series     SeriesPruner
	signals    SignalStore
	historical HistoricalCache

	readMemStats func() runtime.MemStats

	mu      sync.Mutex
	focused map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Supervisor. historical may be nil.
func New(cfg Config, tickers TickerPruner, series SeriesPruner, signals SignalStore, historical HistoricalCache, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:        cfg.withDefaults(),
		log:        log.With().Str("component", "cleanup").Logger(),
		tickers:    tickers,
		series:     series,
		signals:    signals,
		historical: historical,
		readMemStats: func() runtime.MemStats {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return m
		},
		focused: make(map[string]struct{}),
	}
}

// SetFocusedSymbols replaces the explicitly-selected (chart focus) symbol
// set folded into the active set on every sweep.
func (s *Supervisor) SetFocusedSymbols(symbols []string) {
	focused := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		focused[sym] = struct{}{}
	}
	s.mu.Lock()
	s.focused = focused
	s.mu.Unlock()
}

func (s *Supervisor) focusedSnapshot() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.focused))
	for sym := range s.focused {
		out[sym] = struct{}{}
	}
	return out
}

// Start launches the sweep goroutines. It returns immediately; call
// Shutdown to stop them.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.storeSweepLoop(ctx)
	go s.signalSweepLoop(ctx)
}

// Shutdown stops both sweep goroutines and waits for them to exit.
func (s *Supervisor) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) storeSweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.StoreSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.storeSweep()
		}
	}
}

func (s *Supervisor) signalSweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SignalSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.signalSweep()
		}
	}
}

// activeSet is the union of recently-signaled symbols and explicitly
// chart-focused symbols. Ticker and series recency (their own touched
// timestamps) supply the rest of the "active" protection; this set only
// adds exemptions on top of that.
func (s *Supervisor) activeSet() map[string]struct{} {
	active := s.focusedSnapshot()
	for _, sym := range s.signals.RecentSymbols(s.cfg.ActiveSignalWindow) {
		active[sym] = struct{}{}
	}
	return active
}

// storeSweep evicts stale tickers and untouched kline series, halving age
// thresholds for this cycle under observed heap pressure.
func (s *Supervisor) storeSweep() {
	sweepsRun.WithLabelValues("store").Inc()

	tickerMaxAge, seriesMaxAge := s.cfg.TickerMaxAge, s.cfg.SeriesMaxAge
	if s.underHeapPressure() {
		tickerMaxAge /= 2
		seriesMaxAge /= 2
		heapPressureActive.Set(1)
		s.log.Warn().Msg("heap pressure detected, halving cleanup age thresholds for this cycle")
	} else {
		heapPressureActive.Set(0)
	}

	active := s.activeSet()

	tickersRemoved := s.tickers.PruneStale(active, tickerMaxAge)
	seriesRemoved := s.series.EvictInactiveExcept(active, seriesMaxAge)

	var historicalRemoved int
	if s.historical != nil {
		historicalMaxAge := s.cfg.HistoricalMaxAge
		if tickerMaxAge != s.cfg.TickerMaxAge {
			historicalMaxAge /= 2
		}
		historicalRemoved = s.historical.EvictOlderThan(historicalMaxAge)
	}

	if tickersRemoved > 0 {
		entriesEvicted.WithLabelValues("ticker").Add(float64(tickersRemoved))
	}
	if seriesRemoved > 0 {
		entriesEvicted.WithLabelValues("series").Add(float64(seriesRemoved))
	}
	if historicalRemoved > 0 {
		entriesEvicted.WithLabelValues("historical").Add(float64(historicalRemoved))
	}

	s.log.Debug().
		Int("tickers_evicted", tickersRemoved).
		Int("series_evicted", seriesRemoved).
		Int("historical_evicted", historicalRemoved).
		Msg("store sweep complete")
}

// signalSweep ages out old signal-history entries and truncates the closed
// log to its retained capacity.
func (s *Supervisor) signalSweep() {
	sweepsRun.WithLabelValues("signal").Inc()

	signalMaxAge, closedMaxAge := s.cfg.SignalMaxAge, s.cfg.ClosedSignalMaxAge
	if s.underHeapPressure() {
		signalMaxAge /= 2
		closedMaxAge /= 2
	}

	evictedActive, evictedClosed := s.signals.CleanupOldSignals(signalMaxAge, closedMaxAge)
	truncated := s.signals.TruncateClosedLog(s.cfg.ClosedLogCapacity)

	if evictedActive > 0 {
		entriesEvicted.WithLabelValues("signal_active").Add(float64(evictedActive))
	}
	if evictedClosed > 0 {
		entriesEvicted.WithLabelValues("signal_closed").Add(float64(evictedClosed))
	}
	if truncated > 0 {
		entriesEvicted.WithLabelValues("signal_closed_truncated").Add(float64(truncated))
	}

	s.log.Debug().
		Int("active_aged_out", evictedActive).
		Int("closed_aged_out", evictedClosed).
		Int("closed_truncated", truncated).
		Msg("signal sweep complete")
}

func (s *Supervisor) underHeapPressure() bool {
	stats := s.readMemStats()
	if stats.HeapSys == 0 {
		return false
	}
	return float64(stats.HeapAlloc)/float64(stats.HeapSys) > s.cfg.HeapPressureRatio
}
