package cleanup

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeTickers struct {
	mu       sync.Mutex
	calls    int
	lastMax  time.Duration
	lastActv map[string]struct{}
	ret      int
}

func (f *fakeTickers) PruneStale(active map[string]struct{}, maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastMax = maxAge
	f.lastActv = active
	return f.ret
}

type fakeSeries struct {
	mu      sync.Mutex
	calls   int
	lastMax time.Duration
	ret     int
}

func (f *fakeSeries) EvictInactiveExcept(active map[string]struct{}, olderThan time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastMax = olderThan
	return f.ret
}

type fakeSignals struct {
	mu           sync.Mutex
	cleanupCalls int
	truncCalls   int
	recent       []string
	retActive    int
	retClosed    int
	retTrunc     int
}

func (f *fakeSignals) CleanupOldSignals(maxAge, closedMaxAge time.Duration) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanupCalls++
	return f.retActive, f.retClosed
}

func (f *fakeSignals) TruncateClosedLog(maxRetained int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.truncCalls++
	return f.retTrunc
}

func (f *fakeSignals) RecentSymbols(n int) []string {
	return f.recent
}

func newTestSupervisor(cfg Config) (*Supervisor, *fakeTickers, *fakeSeries, *fakeSignals) {
	tickers := &fakeTickers{}
	series := &fakeSeries{}
	signals := &fakeSignals{}
	s := New(cfg, tickers, series, signals, nil, zerolog.Nop())
	return s, tickers, series, signals
}

func TestSupervisor_StoreSweepCallsPrunersWithActiveSet(t *testing.T) {
	s, tickers, series, signals := newTestSupervisor(Config{})
	signals.recent = []string{"ETHUSDT"}
	s.SetFocusedSymbols([]string{"BTCUSDT"})

	s.storeSweep()

	if tickers.calls != 1 || series.calls != 1 {
		t.Fatalf("expected one call to each pruner, got tickers=%d series=%d", tickers.calls, series.calls)
	}
	if _, ok := tickers.lastActv["BTCUSDT"]; !ok {
		t.Fatalf("expected focused symbol BTCUSDT in active set")
	}
	if _, ok := tickers.lastActv["ETHUSDT"]; !ok {
		t.Fatalf("expected recent signal symbol ETHUSDT in active set")
	}
}

func TestSupervisor_SignalSweepCallsCleanupAndTruncate(t *testing.T) {
	s, _, _, signals := newTestSupervisor(Config{})
	signals.retActive, signals.retClosed, signals.retTrunc = 2, 1, 3

	s.signalSweep()

	if signals.cleanupCalls != 1 || signals.truncCalls != 1 {
		t.Fatalf("expected one cleanup and one truncate call, got cleanup=%d trunc=%d", signals.cleanupCalls, signals.truncCalls)
	}
}

func TestSupervisor_HeapPressureHalvesThresholds(t *testing.T) {
	s, tickers, series, _ := newTestSupervisor(Config{TickerMaxAge: 10 * time.Minute, SeriesMaxAge: 10 * time.Minute})
	s.readMemStats = func() runtime.MemStats {
		return runtime.MemStats{HeapAlloc: 90, HeapSys: 100}
	}

	s.storeSweep()

	if tickers.lastMax != 5*time.Minute {
		t.Fatalf("tickers.lastMax = %v, want 5m (halved)", tickers.lastMax)
	}
	if series.lastMax != 5*time.Minute {
		t.Fatalf("series.lastMax = %v, want 5m (halved)", series.lastMax)
	}
}

func TestSupervisor_NoHeapPressureKeepsFullThresholds(t *testing.T) {
	s, tickers, _, _ := newTestSupervisor(Config{TickerMaxAge: 10 * time.Minute})
	s.readMemStats = func() runtime.MemStats {
		return runtime.MemStats{HeapAlloc: 10, HeapSys: 100}
	}

	s.storeSweep()

	if tickers.lastMax != 10*time.Minute {
		t.Fatalf("tickers.lastMax = %v, want 10m (unhalved)", tickers.lastMax)
	}
}

func TestSupervisor_StartAndShutdownStopsLoops(t *testing.T) {
	s, tickers, _, _ := newTestSupervisor(Config{StoreSweepInterval: time.Millisecond, SignalSweepInterval: time.Millisecond})

	s.Start(context.Background())
	deadline := time.Now().Add(200 * time.Millisecond)
	for {
		tickers.mu.Lock()
		calls := tickers.calls
		tickers.mu.Unlock()
		if calls > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected at least one store sweep within 200ms")
		}
		time.Sleep(time.Millisecond)
	}

	s.Shutdown()

	tickers.mu.Lock()
	callsAtShutdown := tickers.calls
	tickers.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	tickers.mu.Lock()
	callsAfter := tickers.calls
	tickers.mu.Unlock()

	if callsAfter != callsAtShutdown {
		t.Fatalf("expected no further sweeps after Shutdown, before=%d after=%d", callsAtShutdown, callsAfter)
	}
}
