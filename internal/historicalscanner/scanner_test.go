package historicalscanner

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/vyx/screener/internal/model"
	"github.com/vyx/screener/internal/predicate"
)

type fakeStore struct {
	series map[string][]model.Kline // key: symbol+":"+interval
}

func (f *fakeStore) GetLastNClosed(symbol, interval string, n int) []model.Kline {
	all := f.series[symbol+":"+interval]
	if len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]model.Kline, len(all))
	copy(out, all)
	return out
}

func makeSeries(n int, stepMs int64) []model.Kline {
	out := make([]model.Kline, n)
	for i := 0; i < n; i++ {
		out[i] = model.Kline{
			OpenTime: int64(i) * stepMs,
			Close:    100 + float64(i),
			IsFinal:  true,
		}
	}
	return out
}

type matchEveryOtherBar struct {
	mu    sync.Mutex
	calls int
}

func (m *matchEveryOtherBar) Evaluate(ctx context.Context, code string, view predicate.View) (predicate.EvalResult, error) {
	m.mu.Lock()
	m.calls++
	n := m.calls
	m.mu.Unlock()
	return predicate.EvalResult{Matched: n%2 == 0}, nil
}

func TestScanner_ReplaysLookbackWindowAndMatches(t *testing.T) {
	store := &fakeStore{series: map[string][]model.Kline{
		"BTCUSDT:1m": makeSeries(20, 60000),
	}}
	rt := &matchEveryOtherBar{}
	s := New(store, rt, zerolog.Nop())

	trader := &model.Trader{ID: "t1", Filter: model.TraderFilter{
		Code:               "return true",
		RefreshInterval:    model.Interval1m,
		RequiredTimeframes: []model.Interval{model.Interval1m},
	}}

	sigs, err := s.Scan(context.Background(), Request{Trader: trader, Symbols: []string{"BTCUSDT"}, LookbackBars: 10}, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(sigs) != 5 {
		t.Fatalf("len(sigs) = %d, want 5 (every other of 10 bars)", len(sigs))
	}
	for _, sig := range sigs {
		if !sig.IsReplayed {
			t.Errorf("expected IsReplayed = true")
		}
	}
}

func TestScanner_InvalidLookbackReturnsError(t *testing.T) {
	s := New(&fakeStore{}, &matchEveryOtherBar{}, zerolog.Nop())
	trader := &model.Trader{ID: "t1", Filter: model.TraderFilter{RefreshInterval: model.Interval1m}}
	_, err := s.Scan(context.Background(), Request{Trader: trader, Symbols: []string{"BTCUSDT"}, LookbackBars: 0}, nil)
	if err != ErrInvalidLookback {
		t.Fatalf("err = %v, want ErrInvalidLookback", err)
	}
}

func TestScanner_NoDataForSymbolYieldsNoSignals(t *testing.T) {
	store := &fakeStore{series: map[string][]model.Kline{}}
	s := New(store, &matchEveryOtherBar{}, zerolog.Nop())
	trader := &model.Trader{ID: "t1", Filter: model.TraderFilter{
		RefreshInterval:    model.Interval1m,
		RequiredTimeframes: []model.Interval{model.Interval1m},
	}}

	sigs, err := s.Scan(context.Background(), Request{Trader: trader, Symbols: []string{"ETHUSDT"}, LookbackBars: 5}, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(sigs) != 0 {
		t.Fatalf("len(sigs) = %d, want 0", len(sigs))
	}
}

type alwaysMatch struct{}

func (alwaysMatch) Evaluate(ctx context.Context, code string, view predicate.View) (predicate.EvalResult, error) {
	return predicate.EvalResult{Matched: true}, nil
}

func TestScanner_MaxSignalsPerSymbolBoundsOutput(t *testing.T) {
	store := &fakeStore{series: map[string][]model.Kline{
		"BTCUSDT:1m": makeSeries(50, 60000),
	}}
	s := New(store, alwaysMatch{}, zerolog.Nop())
	trader := &model.Trader{ID: "t1", Filter: model.TraderFilter{
		RefreshInterval:    model.Interval1m,
		RequiredTimeframes: []model.Interval{model.Interval1m},
	}}

	sigs, err := s.Scan(context.Background(), Request{Trader: trader, Symbols: []string{"BTCUSDT"}, LookbackBars: 50, MaxSignalsPerSymbol: 3}, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(sigs) != 3 {
		t.Fatalf("len(sigs) = %d, want 3", len(sigs))
	}
}

func TestScanner_CancelledContextReturnsPartialResultsNoError(t *testing.T) {
	store := &fakeStore{series: map[string][]model.Kline{
		"BTCUSDT:1m": makeSeries(1000, 60000),
	}}
	s := New(store, alwaysMatch{}, zerolog.Nop())
	trader := &model.Trader{ID: "t1", Filter: model.TraderFilter{
		RefreshInterval:    model.Interval1m,
		RequiredTimeframes: []model.Interval{model.Interval1m},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	sigs, err := s.Scan(ctx, Request{Trader: trader, Symbols: []string{"BTCUSDT"}, LookbackBars: 1000}, nil)
	if err != nil {
		t.Fatalf("Scan returned error for a cancelled context, want partial results: %v", err)
	}
	if len(sigs) > 1000 {
		t.Fatalf("len(sigs) = %d should never exceed the lookback window", len(sigs))
	}
}

func TestScanner_EmitsProgressPerSymbol(t *testing.T) {
	store := &fakeStore{series: map[string][]model.Kline{
		"BTCUSDT:1m": makeSeries(10, 60000),
		"ETHUSDT:1m": makeSeries(10, 60000),
	}}
	s := New(store, alwaysMatch{}, zerolog.Nop())
	trader := &model.Trader{ID: "t1", Filter: model.TraderFilter{
		RefreshInterval:    model.Interval1m,
		RequiredTimeframes: []model.Interval{model.Interval1m},
	}}

	progress := make(chan Progress, 10)
	_, err := s.Scan(context.Background(), Request{Trader: trader, Symbols: []string{"BTCUSDT", "ETHUSDT"}, LookbackBars: 10}, progress)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	close(progress)

	count := 0
	for p := range progress {
		if p.TotalSymbols != 2 {
			t.Errorf("TotalSymbols = %d, want 2", p.TotalSymbols)
		}
		count++
	}
	if count != 2 {
		t.Fatalf("progress events = %d, want 2", count)
	}
}
