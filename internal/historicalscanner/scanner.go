// Package historicalscanner replays a trader's predicate against bars
// already held in KlineStore, yielding HistoricalSignals with progress and
// cancellation. New relative to the teacher, which only ever evaluates the
// most recent bar; grounded on internal/trader/executor.go's bounded
// symbol-worker pool shape (there errgroup/semaphore fan out live symbol
// screening, here the same shape fans out independent per-symbol replays).
package historicalscanner

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vyx/screener/internal/klinestore"
	"github.com/vyx/screener/internal/model"
	"github.com/vyx/screener/internal/predicate"
)

// DefaultSymbolConcurrency bounds how many symbols are replayed at once.
const DefaultSymbolConcurrency = 8

// DefaultMaxHistoricalSignals hard-bounds total output across a single Scan.
const DefaultMaxHistoricalSignals = 1000

// truncationWindow is a generous cap when fetching a required timeframe's
// full closed history for per-bar truncation; KlineStore's own ring
// capacity is the real bound.
const truncationWindow = 1 << 20

// ErrInvalidLookback is returned when Request.LookbackBars <= 0.
var ErrInvalidLookback = errors.New("historicalscanner: LookbackBars must be > 0")

// KlineViewer is the read path the scanner needs from KlineStore.
type KlineViewer interface {
	GetLastNClosed(symbol, interval string, n int) []model.Kline
}

// PredicateRunner is the evaluation path the scanner needs from
// PredicateRuntime.
type PredicateRunner interface {
	Evaluate(ctx context.Context, code string, view predicate.View) (predicate.EvalResult, error)
}

// Progress reports replay status for one symbol's completion.
type Progress struct {
	SymbolIndex     int
	TotalSymbols    int
	CurrentSymbol   string
	PercentComplete float64
	SignalsFound    int
}

// Request configures a single Scan call.
type Request struct {
	Trader              *model.Trader
	Symbols             []string
	LookbackBars        int
	MaxSignalsPerSymbol int // <= 0 means unlimited
}

// Scanner replays predicates against stored history.
type Scanner struct {
	store   KlineViewer
	runtime PredicateRunner
	log     zerolog.Logger
}

// New constructs a Scanner.
func New(store KlineViewer, runtime PredicateRunner, log zerolog.Logger) *Scanner {
	return &Scanner{store: store, runtime: runtime, log: log.With().Str("component", "historicalscanner").Logger()}
}

type scanState struct {
	mu         sync.Mutex
	results    []model.HistoricalSignal
	maxSignals int
	progress   chan<- Progress
}

func (st *scanState) tryAdd(sig model.HistoricalSignal) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.results) >= st.maxSignals {
		return false
	}
	st.results = append(st.results, sig)
	return true
}

func (st *scanState) snapshot() []model.HistoricalSignal {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]model.HistoricalSignal(nil), st.results...)
}

func (st *scanState) reportProgress(idx, total int, symbol string, found int) {
	if st.progress == nil {
		return
	}
	pct := float64(idx+1) / float64(total) * 100
	select {
	case st.progress <- Progress{SymbolIndex: idx, TotalSymbols: total, CurrentSymbol: symbol, PercentComplete: pct, SignalsFound: found}:
	default:
	}
}

// Scan replays req.Trader's predicate across req.Symbols, emitting progress
// on the (optional) progress channel and returning every matched bar as a
// HistoricalSignal, hard-bounded to DefaultMaxHistoricalSignals. A
// cancelled ctx stops in-flight work at the next bar boundary; whatever was
// collected so far is still returned (not treated as an error).
func (s *Scanner) Scan(ctx context.Context, req Request, progress chan<- Progress) ([]model.HistoricalSignal, error) {
	if req.LookbackBars <= 0 {
		return nil, ErrInvalidLookback
	}

	state := &scanState{maxSignals: DefaultMaxHistoricalSignals, progress: progress}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultSymbolConcurrency)

	total := len(req.Symbols)
	for idx, symbol := range req.Symbols {
		idx, symbol := idx, symbol
		g.Go(func() error {
			return s.scanSymbol(gctx, req, idx, symbol, total, state)
		})
	}

	err := g.Wait()
	out := state.snapshot()
	if err != nil && !errors.Is(err, context.Canceled) {
		return out, err
	}
	return out, nil
}

func (s *Scanner) scanSymbol(ctx context.Context, req Request, idx int, symbol string, total int, state *scanState) error {
	primary := string(req.Trader.Filter.RefreshInterval)
	window := s.store.GetLastNClosed(symbol, primary, req.LookbackBars)
	if len(window) == 0 {
		state.reportProgress(idx, total, symbol, 0)
		return nil
	}

	secondary := make(map[string][]model.Kline, len(req.Trader.Filter.RequiredTimeframes))
	for _, iv := range req.Trader.Filter.RequiredTimeframes {
		key := string(iv)
		if key == primary {
			continue
		}
		secondary[key] = s.store.GetLastNClosed(symbol, key, truncationWindow)
	}

	found := 0
	for i := len(window) - 1; i >= 0; i-- {
		bar := window[i]
		select {
		case <-ctx.Done():
			state.reportProgress(idx, total, symbol, found)
			return ctx.Err()
		default:
		}
		if req.MaxSignalsPerSymbol > 0 && found >= req.MaxSignalsPerSymbol {
			break
		}

		view := predicate.View{Timeframes: make(map[string]klinestore.View, len(secondary)+1)}
		view.Timeframes[primary] = klinestore.View{Klines: window[:i+1]}
		for iv, series := range secondary {
			view.Timeframes[iv] = klinestore.View{Klines: truncateAt(series, bar.OpenTime)}
		}

		result, err := s.runtime.Evaluate(ctx, req.Trader.Filter.Code, view)
		if err != nil {
			s.log.Warn().Err(err).Str("trader", req.Trader.ID).Str("symbol", symbol).Msg("historical predicate evaluation failed")
			continue
		}
		if !result.Matched {
			continue
		}

		found++
		sig := model.HistoricalSignal{
			Signal: model.Signal{
				ID:            uuid.NewString(),
				TraderID:      req.Trader.ID,
				Symbol:        symbol,
				DetectedAt:    time.Now().UTC(),
				BarOpenTime:   bar.OpenTime,
				PriceAtSignal: bar.Close,
				Status:        model.SignalActive,
				Count:         1,
			},
			BarsAgo:    len(window) - 1 - i,
			IsReplayed: true,
		}
		if !state.tryAdd(sig) {
			historicalSignalsDropped.Inc()
		}
	}

	state.reportProgress(idx, total, symbol, found)
	return nil
}

// truncateAt returns the prefix of series whose last element's OpenTime is
// the greatest <= openTimeLimit.
func truncateAt(series []model.Kline, openTimeLimit int64) []model.Kline {
	idx := sort.Search(len(series), func(i int) bool {
		return series[i].OpenTime > openTimeLimit
	})
	if idx == 0 {
		return nil
	}
	return series[:idx]
}
