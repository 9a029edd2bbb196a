// Package scheduler owns the per-trader evaluation schedule: it reacts to
// KlineStore bar closes (via UpdateBus), fans matching traders out to a
// bounded worker pool, and forwards matches to SignalManager. Grounded on
// the teacher's internal/trader/executor.go worker-pool shape, re-centered
// on bar-close events instead of a one-shot per-run fetch.
package scheduler

import (
	"context"
	"reflect"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/vyx/screener/internal/klinestore"
	"github.com/vyx/screener/internal/model"
	"github.com/vyx/screener/internal/predicate"
	"github.com/vyx/screener/internal/updatebus"
)

// KlineViewer is the read path the scheduler needs from KlineStore.
type KlineViewer interface {
	GetSeries(symbol, interval string) (klinestore.View, bool)
}

// PredicateRunner is the evaluation path the scheduler needs from
// PredicateRuntime.
type PredicateRunner interface {
	Evaluate(ctx context.Context, code string, view predicate.View) (predicate.EvalResult, error)
}

// SignalSink is the submission path the scheduler needs from SignalManager.
type SignalSink interface {
	Submit(traderID, symbol string, barOpenTime int64, price float64, meta map[string]any) model.Signal
}

// PriceSource supplies the latest known price for a symbol (fed by the
// ticker UpdateBatcher sink).
type PriceSource interface {
	LastPrice(symbol string) (float64, bool)
}

// TierPolicy is the subscription-tiering decision this module consumes but
// never implements (owned by the presentation/auth layer). A nil TierPolicy
// admits every enabled trader ApplyTraderSet receives, on the assumption
// that the upstream TraderStore already filtered by tier.
type TierPolicy interface {
	CanEnable(trader model.Trader) bool
}

// Config controls scheduler sizing.
type Config struct {
	// Workers bounds the execution pool. <= 0 uses runtime.NumCPU(),
	// grounded on the teacher's executor.go numWorkers.
	Workers int
}

type task struct {
	trader      *model.Trader
	symbol      string
	interval    string
	barOpenTime int64
}

// Scheduler indexes enabled traders by RefreshInterval and dispatches them
// on bar close.
type Scheduler struct {
	store   KlineViewer
	runtime PredicateRunner
	signals SignalSink
	prices  PriceSource
	tier    TierPolicy
	log     zerolog.Logger

	mu         sync.RWMutex
	byInterval map[string][]*model.Trader
	byID       map[string]*model.Trader

	// sem bounds the number of evaluations running concurrently, the
	// scheduler's admission control. Grounded on the teacher's
	// QuotaManager.globalSemaphore, repurposed from per-tier trader-start
	// admission to per-task worker-pool admission.
	sem     *semaphore.Weighted
	cancels sync.Map // traderID -> context.CancelFunc, for in-flight evaluation

	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex

	ctx         context.Context
	cancelAll   context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New constructs a Scheduler and starts its worker pool.
func New(cfg Config, store KlineViewer, runtime_ PredicateRunner, signals SignalSink, prices PriceSource, bus *updatebus.Bus, log zerolog.Logger) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:      store,
		runtime:    runtime_,
		signals:    signals,
		prices:     prices,
		log:        log.With().Str("component", "scheduler").Logger(),
		byInterval: make(map[string][]*model.Trader),
		byID:       make(map[string]*model.Trader),
		sem:        semaphore.NewWeighted(int64(workers)),
		keyLocks:   make(map[string]*sync.Mutex),
		ctx:        ctx,
		cancelAll:  cancel,
	}

	s.unsubscribe = bus.SubscribeAll(s.onBarClose)
	return s
}

// SetTierPolicy installs the subscription-tiering collaborator. Safe to
// call at any time; nil clears it (the default, admit-everyone behavior).
func (s *Scheduler) SetTierPolicy(policy TierPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tier = policy
}

// TraderDiff reports how ApplyTraderSet changed the scheduler's index.
type TraderDiff struct {
	Added   []*model.Trader
	Updated []*model.Trader
	Removed []*model.Trader
}

// ApplyTraderSet replaces the scheduler's trader index with traders,
// computing the {Added, Updated, Removed} diff against the previous
// snapshot by ID and then by deep filter equality. No evaluation is kicked
// off here: evaluation is always event-driven by bar closes.
func (s *Scheduler) ApplyTraderSet(traders []*model.Trader) TraderDiff {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*model.Trader, len(traders))
	for _, t := range traders {
		if !t.Enabled {
			continue
		}
		if s.tier != nil && !s.tier.CanEnable(*t) {
			continue
		}
		next[t.ID] = t
	}

	diff := TraderDiff{}
	for id, t := range next {
		prev, existed := s.byID[id]
		if !existed {
			diff.Added = append(diff.Added, t)
			continue
		}
		if !reflect.DeepEqual(prev.Filter, t.Filter) {
			diff.Updated = append(diff.Updated, t)
		}
	}
	for id, t := range s.byID {
		if _, stillPresent := next[id]; !stillPresent {
			diff.Removed = append(diff.Removed, t)
			if cancel, ok := s.cancels.LoadAndDelete(id); ok {
				cancel.(context.CancelFunc)()
			}
		}
	}

	s.byID = next
	s.byInterval = make(map[string][]*model.Trader)
	for _, t := range next {
		iv := string(t.Filter.RefreshInterval)
		s.byInterval[iv] = append(s.byInterval[iv], t)
	}
	return diff
}

// Traders returns a snapshot of the currently-admitted trader set, for the
// ambient HTTP surface's read-only listing endpoint.
func (s *Scheduler) Traders() []*model.Trader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Trader, 0, len(s.byID))
	for _, t := range s.byID {
		out = append(out, t)
	}
	return out
}

// onBarClose is invoked by UpdateBus for every close event. It holds a
// per-(symbol, interval) lock only for the duration of dispatch: one
// close event's matching traders are fully submitted to the worker pool
// before the next close event for the same key is dispatched; the
// submitted tasks themselves still execute concurrently with each other
// and with tasks from other keys.
func (s *Scheduler) onBarClose(ev updatebus.UpdateEvent) {
	if !ev.WasClose {
		return
	}
	lock := s.keyLockFor(ev.Symbol, ev.Interval)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	traders := append([]*model.Trader(nil), s.byInterval[ev.Interval]...)
	s.mu.RUnlock()

	for _, t := range traders {
		if !s.warmedUp(ev.Symbol, t) {
			continue
		}
		s.dispatch(task{trader: t, symbol: ev.Symbol, interval: ev.Interval, barOpenTime: ev.OpenTime})
	}
}

// dispatch acquires an admission slot and runs tk on its own goroutine,
// blocking only long enough to acquire -- the pool is never deeper than
// Workers concurrent evaluations at a time.
func (s *Scheduler) dispatch(tk task) {
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return // scheduler shutting down
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		s.runTask(tk)
	}()
}

func (s *Scheduler) keyLockFor(symbol, interval string) *sync.Mutex {
	key := symbol + ":" + interval
	s.keyLocksMu.Lock()
	defer s.keyLocksMu.Unlock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	return l
}

// warmedUp reports whether every RequiredTimeframes series for symbol has
// at least a minimal window of history.
func (s *Scheduler) warmedUp(symbol string, t *model.Trader) bool {
	const minWarmup = 2
	for _, iv := range t.Filter.RequiredTimeframes {
		view, ok := s.store.GetSeries(symbol, string(iv))
		if !ok || len(view.Klines) < minWarmup {
			return false
		}
	}
	return true
}

func (s *Scheduler) runTask(tk task) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancels.Store(tk.trader.ID, cancel)
	defer func() {
		s.cancels.Delete(tk.trader.ID)
		cancel()
	}()

	view := predicate.View{}
	view.Timeframes = make(map[string]klinestore.View, len(tk.trader.Filter.RequiredTimeframes))
	for _, iv := range tk.trader.Filter.RequiredTimeframes {
		if kv, ok := s.store.GetSeries(tk.symbol, string(iv)); ok {
			view.Timeframes[string(iv)] = kv
		}
	}
	if price, ok := s.prices.LastPrice(tk.symbol); ok {
		view.Ticker = &model.Ticker{Symbol: tk.symbol, LastPrice: price}
	}

	result, err := s.runtime.Evaluate(ctx, tk.trader.Filter.Code, view)
	if err != nil {
		s.log.Warn().Err(err).Str("trader", tk.trader.ID).Str("symbol", tk.symbol).Msg("predicate evaluation failed")
		return
	}
	if !result.Matched {
		return
	}

	price := 0.0
	if view.Ticker != nil {
		price = view.Ticker.LastPrice
	} else if series, ok := s.store.GetSeries(tk.symbol, tk.interval); ok && len(series.Klines) > 0 {
		price = series.Klines[len(series.Klines)-1].Close
	}

	s.signals.Submit(tk.trader.ID, tk.symbol, tk.barOpenTime, price, map[string]any{
		"interval":  tk.interval,
		"elapsedNs": result.ElapsedNs,
	})
}

// Shutdown stops accepting new events and waits for in-flight tasks to
// drain.
func (s *Scheduler) Shutdown() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.cancelAll()
	s.wg.Wait()
}
