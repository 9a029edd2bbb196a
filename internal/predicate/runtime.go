// Package predicate sandboxes evaluation of a trader's predicate -- a
// snippet of Go source -- against a frozen market-data view, grounded on
// the teacher's pkg/yaegi/executor.go.
package predicate

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/vyx/screener/internal/indicators"
	"github.com/vyx/screener/internal/klinestore"
	"github.com/vyx/screener/internal/model"
)

// DefaultMaxEval bounds how long a single predicate may run.
const DefaultMaxEval = 250 * time.Millisecond

// Errors returned by Evaluate. Neither is recorded in ErrorMonitor: the
// scheduler and the historical scanner log them and skip that evaluation.
var (
	ErrPredicateTimeout = errors.New("predicate: evaluation timed out")
	ErrPredicateThrew    = errors.New("predicate: evaluation panicked")
)

// View is the read-only snapshot a predicate evaluates against. It is
// built from defensive copies so a predicate cannot mutate live state.
type View struct {
	Ticker     *model.Ticker
	Timeframes map[string]klinestore.View
	HVNNodes   []indicators.HVNNode
}

// EvalResult reports the outcome of one evaluation.
type EvalResult struct {
	Matched   bool
	ElapsedNs int64
}

// Runtime evaluates predicates in isolated, single-use yaegi interpreters.
type Runtime struct {
	maxEval time.Duration
	log     zerolog.Logger
}

// New constructs a Runtime. maxEval <= 0 uses DefaultMaxEval.
func New(maxEval time.Duration, log zerolog.Logger) *Runtime {
	if maxEval <= 0 {
		maxEval = DefaultMaxEval
	}
	return &Runtime{maxEval: maxEval, log: log.With().Str("component", "predicate").Logger()}
}

// Evaluate compiles and runs predicate (the body of a Go function that
// returns a bool) against view. A fresh interpreter is created per call -- never
// reused -- to avoid yaegi redeclaration issues across traders sharing a
// process.
func (r *Runtime) Evaluate(ctx context.Context, predicateCode string, view View) (EvalResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.maxEval)
	defer cancel()

	type outcome struct {
		matched bool
		err     error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrPredicateThrew, rec)}
			}
		}()
		matched, err := r.run(predicateCode, view)
		done <- outcome{matched: matched, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return EvalResult{}, out.err
		}
		return EvalResult{Matched: out.matched, ElapsedNs: time.Since(start).Nanoseconds()}, nil
	case <-ctx.Done():
		return EvalResult{}, ErrPredicateTimeout
	}
}

func (r *Runtime) run(predicateCode string, view View) (bool, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return false, fmt.Errorf("%w: load stdlib: %v", ErrPredicateThrew, err)
	}
	if err := i.Use(customSymbols()); err != nil {
		return false, fmt.Errorf("%w: load symbols: %v", ErrPredicateThrew, err)
	}

	wrapped := fmt.Sprintf(`
package main

import (
	"github.com/vyx/screener/internal/indicators"
	"github.com/vyx/screener/internal/model"
	"github.com/vyx/screener/internal/predicate"
)

func evaluate(view *predicate.View) bool {
	%s
}
`, predicateCode)

	if _, err := i.Eval(wrapped); err != nil {
		return false, fmt.Errorf("%w: compile: %v", ErrPredicateThrew, err)
	}
	v, err := i.Eval("evaluate")
	if err != nil {
		return false, fmt.Errorf("%w: resolve evaluate: %v", ErrPredicateThrew, err)
	}
	fn, ok := v.Interface().(func(*View) bool)
	if !ok {
		return false, fmt.Errorf("%w: evaluate has the wrong signature", ErrPredicateThrew)
	}
	return fn(&view), nil
}

// ValidateCode compiles predicateCode without executing it -- used by the
// ambient HTTP surface's /validate-code route.
func (r *Runtime) ValidateCode(predicateCode string) error {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return err
	}
	if err := i.Use(customSymbols()); err != nil {
		return err
	}
	wrapped := fmt.Sprintf(`
package main

import (
	"github.com/vyx/screener/internal/indicators"
	"github.com/vyx/screener/internal/model"
	"github.com/vyx/screener/internal/predicate"
)

func evaluate(view *predicate.View) bool {
	%s
}
`, predicateCode)
	_, err := i.Eval(wrapped)
	return err
}

// customSymbols registers the model, indicators, and predicate packages so
// predicate code can reference Kline/Ticker fields and call indicator
// helpers directly, mirroring the teacher's GetCustomSymbols table.
func customSymbols() interp.Exports {
	return interp.Exports{
		"github.com/vyx/screener/internal/model/model": {
			"Kline":            reflect.ValueOf((*model.Kline)(nil)),
			"Ticker":           reflect.ValueOf((*model.Ticker)(nil)),
			"Interval":         reflect.ValueOf((*model.Interval)(nil)),
		},
		"github.com/vyx/screener/internal/predicate/predicate": {
			"View":       reflect.ValueOf((*View)(nil)),
			"EvalResult": reflect.ValueOf((*EvalResult)(nil)),
		},
		"github.com/vyx/screener/internal/indicators/indicators": {
			"SMA":                 reflect.ValueOf(indicators.SMA),
			"SMASeries":           reflect.ValueOf(indicators.SMASeries),
			"EMA":                 reflect.ValueOf(indicators.EMA),
			"EMASeries":           reflect.ValueOf(indicators.EMASeries),
			"AvgVolume":           reflect.ValueOf(indicators.AvgVolume),
			"RSI":                 reflect.ValueOf(indicators.RSI),
			"RSISeries":           reflect.ValueOf(indicators.RSISeries),
			"MACD":                reflect.ValueOf(indicators.MACD),
			"MACDSeries":          reflect.ValueOf(indicators.MACDSeries),
			"HighestHigh":         reflect.ValueOf(indicators.HighestHigh),
			"LowestLow":           reflect.ValueOf(indicators.LowestLow),
			"DetectEngulfingPattern": reflect.ValueOf(indicators.DetectEngulfingPattern),
			"DetectDivergence":    reflect.ValueOf(indicators.DetectDivergence),
			"BollingerBands":      reflect.ValueOf(indicators.BollingerBands),
			"BollingerBandsSeries": reflect.ValueOf(indicators.BollingerBandsSeries),
			"VWAP":                reflect.ValueOf(indicators.VWAP),
			"VWAPAnchored":        reflect.ValueOf(indicators.VWAPAnchored),
			"VWAPBands":           reflect.ValueOf(indicators.VWAPBands),
			"Stochastic":          reflect.ValueOf(indicators.Stochastic),
			"StochRSI":            reflect.ValueOf(indicators.StochRSI),
			"ADX":                 reflect.ValueOf(indicators.ADX),
			"PositiveVolumeIndex": reflect.ValueOf(indicators.PositiveVolumeIndex),
			"HighVolumeNodes":     reflect.ValueOf(indicators.HighVolumeNodes),
			"IsNearHVN":           reflect.ValueOf(indicators.IsNearHVN),
			"ClosestHVN":          reflect.ValueOf(indicators.ClosestHVN),
			"CountHVNInRange":     reflect.ValueOf(indicators.CountHVNInRange),
		},
	}
}
