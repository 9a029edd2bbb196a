package predicate

import (
	"context"
	"fmt"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// EvaluateSeries compiles and runs seriesCode -- a snippet that builds and
// returns a map[string]interface{} keyed by indicator ID -- against view,
// for the ambient HTTP surface's chart-series endpoint. Grounded on the
// teacher's internal/screener/series_executor.go, reusing this package's
// customSymbols table instead of that file's separate, narrower one.
func (r *Runtime) EvaluateSeries(ctx context.Context, seriesCode string, view View) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, r.maxEval)
	defer cancel()

	type outcome struct {
		data map[string]interface{}
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrPredicateThrew, rec)}
			}
		}()
		data, err := r.runSeries(seriesCode, view)
		done <- outcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		return out.data, out.err
	case <-ctx.Done():
		return nil, ErrPredicateTimeout
	}
}

func (r *Runtime) runSeries(seriesCode string, view View) (map[string]interface{}, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("%w: load stdlib: %v", ErrPredicateThrew, err)
	}
	if err := i.Use(customSymbols()); err != nil {
		return nil, fmt.Errorf("%w: load symbols: %v", ErrPredicateThrew, err)
	}

	wrapped := fmt.Sprintf(`
package main

import (
	"github.com/vyx/screener/internal/indicators"
	"github.com/vyx/screener/internal/model"
	"github.com/vyx/screener/internal/predicate"
)

func series(view *predicate.View) map[string]interface{} {
	%s
}
`, seriesCode)

	if _, err := i.Eval(wrapped); err != nil {
		return nil, fmt.Errorf("%w: compile: %v", ErrPredicateThrew, err)
	}
	v, err := i.Eval("series")
	if err != nil {
		return nil, fmt.Errorf("%w: resolve series: %v", ErrPredicateThrew, err)
	}
	fn, ok := v.Interface().(func(*View) map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: series has the wrong signature", ErrPredicateThrew)
	}
	return fn(&view), nil
}
