package predicate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vyx/screener/internal/klinestore"
	"github.com/vyx/screener/internal/model"
)

func TestRuntime_EvaluateSimpleTruePredicate(t *testing.T) {
	r := New(0, zerolog.Nop())
	view := View{Ticker: &model.Ticker{Symbol: "BTCUSDT", LastPrice: 50000}}

	result, err := r.Evaluate(context.Background(), "return view.Ticker.LastPrice > 10000", view)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Matched {
		t.Fatalf("expected predicate to match")
	}
}

func TestRuntime_EvaluateFalsePredicate(t *testing.T) {
	r := New(0, zerolog.Nop())
	view := View{Ticker: &model.Ticker{Symbol: "BTCUSDT", LastPrice: 50000}}

	result, err := r.Evaluate(context.Background(), "return view.Ticker.LastPrice > 1000000", view)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Matched {
		t.Fatalf("expected predicate not to match")
	}
}

func TestRuntime_EvaluateUsesIndicatorHelper(t *testing.T) {
	r := New(0, zerolog.Nop())
	klines := make([]model.Kline, 30)
	for i := range klines {
		price := 100.0 + float64(i)
		klines[i] = model.Kline{Close: price, High: price + 1, Low: price - 1, Volume: 10, IsFinal: true}
	}
	view := View{Timeframes: map[string]klinestore.View{"1m": {Klines: klines}}}

	result, err := r.Evaluate(context.Background(), `
		v, ok := indicators.SMA(view.Timeframes["1m"].Klines, 20)
		return ok && v > 0
	`, view)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Matched {
		t.Fatalf("expected SMA-based predicate to match")
	}
}

func TestRuntime_EvaluateTimesOut(t *testing.T) {
	r := New(20*time.Millisecond, zerolog.Nop())
	view := View{}

	_, err := r.Evaluate(context.Background(), `
		for {
		}
	`, view)
	if !errors.Is(err, ErrPredicateTimeout) {
		t.Fatalf("err = %v, want ErrPredicateTimeout", err)
	}
}

func TestRuntime_EvaluateCompileErrorIsPredicateThrew(t *testing.T) {
	r := New(0, zerolog.Nop())
	_, err := r.Evaluate(context.Background(), "this is not valid go", View{})
	if !errors.Is(err, ErrPredicateThrew) {
		t.Fatalf("err = %v, want ErrPredicateThrew", err)
	}
}

func TestRuntime_ValidateCode(t *testing.T) {
	r := New(0, zerolog.Nop())
	if err := r.ValidateCode("return true"); err != nil {
		t.Fatalf("ValidateCode: %v", err)
	}
	if err := r.ValidateCode("not valid go code {{{"); err == nil {
		t.Fatalf("expected ValidateCode to reject invalid source")
	}
}
