// Command screener wires every component of the screening engine together
// and runs it until an interrupt or terminate signal arrives. Grounded on
// the teacher's cmd/server/main.go graceful-shutdown shape.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyx/screener/internal/cleanup"
	"github.com/vyx/screener/internal/config"
	"github.com/vyx/screener/internal/errormonitor"
	"github.com/vyx/screener/internal/fallback"
	"github.com/vyx/screener/internal/historicalscanner"
	"github.com/vyx/screener/internal/ingestor"
	"github.com/vyx/screener/internal/klinestore"
	"github.com/vyx/screener/internal/kvstore"
	"github.com/vyx/screener/internal/logging"
	"github.com/vyx/screener/internal/marketrest"
	"github.com/vyx/screener/internal/model"
	"github.com/vyx/screener/internal/predicate"
	"github.com/vyx/screener/internal/scheduler"
	"github.com/vyx/screener/internal/server"
	"github.com/vyx/screener/internal/signalmanager"
	"github.com/vyx/screener/internal/tickerstore"
	"github.com/vyx/screener/internal/updatebus"
	"github.com/vyx/screener/internal/wsmanager"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		Production: cfg.IsProduction(),
	})

	kv, err := kvstore.NewFileStore(cfg.KVStorePath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open kv store")
	}

	errMon := errormonitor.New(errormonitor.Config{
		BufferCapacity:      cfg.ErrorMonitorBufferCapacity,
		DefaultMaxPerMinute: cfg.ErrorMonitorMaxPerMinute,
	}, log)

	fallbackCtrl := fallback.New(fallback.Config{
		PrimaryFailureThreshold: cfg.FallbackPrimaryFailureThreshold,
		NetworkFailureThreshold: cfg.FallbackNetworkFailureThreshold,
		RecoveryCooldown:        cfg.FallbackRecoveryCooldown,
	}, log)
	fallbackCtrl.SetRecoveryAdvisor(errMon)

	bus := updatebus.New(log, func(topic string, recovered any) {
		errMon.RecordError(errormonitor.CategoryRealtime, errormonitor.SeverityHigh,
			fmt.Sprintf("updatebus listener panic on %s: %v", topic, recovered), nil)
	})

	capacity := cfg.KlineCapacity
	if khc, ok := kvstore.GetKlineHistoryConfig(kv); ok && khc.ScreenerLimit > 0 {
		capacity = khc.ScreenerLimit
	}
	store := klinestore.New(capacity, log)
	tickers := tickerstore.New()
	rest := marketrest.New("", "", log)
	ws := wsmanager.New(log, func(component string, err error) {
		errMon.RecordError(errormonitor.CategoryWebsocket, errormonitor.SeverityMedium, err.Error(), map[string]string{"component": component})
		fallbackCtrl.RecordFailure(context.Background(), fallback.CategoryPrimary, err.Error())
	})

	signals := signalmanager.New(signalmanager.Config{
		DedupeThreshold: cfg.SignalDedupeThreshold,
		DedupeCapacity:  cfg.SignalDedupeCapacity,
	}, nil, log)
	signals.SetPriceSource(tickers)

	ing := ingestor.New(ingestor.Config{
		WSBaseURL:      cfg.BinanceWSURL,
		ScreenerLimit:  cfg.KlineCapacity,
		PrimaryInterval: model.Interval(cfg.KlineInterval),
		MinQuoteVolume:  cfg.MinVolume,
	}, rest, ws, store, bus, func(batch map[string]any) {
		for symbol, v := range batch {
			t, ok := v.(model.Ticker)
			if !ok {
				continue
			}
			tickers.Update(symbol, t)
		}
	}, log)

	bus.SubscribeAll(func(ev updatebus.UpdateEvent) {
		if !ev.WasClose || ev.Interval != cfg.KlineInterval {
			return
		}
		if price, ok := tickers.LastPrice(ev.Symbol); ok {
			signals.UpdatePrice(ev.Symbol, price)
		}
	})

	runtime := predicate.New(predicate.DefaultMaxEval, log)

	sched := scheduler.New(scheduler.Config{}, store, runtime, signals, tickers, bus, log)
	historical := historicalscanner.New(store, runtime, log)

	cleanupSupervisor := cleanup.New(cleanup.Config{
		StoreSweepInterval:  cfg.CleanupStoreSweepInterval,
		SignalSweepInterval: cfg.CleanupSignalSweepInterval,
	}, tickers, store, signals, nil, log)

	srv := server.New(server.Deps{
		Symbols:     store,
		Klines:      store,
		Signals:     signals,
		Traders:     sched,
		Predicates:  runtime,
		Series:      runtime,
		Historical:  historical,
		Degradation: fallbackCtrl,
		ErrorStats:  errMon,
		Config:      cfg,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bootstrapCtx, bootstrapCancel := context.WithTimeout(ctx, 60*time.Second)
	if err := ing.Bootstrap(bootstrapCtx, cfg.SymbolCount, []model.Interval{model.Interval(cfg.KlineInterval)}); err != nil {
		bootstrapCancel()
		log.Fatal().Err(err).Msg("bootstrap failed")
	}
	bootstrapCancel()

	cleanupSupervisor.Start(ctx)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	log.Info().Msg("screener running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	if err := kvstore.SetKlineHistoryConfig(kv, kvstore.KlineHistoryConfig{ScreenerLimit: capacity, AnalysisLimit: capacity}); err != nil {
		log.Warn().Err(err).Msg("failed to persist kline history config")
	}
	cancel()
	cleanupSupervisor.Shutdown()
	ing.Shutdown()
	sched.Shutdown()
	signals.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("server forced shutdown")
	}

	log.Info().Msg("screener exited")
}
