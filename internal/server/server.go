// Package server exposes the screening engine over HTTP: a read-only view
// of the live state (symbols, klines, traders, signals) plus synchronous
// operations (predicate validation, ad-hoc filter execution, historical
// replay). Grounded on the teacher's gorilla/mux + rs/cors shape; the
// Supabase/binance-SDK-backed handlers are replaced with the in-process
// components this module builds (KlineStore, SignalManager, Scheduler,
// PredicateRuntime, HistoricalScanner), since there is no external
// persistence layer here.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/vyx/screener/internal/config"
	"github.com/vyx/screener/internal/errormonitor"
	"github.com/vyx/screener/internal/fallback"
	"github.com/vyx/screener/internal/historicalscanner"
	"github.com/vyx/screener/internal/klinestore"
	"github.com/vyx/screener/internal/model"
	"github.com/vyx/screener/internal/predicate"
	"github.com/vyx/screener/internal/signalmanager"
)

// SymbolSource supplies the currently-screened universe.
type SymbolSource interface {
	Symbols() []string
}

// KlineViewer is the read path the klines endpoint needs from KlineStore.
type KlineViewer interface {
	GetSeries(symbol, interval string) (klinestore.View, bool)
}

// SignalStore is the read path the signals endpoints need from
// SignalManager.
type SignalStore interface {
	List(filter signalmanager.ListFilter) []model.Signal
	CurrentPrice(symbol string) (float64, bool)
}

// TraderStore is the read path the traders endpoint needs. Kept local
// rather than given its own package since this HTTP surface is its only
// consumer; a concrete implementation (persistence, auth) is wired in by
// whatever owns trader CRUD.
type TraderStore interface {
	Traders() []*model.Trader
}

// PredicateRuntime is the evaluation path execute-filter and
// validate-code need.
type PredicateRuntime interface {
	Evaluate(ctx context.Context, code string, view predicate.View) (predicate.EvalResult, error)
	ValidateCode(code string) error
}

// SeriesRunner is the chart-series evaluation path the series endpoint
// needs from PredicateRuntime.
type SeriesRunner interface {
	EvaluateSeries(ctx context.Context, code string, view predicate.View) (map[string]interface{}, error)
}

// HistoricalRunner is the replay path the historical-scan endpoint needs.
type HistoricalRunner interface {
	Scan(ctx context.Context, req historicalscanner.Request, progress chan<- historicalscanner.Progress) ([]model.HistoricalSignal, error)
}

// DegradationSource reports the ingestion fallback controller's current
// mode, surfaced on /health so operators can see degraded ingestion
// without checking metrics.
type DegradationSource interface {
	Mode() fallback.Mode
}

// ErrorStatsSource reports the error monitor's rolling stats, surfaced on
// /health alongside the fallback mode.
type ErrorStatsSource interface {
	Stats() errormonitor.ErrorStats
}

// Deps bundles every collaborator the HTTP surface reads from. Historical
// and Series are nilable: leaving Historical unset makes historical-scan
// answer 501, and leaving Series unset makes the series route answer 501.
type Deps struct {
	Symbols     SymbolSource
	Klines      KlineViewer
	Signals     SignalStore
	Traders     TraderStore
	Predicates  PredicateRuntime
	Series      SeriesRunner // nilable; omitted route answers 501 if unset
	Historical  HistoricalRunner
	Degradation DegradationSource // nilable; omitted from /health if nil
	ErrorStats  ErrorStatsSource  // nilable; omitted from /health if nil
	Config      *config.Config
}

// Server is the screening engine's HTTP surface.
type Server struct {
	deps       Deps
	router     *mux.Router
	httpServer *http.Server
	corsHdlr   *cors.Cors
	startTime  time.Time
	log        zerolog.Logger
}

// New constructs a Server and wires its routes. It does not start
// listening; call Start for that.
func New(deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		deps:      deps,
		startTime: time.Now(),
		log:       log.With().Str("component", "server").Logger(),
	}
	s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", deps.Config.ServerHost, deps.Config.ServerPort),
		Handler:      s.corsHdlr.Handler(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRouter() {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/symbols", s.handleSymbols).Methods(http.MethodGet)
	api.HandleFunc("/klines/{symbol}/{interval}", s.handleKlines).Methods(http.MethodGet)
	api.HandleFunc("/traders", s.handleTraders).Methods(http.MethodGet)
	api.HandleFunc("/signals", s.handleSignals).Methods(http.MethodGet)
	api.HandleFunc("/signals/price/{symbol}", s.handleSignalPrice).Methods(http.MethodGet)
	api.HandleFunc("/historical-scan", s.handleHistoricalScan).Methods(http.MethodPost)
	api.HandleFunc("/execute-filter", s.handleExecuteFilter).Methods(http.MethodPost)
	api.HandleFunc("/validate-code", s.handleValidateCode).Methods(http.MethodPost)
	api.HandleFunc("/series", s.handleSeries).Methods(http.MethodPost)

	s.router = r
	s.corsHdlr = cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	})
}

// Start begins serving and blocks until the listener errors or is closed
// by Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Str("environment", s.deps.Config.Environment).Msg("server starting")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status       string                   `json:"status"`
	Environment  string                   `json:"environment"`
	UptimeSec    float64                  `json:"uptimeSeconds"`
	FallbackMode fallback.Mode            `json:"fallbackMode,omitempty"`
	ErrorStats   *errormonitor.ErrorStats `json:"errorStats,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Environment: s.deps.Config.Environment,
		UptimeSec:   time.Since(s.startTime).Seconds(),
	}
	if s.deps.Degradation != nil {
		resp.FallbackMode = s.deps.Degradation.Mode()
	}
	if s.deps.ErrorStats != nil {
		stats := s.deps.ErrorStats.Stats()
		resp.ErrorStats = &stats
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	symbols := s.deps.Symbols.Symbols()
	respondJSON(w, http.StatusOK, map[string]any{
		"symbols": symbols,
		"count":   len(symbols),
	})
}

func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	symbol := vars["symbol"]
	interval := vars["interval"]

	view, ok := s.deps.Klines.GetSeries(symbol, interval)
	if !ok {
		respondError(w, http.StatusNotFound, "no klines for that symbol/interval", nil)
		return
	}

	klines := view.Klines
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n < len(klines) {
			klines = klines[len(klines)-n:]
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"symbol":   symbol,
		"interval": interval,
		"klines":   klines,
		"count":    len(klines),
	})
}

func (s *Server) handleTraders(w http.ResponseWriter, r *http.Request) {
	traders := s.deps.Traders.Traders()
	respondJSON(w, http.StatusOK, map[string]any{
		"traders": traders,
		"count":   len(traders),
	})
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := signalmanager.ListFilter{
		Symbol: q.Get("symbol"),
	}
	if traderIDs := q.Get("traderIds"); traderIDs != "" {
		filter.TraderIDs = strings.Split(traderIDs, ",")
	}
	switch q.Get("status") {
	case "active":
		filter.Status = model.SignalActive
	case "closed":
		filter.Status = model.SignalClosed
	}
	if q.Get("remoteOnly") == "true" {
		filter.RemoteOnly = true
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = offset
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}

	signals := s.deps.Signals.List(filter)
	respondJSON(w, http.StatusOK, map[string]any{
		"signals": signals,
		"count":   len(signals),
	})
}

func (s *Server) handleSignalPrice(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	price, ok := s.deps.Signals.CurrentPrice(symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "no price observed for that symbol", nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"symbol": symbol,
		"price":  price,
	})
}

type historicalScanRequest struct {
	Trader              model.Trader `json:"trader"`
	Symbols             []string     `json:"symbols"`
	LookbackBars        int          `json:"lookbackBars"`
	MaxSignalsPerSymbol int          `json:"maxSignalsPerSymbol"`
}

func (s *Server) handleHistoricalScan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Historical == nil {
		respondError(w, http.StatusNotImplemented, "historical scanning is not enabled", nil)
		return
	}

	var req historicalScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	results, err := s.deps.Historical.Scan(r.Context(), historicalscanner.Request{
		Trader:              &req.Trader,
		Symbols:             req.Symbols,
		LookbackBars:        req.LookbackBars,
		MaxSignalsPerSymbol: req.MaxSignalsPerSymbol,
	}, nil)
	if err != nil {
		respondError(w, http.StatusBadRequest, "historical scan failed", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"signals": results,
		"count":   len(results),
	})
}

type executeFilterRequest struct {
	Code   string                   `json:"code"`
	Ticker *model.Ticker            `json:"ticker,omitempty"`
	Klines map[string][]model.Kline `json:"klines,omitempty"`
}

func (s *Server) handleExecuteFilter(w http.ResponseWriter, r *http.Request) {
	var req executeFilterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	view := predicate.View{Ticker: req.Ticker}
	if len(req.Klines) > 0 {
		view.Timeframes = make(map[string]klinestore.View, len(req.Klines))
		for interval, klines := range req.Klines {
			view.Timeframes[interval] = klinestore.View{Klines: klines}
		}
	}

	result, err := s.deps.Predicates.Evaluate(r.Context(), req.Code, view)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "filter execution failed", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"matched":   result.Matched,
		"elapsedNs": result.ElapsedNs,
	})
}

type seriesRequest struct {
	Code   string                   `json:"code"`
	Ticker *model.Ticker            `json:"ticker,omitempty"`
	Klines map[string][]model.Kline `json:"klines,omitempty"`
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Series == nil {
		respondError(w, http.StatusNotImplemented, "series evaluation is not enabled", nil)
		return
	}

	var req seriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	view := predicate.View{Ticker: req.Ticker}
	if len(req.Klines) > 0 {
		view.Timeframes = make(map[string]klinestore.View, len(req.Klines))
		for interval, klines := range req.Klines {
			view.Timeframes[interval] = klinestore.View{Klines: klines}
		}
	}

	data, err := s.deps.Series.EvaluateSeries(r.Context(), req.Code, view)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "series evaluation failed", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"series": data})
}

type validateCodeRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleValidateCode(w http.ResponseWriter, r *http.Request) {
	var req validateCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := s.deps.Predicates.ValidateCode(req.Code); err != nil {
		respondJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	resp := errorResponse{Error: message}
	if err != nil {
		resp.Message = err.Error()
	}
	respondJSON(w, status, resp)
}
