package historicalscanner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var historicalSignalsDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "historical_scanner_signals_dropped_total",
		Help: "Total number of replayed signals dropped after MaxHistoricalSignals was reached",
	},
)
