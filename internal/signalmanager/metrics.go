package signalmanager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	signalsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalmanager_signals_created_total",
			Help: "Total number of new signals created by Submit",
		},
		[]string{"trader_id"},
	)

	signalsDeduped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalmanager_signals_deduped_total",
			Help: "Total number of Submit calls folded into an existing signal's Count",
		},
		[]string{"trader_id"},
	)

	signalsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalmanager_signals_evicted_total",
			Help: "Total number of signals removed by age-based cleanup or closed-log truncation",
		},
		[]string{"store"},
	)

	liveSignalsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signalmanager_live_signals",
			Help: "Current number of active signals held in memory",
		},
	)
)
