package fallback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fallbackTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallback_mode_transitions_total",
			Help: "Total number of ingestion fallback mode transitions, by destination mode",
		},
		[]string{"mode"},
	)

	fallbackCurrentMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fallback_current_mode",
			Help: "1 for the currently active fallback mode, 0 for all others",
		},
		[]string{"mode"},
	)
)
