package errormonitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	errorsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errormonitor_errors_total",
			Help: "Total number of errors recorded, by category and severity",
		},
		[]string{"category", "severity"},
	)

	errorsDeduped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errormonitor_errors_deduped_total",
			Help: "Total number of errors collapsed into an existing event within the dedup window",
		},
		[]string{"category"},
	)

	criticalAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errormonitor_critical_alerts_total",
			Help: "Total number of synthesized CRITICAL alerts, by category",
		},
		[]string{"category"},
	)
)
