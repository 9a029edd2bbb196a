package cleanup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepsRun = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleanup_sweeps_total",
			Help: "Total number of cleanup sweeps run, by sweep name",
		},
		[]string{"sweep"},
	)

	entriesEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleanup_entries_evicted_total",
			Help: "Total number of entries evicted per resource during cleanup sweeps",
		},
		[]string{"resource"},
	)

	heapPressureActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cleanup_heap_pressure_active",
			Help: "1 if the last store sweep ran with halved age thresholds due to heap pressure",
		},
	)
)
