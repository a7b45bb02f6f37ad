package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"

	"tpserve/pkg/types"
)

var (
	replicasByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tpserve",
			Subsystem: "supervisor",
			Name:      "replicas",
			Help:      "Replicas per deployment tag and liveness state",
		},
		[]string{"tag", "state"},
	)

	startupFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tpserve",
			Subsystem: "supervisor",
			Name:      "startup_failures_total",
			Help:      "Replicas that died before becoming live",
		},
		[]string{"tag"},
	)

	startupSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tpserve",
			Subsystem: "supervisor",
			Name:      "startup_seconds",
			Help:      "Time from launch to live",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"tag"},
	)
)

func init() {
	prometheus.MustRegister(replicasByState, startupFailuresTotal, startupSeconds)
}

// transition moves one replica of tag between state gauges.
func transition(tag string, from, to types.Liveness) {
	replicasByState.WithLabelValues(tag, from.String()).Dec()
	replicasByState.WithLabelValues(tag, to.String()).Inc()
}

// forget drops a replica of tag in state from the gauges.
func forget(tag string, from types.Liveness) {
	replicasByState.WithLabelValues(tag, from.String()).Dec()
}
