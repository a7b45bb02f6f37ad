package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tpserve",
			Subsystem: "dispatch",
			Name:      "queries_total",
			Help:      "Logical queries by task and outcome",
		},
		[]string{"task", "outcome"},
	)

	shardCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tpserve",
			Subsystem: "dispatch",
			Name:      "shard_call_seconds",
			Help:      "Duration of individual shard RPCs",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task", "primary"},
	)

	discardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tpserve",
			Subsystem: "dispatch",
			Name:      "discarded_results_total",
			Help:      "Non-primary shard results that were dropped, by outcome",
		},
		[]string{"task", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(queriesTotal, shardCallDuration, discardedTotal)
}
