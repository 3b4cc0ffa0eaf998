package autosave

import "github.com/prometheus/client_golang/prometheus"

var CommitCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "autosave",
	Subsystem: "engine",
	Name:      "commits_total",
}, []string{"result"})

var ConflictCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "autosave",
	Subsystem: "engine",
	Name:      "conflicts_total",
}, []string{"strategy"})

var RetryCount = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "autosave",
	Subsystem: "engine",
	Name:      "retries_total",
})

var RetriesExhaustedCount = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "autosave",
	Subsystem: "engine",
	Name:      "retries_exhausted_total",
})

var PendingDocuments = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "autosave",
	Subsystem: "engine",
	Name:      "pending_documents",
})

var CommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "autosave",
	Subsystem: "engine",
	Name:      "commit_duration_seconds",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
})

// Collectors lists the engine metrics for registration by the host process.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		CommitCount,
		ConflictCount,
		RetryCount,
		RetriesExhaustedCount,
		PendingDocuments,
		CommitDuration,
	}
}
