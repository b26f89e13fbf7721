package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	queueItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driftsync",
			Name:      "queue_items_total",
			Help:      "Queue items by outcome.",
		},
		[]string{"outcome"},
	)

	conflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driftsync",
			Name:      "conflicts_total",
			Help:      "Conflicts detected and resolved, by strategy.",
		},
		[]string{"action"},
	)

	syncJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driftsync",
			Name:      "sync_jobs_total",
			Help:      "Sync jobs by type and final status.",
		},
		[]string{"type", "status"},
	)

	cycleErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driftsync",
			Name:      "cycle_errors_total",
			Help:      "Background cycle ticks skipped due to errors.",
		},
		[]string{"cycle"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "driftsync",
			Name:      "queue_depth",
			Help:      "Queue items currently in each status, across all users.",
		},
		[]string{"status"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(queueItems, conflicts, syncJobs, cycleErrors, queueDepth)
	})
}

// IncQueueItem counts a queue item outcome: enqueued, completed, failed, retried.
func IncQueueItem(outcome string) {
	queueItems.WithLabelValues(outcome).Inc()
}

// IncConflict counts a conflict action: detected, or resolved_<strategy>.
func IncConflict(action string) {
	conflicts.WithLabelValues(action).Inc()
}

// IncSyncJob counts a finished sync job.
func IncSyncJob(jobType, status string) {
	syncJobs.WithLabelValues(jobType, status).Inc()
}

// IncCycleError counts a skipped background tick.
func IncCycleError(cycle string) {
	cycleErrors.WithLabelValues(cycle).Inc()
}

// SetQueueDepth records the current item count for one status.
func SetQueueDepth(status string, count int) {
	queueDepth.WithLabelValues(status).Set(float64(count))
}
