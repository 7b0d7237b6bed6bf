package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lanequeue"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "size",
			Help:      "Number of queue items by status",
		},
		[]string{"status"},
	)

	selectionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "selection_failures_total",
			Help:      "Storage failures swallowed by the selection query (reported to callers as an empty result)",
		},
	)

	itemsSelected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "items_selected_total",
			Help:      "Total items returned by the selection query",
		},
	)

	saveConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "save_conflicts_total",
			Help:      "Conditional saves that matched no row",
		},
	)

	claims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "claims_total",
			Help:      "Claim attempts by result (won, lost, error)",
		},
		[]string{"result"},
	)

	itemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "processed_total",
			Help:      "Claimed items processed by task type and outcome",
		},
		[]string{"task_type", "outcome"},
	)

	processDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "process_duration_seconds",
			Help:      "Time spent in task handlers",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"task_type"},
	)
)

func recordSelectionFailure() {
	selectionFailures.Inc()
}

func recordItemsSelected(count int) {
	itemsSelected.Add(float64(count))
}

func recordSaveConflict() {
	saveConflicts.Inc()
}

func recordClaim(result string) {
	claims.WithLabelValues(result).Inc()
}

func recordProcessed(taskType, outcome string, duration time.Duration) {
	itemsProcessed.WithLabelValues(taskType, outcome).Inc()
	processDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats *Stats) {
	queueSize.WithLabelValues("queued").Set(float64(stats.Queued))
	queueSize.WithLabelValues("running").Set(float64(stats.Running))
	queueSize.WithLabelValues("completed").Set(float64(stats.Completed))
	queueSize.WithLabelValues("failed").Set(float64(stats.Failed))
}
