package cluster

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for terminal task outcomes.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
)

var (
	joinedWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowline_cluster_joined_workers",
			Help: "Number of workers currently joined to the scheduler.",
		},
	)

	pendingTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowline_cluster_pending_tasks",
			Help: "Number of submitted tasks not yet dispatched to a worker.",
		},
	)

	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowline_cluster_tasks_total",
			Help: "Total number of tasks that reached a terminal state.",
		},
		[]string{"outcome"},
	)

	taskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowline_worker_task_seconds",
			Help:    "Wall-clock task execution time on a worker, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(joinedWorkers)
	prometheus.MustRegister(pendingTasks)
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(taskDuration)

	// Pre-initialize outcome labels so both series exist from startup.
	tasksTotal.WithLabelValues(outcomeCompleted)
	tasksTotal.WithLabelValues(outcomeFailed)
}
