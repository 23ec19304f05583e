package taskpool

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosim_tasks_total",
			Help: "Total number of tasks reaching a terminal status, by backend and status.",
		},
		[]string{"backend", "status"},
	)

	tasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cosim_tasks_active",
			Help: "Number of submitted tasks that have not reached a terminal status.",
		},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cosim_task_duration_seconds",
			Help:    "Wall-clock task execution time in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800},
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(tasksActive)
	prometheus.MustRegister(taskDuration)
}
