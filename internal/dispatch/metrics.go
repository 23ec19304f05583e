package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosim_calls_total",
			Help: "Total number of component calls by method and final status.",
		},
		[]string{"method", "status"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cosim_call_duration_seconds",
			Help:    "Component method execution time in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	callsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cosim_calls_in_flight",
			Help: "Number of calls registered and not yet complete.",
		},
	)
)

func init() {
	prometheus.MustRegister(callsTotal)
	prometheus.MustRegister(callDuration)
	prometheus.MustRegister(callsInFlight)
}
