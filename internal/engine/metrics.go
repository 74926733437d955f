package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	buildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_builds_total",
			Help: "Total number of program builds.",
		},
		[]string{"backend", "status"},
	)

	buildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_build_duration_seconds",
			Help:    "Program build duration in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"backend"},
	)

	sharedBuildsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_shared_builds_total",
			Help: "Builds served by an identical build already in flight.",
		},
	)

	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_executions_total",
			Help: "Total number of executions by outcome.",
		},
		[]string{"procedure", "status"},
	)
)

func init() {
	prometheus.MustRegister(buildsTotal)
	prometheus.MustRegister(buildDuration)
	prometheus.MustRegister(sharedBuildsTotal)
	prometheus.MustRegister(executionsTotal)
}
