package provider

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_provider_jobs_total",
			Help: "Jobs run by the compute provider.",
		},
		[]string{"status"},
	)

	checkoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_provider_checkouts_total",
			Help: "Code version checkouts by cache result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal, checkoutsTotal)
}
