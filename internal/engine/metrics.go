package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/foreman/internal/model"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_jobs_total",
			Help: "Total number of finished jobs, by provider and final status.",
		},
		[]string{"provider", "status"},
	)

	jobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_jobs_running",
			Help: "Number of currently executing jobs.",
		},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foreman_job_duration_seconds",
			Help:    "Job execution time from claim to finish, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	queueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_queue_wait_seconds",
			Help:    "Time jobs spend queued before execution starts, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(jobsRunning)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(queueWait)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, p := range []string{model.ProviderAgent, model.ProviderToolLoop} {
		for _, s := range []string{model.StatusSucceeded, model.StatusFailed, model.StatusCanceled} {
			jobsTotal.WithLabelValues(p, s)
		}
	}
}
