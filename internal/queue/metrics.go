package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_submitted_total",
			Help: "Jobs submitted to an execution queue.",
		},
		[]string{"queue", "label"},
	)

	// jobsCoalesced counts submitters that observed another job's outcome.
	jobsCoalesced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_coalesced_total",
			Help: "Jobs coalesced into an in-flight job with the same dedupe key.",
		},
		[]string{"queue", "label"},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_finished_total",
			Help: "Jobs executed, by result (ok|error).",
		},
		[]string{"queue", "label", "result"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_job_duration_seconds",
			Help:    "Job run time in seconds, excluding semaphore wait.",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"queue", "label"},
	)

	jobsInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_jobs_inflight",
			Help: "Jobs currently holding a concurrency slot.",
		},
		[]string{"queue"},
	)
)

func init() {
	prometheus.MustRegister(jobsSubmitted, jobsCoalesced, jobsFinished, jobDuration, jobsInflight)
}
