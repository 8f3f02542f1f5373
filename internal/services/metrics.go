package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// ingestOutcomes counts webhook updates by Ingest outcome.
	ingestOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_updates_total",
			Help: "Inbound updates by outcome (dispatched|duplicate|buffered|ignored).",
		},
		[]string{"outcome"},
	)

	// groupFlushes counts flush attempts by result. Only "flushed" produces
	// a dispatch; the others are expected under contention.
	groupFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_group_flushes_total",
			Help: "Media-group flush attempts by result (flushed|rescheduled|skipped|lost_claim|error).",
		},
		[]string{"result"},
	)

	// targetResults counts per-target publish results by platform.
	targetResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_targets_total",
			Help: "Per-target publish attempts by platform and final status.",
		},
		[]string{"platform", "status"},
	)

	publishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_publish_duration_seconds",
			Help:    "Time from execution record creation to finalization.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"platform"},
	)
)

func init() {
	prometheus.MustRegister(ingestOutcomes, groupFlushes, targetResults, publishDuration)
}
