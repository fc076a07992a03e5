// Package metrics exposes the engine's Prometheus collectors: counters and
// histograms keyed by string labels, served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueOperations counts queue-extension calls by queue and operation
	// (create, send, read, read_empty, archive, delete).
	QueueOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "animus",
		Name:      "queue_operations_total",
		Help:      "Queue extension operations by queue and operation.",
	}, []string{"queue", "operation"})

	// StateTransitions counts successful lifecycle transitions.
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "animus",
		Name:      "state_transitions_total",
		Help:      "Successful work item state transitions.",
	}, []string{"from", "to"})

	// Submissions counts submit protocol outcomes (created, merged, error).
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "animus",
		Name:      "submissions_total",
		Help:      "Work submissions by outcome.",
	}, []string{"result"})

	// FocusDuration observes focus pipeline wall-clock time by faculty and
	// result (completed, failed).
	FocusDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "animus",
		Name:      "focus_duration_seconds",
		Help:      "Focus pipeline duration by faculty and result.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"faculty", "result"})

	// ActiveFoci tracks simultaneously executing foci.
	ActiveFoci = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "animus",
		Name:      "active_foci",
		Help:      "Number of foci currently executing.",
	})
)
