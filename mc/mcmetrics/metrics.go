// Package mcmetrics provides Prometheus metrics for the consensus engine.
package mcmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	RoundsDecidedFast      prometheus.Counter
	RoundsDecidedClassical prometheus.Counter
	RoundsFailed           prometheus.Counter

	ViewChanges prometheus.Counter

	SuspectsFlagged  prometheus.Counter
	InvalidProposals prometheus.Counter

	RoundSeconds prometheus.Histogram
}

// New creates a Metrics instance registered on reg,
// under the given namespace.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "meridian"
	}

	factory := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		RoundsDecidedFast:      factory("rounds_decided_fast_total", "Rounds decided on the geometric fast path"),
		RoundsDecidedClassical: factory("rounds_decided_classical_total", "Rounds decided by the classical protocol"),
		RoundsFailed:           factory("rounds_failed_total", "Round attempts that failed without a decision"),
		ViewChanges:            factory("view_changes_total", "View changes entered"),
		SuspectsFlagged:        factory("suspects_flagged_total", "Validators flagged suspect by classification"),
		InvalidProposals:       factory("invalid_proposals_total", "Proposals dropped during collection"),
	}

	m.RoundSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "round_seconds",
		Help:      "Wall time from round open to decision",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	reg.MustRegister(m.RoundSeconds)

	return m
}
