// Package metrics holds the Prometheus instruments for the CDS client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts hook executions that performed a fan-out.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cds_client",
			Name:      "executions_total",
			Help:      "Hook executions that fanned out to services.",
		},
		[]string{"hook"},
	)

	// ExecutionsSuppressedTotal counts executions suppressed by deduplication.
	ExecutionsSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cds_client",
			Name:      "executions_suppressed_total",
			Help:      "Hook executions suppressed by the dedupe window or in-flight guard.",
		},
		[]string{"hook"},
	)

	// InvocationsTotal counts per-service invocation outcomes.
	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cds_client",
			Name:      "invocations_total",
			Help:      "Service invocations by outcome (ok, empty, error).",
		},
		[]string{"service", "outcome"},
	)

	// InvocationDuration observes per-service invocation latency.
	InvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cds_client",
			Name:      "invocation_duration_seconds",
			Help:      "Latency of CDS service invocations.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// CardsMergedTotal counts cards merged into the alert map.
	CardsMergedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cds_client",
			Name:      "cards_merged_total",
			Help:      "Cards merged into the alert map.",
		},
		[]string{"hook", "indicator"},
	)

	// FeedbackTotal counts feedback sends by outcome and result.
	FeedbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cds_client",
			Name:      "feedback_total",
			Help:      "Card feedback sends by outcome and result (sent, failed, rejected).",
		},
		[]string{"outcome", "result"},
	)
)
