// Package metrics holds the Prometheus instruments of the dispatch engine.
// Collectors register with the default registry at init, so the API's
// /metrics handler exposes them without further wiring.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dispatch"

var (
	// SendsTotal counts provider send attempts.
	// Labels: provider_kind, outcome ("success" or an error kind).
	SendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "sends_total",
			Help:      "Provider send attempts by kind and outcome.",
		},
		[]string{"provider_kind", "outcome"},
	)

	SendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "send_duration_seconds",
			Help:      "Latency of a single provider send call.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider_kind"},
	)

	FailoversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "failovers_total",
			Help:      "Times a send moved on to the next candidate provider.",
		},
	)

	GlobalFallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "global_fallback_total",
			Help:      "Sends attempted on the global fallback provider with tenant limits bypassed.",
		},
	)

	// RateLimitDenials counts limiter refusals. Label layer: tenant, binding, provider.
	RateLimitDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "denials_total",
			Help:      "Admission refusals by limiting layer.",
		},
		[]string{"layer"},
	)

	ClaimsContended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "claims_contended_total",
			Help:      "Claim attempts that lost to another processor.",
		},
	)

	// ProcessOutcomes counts ProcessOne results. Label outcome: sent, failed, retry, cancelled, skipped.
	ProcessOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "process_outcomes_total",
			Help:      "Queue processing results.",
		},
		[]string{"outcome"},
	)

	RecordConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "delivery_record_conflicts_total",
			Help:      "Delivery record inserts that found an existing record.",
		},
	)

	RecoveredItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "recovered_items_total",
			Help:      "Stale processing items requeued or failed by recovery.",
		},
		[]string{"action"},
	)

	ProviderHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "healthy",
			Help:      "1 when the provider is considered healthy, 0 otherwise.",
		},
		[]string{"provider_id"},
	)
)

func init() {
	prometheus.MustRegister(
		SendsTotal,
		SendDuration,
		FailoversTotal,
		GlobalFallbackTotal,
		RateLimitDenials,
		ClaimsContended,
		ProcessOutcomes,
		RecordConflicts,
		RecoveredItems,
		ProviderHealth,
	)
}

// ObserveSend records one provider call.
func ObserveSend(kind, outcome string, started time.Time) {
	SendsTotal.WithLabelValues(kind, outcome).Inc()
	SendDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}
