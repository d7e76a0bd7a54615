// Package telemetry provides observability primitives for RoutePilot.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the orchestrator.
type Metrics struct {
	AttemptsTotal     *prometheus.CounterVec
	FallbacksTotal    *prometheus.CounterVec
	FirstTokenSeconds *prometheus.HistogramVec
	StreamDuration    *prometheus.HistogramVec
	QuotaRejects      *prometheus.CounterVec
	ReceiptsWritten   prometheus.Counter
	ChainHops         *prometheus.CounterVec
	Escalations       prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routepilot",
			Name:      "route_attempts_total",
			Help:      "Total routed attempts by model and outcome.",
		}, []string{"model", "outcome"}),

		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routepilot",
			Name:      "fallbacks_total",
			Help:      "Total failovers by classified reason.",
		}, []string{"reason"}),

		FirstTokenSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "routepilot",
			Name:                            "first_token_seconds",
			Help:                            "Time to first content delta in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"model"}),

		StreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "routepilot",
			Name:                            "stream_duration_seconds",
			Help:                            "Full routed call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"model"}),

		QuotaRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routepilot",
			Name:      "quota_rejects_total",
			Help:      "Total quota gate rejections.",
		}, []string{"kind"}),

		ReceiptsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "routepilot",
			Name:      "receipts_written_total",
			Help:      "Total receipts persisted.",
		}),

		ChainHops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routepilot",
			Name:      "chain_hops_total",
			Help:      "Total sub-agent hops by agent name.",
		}, []string{"agent"}),

		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "routepilot",
			Name:      "escalations_total",
			Help:      "Total operator-visible fallback escalations.",
		}),
	}

	reg.MustRegister(
		m.AttemptsTotal,
		m.FallbacksTotal,
		m.FirstTokenSeconds,
		m.StreamDuration,
		m.QuotaRejects,
		m.ReceiptsWritten,
		m.ChainHops,
		m.Escalations,
	)

	return m
}
