// Package metrics exposes Prometheus instrumentation for the balancer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the balancer's instruments. Created once per process and
// shared by the dispatcher and health tracker.
type Metrics struct {
	// CallsTotal counts routed calls by final result:
	// success, rejected, unavailable, failed.
	CallsTotal *prometheus.CounterVec

	// AttemptsTotal counts individual forwarding attempts by outcome:
	// success, transient_failure, rejected.
	AttemptsTotal *prometheus.CounterVec

	// FailoversTotal counts retries against a freshly selected backend
	// after a transient failure.
	FailoversTotal prometheus.Counter

	// EligibleBackends tracks the current size of the eligible set.
	EligibleBackends prometheus.Gauge

	// MembershipVersion tracks the current snapshot version; a stalled
	// value under churn points at a wedged watch.
	MembershipVersion prometheus.Gauge

	// ForwardDuration observes per-attempt forward latency in seconds.
	ForwardDuration prometheus.Histogram
}

// New creates and registers the balancer metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "balancer",
			Name:      "calls_total",
			Help:      "Routed calls by final result.",
		}, []string{"result"}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "balancer",
			Name:      "forward_attempts_total",
			Help:      "Forwarding attempts by outcome.",
		}, []string{"outcome"}),
		FailoversTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "balancer",
			Name:      "failovers_total",
			Help:      "Retries against a freshly selected backend.",
		}),
		EligibleBackends: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "balancer",
			Name:      "eligible_backends",
			Help:      "Backends currently eligible for selection.",
		}),
		MembershipVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "balancer",
			Name:      "membership_version",
			Help:      "Version of the current membership snapshot.",
		}),
		ForwardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "balancer",
			Name:      "forward_duration_seconds",
			Help:      "Per-attempt forward latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.CallsTotal,
		m.AttemptsTotal,
		m.FailoversTotal,
		m.EligibleBackends,
		m.MembershipVersion,
		m.ForwardDuration,
	)
	return m
}
