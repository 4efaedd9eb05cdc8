// Package metrics holds the prometheus collectors of the wallet core. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "walletcore"

// Cycle outcomes
const (
	OutcomeOK      = "ok"
	OutcomeEmpty   = "empty"
	OutcomeOffline = "offline"
	OutcomePartial = "partial"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Fallback stages
const (
	StageChunk   = "chunk"
	StageAddress = "address"
)

type Metrics struct {
	cycles          *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec
	fallbacks       *prometheus.CounterVec
	addressFailures *prometheus.CounterVec
	retries         *prometheus.CounterVec
	broadcasts      *prometheus.CounterVec
	nonceOverrides  prometheus.Counter
	disabledTokens  prometheus.Counter
}

// New registers the collectors on reg. A nil reg creates unregistered
// collectors, which is what tests use.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		cycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "balance_fetch_cycles_total",
				Help:      "Balance fetch cycles by track and outcome",
			},
			[]string{"track", "outcome"},
		),
		cycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "balance_fetch_cycle_seconds",
				Help:      "Duration of balance fetch cycles, from start until every sub-call returned",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"track"},
		),
		fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "balance_fetch_fallbacks_total",
				Help:      "Fallbacks from a batched call to chunked or per-address calls",
			},
			[]string{"track", "stage"},
		),
		addressFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "balance_fetch_address_failures_total",
				Help:      "Per-address balance calls that failed and left the cache stale",
			},
			[]string{"track"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "balance_fetch_retries_total",
				Help:      "Delayed retries scheduled after a failed cycle",
			},
			[]string{"track"},
		),
		broadcasts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcasts_total",
				Help:      "Transaction broadcasts by operation and error class",
			},
			[]string{"operation", "class"},
		),
		nonceOverrides: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nonce_overrides_total",
				Help:      "Nonce tracker rebases after a nonce too low rejection",
			},
		),
		disabledTokens: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "disabled_tokens_total",
				Help:      "Zero-balance tokens reported to the registry for disabling",
			},
		),
	}
}

func (m *Metrics) ObserveCycle(track, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(track, outcome).Inc()
	if outcome != OutcomeSkipped {
		m.cycleDuration.WithLabelValues(track).Observe(took.Seconds())
	}
}

func (m *Metrics) Fallback(track, stage string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(track, stage).Inc()
}

func (m *Metrics) AddressFailure(track string) {
	if m == nil {
		return
	}
	m.addressFailures.WithLabelValues(track).Inc()
}

func (m *Metrics) RetryScheduled(track string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(track).Inc()
}

// Broadcast counts a broadcast attempt; class is "none" on success.
func (m *Metrics) Broadcast(operation, class string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(operation, class).Inc()
}

func (m *Metrics) NonceOverride() {
	if m == nil {
		return
	}
	m.nonceOverrides.Inc()
}

func (m *Metrics) TokensDisabled(n int) {
	if m == nil {
		return
	}
	m.disabledTokens.Add(float64(n))
}
