// Package obsmetrics exposes the runtime's Prometheus metrics: one flat
// struct holding every promauto-registered collector, with cheap no-op
// guards so callers can record unconditionally.
package obsmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects every counter, gauge, and histogram emitted by the
// runtime's subsystems, all namespaced "agentrt".
type Metrics struct {
	stepLatency   *prometheus.HistogramVec
	stepsTotal    *prometheus.CounterVec
	dedupHits     *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	breakerTrips  *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	walRotations  prometheus.Counter
	walSyncs      prometheus.Counter
	auditAppends  prometheus.Counter
	kvWrites      *prometheus.CounterVec
	inflightSteps prometheus.Gauge

	mu      sync.RWMutex
	enabled bool
}

// New creates and registers every collector against registry. A nil
// registry uses prometheus.DefaultRegisterer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentrt",
		Name:      "step_latency_ms",
		Help:      "Hardened executor step duration in milliseconds, from dispatch to completion",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
	}, []string{"action", "status"})

	m.stepsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentrt",
		Name:      "executor_steps_total",
		Help:      "Steps processed by the hardened executor pipeline",
	}, []string{"action", "outcome"})

	m.dedupHits = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentrt",
		Name:      "dedup_hits_total",
		Help:      "Steps short-circuited because a matching idempotency fingerprint already existed",
	}, []string{"action"})

	m.rateLimited = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentrt",
		Name:      "rate_limited_total",
		Help:      "Steps rejected or delayed by the rate limiter",
	}, []string{"scope", "bucket"})

	m.breakerTrips = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentrt",
		Name:      "breaker_trips_total",
		Help:      "Circuit breaker transitions into the open state",
	}, []string{"scope"})

	m.breakerState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentrt",
		Name:      "breaker_state",
		Help:      "Current circuit breaker state per scope (0=closed, 1=half_open, 2=open)",
	}, []string{"scope"})

	m.walRotations = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "agentrt",
		Name:      "wal_rotations_total",
		Help:      "Write-ahead log segment rotations",
	})

	m.walSyncs = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "agentrt",
		Name:      "wal_syncs_total",
		Help:      "Write-ahead log fsync calls",
	})

	m.auditAppends = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "agentrt",
		Name:      "audit_appends_total",
		Help:      "Records appended to the audit trail",
	})

	m.kvWrites = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentrt",
		Name:      "kvstore_writes_total",
		Help:      "Resilient key-value store write operations",
	}, []string{"outcome"})

	m.inflightSteps = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentrt",
		Name:      "executor_inflight_steps",
		Help:      "Steps currently executing inside the hardened executor pool",
	})

	return m
}

func (m *Metrics) RecordStepLatency(action, status string, d time.Duration) {
	if !m.isEnabled() {
		return
	}
	m.stepLatency.WithLabelValues(action, status).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) IncrementSteps(action, outcome string) {
	if !m.isEnabled() {
		return
	}
	m.stepsTotal.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) IncrementDedupHits(action string) {
	if !m.isEnabled() {
		return
	}
	m.dedupHits.WithLabelValues(action).Inc()
}

func (m *Metrics) IncrementRateLimited(scope, bucket string) {
	if !m.isEnabled() {
		return
	}
	m.rateLimited.WithLabelValues(scope, bucket).Inc()
}

func (m *Metrics) IncrementBreakerTrips(scope string) {
	if !m.isEnabled() {
		return
	}
	m.breakerTrips.WithLabelValues(scope).Inc()
}

// BreakerState codes used with SetBreakerState.
const (
	BreakerStateClosed   = 0
	BreakerStateHalfOpen = 1
	BreakerStateOpen     = 2
)

func (m *Metrics) SetBreakerState(scope string, state float64) {
	if !m.isEnabled() {
		return
	}
	m.breakerState.WithLabelValues(scope).Set(state)
}

func (m *Metrics) IncrementWALRotations() {
	if !m.isEnabled() {
		return
	}
	m.walRotations.Inc()
}

func (m *Metrics) IncrementWALSyncs() {
	if !m.isEnabled() {
		return
	}
	m.walSyncs.Inc()
}

func (m *Metrics) IncrementAuditAppends() {
	if !m.isEnabled() {
		return
	}
	m.auditAppends.Inc()
}

func (m *Metrics) IncrementKVWrites(outcome string) {
	if !m.isEnabled() {
		return
	}
	m.kvWrites.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetInflightSteps(count int) {
	if !m.isEnabled() {
		return
	}
	m.inflightSteps.Set(float64(count))
}

// Disable stops metric recording, useful for tests asserting on call counts
// elsewhere without Prometheus registry collisions.
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable re-enables metric recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

// isEnabled reports whether recording is on. A nil *Metrics reports
// false, so components with optional metrics skip the nil checks.
func (m *Metrics) isEnabled() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}
