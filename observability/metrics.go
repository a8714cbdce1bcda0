package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics
)

// SettlementMetrics exposes the Prometheus collectors recorded by the
// settlement engine.
type SettlementMetrics struct {
	runs         *prometheus.CounterVec
	payouts      *prometheus.CounterVec
	stepErrors   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	stuckPending prometheus.Gauge
}

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rivalry",
				Subsystem: "settlement",
				Name:      "runs_total",
				Help:      "Settlement runs segmented by protocol and outcome.",
			}, []string{"protocol", "outcome"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rivalry",
				Subsystem: "settlement",
				Name:      "payouts_total",
				Help:      "Confirmed ledger transfers segmented by payout role.",
			}, []string{"role"}),
			stepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rivalry",
				Subsystem: "settlement",
				Name:      "step_errors_total",
				Help:      "Settlement step failures segmented by protocol and step.",
			}, []string{"protocol", "step"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "rivalry",
				Subsystem: "settlement",
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of settlement runs.",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
			}, []string{"protocol"}),
			stuckPending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "rivalry",
				Subsystem: "settlement",
				Name:      "stuck_pending",
				Help:      "Challenges held in PENDING beyond the alert threshold.",
			}),
		}
		prometheus.MustRegister(
			settlementReg.runs,
			settlementReg.payouts,
			settlementReg.stepErrors,
			settlementReg.latency,
			settlementReg.stuckPending,
		)
	})
	return settlementReg
}

// RecordRun counts one finished settlement run.
func (m *SettlementMetrics) RecordRun(protocol, outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(normalizeLabel(protocol), normalizeLabel(outcome)).Inc()
}

// RecordPayout counts one confirmed transfer by role.
func (m *SettlementMetrics) RecordPayout(role string) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(normalizeLabel(role)).Inc()
}

// RecordStepError counts a failed protocol step.
func (m *SettlementMetrics) RecordStepError(protocol, step string) {
	if m == nil {
		return
	}
	m.stepErrors.WithLabelValues(normalizeLabel(protocol), normalizeLabel(step)).Inc()
}

// ObserveRun records the wall-clock duration of a settlement run.
func (m *SettlementMetrics) ObserveRun(protocol string, d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.latency.WithLabelValues(normalizeLabel(protocol)).Observe(d.Seconds())
}

// SetStuckPending publishes the count of challenges stuck in PENDING.
func (m *SettlementMetrics) SetStuckPending(count int) {
	if m == nil {
		return
	}
	m.stuckPending.Set(float64(count))
}

func normalizeLabel(v string) string {
	trimmed := strings.TrimSpace(strings.ToLower(v))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
