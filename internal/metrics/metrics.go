// Package metrics exposes prometheus telemetry for the determination engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Failure reasons counted by origin_calculation_failures_total.
const (
	ReasonMalformedBody         = "validation_malformed_body"
	ReasonPersistence           = "persistence_failure"
	ReasonUnexpected            = "unexpected_error"
	ReasonEvaluationUnavailable = "evaluation_unavailable"
	ReasonEvaluationFailed      = "evaluation_failed"
	ReasonRuleEngineFailed      = "rule_engine_failure"
	ReasonHumanReviewQueue      = "human_review_queue"
	ReasonHumanReviewQueueFull  = "human_review_queue_rejected"
	ReasonAuditLog              = "audit_log"
)

// Metrics provides observability for the determination engine.
type Metrics struct {
	// Failures by reason
	CalculationFailures *prometheus.CounterVec

	// Determinations by decision path and verdict
	Determinations *prometheus.CounterVec

	// End-to-end determination latency
	DeterminationLatency prometheus.Histogram

	// External evaluation calls by outcome
	EvaluatorLatency *prometheus.HistogramVec

	// Background tasks that exhausted retries, by kind and class
	DispatchFailures *prometheus.CounterVec

	// 1 while the certificate store serves from memory
	StoreDegraded prometheus.Gauge

	// Partner requests rejected by the rate limiter
	PartnerRateLimited *prometheus.CounterVec

	// Rolling KPIs from the monitoring checker
	ConformRate *prometheus.GaugeVec
	ReviewRate  prometheus.Gauge
}

// New creates and registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CalculationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "origin_calculation_failures_total",
			Help: "Origin calculation failures and degradations by reason",
		}, []string{"reason"}),

		Determinations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "origin_determinations_total",
			Help: "Completed determinations by decision path and verdict",
		}, []string{"path", "conform"}), // path: "rule_matched", "fallback", "evaluator"

		DeterminationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "origin_determination_duration_seconds",
			Help:    "Duration of a determination from receipt to response",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		EvaluatorLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "origin_evaluator_duration_seconds",
			Help:    "Duration of external evaluation service calls by outcome",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),

		DispatchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "origin_dispatch_failures_total",
			Help: "Background tasks that exhausted their retries",
		}, []string{"kind", "class"}),

		StoreDegraded: f.NewGauge(prometheus.GaugeOpts{
			Name: "origin_store_degraded",
			Help: "1 while the certificate store is serving from the in-memory fallback",
		}),

		PartnerRateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "origin_partner_rate_limited_total",
			Help: "Partner API requests rejected by the rate limiter",
		}, []string{"partner"}),

		ConformRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "origin_kpi_conform_rate",
			Help: "Share of decided certificates that conform, over the monitoring lookback window",
		}, []string{"agreement"}), // agreement "all" carries the overall rate

		ReviewRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "origin_kpi_review_rate",
			Help: "Share of decided certificates sent to human review, over the monitoring lookback window",
		}),
	}
}

// IncrementFailure records a failure or degradation.
func (m *Metrics) IncrementFailure(reason string) {
	if m != nil {
		m.CalculationFailures.WithLabelValues(reason).Inc()
	}
}

// ObserveDetermination records a completed determination.
func (m *Metrics) ObserveDetermination(path string, conform bool, d time.Duration) {
	if m != nil {
		m.Determinations.WithLabelValues(path, strconv.FormatBool(conform)).Inc()
		m.DeterminationLatency.Observe(d.Seconds())
	}
}

// ObserveEvaluator records an external evaluation call.
func (m *Metrics) ObserveEvaluator(outcome string, d time.Duration) {
	if m != nil {
		m.EvaluatorLatency.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

// IncrementDispatchFailure records a dead-lettered background task.
func (m *Metrics) IncrementDispatchFailure(kind, class string) {
	if m != nil {
		m.DispatchFailures.WithLabelValues(kind, class).Inc()
	}
}

// SetStoreDegraded tracks degraded mode; usable as a FallbackStore hook.
func (m *Metrics) SetStoreDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.StoreDegraded.Set(1)
		return
	}
	m.StoreDegraded.Set(0)
}

// IncrementRateLimited records a throttled partner request.
func (m *Metrics) IncrementRateLimited(partnerID string) {
	if m != nil {
		m.PartnerRateLimited.WithLabelValues(partnerID).Inc()
	}
}

// SetKPIs publishes the overall and per-agreement conform rates and the
// review rate.
func (m *Metrics) SetKPIs(conformRate, reviewRate float64, byAgreement map[string]float64) {
	if m == nil {
		return
	}
	m.ConformRate.WithLabelValues("all").Set(conformRate)
	for agreement, rate := range byAgreement {
		m.ConformRate.WithLabelValues(agreement).Set(rate)
	}
	m.ReviewRate.Set(reviewRate)
}
