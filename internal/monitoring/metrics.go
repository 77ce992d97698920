package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ocx/vesselgate/internal/core"
	"github.com/ocx/vesselgate/internal/trajectory"
)

// Metrics holds the Prometheus metrics for the gate, tracker and router.
// It implements gate.Observer.
type Metrics struct {
	// Gate metrics
	Decisions           *prometheus.CounterVec
	DecisionLatency     *prometheus.HistogramVec
	BudgetExceededTotal *prometheus.CounterVec
	EvaluatorFailures   *prometheus.CounterVec
	Violations          *prometheus.CounterVec

	// Tracker metrics
	TrackerWriteFailures *prometheus.CounterVec
	TrackerDropped       *prometheus.CounterVec

	// Router metrics
	TierSelections *prometheus.CounterVec
	NoTierErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vesselgate_decisions_total",
				Help: "Gate decisions by verdict and action type",
			},
			[]string{"verdict", "action_type"},
		),

		DecisionLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vesselgate_decision_latency_seconds",
				Help:    "Time from request arrival to verdict",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .075, .1, .15, .25, .5},
			},
			[]string{"action_type"},
		),

		BudgetExceededTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vesselgate_budget_exceeded_total",
				Help: "Evaluations abandoned after the latency budget",
			},
			[]string{"action_type"},
		),

		EvaluatorFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vesselgate_evaluator_failures_total",
				Help: "Evaluator errors, panics and malformed results",
			},
			[]string{"action_type"},
		),

		Violations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vesselgate_violations_total",
				Help: "Constraint violations by dimension and severity",
			},
			[]string{"dimension", "severity"},
		),

		TrackerWriteFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vesselgate_tracker_write_failures_total",
				Help: "Audit writes that failed on the gate path",
			},
			[]string{"kind"}, // kind: transition, event
		),

		TrackerDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vesselgate_tracker_dropped_total",
				Help: "Audit records dropped after exhausting retries",
			},
			[]string{"kind"},
		),

		TierSelections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vesselgate_tier_selections_total",
				Help: "Tier router selections",
			},
			[]string{"request_class", "tier", "fallback"},
		),

		NoTierErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vesselgate_no_tier_available_total",
				Help: "Routing requests with no enabled tier",
			},
			[]string{"request_class"},
		),
	}
}

func (m *Metrics) Decided(d core.GateDecision) {
	m.Decisions.WithLabelValues(string(d.Verdict), string(d.ActionType)).Inc()
	m.DecisionLatency.WithLabelValues(string(d.ActionType)).Observe(d.EvaluatedLatency.Seconds())
	for _, v := range d.Violations {
		m.Violations.WithLabelValues(v.Dimension, v.Severity.String()).Inc()
	}
}

func (m *Metrics) BudgetExceeded(d core.GateDecision) {
	m.BudgetExceededTotal.WithLabelValues(string(d.ActionType)).Inc()
}

func (m *Metrics) EvaluatorFailed(d core.GateDecision, _ error) {
	m.EvaluatorFailures.WithLabelValues(string(d.ActionType)).Inc()
}

func (m *Metrics) TrackerWriteFailed(_, kind string, _ error) {
	m.TrackerWriteFailures.WithLabelValues(kind).Inc()
}

// RecordDropped is a trajectory.RetryOptions.OnExhausted hook.
func (m *Metrics) RecordDropped(w trajectory.PendingWrite) {
	m.TrackerDropped.WithLabelValues(w.Kind()).Inc()
}

// RecordTier counts a routing outcome.
func (m *Metrics) RecordTier(class string, tier core.TierLevel, fallback bool) {
	fb := "false"
	if fallback {
		fb = "true"
	}
	m.TierSelections.WithLabelValues(class, tier.String(), fb).Inc()
}

// RecordNoTier counts a NoTierAvailable failure.
func (m *Metrics) RecordNoTier(class string) {
	m.NoTierErrors.WithLabelValues(class).Inc()
}
