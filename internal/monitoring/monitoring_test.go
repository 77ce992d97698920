package monitoring

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/vesselgate/internal/core"
	"github.com/ocx/vesselgate/internal/trajectory"
)

func decision(v core.Verdict, latency time.Duration, violations ...core.ConstraintViolation) core.GateDecision {
	return core.GateDecision{
		RequestID:        "req-1",
		AgentID:          "agent-a",
		ActionType:       core.ActionToolCall,
		Verdict:          v,
		Violations:       violations,
		EvaluatedLatency: latency,
	}
}

func TestMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.Decided(decision(core.VerdictAllow, 3*time.Millisecond))
	m.Decided(decision(core.VerdictBlock, 5*time.Millisecond,
		core.ConstraintViolation{Dimension: "consent", Severity: core.SeverityMajor}))
	m.BudgetExceeded(decision(core.VerdictBlock, 100*time.Millisecond))
	m.EvaluatorFailed(decision(core.VerdictBlock, time.Millisecond), errors.New("boom"))
	m.TrackerWriteFailed("agent-a", "event", errors.New("down"))
	m.RecordDropped(trajectory.PendingWrite{AgentID: "agent-a", Transition: &core.StateTransition{}})
	m.RecordTier("simple_qa", core.Tier1, true)
	m.RecordNoTier("heavy_generation")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("ALLOW", "tool_call")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("BLOCK", "tool_call")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Violations.WithLabelValues("consent", "major")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BudgetExceededTotal.WithLabelValues("tool_call")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EvaluatorFailures.WithLabelValues("tool_call")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TrackerWriteFailures.WithLabelValues("event")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TrackerDropped.WithLabelValues("transition")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TierSelections.WithLabelValues("simple_qa", "TIER1", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NoTierErrors.WithLabelValues("heavy_generation")))
}

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	require.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}

func TestLiveMonitor(t *testing.T) {
	lm := NewLiveMonitor()
	for i := 1; i <= 100; i++ {
		lm.Decided(decision(core.VerdictAllow, time.Duration(i)*time.Millisecond))
	}
	lm.BudgetExceeded(decision(core.VerdictBlock, 0))
	lm.Decided(decision(core.VerdictBlock, 0))
	lm.Decided(decision(core.VerdictDefer, 0))

	m := lm.GetLiveMetrics()
	assert.EqualValues(t, 102, m.TotalDecisions)
	assert.EqualValues(t, 100, m.Allowed)
	assert.EqualValues(t, 1, m.Blocked)
	assert.EqualValues(t, 1, m.Deferred)
	assert.EqualValues(t, 1, m.BudgetExceeded)
	assert.InDelta(t, 1.0/102, m.BudgetExceededRate, 1e-9)
	assert.Equal(t, 99.0, m.LatencyP99Ms)
	assert.Equal(t, 49.0, m.LatencyP50Ms)
}

func TestLiveMonitor_Alerts(t *testing.T) {
	lm := NewLiveMonitor()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lm.now = func() time.Time { return now }
	for _, r := range DefaultAlertRules() {
		lm.AddAlertRule(r)
	}

	lm.Decided(decision(core.VerdictAllow, time.Millisecond))
	assert.Empty(t, lm.GetActiveAlerts())

	lm.TrackerWriteFailed("agent-a", "transition", errors.New("down"))
	lm.TrackerWriteFailed("agent-a", "transition", errors.New("down"))
	alerts := lm.GetActiveAlerts()
	require.Len(t, alerts, 1, "cooldown suppresses the repeat")
	assert.Equal(t, "tracker_write_failures", alerts[0].RuleID)
	assert.Equal(t, "critical", alerts[0].Severity)

	now = now.Add(2 * time.Minute)
	lm.TrackerWriteFailed("agent-a", "event", errors.New("down"))
	assert.Len(t, lm.GetActiveAlerts(), 2)
}

func TestPercentile(t *testing.T) {
	assert.Zero(t, percentile(nil, 0.5))
	assert.Equal(t, 7.0, percentile([]float64{7}, 0.99))
	assert.Equal(t, 2.0, percentile([]float64{1, 2, 3, 4}, 0.5))
}
