package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/vesselgate/internal/core"
)

const testProfiles = `
profiles:
  steward:
    rules:
      - dimension: commercial_consent
        action_types: [commercial_intro]
        severity: major
        correction: obtain explicit consent before introducing a partner
      - dimension: graph_integrity
        action_types: [graph_write]
        request_review: true
      - dimension: rogue_agent
        agents: [agent-rogue]
        severity: critical
  open:
    rules: []
`

func TestParseProfiles(t *testing.T) {
	ps, err := ParseProfiles([]byte(testProfiles))
	require.NoError(t, err)
	require.Contains(t, ps.Profiles, "steward")
	assert.Len(t, ps.Profiles["steward"].Rules, 3)
	assert.Equal(t, core.SeverityMajor, ps.Profiles["steward"].Rules[0].severity)
}

func TestParseProfiles_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing dimension": "profiles:\n  p:\n    rules:\n      - severity: major\n",
		"bad severity":      "profiles:\n  p:\n    rules:\n      - dimension: x\n        severity: fatal\n",
		"bad action type":   "profiles:\n  p:\n    rules:\n      - dimension: x\n        severity: minor\n        action_types: [teleport]\n",
		"no effect":         "profiles:\n  p:\n    rules:\n      - dimension: x\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseProfiles([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestRuleEvaluator(t *testing.T) {
	ps, err := ParseProfiles([]byte(testProfiles))
	require.NoError(t, err)
	ev := NewRuleEvaluator(ps)
	vessel := core.Vessel{ID: "v1", PolicyProfile: "steward"}
	ctx := context.Background()

	t.Run("commercial intro flagged major", func(t *testing.T) {
		req := core.NewActionRequest("agent-1", "v1", core.ActionCommercialIntro, []byte("intro"))
		out, err := ev.Evaluate(ctx, req, vessel)
		require.NoError(t, err)
		require.Len(t, out.Violations, 1)
		assert.Equal(t, "commercial_consent", out.Violations[0].Dimension)
		assert.Equal(t, core.SeverityMajor, out.Violations[0].Severity)
		assert.False(t, out.RequestReview)
	})

	t.Run("graph write requests review", func(t *testing.T) {
		req := core.NewActionRequest("agent-1", "v1", core.ActionGraphWrite, nil)
		out, err := ev.Evaluate(ctx, req, vessel)
		require.NoError(t, err)
		assert.Empty(t, out.Violations)
		assert.True(t, out.RequestReview)
	})

	t.Run("agent specific rule", func(t *testing.T) {
		req := core.NewActionRequest("agent-rogue", "v1", core.ActionToolCall, nil)
		out, err := ev.Evaluate(ctx, req, vessel)
		require.NoError(t, err)
		require.Len(t, out.Violations, 1)
		assert.Equal(t, core.SeverityCritical, out.Violations[0].Severity)
	})

	t.Run("unknown profile errors", func(t *testing.T) {
		req := core.NewActionRequest("agent-1", "v1", core.ActionToolCall, nil)
		_, err := ev.Evaluate(ctx, req, core.Vessel{ID: "v2", PolicyProfile: "missing"})
		assert.Error(t, err)
	})

	t.Run("swap replaces profiles", func(t *testing.T) {
		ev2 := NewRuleEvaluator(ps)
		ev2.Swap(nil)
		req := core.NewActionRequest("agent-1", "v1", core.ActionToolCall, nil)
		_, err := ev2.Evaluate(ctx, req, vessel)
		assert.Error(t, err)
	})
}

func TestEvaluationValidate(t *testing.T) {
	assert.NoError(t, Evaluation{}.Validate())
	assert.Error(t, Evaluation{Violations: []core.ConstraintViolation{{Severity: core.SeverityMinor}}}.Validate())
	assert.Error(t, Evaluation{Violations: []core.ConstraintViolation{{Dimension: "x"}}}.Validate())
}
