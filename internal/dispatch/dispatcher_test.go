package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/vesselgate/internal/core"
	"github.com/ocx/vesselgate/internal/gate"
	"github.com/ocx/vesselgate/internal/policy"
	"github.com/ocx/vesselgate/internal/trajectory"
	"github.com/ocx/vesselgate/internal/vessel"
)

const profiles = `
profiles:
  steward:
    rules:
      - dimension: commercial_consent
        action_types: [commercial_intro]
        severity: major
      - dimension: graph_integrity
        action_types: [graph_write]
        severity: minor
        request_review: true
`

type fixture struct {
	dispatcher *Dispatcher
	gate       *gate.Gate
	tracker    *trajectory.MemoryTracker
}

func newFixture(t *testing.T, evaluator policy.Evaluator) fixture {
	t.Helper()
	if evaluator == nil {
		ps, err := policy.ParseProfiles([]byte(profiles))
		require.NoError(t, err)
		evaluator = policy.NewRuleEvaluator(ps)
	}
	registry, err := vessel.NewRegistry(core.Vessel{
		ID:            "vessel-1",
		PolicyProfile: "steward",
		TierConfig:    core.TierConfig{Tier1Enabled: true},
	})
	require.NoError(t, err)

	tracker := trajectory.NewMemoryTracker()
	g := gate.New(evaluator, tracker, gate.WithDefaultBudget(200*time.Millisecond))
	return fixture{dispatcher: New(g, registry), gate: g, tracker: tracker}
}

func countingHandler(calls *int) Handler {
	return func(_ context.Context, req core.ActionRequest, payload []byte) (any, error) {
		*calls++
		return map[string]string{"request_id": req.ID, "echo": string(payload)}, nil
	}
}

func blockingEvents(events []core.SecurityEvent) int {
	var n int
	for _, e := range events {
		if e.EventType.Blocking() {
			n++
		}
	}
	return n
}

func countTo(transitions []core.StateTransition, to core.AgentState) int {
	var n int
	for _, tr := range transitions {
		if tr.To == to {
			n++
		}
	}
	return n
}

func TestDispatcher_BlockedCommercialIntro(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	var calls int

	res := f.dispatcher.Introduce(ctx, "agent-a", "vessel-1", []byte(`{"partner":"acme"}`), countingHandler(&calls))

	assert.False(t, res.Success)
	assert.Zero(t, calls, "handler must not run on BLOCK")
	assert.Contains(t, res.Message, "blocked by gate")
	assert.Contains(t, res.Message, "commercial_consent")
	assert.ErrorIs(t, res.Err, core.ErrBlockedByGate)

	var blockedErr *core.BlockedByGateError
	require.ErrorAs(t, res.Err, &blockedErr)
	assert.Equal(t, []string{"commercial_consent"}, blockedErr.Dimensions)
	assert.Equal(t, core.VerdictBlock, blockedErr.Verdict)

	transitions, err := f.tracker.GetStateTransitions(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 1, countTo(transitions, core.StateBlocked))

	events, err := f.tracker.GetSecurityEvents(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventCommercialIntroBlocked, events[0].EventType)
	assert.Equal(t, res.Decision.RequestID, events[0].DecisionRef)

	assert.Equal(t, core.StateIdle, f.gate.State("agent-a"))
}

func TestDispatcher_AllowedPath(t *testing.T) {
	f := newFixture(t, policy.AllowAll)
	ctx := context.Background()
	var calls int

	res := f.dispatcher.ExecuteTool(ctx, "agent-a", "vessel-1", []byte("search"), countingHandler(&calls))

	require.True(t, res.Success, res.Message)
	assert.Equal(t, 1, calls)
	assert.NoError(t, res.Err)
	assert.Equal(t, core.VerdictAllow, res.Decision.Verdict)
	assert.Equal(t, "search", res.Output.(map[string]string)["echo"])

	transitions, err := f.tracker.GetStateTransitions(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 1, countTo(transitions, core.StateAllowed))

	events, err := f.tracker.GetSecurityEvents(ctx, "agent-a")
	require.NoError(t, err)
	assert.Zero(t, blockingEvents(events))
	assert.Equal(t, core.StateIdle, f.gate.State("agent-a"))
}

func TestDispatcher_AllowedCommercialIntroIsLogged(t *testing.T) {
	f := newFixture(t, policy.AllowAll)
	ctx := context.Background()

	res := f.dispatcher.Introduce(ctx, "agent-a", "vessel-1", nil, nil)
	require.True(t, res.Success)

	events, err := f.tracker.GetSecurityEvents(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventCommercialIntroLogged, events[0].EventType)
}

func TestDispatcher_DeferIsTreatedAsBlock(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	var calls int

	res := f.dispatcher.WriteGraph(ctx, "agent-a", "vessel-1", []byte(`{"edge":"a->b"}`), countingHandler(&calls))
	assert.False(t, res.Success)
	assert.Zero(t, calls)
	assert.Equal(t, core.VerdictDefer, res.Decision.Verdict)
	assert.Contains(t, res.Message, "blocked by gate")
	assert.Contains(t, res.Message, "graph_integrity")
	assert.Equal(t, core.StateDeferred, f.gate.State("agent-a"))
}

func TestDispatcher_HandlerFailure(t *testing.T) {
	f := newFixture(t, policy.AllowAll)
	ctx := context.Background()

	res := f.dispatcher.SendMessage(ctx, "agent-a", "vessel-1", []byte("hi"), func(context.Context, core.ActionRequest, []byte) (any, error) {
		return nil, errors.New("smtp unavailable")
	})
	assert.False(t, res.Success)
	assert.Equal(t, "smtp unavailable", res.Message)
	assert.Equal(t, core.VerdictAllow, res.Decision.Verdict)

	res = f.dispatcher.SendMessage(ctx, "agent-a", "vessel-1", []byte("hi"), func(context.Context, core.ActionRequest, []byte) (any, error) {
		panic("boom")
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "panicked")
}

func TestDispatcher_FailsClosedOnUnknownInputs(t *testing.T) {
	f := newFixture(t, policy.AllowAll)
	ctx := context.Background()
	var calls int

	res := f.dispatcher.ExecuteTool(ctx, "agent-a", "vessel-missing", nil, countingHandler(&calls))
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, core.ErrVesselNotFound)
	assert.Equal(t, core.VerdictBlock, res.Decision.Verdict)
	assert.Equal(t, []string{core.DimensionUnknownVessel}, res.Decision.ViolatedDimensions())

	events, err := f.tracker.GetSecurityEvents(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventBlockedAction, events[0].EventType)

	// An AllowAll evaluator must not let an unknown vessel through.
	res = f.dispatcher.Introduce(ctx, "agent-x", "vessel-missing", []byte(`{"partner":"acme"}`), countingHandler(&calls))
	assert.False(t, res.Success)
	assert.Zero(t, calls)

	events, err = f.tracker.GetSecurityEvents(ctx, "agent-x")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventCommercialIntroBlocked, events[0].EventType)
	assert.Equal(t, res.Decision.RequestID, events[0].DecisionRef)

	transitions, err := f.tracker.GetStateTransitions(ctx, "agent-x")
	require.NoError(t, err)
	assert.Equal(t, 1, countTo(transitions, core.StateBlocked))
	assert.Equal(t, core.StateIdle, f.gate.State("agent-x"))

	res = f.dispatcher.Execute(ctx, "agent-a", "vessel-1", core.ActionType("teleport"), nil, countingHandler(&calls))
	assert.False(t, res.Success)
	assert.Zero(t, calls)
}

type fixedBudget time.Duration

func (b fixedBudget) LatencyBudget(string) time.Duration { return time.Duration(b) }

func TestDispatcher_UsesVesselBudget(t *testing.T) {
	slow := policy.EvaluatorFunc(func(ctx context.Context, _ core.ActionRequest, _ core.Vessel) (policy.Evaluation, error) {
		select {
		case <-time.After(50 * time.Millisecond):
			return policy.Evaluation{}, nil
		case <-ctx.Done():
			return policy.Evaluation{}, ctx.Err()
		}
	})
	f := newFixture(t, slow)
	f.dispatcher = New(f.gate, mustRegistry(t), WithBudgets(fixedBudget(5*time.Millisecond)))

	var calls int
	res := f.dispatcher.ExecuteTool(context.Background(), "agent-a", "vessel-1", nil, countingHandler(&calls))
	assert.False(t, res.Success)
	assert.True(t, res.Decision.BudgetExceeded)
	assert.Zero(t, calls)
}

func mustRegistry(t *testing.T) *vessel.Registry {
	t.Helper()
	r, err := vessel.NewRegistry(core.Vessel{ID: "vessel-1", PolicyProfile: "steward"})
	require.NoError(t, err)
	return r
}
