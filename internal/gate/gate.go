// Package gate is the admission-control checkpoint every externally-visible
// agent action passes through.
//
// The gate races the constraint evaluator against a latency budget and
// always yields exactly one verdict. Any uncertainty (timeout, evaluator
// error, panic, malformed output) yields BLOCK.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/vesselgate/internal/core"
	"github.com/ocx/vesselgate/internal/policy"
	"github.com/ocx/vesselgate/internal/trajectory"
)

// errBudget is the cancellation cause set when the latency budget runs out,
// telling it apart from a caller deadline.
var errBudget = errors.New("latency budget exceeded")

const (
	DefaultBudget         = 100 * time.Millisecond
	DefaultGracePeriod    = 10 * time.Millisecond
	DefaultTrackerTimeout = 250 * time.Millisecond
)

// Gate produces one GateDecision per ActionRequest. Safe for concurrent use;
// requests from the same agent are evaluated independently.
type Gate struct {
	evaluator      policy.Evaluator
	tracker        trajectory.Tracker
	observer       Observer
	budget         time.Duration
	grace          time.Duration
	trackerTimeout time.Duration
	now            func() time.Time

	states sync.Map // agentID -> *atomic.Value holding core.AgentState
}

// Option configures a Gate.
type Option func(*Gate)

// WithDefaultBudget sets the budget used when Evaluate is called with budget <= 0.
func WithDefaultBudget(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.budget = d
		}
	}
}

// WithGracePeriod bounds how long the gate waits for an abandoned evaluator to return.
func WithGracePeriod(d time.Duration) Option {
	return func(g *Gate) {
		if d >= 0 {
			g.grace = d
		}
	}
}

// WithTrackerTimeout bounds each audit write.
func WithTrackerTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.trackerTimeout = d
		}
	}
}

func WithObserver(o Observer) Option {
	return func(g *Gate) {
		if o != nil {
			g.observer = o
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// New creates a gate over evaluator, auditing to tracker.
func New(evaluator policy.Evaluator, tracker trajectory.Tracker, opts ...Option) *Gate {
	g := &Gate{
		evaluator:      evaluator,
		tracker:        tracker,
		observer:       NopObserver{},
		budget:         DefaultBudget,
		grace:          DefaultGracePeriod,
		trackerTimeout: DefaultTrackerTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Budget returns the default latency budget.
func (g *Gate) Budget() time.Duration {
	return g.budget
}

// outcome is what came back from the evaluator goroutine, or the lack of it.
type outcome struct {
	eval     policy.Evaluation
	err      error
	timedOut bool
}

// Evaluate decides whether req may proceed. It never returns an error: every
// failure mode is folded into a BLOCK verdict. A budget <= 0 uses the default.
func (g *Gate) Evaluate(ctx context.Context, req core.ActionRequest, vessel core.Vessel, budget time.Duration) core.GateDecision {
	if budget <= 0 {
		budget = g.budget
	}
	start := g.now()
	g.enter(req.AgentID)

	out := g.run(ctx, req, vessel, budget)
	return g.settle(ctx, req, vessel, out, start, budget)
}

// Refuse blocks req without consulting the evaluator, for requests that
// cannot be evaluated at all (an unknown vessel). The refusal is audited like
// any other BLOCK under a critical violation of dimension.
func (g *Gate) Refuse(ctx context.Context, req core.ActionRequest, vessel core.Vessel, dimension string, reason error) core.GateDecision {
	start := g.now()
	g.enter(req.AgentID)

	out := outcome{eval: policy.Evaluation{Violations: []core.ConstraintViolation{{
		Dimension:           dimension,
		Severity:            core.SeverityCritical,
		SuggestedCorrection: reason.Error(),
	}}}}
	slog.Warn("[ActionGate] Request refused before evaluation",
		"request_id", req.ID, "agent_id", req.AgentID, "dimension", dimension, "reason", reason)
	return g.settle(ctx, req, vessel, out, start, g.budget)
}

func (g *Gate) settle(ctx context.Context, req core.ActionRequest, vessel core.Vessel, out outcome, start time.Time, budget time.Duration) core.GateDecision {
	decision := g.decide(req, out, start)

	g.slot(req.AgentID).Store(core.StateForVerdict(decision.Verdict))

	switch {
	case out.timedOut:
		slog.Warn("[ActionGate] Latency budget exceeded, blocking",
			"request_id", req.ID, "agent_id", req.AgentID, "budget", budget, "latency", decision.EvaluatedLatency)
		g.observer.BudgetExceeded(decision)
	case out.err != nil:
		slog.Error("[ActionGate] Evaluator failure, blocking",
			"request_id", req.ID, "agent_id", req.AgentID, "error", out.err)
		g.observer.EvaluatorFailed(decision, out.err)
	}

	g.audit(ctx, req, vessel, decision, out, budget)
	g.observer.Decided(decision)
	return decision
}

// run races the evaluator against the budget. The evaluator goroutine writes
// to a buffered channel so it can finish after being abandoned without leaking.
func (g *Gate) run(ctx context.Context, req core.ActionRequest, vessel core.Vessel, budget time.Duration) outcome {
	if g.evaluator == nil {
		return outcome{err: fmt.Errorf("%w: no evaluator configured", core.ErrEvaluatorFailure)}
	}

	evalCtx, cancel := context.WithTimeoutCause(ctx, budget, errBudget)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: panic: %v", core.ErrEvaluatorFailure, r)}
			}
		}()
		eval, err := g.evaluator.Evaluate(evalCtx, req, vessel)
		done <- outcome{eval: eval, err: err}
	}()

	select {
	case out := <-done:
		// A result that lands after the budget fired is still too late.
		if errors.Is(context.Cause(evalCtx), errBudget) {
			return outcome{timedOut: true}
		}
		if out.err != nil {
			return outcome{err: fmt.Errorf("%w: %v", core.ErrEvaluatorFailure, out.err)}
		}
		if err := out.eval.Validate(); err != nil {
			return outcome{err: fmt.Errorf("%w: malformed result: %v", core.ErrEvaluatorFailure, err)}
		}
		return out
	case <-evalCtx.Done():
		cause := context.Cause(evalCtx)
		cancel()
		if g.grace > 0 {
			t := time.NewTimer(g.grace)
			select {
			case <-done:
			case <-t.C:
			}
			t.Stop()
		}
		if errors.Is(cause, errBudget) {
			return outcome{timedOut: true}
		}
		return outcome{err: fmt.Errorf("%w: evaluation cancelled: %v", core.ErrEvaluatorFailure, cause)}
	}
}

func (g *Gate) decide(req core.ActionRequest, out outcome, start time.Time) core.GateDecision {
	now := g.now()
	d := core.GateDecision{
		RequestID:        req.ID,
		AgentID:          req.AgentID,
		ActionType:       req.ActionType,
		EvaluatedLatency: now.Sub(start),
		DecidedAt:        now.UTC(),
	}

	switch {
	case out.timedOut:
		d.Verdict = core.VerdictBlock
		d.BudgetExceeded = true
		d.Violations = []core.ConstraintViolation{{
			Dimension: core.DimensionBudgetExceeded,
			Severity:  core.SeverityCritical,
		}}
	case out.err != nil:
		d.Verdict = core.VerdictBlock
		d.Violations = []core.ConstraintViolation{{
			Dimension:           core.DimensionEvaluatorFailure,
			Severity:            core.SeverityCritical,
			SuggestedCorrection: out.err.Error(),
		}}
	default:
		d.Violations = append([]core.ConstraintViolation{}, out.eval.Violations...)
		d.Verdict = deriveVerdict(d.Violations, out.eval.RequestReview)
	}
	return d
}

// deriveVerdict: critical always blocks; an explicit review request defers;
// any remaining major blocks; only a clean or minor-only result allows.
func deriveVerdict(violations []core.ConstraintViolation, review bool) core.Verdict {
	var critical, major bool
	for _, v := range violations {
		switch v.Severity {
		case core.SeverityCritical:
			critical = true
		case core.SeverityMajor:
			major = true
		case core.SeverityMinor:
		default:
			critical = true
		}
	}

	switch {
	case critical:
		return core.VerdictBlock
	case review:
		return core.VerdictDefer
	case major:
		return core.VerdictBlock
	default:
		return core.VerdictAllow
	}
}

// ============================================================================
// STATE MACHINE
// ============================================================================

func (g *Gate) slot(agentID string) *atomic.Value {
	if v, ok := g.states.Load(agentID); ok {
		return v.(*atomic.Value)
	}
	v, _ := g.states.LoadOrStore(agentID, new(atomic.Value))
	return v.(*atomic.Value)
}

func (g *Gate) enter(agentID string) {
	g.slot(agentID).Store(core.StateEvaluating)
}

// State returns the agent's current admission state. Informational only:
// concurrent requests for the same agent may interleave.
func (g *Gate) State(agentID string) core.AgentState {
	v, ok := g.states.Load(agentID)
	if !ok {
		return core.StateIdle
	}
	s := v.(*atomic.Value).Load()
	if s == nil {
		return core.StateIdle
	}
	return s.(core.AgentState)
}

// Acknowledge returns an agent in a terminal state to IDLE once the caller
// has dealt with the action's side effects. A no-op while EVALUATING or IDLE.
func (g *Gate) Acknowledge(ctx context.Context, agentID, cause string) error {
	slot := g.slot(agentID)
	cur, _ := slot.Load().(core.AgentState)
	switch cur {
	case core.StateAllowed, core.StateBlocked, core.StateDeferred:
	default:
		return nil
	}
	if !slot.CompareAndSwap(cur, core.StateIdle) {
		return nil
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.trackerTimeout)
	defer cancel()
	err := g.tracker.RecordTransition(wctx, core.StateTransition{
		AgentID:    agentID,
		From:       cur,
		To:         core.StateIdle,
		Cause:      cause,
		OccurredAt: g.now().UTC(),
	})
	if err != nil {
		g.observer.TrackerWriteFailed(agentID, "transition", err)
		return fmt.Errorf("record acknowledge transition: %w", err)
	}
	return nil
}

// ============================================================================
// AUDIT
// ============================================================================

func (g *Gate) audit(ctx context.Context, req core.ActionRequest, vessel core.Vessel, d core.GateDecision, out outcome, budget time.Duration) {
	if g.tracker == nil {
		g.observer.TrackerWriteFailed(req.AgentID, "transition", fmt.Errorf("%w: no tracker configured", core.ErrTrackerWrite))
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.trackerTimeout)
	defer cancel()

	var failures []string
	err := g.tracker.RecordTransition(wctx, core.StateTransition{
		AgentID:    req.AgentID,
		From:       core.StateEvaluating,
		To:         core.StateForVerdict(d.Verdict),
		Cause:      req.ID,
		OccurredAt: d.DecidedAt,
	})
	if err != nil {
		g.observer.TrackerWriteFailed(req.AgentID, "transition", err)
		failures = append(failures, "transition: "+err.Error())
	}

	for _, e := range decisionEvents(req, vessel, d, out, budget) {
		if err := g.tracker.RecordEvent(wctx, e); err != nil {
			g.observer.TrackerWriteFailed(req.AgentID, "event", err)
			failures = append(failures, string(e.EventType)+": "+err.Error())
		}
	}

	if len(failures) == 0 {
		return
	}
	slog.Error("[ActionGate] Audit write failed, verdict unaffected",
		"request_id", req.ID, "agent_id", req.AgentID, "verdict", d.Verdict, "failures", len(failures))

	// Already reported; a failure here is only logged.
	failure := core.NewSecurityEvent(req.AgentID, core.EventTrackerWriteFailure, req.ID, map[string]string{
		"verdict":  string(d.Verdict),
		"failures": strings.Join(failures, "; "),
	}, g.now().UTC())
	if err := g.tracker.RecordEvent(wctx, failure); err != nil {
		slog.Warn("[ActionGate] Could not record tracker_write_failure event", "request_id", req.ID, "error", err)
	}
}

// decisionEvents returns the security events a decision produces. Every
// non-ALLOW decision yields at least one; every commercial introduction yields
// exactly one commercial_intro_* event.
func decisionEvents(req core.ActionRequest, vessel core.Vessel, d core.GateDecision, out outcome, budget time.Duration) []core.SecurityEvent {
	meta := map[string]string{
		"action_type":    string(req.ActionType),
		"verdict":        string(d.Verdict),
		"vessel_id":      vessel.ID,
		"policy_profile": vessel.PolicyProfile,
		"payload_digest": req.PayloadDigest,
		"latency_ms":     strconv.FormatInt(d.EvaluatedLatency.Milliseconds(), 10),
		"budget_ms":      strconv.FormatInt(budget.Milliseconds(), 10),
	}
	if dims := d.ViolatedDimensions(); len(dims) > 0 {
		meta["dimensions"] = strings.Join(dims, ",")
	}
	if out.err != nil {
		meta["error"] = out.err.Error()
	}

	event := func(t core.SecurityEventType) core.SecurityEvent {
		m := make(map[string]string, len(meta))
		for k, v := range meta {
			m[k] = v
		}
		return core.NewSecurityEvent(req.AgentID, t, req.ID, m, d.DecidedAt)
	}

	commercial := req.ActionType == core.ActionCommercialIntro
	var events []core.SecurityEvent

	switch {
	case out.timedOut:
		events = append(events, event(core.EventTimeoutBlock))
	case out.err != nil:
		events = append(events, event(core.EventEvaluatorFailure))
	case d.Verdict == core.VerdictBlock && !commercial:
		events = append(events, event(core.EventBlockedAction))
	case d.Verdict == core.VerdictDefer && !commercial:
		events = append(events, event(core.EventDeferredAction))
	}

	if commercial {
		if d.Allowed() {
			events = append(events, event(core.EventCommercialIntroLogged))
		} else {
			events = append(events, event(core.EventCommercialIntroBlocked))
		}
	}
	return events
}
