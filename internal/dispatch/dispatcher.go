// Package dispatch runs agent actions behind the gate. No handler runs
// without an ALLOW verdict.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ocx/vesselgate/internal/core"
)

// Handler performs the side effect of an allowed action.
type Handler func(ctx context.Context, req core.ActionRequest, payload []byte) (any, error)

// Gatekeeper is the part of the gate the dispatcher depends on.
type Gatekeeper interface {
	Evaluate(ctx context.Context, req core.ActionRequest, vessel core.Vessel, budget time.Duration) core.GateDecision
	Refuse(ctx context.Context, req core.ActionRequest, vessel core.Vessel, dimension string, reason error) core.GateDecision
	Acknowledge(ctx context.Context, agentID, cause string) error
}

// VesselSource resolves vessel IDs.
type VesselSource interface {
	Get(id string) (core.Vessel, error)
}

// BudgetSource returns the latency budget for a vessel. config.Manager satisfies it.
type BudgetSource interface {
	LatencyBudget(vesselID string) time.Duration
}

// Result is what the caller of an action gets back. Failures are always
// explicit; Err carries a *core.BlockedByGateError when the gate refused.
type Result struct {
	Success  bool              `json:"success"`
	Output   any               `json:"output,omitempty"`
	Message  string            `json:"message,omitempty"`
	Decision core.GateDecision `json:"decision"`
	Err      error             `json:"-"`
}

type Dispatcher struct {
	gate    Gatekeeper
	vessels VesselSource
	budgets BudgetSource
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBudgets sets per-vessel latency budgets. Without it the gate default applies.
func WithBudgets(b BudgetSource) Option {
	return func(d *Dispatcher) { d.budgets = b }
}

func New(gate Gatekeeper, vessels VesselSource, opts ...Option) *Dispatcher {
	d := &Dispatcher{gate: gate, vessels: vessels}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute gates one action and, on ALLOW, runs h.
func (d *Dispatcher) Execute(ctx context.Context, agentID, vesselID string, actionType core.ActionType, payload []byte, h Handler) Result {
	if !actionType.Valid() {
		err := fmt.Errorf("unknown action type %q", actionType)
		return Result{Success: false, Message: err.Error(), Err: err}
	}
	req := core.NewActionRequest(agentID, vesselID, actionType, payload)

	vessel, err := d.vessels.Get(vesselID)
	if err != nil {
		// Refused through the gate so the attempt is still audited.
		decision := d.gate.Refuse(ctx, req, core.Vessel{ID: vesselID}, core.DimensionUnknownVessel, err)
		d.acknowledge(ctx, agentID, "action_refused")
		return Result{Success: false, Message: err.Error(), Decision: decision, Err: err}
	}

	var budget time.Duration
	if d.budgets != nil {
		budget = d.budgets.LatencyBudget(vesselID)
	}

	decision := d.gate.Evaluate(ctx, req, vessel, budget)

	switch decision.Verdict {
	case core.VerdictAllow:
	case core.VerdictDefer:
		// Stays DEFERRED until review resolves it.
		return blocked(decision)
	default:
		d.acknowledge(ctx, agentID, "action_refused")
		return blocked(decision)
	}

	output, err := run(ctx, h, req, payload)
	if err != nil {
		d.acknowledge(ctx, agentID, "action_failed")
		slog.Warn("[Dispatcher] Handler failed", "request_id", req.ID, "action_type", actionType, "error", err)
		return Result{Success: false, Message: err.Error(), Decision: decision, Err: err}
	}
	d.acknowledge(ctx, agentID, "action_completed")
	return Result{Success: true, Output: output, Decision: decision}
}

func blocked(decision core.GateDecision) Result {
	err := core.NewBlockedByGateError(decision)
	return Result{Success: false, Message: err.Error(), Decision: decision, Err: err}
}

func run(ctx context.Context, h Handler, req core.ActionRequest, payload []byte) (out any, err error) {
	if h == nil {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s handler panicked: %v", req.ActionType, r)
		}
	}()
	return h(ctx, req, payload)
}

func (d *Dispatcher) acknowledge(ctx context.Context, agentID, cause string) {
	if err := d.gate.Acknowledge(ctx, agentID, cause); err != nil {
		slog.Warn("[Dispatcher] Acknowledge not recorded", "agent_id", agentID, "cause", cause, "error", err)
	}
}

// ExecuteTool gates a tool invocation.
func (d *Dispatcher) ExecuteTool(ctx context.Context, agentID, vesselID string, payload []byte, h Handler) Result {
	return d.Execute(ctx, agentID, vesselID, core.ActionToolCall, payload, h)
}

// SendMessage gates an outbound message.
func (d *Dispatcher) SendMessage(ctx context.Context, agentID, vesselID string, payload []byte, h Handler) Result {
	return d.Execute(ctx, agentID, vesselID, core.ActionMessageSend, payload, h)
}

// WriteGraph gates a knowledge-graph write.
func (d *Dispatcher) WriteGraph(ctx context.Context, agentID, vesselID string, payload []byte, h Handler) Result {
	return d.Execute(ctx, agentID, vesselID, core.ActionGraphWrite, payload, h)
}

// Introduce gates a commercial introduction.
func (d *Dispatcher) Introduce(ctx context.Context, agentID, vesselID string, payload []byte, h Handler) Result {
	return d.Execute(ctx, agentID, vesselID, core.ActionCommercialIntro, payload, h)
}
