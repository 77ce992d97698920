// Package core holds the shared value types of the action gate: requests,
// violations, decisions, audit records and the vessel/tier configuration.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// ACTION REQUESTS
// ============================================================================

// ActionType identifies the kind of externally-visible action being gated.
type ActionType string

const (
	ActionToolCall        ActionType = "tool_call"
	ActionMessageSend     ActionType = "message_send"
	ActionGraphWrite      ActionType = "graph_write"
	ActionCommercialIntro ActionType = "commercial_intro"
)

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	switch t {
	case ActionToolCall, ActionMessageSend, ActionGraphWrite, ActionCommercialIntro:
		return true
	}
	return false
}

// ActionRequest identifies what is being gated. Treat as immutable once built.
type ActionRequest struct {
	ID            string     `json:"request_id"`
	AgentID       string     `json:"agent_id"`
	VesselID      string     `json:"vessel_id"`
	ActionType    ActionType `json:"action_type"`
	PayloadDigest string     `json:"payload_digest"`
	RequestedAt   time.Time  `json:"requested_at"`
}

// NewActionRequest builds a request with a fresh ID and the SHA-256 digest of payload.
func NewActionRequest(agentID, vesselID string, actionType ActionType, payload []byte) ActionRequest {
	return ActionRequest{
		ID:            uuid.NewString(),
		AgentID:       agentID,
		VesselID:      vesselID,
		ActionType:    actionType,
		PayloadDigest: DigestPayload(payload),
		RequestedAt:   time.Now().UTC(),
	}
}

// DigestPayload returns the hex SHA-256 of payload.
func DigestPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ============================================================================
// VIOLATIONS & DECISIONS
// ============================================================================

// Severity is the weight of a constraint violation. Higher values are worse.
type Severity int

const (
	SeverityMinor Severity = iota + 1
	SeverityMajor
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityMinor:
		return "minor"
	case SeverityMajor:
		return "major"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s >= SeverityMinor && s <= SeverityCritical
}

// ParseSeverity converts "minor", "major" or "critical" into a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minor":
		return SeverityMinor, nil
	case "major":
		return SeverityMajor, nil
	case "critical":
		return SeverityCritical, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	parsed, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ConstraintViolation is one policy axis an action request violated.
type ConstraintViolation struct {
	Dimension           string   `json:"dimension"`
	Severity            Severity `json:"severity"`
	SuggestedCorrection string   `json:"suggested_correction,omitempty"`
}

// DimensionEvaluatorFailure marks the synthetic violation used when the
// evaluator errors, panics or returns malformed output.
const DimensionEvaluatorFailure = "evaluator_failure"

// DimensionBudgetExceeded marks the synthetic violation used on timeout.
const DimensionBudgetExceeded = "latency_budget_exceeded"

// DimensionUnknownVessel marks a request naming a vessel that is not provisioned.
const DimensionUnknownVessel = "unknown_vessel"

// Verdict is the gate's outcome for one request.
type Verdict string

const (
	VerdictAllow Verdict = "ALLOW"
	VerdictBlock Verdict = "BLOCK"
	VerdictDefer Verdict = "DEFER"
)

// GateDecision is produced exactly once per ActionRequest.
// Verdict is BLOCK whenever BudgetExceeded is set or any violation is critical.
type GateDecision struct {
	RequestID        string                `json:"request_id"`
	AgentID          string                `json:"agent_id"`
	ActionType       ActionType            `json:"action_type"`
	Verdict          Verdict               `json:"verdict"`
	Violations       []ConstraintViolation `json:"violations"`
	EvaluatedLatency time.Duration         `json:"evaluated_latency"`
	DecidedAt        time.Time             `json:"decided_at"`
	BudgetExceeded   bool                  `json:"budget_exceeded"`
}

// Allowed reports whether the dispatcher may run the action.
func (d GateDecision) Allowed() bool {
	return d.Verdict == VerdictAllow
}

// ViolatedDimensions returns the dimension of every violation, in order.
func (d GateDecision) ViolatedDimensions() []string {
	dims := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		dims = append(dims, v.Dimension)
	}
	return dims
}

// HasSeverity reports whether any violation is at least min.
func (d GateDecision) HasSeverity(min Severity) bool {
	for _, v := range d.Violations {
		if v.Severity >= min {
			return true
		}
	}
	return false
}

// ============================================================================
// AUDIT RECORDS
// ============================================================================

// AgentState is a node of the per-agent admission-control state machine.
type AgentState string

const (
	StateIdle       AgentState = "IDLE"
	StateEvaluating AgentState = "EVALUATING"
	StateAllowed    AgentState = "ALLOWED"
	StateBlocked    AgentState = "BLOCKED"
	StateDeferred   AgentState = "DEFERRED"
)

// StateForVerdict maps a verdict to the terminal state it drives the agent into.
func StateForVerdict(v Verdict) AgentState {
	switch v {
	case VerdictAllow:
		return StateAllowed
	case VerdictDefer:
		return StateDeferred
	default:
		return StateBlocked
	}
}

// StateTransition records one edge of an agent's state machine.
// Cause is the request ID or a system event name.
type StateTransition struct {
	AgentID    string     `json:"agent_id"`
	From       AgentState `json:"from_state"`
	To         AgentState `json:"to_state"`
	Cause      string     `json:"cause"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// SecurityEventType classifies audit events.
type SecurityEventType string

const (
	EventBlockedAction          SecurityEventType = "blocked_action"
	EventTimeoutBlock           SecurityEventType = "timeout_block"
	EventEvaluatorFailure       SecurityEventType = "evaluator_failure"
	EventDeferredAction         SecurityEventType = "deferred_action"
	EventCommercialIntroLogged  SecurityEventType = "commercial_intro_logged"
	EventCommercialIntroBlocked SecurityEventType = "commercial_intro_blocked"
	EventTrackerWriteFailure    SecurityEventType = "tracker_write_failure"
)

// Blocking reports whether the event type describes a refused action.
func (t SecurityEventType) Blocking() bool {
	switch t {
	case EventBlockedAction, EventTimeoutBlock, EventEvaluatorFailure,
		EventDeferredAction, EventCommercialIntroBlocked:
		return true
	}
	return false
}

// SecurityEvent is an audit record attached to a gate decision.
type SecurityEvent struct {
	ID          string            `json:"id"`
	AgentID     string            `json:"agent_id"`
	EventType   SecurityEventType `json:"event_type"`
	DecisionRef string            `json:"decision_ref"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// NewSecurityEvent builds an event with a fresh ID.
func NewSecurityEvent(agentID string, eventType SecurityEventType, decisionRef string, metadata map[string]string, at time.Time) SecurityEvent {
	if metadata == nil {
		metadata = make(map[string]string)
	}
	return SecurityEvent{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		EventType:   eventType,
		DecisionRef: decisionRef,
		Metadata:    metadata,
		OccurredAt:  at,
	}
}
