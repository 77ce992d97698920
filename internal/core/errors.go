package core

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors
var (
	// ErrEvaluatorFailure: the constraint evaluator raised or returned malformed output.
	// Absorbed by the gate into a BLOCK verdict.
	ErrEvaluatorFailure = errors.New("constraint evaluator failure")

	// ErrBudgetExceeded: evaluation did not finish within the latency budget.
	ErrBudgetExceeded = errors.New("gate latency budget exceeded")

	// ErrTrackerWrite: audit persistence failed.
	ErrTrackerWrite = errors.New("tracker write failure")

	// ErrNoTierAvailable: no tier in the preferred ordering is enabled.
	// Configuration error, always surfaced to the caller.
	ErrNoTierAvailable = errors.New("no tier available")

	// ErrBlockedByGate matches any *BlockedByGateError via errors.Is.
	ErrBlockedByGate = errors.New("blocked by gate")

	ErrVesselNotFound = errors.New("vessel not found")
)

// BlockedByGateError is returned by the dispatcher when a decision is not ALLOW.
type BlockedByGateError struct {
	RequestID  string
	ActionType ActionType
	Verdict    Verdict
	Dimensions []string
}

// NewBlockedByGateError builds the error from a non-ALLOW decision.
func NewBlockedByGateError(d GateDecision) *BlockedByGateError {
	return &BlockedByGateError{
		RequestID:  d.RequestID,
		ActionType: d.ActionType,
		Verdict:    d.Verdict,
		Dimensions: d.ViolatedDimensions(),
	}
}

func (e *BlockedByGateError) Error() string {
	dims := "none"
	if len(e.Dimensions) > 0 {
		dims = strings.Join(e.Dimensions, ", ")
	}
	return fmt.Sprintf("%s blocked by gate (verdict=%s, request=%s): violated dimensions [%s]",
		e.ActionType, e.Verdict, e.RequestID, dims)
}

func (e *BlockedByGateError) Is(target error) bool {
	return target == ErrBlockedByGate
}
