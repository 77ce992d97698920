// Package policy defines the constraint evaluator capability used by the gate
// and a YAML-driven rule evaluator implementing it.
package policy

import (
	"context"
	"fmt"

	"github.com/ocx/vesselgate/internal/core"
)

// Evaluation is the raw output of a constraint evaluator.
type Evaluation struct {
	Violations []core.ConstraintViolation

	// RequestReview asks for human review. Yields DEFER unless a critical
	// violation is present.
	RequestReview bool
}

// Evaluator inspects an action request against the vessel's policy profile.
// Implementations must honour ctx cancellation where they block.
type Evaluator interface {
	Evaluate(ctx context.Context, req core.ActionRequest, vessel core.Vessel) (Evaluation, error)
}

// EvaluatorFunc adapts a plain function to Evaluator.
type EvaluatorFunc func(ctx context.Context, req core.ActionRequest, vessel core.Vessel) (Evaluation, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, req core.ActionRequest, vessel core.Vessel) (Evaluation, error) {
	return f(ctx, req, vessel)
}

// Validate reports malformed evaluator output: empty dimensions or unknown severities.
func (e Evaluation) Validate() error {
	for i, v := range e.Violations {
		if v.Dimension == "" {
			return fmt.Errorf("violation %d: empty dimension", i)
		}
		if !v.Severity.Valid() {
			return fmt.Errorf("violation %d (%s): invalid severity %d", i, v.Dimension, int(v.Severity))
		}
	}
	return nil
}

// AllowAll never reports a violation.
var AllowAll = EvaluatorFunc(func(context.Context, core.ActionRequest, core.Vessel) (Evaluation, error) {
	return Evaluation{}, nil
})
