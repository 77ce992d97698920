package gate

import "github.com/ocx/vesselgate/internal/core"

// Observer is the observability side channel. Every budget overrun and every
// tracker write failure is reported exactly once. Implementations must not block.
type Observer interface {
	Decided(d core.GateDecision)
	BudgetExceeded(d core.GateDecision)
	EvaluatorFailed(d core.GateDecision, err error)
	TrackerWriteFailed(agentID, kind string, err error)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) Decided(core.GateDecision)                 {}
func (NopObserver) BudgetExceeded(core.GateDecision)          {}
func (NopObserver) EvaluatorFailed(core.GateDecision, error)  {}
func (NopObserver) TrackerWriteFailed(string, string, error) {}

// Observers fans out to several observers in order.
type Observers []Observer

func (o Observers) Decided(d core.GateDecision) {
	for _, ob := range o {
		ob.Decided(d)
	}
}

func (o Observers) BudgetExceeded(d core.GateDecision) {
	for _, ob := range o {
		ob.BudgetExceeded(d)
	}
}

func (o Observers) EvaluatorFailed(d core.GateDecision, err error) {
	for _, ob := range o {
		ob.EvaluatorFailed(d, err)
	}
}

func (o Observers) TrackerWriteFailed(agentID, kind string, err error) {
	for _, ob := range o {
		ob.TrackerWriteFailed(agentID, kind, err)
	}
}
