package events

import (
	"strings"

	"github.com/ocx/vesselgate/internal/core"
	"github.com/ocx/vesselgate/internal/trajectory"
)

const (
	sourceGate    = "/vesselgate/gate"
	sourceTracker = "/vesselgate/tracker"
)

// Notifier turns gate and tracker conditions into CloudEvents. It implements
// gate.Observer, and RecordDropped fits trajectory.RetryOptions.OnExhausted.
type Notifier struct {
	emitter EventEmitter
}

func NewNotifier(emitter EventEmitter) *Notifier {
	return &Notifier{emitter: emitter}
}

func decisionData(d core.GateDecision) map[string]interface{} {
	return map[string]interface{}{
		"request_id":      d.RequestID,
		"agent_id":        d.AgentID,
		"action_type":     string(d.ActionType),
		"verdict":         string(d.Verdict),
		"dimensions":      strings.Join(d.ViolatedDimensions(), ","),
		"latency_ms":      d.EvaluatedLatency.Milliseconds(),
		"budget_exceeded": d.BudgetExceeded,
		"decided_at":      d.DecidedAt,
	}
}

func (n *Notifier) Decided(d core.GateDecision) {
	n.emitter.Emit(TypeGateDecided, sourceGate, d.AgentID, decisionData(d))
}

func (n *Notifier) BudgetExceeded(d core.GateDecision) {
	n.emitter.Emit(TypeBudgetExceeded, sourceGate, d.AgentID, decisionData(d))
}

func (n *Notifier) EvaluatorFailed(d core.GateDecision, err error) {
	data := decisionData(d)
	data["error"] = err.Error()
	n.emitter.Emit(TypeEvaluatorFailed, sourceGate, d.AgentID, data)
}

func (n *Notifier) TrackerWriteFailed(agentID, kind string, err error) {
	n.emitter.Emit(TypeTrackerWriteFailed, sourceTracker, agentID, map[string]interface{}{
		"agent_id": agentID,
		"kind":     kind,
		"error":    err.Error(),
	})
}

// RecordDropped reports an audit record the retry queue gave up on.
func (n *Notifier) RecordDropped(w trajectory.PendingWrite) {
	data := map[string]interface{}{
		"agent_id": w.AgentID,
		"kind":     w.Kind(),
		"attempts": w.Attempts,
	}
	if w.LastErr != nil {
		data["error"] = w.LastErr.Error()
	}
	switch {
	case w.Transition != nil:
		data["cause"] = w.Transition.Cause
	case w.Event != nil:
		data["event_id"] = w.Event.ID
		data["event_type"] = string(w.Event.EventType)
	}
	n.emitter.Emit(TypeTrackerRecordDropped, sourceTracker, w.AgentID, data)
}
