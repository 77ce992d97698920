package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/vesselgate/internal/core"
	"github.com/ocx/vesselgate/internal/trajectory"
)

func receive(t *testing.T, ch chan *CloudEvent) *CloudEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestEventBus_SubscribeByType(t *testing.T) {
	bus := NewEventBus()
	budget := bus.Subscribe(TypeBudgetExceeded)
	all := bus.Subscribe()
	assert.Equal(t, 2, bus.SubscriberCount())

	bus.Emit(TypeGateDecided, sourceGate, "agent-a", map[string]interface{}{"verdict": "ALLOW"})
	bus.Emit(TypeBudgetExceeded, sourceGate, "agent-a", nil)

	assert.Equal(t, TypeGateDecided, receive(t, all).Type)
	assert.Equal(t, TypeBudgetExceeded, receive(t, all).Type)
	ev := receive(t, budget)
	assert.Equal(t, TypeBudgetExceeded, ev.Type)
	assert.Equal(t, "agent-a", ev.Subject)
	assert.Equal(t, "1.0", ev.SpecVersion)
	assert.Empty(t, budget)

	bus.Unsubscribe(budget)
	_, open := <-budget
	assert.False(t, open)
	assert.Equal(t, 1, bus.SubscriberCount())

	// second unsubscribe must not panic on a closed channel
	assert.NotPanics(t, func() { bus.Unsubscribe(budget) })
}

func TestEventBus_FullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewEventBus()
	bus.bufferSize = 1
	ch := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Emit(TypeGateDecided, sourceGate, "agent-a", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
	assert.EqualValues(t, 4, bus.Dropped())
}

func TestToMessage(t *testing.T) {
	ev := NewCloudEvent(TypeTrackerWriteFailed, sourceTracker, "agent-a", map[string]interface{}{"kind": "event"})
	msg, err := toMessage(ev)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", msg.OrderingKey)
	assert.Equal(t, TypeTrackerWriteFailed, msg.Attributes["ce-type"])
	assert.Equal(t, ev.ID, msg.Attributes["ce-id"])

	var decoded CloudEvent
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, "event", decoded.Data["kind"])
}

func TestNotifier(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe()
	n := NewNotifier(bus)

	d := core.GateDecision{
		RequestID:  "req-1",
		AgentID:    "agent-a",
		ActionType: core.ActionCommercialIntro,
		Verdict:    core.VerdictBlock,
		Violations: []core.ConstraintViolation{
			{Dimension: core.DimensionBudgetExceeded, Severity: core.SeverityCritical},
		},
		EvaluatedLatency: 120 * time.Millisecond,
		BudgetExceeded:   true,
	}
	n.BudgetExceeded(d)
	n.Decided(d)
	n.EvaluatorFailed(d, errors.New("panic: nil map"))
	n.TrackerWriteFailed("agent-a", "transition", errors.New("connection refused"))
	n.RecordDropped(trajectory.PendingWrite{
		AgentID:  "agent-a",
		Event:    &core.SecurityEvent{ID: "evt-1", EventType: core.EventBlockedAction},
		Attempts: 5,
		LastErr:  errors.New("timeout"),
	})

	ev := receive(t, ch)
	assert.Equal(t, TypeBudgetExceeded, ev.Type)
	assert.Equal(t, "agent-a", ev.Subject)
	assert.Equal(t, core.DimensionBudgetExceeded, ev.Data["dimensions"])
	assert.Equal(t, int64(120), ev.Data["latency_ms"])

	assert.Equal(t, TypeGateDecided, receive(t, ch).Type)
	assert.Equal(t, "panic: nil map", receive(t, ch).Data["error"])

	ev = receive(t, ch)
	assert.Equal(t, TypeTrackerWriteFailed, ev.Type)
	assert.Equal(t, "transition", ev.Data["kind"])

	ev = receive(t, ch)
	assert.Equal(t, TypeTrackerRecordDropped, ev.Type)
	assert.Equal(t, "evt-1", ev.Data["event_id"])
	assert.Equal(t, 5, ev.Data["attempts"])
}

// fakePubSub loops published messages back to subscribers.
type fakePubSub struct {
	mu       sync.Mutex
	handlers map[string][]func([]byte)
	fail     bool
}

func (f *fakePubSub) Publish(_ context.Context, channel string, message []byte) error {
	f.mu.Lock()
	if f.fail {
		f.mu.Unlock()
		return errors.New("redis down")
	}
	hs := append([]func([]byte){}, f.handlers[channel]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(message)
	}
	return nil
}

func (f *fakePubSub) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string][]func([]byte))
	}
	f.handlers[channel] = append(f.handlers[channel], handler)
	return func() {}, nil
}

func TestRedisEventBus_RelaysBetweenInstances(t *testing.T) {
	redis := &fakePubSub{}
	a := NewRedisEventBus(redis, "")
	b := NewRedisEventBus(redis, "")
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	defer a.Close()
	defer b.Close()

	onA := a.Subscribe(TypeBudgetExceeded)
	onB := b.Subscribe(TypeBudgetExceeded)

	a.Emit(TypeBudgetExceeded, sourceGate, "agent-a", map[string]interface{}{"request_id": "req-1"})

	evA := receive(t, onA)
	evB := receive(t, onB)
	assert.Equal(t, evA.ID, evB.ID)
	assert.Equal(t, "req-1", evB.Data["request_id"])
}

func TestRedisEventBus_FallsBackToLocal(t *testing.T) {
	redis := &fakePubSub{fail: true}
	bus := NewRedisEventBus(redis, "test:events")
	require.NoError(t, bus.Start(context.Background()))
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Emit(TypeTrackerWriteFailed, sourceTracker, "agent-a", nil)
	assert.Equal(t, TypeTrackerWriteFailed, receive(t, ch).Type)
}
