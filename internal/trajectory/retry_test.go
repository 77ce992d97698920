package trajectory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/vesselgate/internal/circuitbreaker"
	"github.com/ocx/vesselgate/internal/core"
)

// flakyTracker fails the first `failures` writes, then delegates to memory.
type flakyTracker struct {
	*MemoryTracker
	failures atomic.Int32
}

var errUnavailable = errors.New("audit store unavailable")

func (f *flakyTracker) RecordTransition(ctx context.Context, t core.StateTransition) error {
	if f.failures.Add(-1) >= 0 {
		return errUnavailable
	}
	return f.MemoryTracker.RecordTransition(ctx, t)
}

func (f *flakyTracker) RecordEvent(ctx context.Context, e core.SecurityEvent) error {
	if f.failures.Add(-1) >= 0 {
		return errUnavailable
	}
	return f.MemoryTracker.RecordEvent(ctx, e)
}

func newFlaky(failures int32) *flakyTracker {
	f := &flakyTracker{MemoryTracker: NewMemoryTracker()}
	f.failures.Store(failures)
	return f
}

func lenientBreaker() *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New(circuitbreaker.Config{
		Name:        "test",
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 100 },
	})
}

func TestRetryingTracker_PassThrough(t *testing.T) {
	rt := NewRetryingTracker(NewMemoryTracker(), lenientBreaker(), RetryOptions{})
	defer rt.Close()
	exerciseTracker(t, rt)
}

func TestRetryingTracker_RetriesAndPreservesOrder(t *testing.T) {
	backend := newFlaky(1)
	rt := NewRetryingTracker(backend, lenientBreaker(), RetryOptions{Backoff: time.Millisecond})
	ctx := context.Background()

	err := rt.RecordTransition(ctx, transition("agent-a", "req-1", core.StateEvaluating, core.StateBlocked))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTrackerWrite)

	// queued behind req-1, accepted without error
	require.NoError(t, rt.RecordTransition(ctx, transition("agent-a", "req-2", core.StateEvaluating, core.StateAllowed)))

	require.Eventually(t, func() bool { return rt.Pending("agent-a") == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, rt.Close())

	got, err := backend.GetStateTransitions(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "req-1", got[0].Cause)
	assert.Equal(t, "req-2", got[1].Cause)
}

func TestRetryingTracker_ReportsExhausted(t *testing.T) {
	backend := newFlaky(1000)
	var mu sync.Mutex
	var dropped []PendingWrite
	rt := NewRetryingTracker(backend, lenientBreaker(), RetryOptions{
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		OnExhausted: func(w PendingWrite) {
			mu.Lock()
			dropped = append(dropped, w)
			mu.Unlock()
		},
	})

	err := rt.RecordEvent(context.Background(), event("agent-a", "req-1", core.EventBlockedAction))
	require.ErrorIs(t, err, core.ErrTrackerWrite)
	require.NoError(t, rt.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dropped, 1)
	assert.Equal(t, "event", dropped[0].Kind())
	assert.Equal(t, 3, dropped[0].Attempts)
	assert.ErrorIs(t, dropped[0].LastErr, errUnavailable)
}

func TestRetryingTracker_RejectsAfterClose(t *testing.T) {
	rt := NewRetryingTracker(NewMemoryTracker(), nil, RetryOptions{})
	require.NoError(t, rt.Close())
	err := rt.RecordTransition(context.Background(), transition("agent-a", "req-1", core.StateEvaluating, core.StateAllowed))
	assert.ErrorIs(t, err, core.ErrTrackerWrite)
}
