package trajectory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/vesselgate/internal/circuitbreaker"
	"github.com/ocx/vesselgate/internal/core"
)

// PendingWrite is one audit record waiting for durable delivery.
type PendingWrite struct {
	AgentID    string
	Transition *core.StateTransition
	Event      *core.SecurityEvent
	Attempts   int
	LastErr    error
}

// Kind returns "transition" or "event".
func (w PendingWrite) Kind() string {
	if w.Transition != nil {
		return "transition"
	}
	return "event"
}

func (w *PendingWrite) apply(ctx context.Context, t Tracker) error {
	if w.Transition != nil {
		return t.RecordTransition(ctx, *w.Transition)
	}
	return t.RecordEvent(ctx, *w.Event)
}

// RetryOptions configures RetryingTracker.
type RetryOptions struct {
	MaxAttempts  int           // default 5
	QueueSize    int           // default 1024
	Backoff      time.Duration // base delay, multiplied by attempt²; default 200ms
	WriteTimeout time.Duration // per write; default 2s

	// OnExhausted is called once for every record that could not be delivered.
	OnExhausted func(w PendingWrite)
}

// RetryingTracker gives a durable backend at-least-once delivery. A failed
// write is queued and retried in the background; while an agent has queued
// records, its new records queue behind them so per-agent order holds.
// Duplicates are possible; readers dedupe on request id / event id.
type RetryingTracker struct {
	backend Tracker
	breaker *circuitbreaker.CircuitBreaker
	opts    RetryOptions

	mu      sync.Mutex
	pending map[string]int
	closed  bool
	queue   chan *PendingWrite
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewRetryingTracker wraps backend and starts the retry worker.
func NewRetryingTracker(backend Tracker, breaker *circuitbreaker.CircuitBreaker, opts RetryOptions) *RetryingTracker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.AuditStoreConfig("audit-store"))
	}
	r := &RetryingTracker{
		backend: backend,
		breaker: breaker,
		opts:    opts,
		pending: make(map[string]int),
		queue:   make(chan *PendingWrite, opts.QueueSize),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

func (r *RetryingTracker) RecordTransition(ctx context.Context, t core.StateTransition) error {
	return r.record(ctx, &PendingWrite{AgentID: t.AgentID, Transition: &t})
}

func (r *RetryingTracker) RecordEvent(ctx context.Context, e core.SecurityEvent) error {
	e.Metadata = cloneMetadata(e.Metadata)
	return r.record(ctx, &PendingWrite{AgentID: e.AgentID, Event: &e})
}

func (r *RetryingTracker) GetStateTransitions(ctx context.Context, agentID string) ([]core.StateTransition, error) {
	return r.backend.GetStateTransitions(ctx, agentID)
}

func (r *RetryingTracker) GetSecurityEvents(ctx context.Context, agentID string) ([]core.SecurityEvent, error) {
	return r.backend.GetSecurityEvents(ctx, agentID)
}

// Pending returns the number of records queued for an agent.
func (r *RetryingTracker) Pending(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[agentID]
}

func (r *RetryingTracker) record(ctx context.Context, w *PendingWrite) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("%w: tracker closed", core.ErrTrackerWrite)
	}
	queuedBehind := r.pending[w.AgentID] > 0
	r.mu.Unlock()

	if queuedBehind {
		if r.enqueue(w) {
			return nil
		}
		return fmt.Errorf("%w: retry queue full", core.ErrTrackerWrite)
	}

	err := r.write(ctx, w)
	if err == nil {
		return nil
	}
	w.Attempts = 1
	w.LastErr = err
	if r.enqueue(w) {
		return fmt.Errorf("%w: queued for retry: %v", core.ErrTrackerWrite, err)
	}
	return fmt.Errorf("%w: retry queue full: %v", core.ErrTrackerWrite, err)
}

func (r *RetryingTracker) write(ctx context.Context, w *PendingWrite) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.WriteTimeout)
	defer cancel()
	return r.breaker.Execute(ctx, func(ctx context.Context) error {
		return w.apply(ctx, r.backend)
	})
}

func (r *RetryingTracker) enqueue(w *PendingWrite) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- w:
		r.pending[w.AgentID]++
		return true
	default:
		return false
	}
}

func (r *RetryingTracker) settle(w *PendingWrite) {
	r.mu.Lock()
	r.pending[w.AgentID]--
	if r.pending[w.AgentID] <= 0 {
		delete(r.pending, w.AgentID)
	}
	r.mu.Unlock()
}

func (r *RetryingTracker) worker() {
	defer r.wg.Done()
	for w := range r.queue {
		r.deliver(w)
		r.settle(w)
	}
}

func (r *RetryingTracker) deliver(w *PendingWrite) {
	for w.Attempts < r.opts.MaxAttempts {
		if w.Attempts > 0 && !r.sleep(r.opts.Backoff*time.Duration(w.Attempts*w.Attempts)) {
			// shutting down: one last try
			w.Attempts = r.opts.MaxAttempts - 1
		}
		w.Attempts++
		err := r.write(context.Background(), w)
		if err == nil {
			if w.Attempts > 1 {
				slog.Info("[RetryingTracker] Delivered after retry", "agent_id", w.AgentID, "kind", w.Kind(), "attempts", w.Attempts)
			}
			return
		}
		w.LastErr = err
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			slog.Debug("[RetryingTracker] Audit store circuit open", "agent_id", w.AgentID)
		}
	}

	slog.Error("[RetryingTracker] Dropping audit record after retries",
		"agent_id", w.AgentID,
		"kind", w.Kind(),
		"attempts", w.Attempts,
		"error", w.LastErr,
	)
	if r.opts.OnExhausted != nil {
		r.opts.OnExhausted(*w)
	}
}

func (r *RetryingTracker) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.done:
		return false
	}
}

// Close stops accepting records, makes a final delivery attempt for every
// queued record and waits for the worker to exit.
func (r *RetryingTracker) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}

var _ Tracker = (*RetryingTracker)(nil)
