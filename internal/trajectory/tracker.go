// Package trajectory is the append-only audit store for agent state
// transitions and security events.
//
// Every backend preserves per-agent insertion order and returns snapshots:
// a slice handed back by a Get call never changes after it is returned.
// No ordering exists across agents.
package trajectory

import (
	"context"
	"sync"

	"github.com/ocx/vesselgate/internal/core"
)

// Tracker is the audit log contract. Implementations never mutate or delete
// prior records.
type Tracker interface {
	RecordTransition(ctx context.Context, t core.StateTransition) error
	RecordEvent(ctx context.Context, e core.SecurityEvent) error
	GetStateTransitions(ctx context.Context, agentID string) ([]core.StateTransition, error)
	GetSecurityEvents(ctx context.Context, agentID string) ([]core.SecurityEvent, error)
}

// agentLog holds one agent's records. Each agent has its own lock so writers
// for different agents never contend.
type agentLog struct {
	mu          sync.RWMutex
	transitions []core.StateTransition
	events      []core.SecurityEvent
}

// MemoryTracker keeps the audit log in process memory.
type MemoryTracker struct {
	agents sync.Map // agentID -> *agentLog
}

// NewMemoryTracker creates an empty in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{}
}

func (m *MemoryTracker) log(agentID string) *agentLog {
	if l, ok := m.agents.Load(agentID); ok {
		return l.(*agentLog)
	}
	l, _ := m.agents.LoadOrStore(agentID, &agentLog{})
	return l.(*agentLog)
}

func (m *MemoryTracker) RecordTransition(ctx context.Context, t core.StateTransition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := m.log(t.AgentID)
	l.mu.Lock()
	l.transitions = append(l.transitions, t)
	l.mu.Unlock()
	return nil
}

func (m *MemoryTracker) RecordEvent(ctx context.Context, e core.SecurityEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.Metadata = cloneMetadata(e.Metadata)
	l := m.log(e.AgentID)
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
	return nil
}

func (m *MemoryTracker) GetStateTransitions(ctx context.Context, agentID string) ([]core.StateTransition, error) {
	v, ok := m.agents.Load(agentID)
	if !ok {
		return []core.StateTransition{}, nil
	}
	l := v.(*agentLog)
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]core.StateTransition, len(l.transitions))
	copy(out, l.transitions)
	return out, nil
}

func (m *MemoryTracker) GetSecurityEvents(ctx context.Context, agentID string) ([]core.SecurityEvent, error) {
	v, ok := m.agents.Load(agentID)
	if !ok {
		return []core.SecurityEvent{}, nil
	}
	l := v.(*agentLog)
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]core.SecurityEvent, len(l.events))
	for i, e := range l.events {
		e.Metadata = cloneMetadata(e.Metadata)
		out[i] = e
	}
	return out, nil
}

func cloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DedupeTransitions drops repeated (cause, to-state) pairs produced by
// at-least-once delivery, keeping the first occurrence.
func DedupeTransitions(in []core.StateTransition) []core.StateTransition {
	seen := make(map[string]bool, len(in))
	out := make([]core.StateTransition, 0, len(in))
	for _, t := range in {
		key := t.Cause + "|" + string(t.From) + "|" + string(t.To)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

// DedupeEvents drops events with an already-seen ID.
func DedupeEvents(in []core.SecurityEvent) []core.SecurityEvent {
	seen := make(map[string]bool, len(in))
	out := make([]core.SecurityEvent, 0, len(in))
	for _, e := range in {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	return out
}

var _ Tracker = (*MemoryTracker)(nil)
