package trajectory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ocx/vesselgate/internal/core"
)

// RedisClient is the minimal list interface RedisTracker needs. The concrete
// go-redis adapter lives in internal/infra and is injected by cmd/server.
type RedisClient interface {
	RPush(ctx context.Context, key string, value []byte) error
	LRange(ctx context.Context, key string) ([][]byte, error)
}

// RedisTracker stores each agent's records as JSON entries in Redis lists.
// RPUSH is atomic per key, which gives per-agent arrival order without locking.
type RedisTracker struct {
	client    RedisClient
	keyPrefix string
}

// NewRedisTracker creates a Redis-backed tracker. keyPrefix namespaces keys.
func NewRedisTracker(client RedisClient, keyPrefix string) *RedisTracker {
	if keyPrefix == "" {
		keyPrefix = "vesselgate:audit:"
	}
	return &RedisTracker{client: client, keyPrefix: keyPrefix}
}

func (r *RedisTracker) transitionsKey(agentID string) string {
	return r.keyPrefix + "transitions:" + agentID
}

func (r *RedisTracker) eventsKey(agentID string) string {
	return r.keyPrefix + "events:" + agentID
}

func (r *RedisTracker) RecordTransition(ctx context.Context, t core.StateTransition) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}
	if err := r.client.RPush(ctx, r.transitionsKey(t.AgentID), data); err != nil {
		return fmt.Errorf("redis RPUSH transition: %w", err)
	}
	return nil
}

func (r *RedisTracker) RecordEvent(ctx context.Context, e core.SecurityEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.RPush(ctx, r.eventsKey(e.AgentID), data); err != nil {
		return fmt.Errorf("redis RPUSH event: %w", err)
	}
	return nil
}

func (r *RedisTracker) GetStateTransitions(ctx context.Context, agentID string) ([]core.StateTransition, error) {
	raw, err := r.client.LRange(ctx, r.transitionsKey(agentID))
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE transitions: %w", err)
	}
	out := make([]core.StateTransition, 0, len(raw))
	for _, item := range raw {
		var t core.StateTransition
		if err := json.Unmarshal(item, &t); err != nil {
			return nil, fmt.Errorf("unmarshal transition: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *RedisTracker) GetSecurityEvents(ctx context.Context, agentID string) ([]core.SecurityEvent, error) {
	raw, err := r.client.LRange(ctx, r.eventsKey(agentID))
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE events: %w", err)
	}
	out := make([]core.SecurityEvent, 0, len(raw))
	for _, item := range raw {
		var e core.SecurityEvent
		if err := json.Unmarshal(item, &e); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

var _ Tracker = (*RedisTracker)(nil)
