package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RedisPubSubClient is a minimal interface for Redis Pub/Sub operations.
type RedisPubSubClient interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisEventBus shares gate events between gate instances through Redis
// Pub/Sub. Every instance relays the channel into its local EventBus, so a
// websocket client on any instance sees events from all of them.
//
// Emit never waits on Redis: events go through a bounded outbox drained by
// one publisher goroutine, which keeps emission order.
type RedisEventBus struct {
	*EventBus

	pubsub  RedisPubSubClient
	channel string
	outbox  chan *CloudEvent

	mu      sync.Mutex
	unsub   func()
	stop    chan struct{}
	stopped chan struct{}
}

// NewRedisEventBus creates the bus. Call Start to begin relaying.
func NewRedisEventBus(client RedisPubSubClient, channel string) *RedisEventBus {
	if channel == "" {
		channel = "vesselgate:events"
	}
	return &RedisEventBus{
		EventBus: NewEventBus(),
		pubsub:   client,
		channel:  channel,
		outbox:   make(chan *CloudEvent, 256),
	}
}

// Start subscribes to the shared channel and starts the publisher.
func (b *RedisEventBus) Start(ctx context.Context) error {
	unsub, err := b.pubsub.Subscribe(ctx, b.channel, func(data []byte) {
		var ev CloudEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("[RedisEventBus] Failed to unmarshal event", "error", err)
			return
		}
		b.EventBus.Publish(&ev)
	})
	if err != nil {
		return fmt.Errorf("redis event relay: %w", err)
	}

	b.mu.Lock()
	b.unsub = unsub
	b.stop = make(chan struct{})
	b.stopped = make(chan struct{})
	b.mu.Unlock()

	go b.publisher(b.stop, b.stopped)
	return nil
}

// Emit queues the event for Redis. If the outbox is full the event is
// delivered locally only.
func (b *RedisEventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	ev := NewCloudEvent(eventType, source, subject, data)
	select {
	case b.outbox <- ev:
	default:
		slog.Warn("[RedisEventBus] Outbox full, delivering locally", "type", eventType)
		b.EventBus.Publish(ev)
	}
}

func (b *RedisEventBus) publisher(stop, stopped chan struct{}) {
	defer close(stopped)
	for {
		select {
		case ev := <-b.outbox:
			b.publish(ev)
		case <-stop:
			for {
				select {
				case ev := <-b.outbox:
					b.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *RedisEventBus) publish(ev *CloudEvent) {
	payload, err := ev.JSON()
	if err != nil {
		slog.Warn("[RedisEventBus] Failed to marshal event", "type", ev.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.pubsub.Publish(ctx, b.channel, payload); err != nil {
		slog.Warn("[RedisEventBus] Publish failed, falling back to local",
			"type", ev.Type, "error", err)
		b.EventBus.Publish(ev)
	}
}

// Close flushes the outbox and stops the relay.
func (b *RedisEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stop != nil {
		close(b.stop)
		<-b.stopped
		b.stop = nil
	}
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
	slog.Info("[RedisEventBus] Closed")
	return nil
}

var _ EventEmitter = (*RedisEventBus)(nil)
