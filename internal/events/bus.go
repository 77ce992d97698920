// Package events is the observability side channel: gate and tracker
// conditions published as CloudEvents to in-process subscribers and,
// optionally, to Cloud Pub/Sub.
package events

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the gate and the audit tracker.
const (
	TypeGateDecided          = "vesselgate.gate.decided"
	TypeBudgetExceeded       = "vesselgate.gate.budget_exceeded"
	TypeEvaluatorFailed      = "vesselgate.gate.evaluator_failed"
	TypeTrackerWriteFailed   = "vesselgate.tracker.write_failed"
	TypeTrackerRecordDropped = "vesselgate.tracker.record_dropped"
)

// EventEmitter is the interface for publishing CloudEvents.
// Both the in-memory EventBus and PubSubEventBus satisfy this interface.
type EventEmitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// CloudEvent is the CloudEvents 1.0 envelope. Subject is the agent ID, which
// is also the Pub/Sub ordering key.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewCloudEvent creates a CloudEvents 1.0 compliant event
func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          "ce-" + uuid.NewString(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// EventBus fans events out to in-process subscribers. Delivery never blocks
// the publisher: a subscriber whose buffer is full misses the event and the
// miss is counted.
type EventBus struct {
	mu         sync.RWMutex
	subs       map[chan *CloudEvent]*subscription
	dropped    atomic.Uint64
	logger     *log.Logger
	bufferSize int
}

// subscription filters by event type; an empty filter matches everything.
type subscription struct {
	types map[string]struct{}
}

func (s *subscription) wants(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

func NewEventBus() *EventBus {
	return &EventBus{
		subs:       make(map[chan *CloudEvent]*subscription),
		logger:     log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize: 100,
	}
}

// Subscribe returns a channel receiving the given event types, or every
// event when none are given.
func (eb *EventBus) Subscribe(eventTypes ...string) chan *CloudEvent {
	sub := &subscription{types: make(map[string]struct{}, len(eventTypes))}
	for _, t := range eventTypes {
		sub.types[t] = struct{}{}
	}
	ch := make(chan *CloudEvent, eb.bufferSize)

	eb.mu.Lock()
	eb.subs[ch] = sub
	eb.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (eb *EventBus) Unsubscribe(ch chan *CloudEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if _, ok := eb.subs[ch]; !ok {
		eb.logger.Printf("Unsubscribe: channel not registered")
		return
	}
	delete(eb.subs, ch)
	close(ch)
}

// Publish delivers event to every matching subscriber.
func (eb *EventBus) Publish(event *CloudEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for ch, sub := range eb.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case ch <- event:
		default:
			eb.dropped.Add(1)
		}
	}
}

func (eb *EventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	eb.Publish(NewCloudEvent(eventType, source, subject, data))
}

// Dropped counts deliveries skipped because a subscriber buffer was full.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}

func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs)
}
