package events

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubEventBus wraps the in-memory EventBus and also publishes every event
// to a Cloud Pub/Sub topic, so alerting and audit consumers outside the
// process see gate conditions.
//
// Messages are ordered per agent: the ordering key is the event subject.
//
//	bus, err := events.NewPubSubEventBus(ctx, "my-project", "vesselgate-events")
//	bus.Emit(events.TypeBudgetExceeded, "/vesselgate/gate", "agent-7", data)
//	defer bus.Close()
type PubSubEventBus struct {
	*EventBus // embedded, websocket subscribers still work

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubEventBus creates a Pub/Sub-backed event bus.
// It creates the topic if it does not exist.
func NewPubSubEventBus(ctx context.Context, projectID, topicID string) (*PubSubEventBus, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("[PubSub] Created topic", "topic_id", topicID)
	}
	topic.EnableMessageOrdering = true

	bus := &PubSubEventBus{
		EventBus: NewEventBus(),
		client:   client,
		topic:    topic,
		logger:   log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	bus.logger.Printf("Connected to Pub/Sub topic: projects/%s/topics/%s", projectID, topicID)
	return bus, nil
}

// Emit publishes to Pub/Sub and fans out to in-memory subscribers.
func (pb *PubSubEventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	pb.PublishRaw(NewCloudEvent(eventType, source, subject, data))
}

// PublishRaw publishes a pre-built CloudEvent to Pub/Sub and the in-memory bus.
func (pb *PubSubEventBus) PublishRaw(event *CloudEvent) {
	pb.publishToPubSub(event)
	pb.EventBus.Publish(event)
}

// publishToPubSub never blocks the caller; the publish result is checked on
// its own goroutine.
func (pb *PubSubEventBus) publishToPubSub(event *CloudEvent) {
	msg, err := toMessage(event)
	if err != nil {
		pb.logger.Printf("Failed to marshal event %s: %v", event.ID, err)
		return
	}

	result := pb.topic.Publish(context.Background(), msg)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := result.Get(ctx); err != nil {
			pb.logger.Printf("Publish failed: %s (type=%s): %v", event.ID, event.Type, err)
			// An ordering key stays paused after a failure until resumed.
			if msg.OrderingKey != "" {
				pb.topic.ResumePublish(msg.OrderingKey)
			}
		}
	}()
}

// toMessage maps CloudEvents metadata onto message attributes for
// server-side filtering.
func toMessage(event *CloudEvent) (*pubsub.Message, error) {
	payload, err := event.JSON()
	if err != nil {
		return nil, err
	}
	return &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-subject":     event.Subject,
		},
		OrderingKey: event.Subject,
	}, nil
}

// Close flushes pending publishes and shuts down the client.
func (pb *PubSubEventBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	pb.logger.Printf("Pub/Sub client closed")
	return nil
}

// HealthCheck verifies the Pub/Sub topic is reachable.
func (pb *PubSubEventBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic %s does not exist", pb.topic.ID())
	}
	return nil
}

var _ EventEmitter = (*PubSubEventBus)(nil)
