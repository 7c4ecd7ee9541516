package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubRelay mirrors every bus event onto a Google Cloud Pub/Sub topic for
// durable, at-least-once delivery to consumers outside the engine process
// (archival, downstream scoring, SIEM feeds). The in-process bus stays the
// source of truth; the relay only adds durability.
type PubSubRelay struct {
	bus    *Bus
	client *pubsub.Client
	topic  *pubsub.Topic
	detach func()
	logger *log.Logger
}

// NewPubSubRelay connects to Pub/Sub and creates the topic if missing.
func NewPubSubRelay(bus *Bus, projectID, topicID string) (*PubSubRelay, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
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
		slog.Info("Created Pub/Sub topic", "topic", topicID)
	}

	// Ordering per project keeps a single engagement's event stream
	// sequential for downstream consumers.
	topic.EnableMessageOrdering = true

	relay := &PubSubRelay{
		bus:    bus,
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PubSubRelay] ", log.LstdFlags),
	}
	relay.logger.Printf("✅ Connected to Pub/Sub topic: projects/%s/topics/%s", projectID, topicID)
	return relay, nil
}

// Start attaches the relay to the bus.
func (r *PubSubRelay) Start() {
	if r.detach != nil {
		return
	}
	r.detach = r.bus.SubscribeAll(func(_ context.Context, event *Event) error {
		r.forward(event)
		return nil
	})
}

// forward serializes the event and publishes it. Attributes carry the
// envelope metadata for server-side subscription filters.
func (r *PubSubRelay) forward(event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Printf("❌ Failed to marshal event %s: %v", event.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event-type": string(event.Type),
			"event-id":   event.ID,
			"event-time": event.Timestamp.Format(time.RFC3339Nano),
			"project":    event.Project,
		},
		OrderingKey: event.Project,
	}

	result := r.topic.Publish(context.Background(), msg)

	// Non-blocking: check result off the hot path.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			r.logger.Printf("❌ Pub/Sub publish failed: %s → %v", event.ID, err)
		}
	}()
}

// HealthCheck verifies the topic is reachable.
func (r *PubSubRelay) HealthCheck(ctx context.Context) error {
	exists, err := r.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

// Close detaches from the bus and drains the topic publisher.
func (r *PubSubRelay) Close() error {
	if r.detach != nil {
		r.detach()
		r.detach = nil
	}
	r.topic.Stop()
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	r.logger.Printf("🔌 Pub/Sub relay closed")
	return nil
}
