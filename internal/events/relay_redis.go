package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// relaySource marks events injected from Redis so the outbound leg does not
// echo them back out.
const relaySource = "redis-relay"

// DefaultChannelPrefix namespaces the engine's Redis Pub/Sub channels.
const DefaultChannelPrefix = "zenith:events:"

// RedisPubSubClient is the minimal Redis surface the relay needs. The infra
// adapter satisfies it; tests plug in fakes.
type RedisPubSubClient interface {
	// Publish sends a message to a Redis channel.
	Publish(ctx context.Context, channel string, message []byte) error

	// Subscribe registers a callback for messages on a channel.
	// Returns an unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisRelay bridges the in-process Bus to Redis Pub/Sub. Outbound, every
// local event lands on "<prefix><type>" so other pods and the stream
// gateway can fan out. Inbound, Listen re-injects remote events into the
// local bus for co-located subscribers.
type RedisRelay struct {
	mu     sync.Mutex
	bus    *Bus
	pubsub RedisPubSubClient
	prefix string

	detachLocal func()
	unsubFuncs  []func()
	closed      bool
}

// NewRedisRelay builds a relay over an existing bus. An empty prefix uses
// DefaultChannelPrefix.
func NewRedisRelay(bus *Bus, client RedisPubSubClient, prefix string) *RedisRelay {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisRelay{bus: bus, pubsub: client, prefix: prefix}
}

// Start attaches the outbound leg. Publish failures are logged and dropped;
// local delivery has already happened by the time the relay sees the event,
// so a Redis outage never blocks the engine.
func (r *RedisRelay) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detachLocal != nil || r.closed {
		return
	}

	r.detachLocal = r.bus.SubscribeAll(func(_ context.Context, event *Event) error {
		if event.Source == relaySource {
			return nil // arrived from Redis, do not echo
		}
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		channel := r.prefix + string(event.Type)
		if err := r.pubsub.Publish(ctx, channel, payload); err != nil {
			slog.Warn("[EventRelay] Redis publish failed", "type", event.Type, "error", err)
		}
		return nil
	})
	slog.Info("[EventRelay] Outbound relay attached", "prefix", r.prefix)
}

// Listen subscribes the given types on Redis and re-injects remote events
// into the local bus. Use it on pods that need to react to events produced
// elsewhere.
func (r *RedisRelay) Listen(ctx context.Context, types ...EventType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("relay closed")
	}

	for _, t := range types {
		channel := r.prefix + string(t)
		unsub, err := r.pubsub.Subscribe(ctx, channel, func(data []byte) {
			var event Event
			if err := json.Unmarshal(data, &event); err != nil {
				slog.Warn("[EventRelay] Bad inbound payload", "channel", channel, "error", err)
				return
			}
			event.Source = relaySource
			if err := r.bus.Publish(ctx, &event); err != nil {
				slog.Warn("[EventRelay] Inbound publish rejected", "type", event.Type, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
		r.unsubFuncs = append(r.unsubFuncs, unsub)
	}
	return nil
}

// Close detaches both legs.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	if r.detachLocal != nil {
		r.detachLocal()
		r.detachLocal = nil
	}
	for _, unsub := range r.unsubFuncs {
		unsub()
	}
	r.unsubFuncs = nil

	slog.Info("[EventRelay] Closed")
	return nil
}
