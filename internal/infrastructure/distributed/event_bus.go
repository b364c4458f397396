package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"camgrid/internal/core/domain"
	"camgrid/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "camgrid:events"

// Event is the wire envelope of a stream lifecycle event on the bus.
type Event struct {
	domain.StreamEvent
	InstanceID string `json:"instance_id"`
}

// EventBus publishes registry lifecycle events on a redis pub/sub channel so
// that other camgrid instances and dashboards can follow stream changes.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

var _ ports.EventPublisher = (*EventBus)(nil)

// NewEventBus creates a new event bus
func NewEventBus(client redis.UniversalClient, channel, instanceID string, logger *zap.SugaredLogger) *EventBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
	}
}

// Channel returns the pub/sub channel name.
func (eb *EventBus) Channel() string { return eb.channel }

// PublishStreamEvent stamps the event with this instance and publishes it.
func (eb *EventBus) PublishStreamEvent(ctx context.Context, event domain.StreamEvent) error {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	data, err := eb.encode(event)
	if err != nil {
		return err
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"stream_id", event.StreamID,
	)
	return nil
}

func (eb *EventBus) encode(event domain.StreamEvent) ([]byte, error) {
	data, err := json.Marshal(Event{StreamEvent: event, InstanceID: eb.instanceID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// decode parses a bus payload. Events published by this instance are reported
// with ok=false.
func (eb *EventBus) decode(payload string) (*Event, bool, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, false, err
	}
	if event.InstanceID == eb.instanceID {
		return &event, false, nil
	}
	return &event, true, nil
}

// Subscribe delivers events from other instances to handler until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()

	defer func() {
		eb.mu.Lock()
		eb.pubsub = nil
		eb.mu.Unlock()
		pubsub.Close()
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, remote, err := eb.decode(msg.Payload)
			if err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			if !remote {
				continue
			}

			if err := handler(event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

// Close closes the event bus
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
