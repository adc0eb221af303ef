package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventPublisher publishes delivery events from worker processes over Redis pub/sub.
type EventPublisher struct {
	redisClient *redis.Client
	channel     string
	logger      *slog.Logger
}

func NewEventPublisher(redisClient *redis.Client, channel string, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{redisClient: redisClient, channel: channel, logger: logger}
}

// Publish is best-effort; the live feed never blocks delivery.
func (p *EventPublisher) Publish(ctx context.Context, event DeliveryEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal delivery event", "error", err)
		return
	}
	if err := p.redisClient.Publish(ctx, p.channel, data).Err(); err != nil {
		p.logger.Debug("failed to publish delivery event", "error", err, "type", event.Type)
	}
}

// Relay forwards pub/sub frames into the hub until ctx is cancelled.
func Relay(ctx context.Context, redisClient *redis.Client, channel string, hub *Hub) error {
	sub := redisClient.Subscribe(ctx, channel)
	defer sub.Close()

	// wait for the subscription confirmation so no early event is lost
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			hub.BroadcastRaw([]byte(msg.Payload))
		}
	}
}
