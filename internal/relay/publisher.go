package relay

import (
	"context"
	"encoding/json"
	"log"

	"unityportal/queue-service/internal/store"

	"github.com/redis/go-redis/v9"
)

type Publisher interface {
	Publish(ctx context.Context, event store.OutboxEvent) error
}

// NewPublisher returns a Redis channel publisher, or a log publisher
// when no client is configured.
func NewPublisher(client *redis.Client, channel string) Publisher {
	if client == nil {
		return logPublisher{}
	}
	if channel == "" {
		channel = "queue-events"
	}
	return redisPublisher{client: client, channel: channel}
}

type redisPublisher struct {
	client  *redis.Client
	channel string
}

func (p redisPublisher) Publish(ctx context.Context, event store.OutboxEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, payload).Err()
}

type logPublisher struct{}

func (logPublisher) Publish(ctx context.Context, event store.OutboxEvent) error {
	log.Printf("queue event type=%s queue=%s event_id=%s", event.Type, event.QueueID, event.EventID)
	return nil
}
