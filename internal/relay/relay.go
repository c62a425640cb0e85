// Package relay drains the queue outbox and publishes events for the
// lobby display boards. Delivery is at-least-once; consumers dedupe on
// event_id.
package relay

import (
	"context"
	"time"

	"unityportal/queue-service/internal/store"
)

type EventSource interface {
	GetRelayOffset(ctx context.Context) (time.Time, error)
	ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error)
	UpdateRelayOffset(ctx context.Context, last time.Time) error
}

type Relay struct {
	source    EventSource
	publisher Publisher
	batchSize int
}

type Config struct {
	BatchSize int
}

func New(source EventSource, publisher Publisher, cfg Config) *Relay {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	return &Relay{
		source:    source,
		publisher: publisher,
		batchSize: batch,
	}
}

// Run drains one batch. The offset only advances past events that were
// published, so a failed publish is retried on the next pass.
func (r *Relay) Run(ctx context.Context) error {
	start, err := r.source.GetRelayOffset(ctx)
	if err != nil {
		return err
	}

	events, err := r.source.ListOutboxEvents(ctx, start, r.batchSize)
	if err != nil {
		return err
	}

	last := start
	for _, event := range events {
		if err := r.publisher.Publish(ctx, event); err != nil {
			break
		}
		last = event.CreatedAt
	}

	if last.After(start) {
		if err := r.source.UpdateRelayOffset(ctx, last); err != nil {
			return err
		}
	}
	return nil
}
