package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"unityportal/queue-service/internal/models"
	"unityportal/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Outbox rows are written in the same transaction as the state change
// they describe; the relay drains them after commit.

func insertTicketOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, ticket models.Ticket) error {
	payload := map[string]interface{}{
		"ticket_id":    ticket.TicketID,
		"queue_id":     ticket.QueueID,
		"member_id":    ticket.MemberID,
		"queue_number": ticket.QueueNumber,
		"status":       ticket.Status,
		"joined_at":    ticket.JoinedAt,
		"served_at":    ticket.ServedAt,
		"cancelled_at": ticket.CancelledAt,
	}
	return insertOutboxEvent(ctx, tx, ticket.QueueID, eventType, payload)
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, queueID, eventType string, payload map[string]interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, queue_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), queueID, eventType, payloadJSON, time.Now().UTC())
	return err
}

func (s *Store) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, queue_id, type, payload_json, created_at
		FROM outbox_events
		WHERE created_at > $1
		ORDER BY created_at ASC
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.QueueID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetRelayOffset(ctx context.Context) (time.Time, error) {
	var last time.Time
	row := s.pool.QueryRow(ctx, `
		SELECT last_seen FROM relay_offsets WHERE relay_id = $1
	`, relayID)
	if err := row.Scan(&last); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return last, nil
}

func (s *Store) UpdateRelayOffset(ctx context.Context, last time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_offsets (relay_id, last_seen)
		VALUES ($1, $2)
		ON CONFLICT (relay_id) DO UPDATE SET last_seen = EXCLUDED.last_seen
	`, relayID, last)
	return err
}
