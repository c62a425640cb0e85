package store

import (
	"context"
	"encoding/json"
	"time"

	"unityportal/queue-service/internal/models"
)

type CreateQueueInput struct {
	OwnerID     string
	Name        string
	Location    string
	Description string
	AvgMinutes  int
	CreatedAt   time.Time
}

// QueuePatch carries partial updates; nil fields are left untouched.
type QueuePatch struct {
	Name        *string
	Location    *string
	Description *string
	AvgMinutes  *int
	Active      *bool
}

type MemberStatus struct {
	Queue       models.Queue
	Ticket      models.Ticket
	PeopleAhead int
	ETAMinutes  int
}

type OperatorView struct {
	Queue       models.Queue
	Waiting     []models.Ticket
	ServedCount int
}

type QueueStore interface {
	CreateQueue(ctx context.Context, input CreateQueueInput) (models.Queue, error)
	GetQueue(ctx context.Context, queueID string) (models.Queue, error)
	UpdateQueue(ctx context.Context, queueID, requesterID string, patch QueuePatch) (models.Queue, error)
	DeleteQueue(ctx context.Context, queueID, requesterID string) error
	ResolveJoinToken(ctx context.Context, token string) (models.Queue, error)
	Join(ctx context.Context, queueID, memberID string, now time.Time) (models.Ticket, bool, error)
	ServeNext(ctx context.Context, queueID, requesterID string, now time.Time) (models.Ticket, error)
	CancelTicket(ctx context.Context, ticketID, requesterID string, now time.Time) (models.Ticket, error)
	MemberStatus(ctx context.Context, queueID, memberID string) (MemberStatus, error)
	OperatorView(ctx context.Context, queueID string) (OperatorView, error)
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	QueueID   string          `json:"queue_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
