package models

import "time"

type Ticket struct {
	TicketID    string     `json:"ticket_id"`
	QueueID     string     `json:"queue_id"`
	MemberID    string     `json:"member_id"`
	QueueNumber int64      `json:"queue_number"`
	Status      string     `json:"status"`
	JoinedAt    time.Time  `json:"joined_at"`
	ServedAt    *time.Time `json:"served_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusServed    = "served"
	StatusCancelled = "cancelled"
)
