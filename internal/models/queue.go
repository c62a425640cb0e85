package models

import "time"

type Queue struct {
	QueueID     string    `json:"queue_id"`
	OwnerID     string    `json:"owner_id"`
	Name        string    `json:"name"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
	AvgMinutes  int       `json:"avg_minutes"`
	Active      bool      `json:"active"`
	JoinToken   string    `json:"join_token,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
