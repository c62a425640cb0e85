package store

import "errors"

var (
	ErrValidation     = errors.New("invalid input")
	ErrQueueNotFound  = errors.New("queue not found")
	ErrTicketNotFound = errors.New("ticket not found")
	ErrForbidden      = errors.New("forbidden")
	ErrQueueInactive  = errors.New("queue inactive")
	ErrQueueEmpty     = errors.New("no waiting tickets")
	ErrInvalidState   = errors.New("invalid ticket state")
)
