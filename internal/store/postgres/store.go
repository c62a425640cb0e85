package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"unityportal/queue-service/internal/models"
	"unityportal/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const relayID = "display-board"

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const queueColumns = "queue_id, owner_id, name, location, description, avg_minutes, active, join_token, created_at"

const ticketColumns = "ticket_id, queue_id, member_id, queue_number, status, joined_at, served_at, cancelled_at"

func (s *Store) CreateQueue(ctx context.Context, input store.CreateQueueInput) (models.Queue, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" || input.AvgMinutes < 1 {
		return models.Queue{}, store.ErrValidation
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	queue := models.Queue{
		QueueID:     uuid.NewString(),
		OwnerID:     input.OwnerID,
		Name:        name,
		Location:    strings.TrimSpace(input.Location),
		Description: strings.TrimSpace(input.Description),
		AvgMinutes:  input.AvgMinutes,
		Active:      true,
		JoinToken:   uuid.NewString(),
		CreatedAt:   createdAt,
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO queues (queue_id, owner_id, name, location, description, avg_minutes, active, join_token, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, queue.QueueID, queue.OwnerID, queue.Name, queue.Location, queue.Description, queue.AvgMinutes, queue.Active, queue.JoinToken, queue.CreatedAt)
	if err != nil {
		return models.Queue{}, err
	}
	return queue, nil
}

func (s *Store) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+queueColumns+`
		FROM queues
		WHERE queue_id = $1
	`, queueID)
	return scanQueue(row)
}

func (s *Store) ResolveJoinToken(ctx context.Context, token string) (models.Queue, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+queueColumns+`
		FROM queues
		WHERE join_token = $1
	`, token)
	return scanQueue(row)
}

func (s *Store) UpdateQueue(ctx context.Context, queueID, requesterID string, patch store.QueuePatch) (models.Queue, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Queue{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	queue, err := lockQueue(ctx, tx, queueID)
	if err != nil {
		return models.Queue{}, err
	}
	if queue.OwnerID != requesterID {
		err = store.ErrForbidden
		return models.Queue{}, err
	}

	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			err = store.ErrValidation
			return models.Queue{}, err
		}
		queue.Name = name
	}
	if patch.Location != nil {
		queue.Location = strings.TrimSpace(*patch.Location)
	}
	if patch.Description != nil {
		queue.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.AvgMinutes != nil {
		if *patch.AvgMinutes < 1 {
			err = store.ErrValidation
			return models.Queue{}, err
		}
		queue.AvgMinutes = *patch.AvgMinutes
	}
	if patch.Active != nil {
		queue.Active = *patch.Active
	}

	_, err = tx.Exec(ctx, `
		UPDATE queues
		SET name = $1, location = $2, description = $3, avg_minutes = $4, active = $5
		WHERE queue_id = $6
	`, queue.Name, queue.Location, queue.Description, queue.AvgMinutes, queue.Active, queueID)
	if err != nil {
		return models.Queue{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Queue{}, err
	}
	return queue, nil
}

func (s *Store) DeleteQueue(ctx context.Context, queueID, requesterID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	queue, err := lockQueue(ctx, tx, queueID)
	if err != nil {
		return err
	}
	if queue.OwnerID != requesterID {
		err = store.ErrForbidden
		return err
	}

	if _, err = tx.Exec(ctx, `DELETE FROM tickets WHERE queue_id = $1`, queueID); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `DELETE FROM queue_sequences WHERE queue_id = $1`, queueID); err != nil {
		return err
	}
	if err = insertOutboxEvent(ctx, tx, queueID, "queue.deleted", map[string]interface{}{
		"queue_id": queueID,
		"name":     queue.Name,
	}); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `DELETE FROM queues WHERE queue_id = $1`, queueID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) Join(ctx context.Context, queueID, memberID string, now time.Time) (models.Ticket, bool, error) {
	ticket, created, err := s.join(ctx, queueID, memberID, now)
	if err != nil && isUniqueViolation(err) {
		// Lost a same-member race; the winner's waiting ticket is the answer.
		existing, found, lookupErr := s.findWaitingTicket(ctx, queueID, memberID)
		if lookupErr != nil {
			return models.Ticket{}, false, lookupErr
		}
		if found {
			return existing, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, created, err
}

func (s *Store) join(ctx context.Context, queueID, memberID string, now time.Time) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var active bool
	row := tx.QueryRow(ctx, `SELECT active FROM queues WHERE queue_id = $1`, queueID)
	if err = row.Scan(&active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrQueueNotFound
		}
		return models.Ticket{}, false, err
	}
	if !active {
		err = store.ErrQueueInactive
		return models.Ticket{}, false, err
	}

	existing, found, err := findWaitingTicketTx(ctx, tx, queueID, memberID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		return existing, false, nil
	}

	seq, err := nextQueueNumber(ctx, tx, queueID)
	if err != nil {
		return models.Ticket{}, false, err
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}
	ticket := models.Ticket{
		TicketID:    uuid.NewString(),
		QueueID:     queueID,
		MemberID:    memberID,
		QueueNumber: seq,
		Status:      models.StatusWaiting,
		JoinedAt:    now,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO tickets (ticket_id, queue_id, member_id, queue_number, status, joined_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, ticket.TicketID, ticket.QueueID, ticket.MemberID, ticket.QueueNumber, ticket.Status, ticket.JoinedAt)
	if err != nil {
		return models.Ticket{}, false, err
	}

	if err = insertTicketOutboxEvent(ctx, tx, "queue.ticket_joined", ticket); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) ServeNext(ctx context.Context, queueID, requesterID string, now time.Time) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var ownerID string
	row := tx.QueryRow(ctx, `SELECT owner_id FROM queues WHERE queue_id = $1`, queueID)
	if err = row.Scan(&ownerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrQueueNotFound
		}
		return models.Ticket{}, err
	}
	if ownerID != requesterID {
		err = store.ErrForbidden
		return models.Ticket{}, err
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}

	// Serving order is ascending queue_number; the operator view must
	// list waiting tickets by the same key.
	row = tx.QueryRow(ctx, `
		WITH next_ticket AS (
			SELECT ticket_id
			FROM tickets
			WHERE queue_id = $1 AND status = 'waiting'
			ORDER BY queue_number ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tickets
		SET status = 'served',
			served_at = $2
		FROM next_ticket
		WHERE tickets.ticket_id = next_ticket.ticket_id
		RETURNING `+prefixedTicketColumns("tickets")+`
	`, queueID, now)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrQueueEmpty
		}
		return models.Ticket{}, err
	}

	if err = insertTicketOutboxEvent(ctx, tx, "queue.ticket_served", ticket); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) CancelTicket(ctx context.Context, ticketID, requesterID string, now time.Time) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var memberID, ownerID, status string
	row := tx.QueryRow(ctx, `
		SELECT t.member_id, q.owner_id, t.status
		FROM tickets t
		JOIN queues q ON q.queue_id = t.queue_id
		WHERE t.ticket_id = $1
	`, ticketID)
	if err = row.Scan(&memberID, &ownerID, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	if requesterID != memberID && requesterID != ownerID {
		err = store.ErrForbidden
		return models.Ticket{}, err
	}
	if !store.ValidTransition("cancel", status) {
		err = store.ErrInvalidState
		return models.Ticket{}, err
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}

	// Conditional on status so a concurrent serve wins cleanly.
	row = tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = 'cancelled',
			cancelled_at = $2
		WHERE ticket_id = $1 AND status = 'waiting'
		RETURNING `+ticketColumns+`
	`, ticketID, now)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrInvalidState
		}
		return models.Ticket{}, err
	}

	if err = insertTicketOutboxEvent(ctx, tx, "queue.ticket_cancelled", ticket); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) MemberStatus(ctx context.Context, queueID, memberID string) (store.MemberStatus, error) {
	queue, err := s.GetQueue(ctx, queueID)
	if err != nil {
		return store.MemberStatus{}, err
	}

	ticket, found, err := s.findWaitingTicket(ctx, queueID, memberID)
	if err != nil {
		return store.MemberStatus{}, err
	}
	if !found {
		return store.MemberStatus{}, store.ErrTicketNotFound
	}

	var ahead int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tickets
		WHERE queue_id = $1 AND status = 'waiting' AND queue_number < $2
	`, queueID, ticket.QueueNumber)
	if err := row.Scan(&ahead); err != nil {
		return store.MemberStatus{}, err
	}

	return store.MemberStatus{
		Queue:       queue,
		Ticket:      ticket,
		PeopleAhead: ahead,
		ETAMinutes:  ahead * queue.AvgMinutes,
	}, nil
}

func (s *Store) OperatorView(ctx context.Context, queueID string) (store.OperatorView, error) {
	queue, err := s.GetQueue(ctx, queueID)
	if err != nil {
		return store.OperatorView{}, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE queue_id = $1 AND status = 'waiting'
		ORDER BY queue_number ASC
	`, queueID)
	if err != nil {
		return store.OperatorView{}, err
	}
	defer rows.Close()

	var waiting []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return store.OperatorView{}, err
		}
		waiting = append(waiting, ticket)
	}
	if err := rows.Err(); err != nil {
		return store.OperatorView{}, err
	}

	var served int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tickets
		WHERE queue_id = $1 AND status = 'served'
	`, queueID)
	if err := row.Scan(&served); err != nil {
		return store.OperatorView{}, err
	}

	return store.OperatorView{
		Queue:       queue,
		Waiting:     waiting,
		ServedCount: served,
	}, nil
}

func (s *Store) findWaitingTicket(ctx context.Context, queueID, memberID string) (models.Ticket, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE queue_id = $1 AND member_id = $2 AND status = 'waiting'
	`, queueID, memberID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func findWaitingTicketTx(ctx context.Context, tx pgx.Tx, queueID, memberID string) (models.Ticket, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE queue_id = $1 AND member_id = $2 AND status = 'waiting'
	`, queueID, memberID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func lockQueue(ctx context.Context, tx pgx.Tx, queueID string) (models.Queue, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+queueColumns+`
		FROM queues
		WHERE queue_id = $1
		FOR UPDATE
	`, queueID)
	return scanQueue(row)
}

// nextQueueNumber bumps the per-queue counter inside the caller's
// transaction. Numbers are never reused, even after cancellations.
func nextQueueNumber(ctx context.Context, tx pgx.Tx, queueID string) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO queue_sequences (queue_id, next_number)
		VALUES ($1, 1)
		ON CONFLICT (queue_id)
		DO UPDATE SET next_number = queue_sequences.next_number + 1
		RETURNING next_number
	`, queueID)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func scanQueue(row pgx.Row) (models.Queue, error) {
	var queue models.Queue
	if err := row.Scan(&queue.QueueID, &queue.OwnerID, &queue.Name, &queue.Location, &queue.Description, &queue.AvgMinutes, &queue.Active, &queue.JoinToken, &queue.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, store.ErrQueueNotFound
		}
		return models.Queue{}, err
	}
	return queue, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var servedAtNull sql.NullTime
	var cancelledAtNull sql.NullTime
	if err := row.Scan(&ticket.TicketID, &ticket.QueueID, &ticket.MemberID, &ticket.QueueNumber, &ticket.Status, &ticket.JoinedAt, &servedAtNull, &cancelledAtNull); err != nil {
		return models.Ticket{}, err
	}
	ticket.ServedAt = nullTimePtr(servedAtNull)
	ticket.CancelledAt = nullTimePtr(cancelledAtNull)
	return ticket, nil
}

func prefixedTicketColumns(alias string) string {
	parts := strings.Split(ticketColumns, ", ")
	for i, part := range parts {
		parts[i] = alias + "." + part
	}
	return strings.Join(parts, ", ")
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
