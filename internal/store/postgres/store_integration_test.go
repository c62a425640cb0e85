package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"unityportal/queue-service/internal/models"
	"unityportal/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestJoinAssignsContiguousNumbers(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ownerID := uuid.NewString()
	queue := createTestQueue(t, ctx, st, ownerID, 5)

	const joiners = 8
	var wg sync.WaitGroup
	results := make(chan joinResult, joiners)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, created, err := st.Join(ctx, queue.QueueID, uuid.NewString(), time.Now().UTC())
			results <- joinResult{ticket: ticket, created: created, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var numbers []int
	for result := range results {
		if result.err != nil {
			t.Fatalf("join error: %v", result.err)
		}
		if !result.created {
			t.Fatalf("expected a fresh ticket for each member")
		}
		numbers = append(numbers, int(result.ticket.QueueNumber))
	}
	sort.Ints(numbers)
	for i, number := range numbers {
		if number != i+1 {
			t.Fatalf("expected contiguous numbers 1..%d, got %v", joiners, numbers)
		}
	}
}

func TestJoinIdempotent(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	queue := createTestQueue(t, ctx, st, uuid.NewString(), 5)
	memberID := uuid.NewString()

	first, created, err := st.Join(ctx, queue.QueueID, memberID, time.Now().UTC())
	if err != nil {
		t.Fatalf("first join: %v", err)
	}
	if !created {
		t.Fatalf("expected first join to create a ticket")
	}

	second, created, err := st.Join(ctx, queue.QueueID, memberID, time.Now().UTC())
	if err != nil {
		t.Fatalf("second join: %v", err)
	}
	if created {
		t.Fatalf("expected second join to return the existing ticket")
	}
	if first.TicketID != second.TicketID || first.QueueNumber != second.QueueNumber {
		t.Fatalf("expected identical tickets, got %+v and %+v", first, second)
	}
}

func TestJoinClosedQueue(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ownerID := uuid.NewString()
	queue := createTestQueue(t, ctx, st, ownerID, 5)

	inactive := false
	if _, err := st.UpdateQueue(ctx, queue.QueueID, ownerID, store.QueuePatch{Active: &inactive}); err != nil {
		t.Fatalf("deactivate queue: %v", err)
	}

	if _, _, err := st.Join(ctx, queue.QueueID, uuid.NewString(), time.Now().UTC()); !errors.Is(err, store.ErrQueueInactive) {
		t.Fatalf("expected ErrQueueInactive, got %v", err)
	}
}

func TestServeNextFIFO(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ownerID := uuid.NewString()
	queue := createTestQueue(t, ctx, st, ownerID, 5)

	var ticketIDs []string
	for i := 0; i < 3; i++ {
		ticket, _, err := st.Join(ctx, queue.QueueID, uuid.NewString(), time.Now().UTC())
		if err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
		ticketIDs = append(ticketIDs, ticket.TicketID)
	}

	for i := 0; i < 3; i++ {
		view, err := st.OperatorView(ctx, queue.QueueID)
		if err != nil {
			t.Fatalf("operator view: %v", err)
		}
		if len(view.Waiting) == 0 {
			t.Fatalf("expected waiting tickets before serve %d", i)
		}
		head := view.Waiting[0]

		served, err := st.ServeNext(ctx, queue.QueueID, ownerID, time.Now().UTC())
		if err != nil {
			t.Fatalf("serve %d: %v", i, err)
		}
		if served.TicketID != head.TicketID {
			t.Fatalf("serve %d picked %s, operator view showed %s", i, served.TicketID, head.TicketID)
		}
		if served.TicketID != ticketIDs[i] {
			t.Fatalf("expected FIFO order, serve %d got %s", i, served.TicketID)
		}
		if served.Status != models.StatusServed || served.ServedAt == nil {
			t.Fatalf("unexpected served ticket: %+v", served)
		}
	}

	if _, err := st.ServeNext(ctx, queue.QueueID, ownerID, time.Now().UTC()); !errors.Is(err, store.ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestServeNextForbidden(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	queue := createTestQueue(t, ctx, st, uuid.NewString(), 5)
	if _, _, err := st.Join(ctx, queue.QueueID, uuid.NewString(), time.Now().UTC()); err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, err := st.ServeNext(ctx, queue.QueueID, uuid.NewString(), time.Now().UTC()); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestCancelTransitions(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ownerID := uuid.NewString()
	queue := createTestQueue(t, ctx, st, ownerID, 5)
	memberID := uuid.NewString()

	ticket, _, err := st.Join(ctx, queue.QueueID, memberID, time.Now().UTC())
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	// A stranger may not cancel someone else's ticket.
	if _, err := st.CancelTicket(ctx, ticket.TicketID, uuid.NewString(), time.Now().UTC()); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	cancelled, err := st.CancelTicket(ctx, ticket.TicketID, memberID, time.Now().UTC())
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.StatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("unexpected cancelled ticket: %+v", cancelled)
	}

	// cancelled is terminal.
	if _, err := st.CancelTicket(ctx, ticket.TicketID, memberID, time.Now().UTC()); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	// Served tickets cannot be cancelled either, even by the owner.
	servedTicket, _, err := st.Join(ctx, queue.QueueID, memberID, time.Now().UTC())
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if _, err := st.ServeNext(ctx, queue.QueueID, ownerID, time.Now().UTC()); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if _, err := st.CancelTicket(ctx, servedTicket.TicketID, ownerID, time.Now().UTC()); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for served ticket, got %v", err)
	}
}

func TestCancelledNumbersAreNotReused(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	queue := createTestQueue(t, ctx, st, uuid.NewString(), 5)
	memberID := uuid.NewString()

	first, _, err := st.Join(ctx, queue.QueueID, memberID, time.Now().UTC())
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := st.CancelTicket(ctx, first.TicketID, memberID, time.Now().UTC()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	second, _, err := st.Join(ctx, queue.QueueID, memberID, time.Now().UTC())
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if second.QueueNumber != first.QueueNumber+1 {
		t.Fatalf("expected number %d after cancellation, got %d", first.QueueNumber+1, second.QueueNumber)
	}
}

func TestMemberStatusMath(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ownerID := uuid.NewString()
	queue := createTestQueue(t, ctx, st, ownerID, 5)

	// Numbers 1..5; cancel 1 and 4 so the waiting set is {2,3,5}.
	members := make([]string, 5)
	tickets := make([]models.Ticket, 5)
	for i := range members {
		members[i] = uuid.NewString()
		ticket, _, err := st.Join(ctx, queue.QueueID, members[i], time.Now().UTC())
		if err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
		tickets[i] = ticket
	}
	for _, idx := range []int{0, 3} {
		if _, err := st.CancelTicket(ctx, tickets[idx].TicketID, members[idx], time.Now().UTC()); err != nil {
			t.Fatalf("cancel %d: %v", idx, err)
		}
	}

	status, err := st.MemberStatus(ctx, queue.QueueID, members[4])
	if err != nil {
		t.Fatalf("member status: %v", err)
	}
	if status.PeopleAhead != 2 {
		t.Fatalf("expected 2 people ahead of number 5, got %d", status.PeopleAhead)
	}
	if status.ETAMinutes != 10 {
		t.Fatalf("expected eta 10, got %d", status.ETAMinutes)
	}

	if _, err := st.MemberStatus(ctx, queue.QueueID, uuid.NewString()); !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound for non-member, got %v", err)
	}
}

func TestRegistrarDeskScenario(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ownerID := uuid.NewString()
	queue, err := st.CreateQueue(ctx, store.CreateQueueInput{
		OwnerID:    ownerID,
		Name:       "Registrar Desk",
		AvgMinutes: 5,
	})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}

	memberA := uuid.NewString()
	memberB := uuid.NewString()

	ticketA, _, err := st.Join(ctx, queue.QueueID, memberA, time.Now().UTC())
	if err != nil {
		t.Fatalf("join A: %v", err)
	}
	if ticketA.QueueNumber != 1 {
		t.Fatalf("expected A to get number 1, got %d", ticketA.QueueNumber)
	}

	ticketB, _, err := st.Join(ctx, queue.QueueID, memberB, time.Now().UTC())
	if err != nil {
		t.Fatalf("join B: %v", err)
	}
	if ticketB.QueueNumber != 2 {
		t.Fatalf("expected B to get number 2, got %d", ticketB.QueueNumber)
	}

	status, err := st.MemberStatus(ctx, queue.QueueID, memberB)
	if err != nil {
		t.Fatalf("status B: %v", err)
	}
	if status.PeopleAhead != 1 || status.ETAMinutes != 5 {
		t.Fatalf("expected B to wait behind 1 person for 5 minutes, got %d/%d", status.PeopleAhead, status.ETAMinutes)
	}

	served, err := st.ServeNext(ctx, queue.QueueID, ownerID, time.Now().UTC())
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	if served.TicketID != ticketA.TicketID {
		t.Fatalf("expected A served first")
	}

	status, err = st.MemberStatus(ctx, queue.QueueID, memberB)
	if err != nil {
		t.Fatalf("status B after serve: %v", err)
	}
	if status.PeopleAhead != 0 || status.ETAMinutes != 0 {
		t.Fatalf("expected B at the front, got %d/%d", status.PeopleAhead, status.ETAMinutes)
	}

	view, err := st.OperatorView(ctx, queue.QueueID)
	if err != nil {
		t.Fatalf("operator view: %v", err)
	}
	if view.ServedCount != 1 {
		t.Fatalf("expected served count 1, got %d", view.ServedCount)
	}
}

func TestDeleteQueueCascades(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ownerID := uuid.NewString()
	queue := createTestQueue(t, ctx, st, ownerID, 5)

	members := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	for _, member := range members {
		if _, _, err := st.Join(ctx, queue.QueueID, member, time.Now().UTC()); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	if _, err := st.ServeNext(ctx, queue.QueueID, ownerID, time.Now().UTC()); err != nil {
		t.Fatalf("serve: %v", err)
	}

	if err := st.DeleteQueue(ctx, queue.QueueID, uuid.NewString()); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-owner delete, got %v", err)
	}

	if err := st.DeleteQueue(ctx, queue.QueueID, ownerID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := st.OperatorView(ctx, queue.QueueID); !errors.Is(err, store.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound after delete, got %v", err)
	}
	if _, err := st.MemberStatus(ctx, queue.QueueID, members[1]); !errors.Is(err, store.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound for member status, got %v", err)
	}

	var count int
	row := pool.QueryRow(ctx, `SELECT COUNT(*) FROM tickets WHERE queue_id = $1`, queue.QueueID)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count tickets: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no tickets after cascade, got %d", count)
	}
}

func TestUpdateQueueValidation(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ownerID := uuid.NewString()
	queue := createTestQueue(t, ctx, st, ownerID, 5)

	zero := 0
	if _, err := st.UpdateQueue(ctx, queue.QueueID, ownerID, store.QueuePatch{AvgMinutes: &zero}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	name := "Bursar Desk"
	minutes := 7
	updated, err := st.UpdateQueue(ctx, queue.QueueID, ownerID, store.QueuePatch{Name: &name, AvgMinutes: &minutes})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != name || updated.AvgMinutes != minutes {
		t.Fatalf("unexpected updated queue: %+v", updated)
	}
}

func TestResolveJoinToken(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	queue := createTestQueue(t, ctx, st, uuid.NewString(), 5)

	resolved, err := st.ResolveJoinToken(ctx, queue.JoinToken)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.QueueID != queue.QueueID {
		t.Fatalf("expected queue %s, got %s", queue.QueueID, resolved.QueueID)
	}

	if _, err := st.ResolveJoinToken(ctx, uuid.NewString()); !errors.Is(err, store.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound for unknown token, got %v", err)
	}
}

func TestOutboxAndRelayOffset(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ownerID := uuid.NewString()
	queue := createTestQueue(t, ctx, st, ownerID, 5)
	if _, _, err := st.Join(ctx, queue.QueueID, uuid.NewString(), time.Now().UTC()); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := st.ServeNext(ctx, queue.QueueID, ownerID, time.Now().UTC()); err != nil {
		t.Fatalf("serve: %v", err)
	}

	events, err := st.ListOutboxEvents(ctx, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != "queue.ticket_joined" || events[1].Type != "queue.ticket_served" {
		t.Fatalf("unexpected event types: %s, %s", events[0].Type, events[1].Type)
	}

	offset, err := st.GetRelayOffset(ctx)
	if err != nil {
		t.Fatalf("get offset: %v", err)
	}
	if !offset.IsZero() {
		t.Fatalf("expected zero initial offset, got %v", offset)
	}

	if err := st.UpdateRelayOffset(ctx, events[1].CreatedAt); err != nil {
		t.Fatalf("update offset: %v", err)
	}
	offset, err = st.GetRelayOffset(ctx)
	if err != nil {
		t.Fatalf("get offset after update: %v", err)
	}
	if !offset.Equal(events[1].CreatedAt) {
		t.Fatalf("expected offset %v, got %v", events[1].CreatedAt, offset)
	}

	remaining, err := st.ListOutboxEvents(ctx, offset, 10)
	if err != nil {
		t.Fatalf("list after offset: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no events past the offset, got %d", len(remaining))
	}
}

type joinResult struct {
	ticket  models.Ticket
	created bool
	err     error
}

func createTestQueue(t *testing.T, ctx context.Context, st *Store, ownerID string, avgMinutes int) models.Queue {
	t.Helper()
	queue, err := st.CreateQueue(ctx, store.CreateQueueInput{
		OwnerID:    ownerID,
		Name:       "Test Queue",
		Location:   "Main Hall",
		AvgMinutes: avgMinutes,
	})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	return queue
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool)
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}
