package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tabletop/assignment-service/internal/models"
	"tabletop/assignment-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const orderColumns = `order_id, venue_id, branch_id, table_ref, status, assigned_worker_id, assigned_at,
	assignment_method, priority, queue_position, queued_at, estimated_wait_minutes, is_timeout, elevated,
	capacity_released, created_at, updated_at, closed_at`

const workerColumns = `w.worker_id, w.venue_id, w.branch_id, w.manager_id, w.name, w.role, w.status, w.is_available,
	w.active_orders_count, w.max_orders_capacity, w.total_assignments, w.completed_orders`

// queueOrder is the service order of a scope's queue.
const queueOrder = `priority DESC, COALESCE(queued_at, created_at) ASC, order_id ASC`

type Store struct {
	pool            *pgxpool.Pool
	waitPerPosition int
	defaultCapacity int
	now             func() time.Time
}

type Options struct {
	WaitMinutesPerPosition int
	// DefaultCapacity applies to worker rows without a positive capacity.
	DefaultCapacity int
	Now             func() time.Time
}

// queryer is satisfied by both the pool and a transaction.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	capacity := options.DefaultCapacity
	if capacity <= 0 {
		capacity = models.DefaultWorkerCapacity
	}
	wait := options.WaitMinutesPerPosition
	if wait < 0 {
		wait = 0
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		pool:            pool,
		waitPerPosition: wait,
		defaultCapacity: capacity,
		now:             now,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) GetVenue(ctx context.Context, venueID string) (models.Venue, error) {
	var venue models.Venue
	row := s.pool.QueryRow(ctx, `
		SELECT venue_id, owner_id, name FROM venues WHERE venue_id = $1
	`, venueID)
	if err := row.Scan(&venue.VenueID, &venue.OwnerID, &venue.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Venue{}, store.ErrVenueNotFound
		}
		return models.Venue{}, err
	}
	return venue, nil
}

func (s *Store) GetBranch(ctx context.Context, branchID string) (models.Branch, error) {
	var branch models.Branch
	row := s.pool.QueryRow(ctx, `
		SELECT branch_id, venue_id, owner_id, name FROM branches WHERE branch_id = $1
	`, branchID)
	if err := row.Scan(&branch.BranchID, &branch.VenueID, &branch.OwnerID, &branch.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Branch{}, store.ErrBranchNotFound
		}
		return models.Branch{}, err
	}
	return branch, nil
}

func (s *Store) GetWorker(ctx context.Context, workerID string) (models.Worker, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers w WHERE w.worker_id = $1`, workerID)
	worker, err := s.scanWorker(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Worker{}, store.ErrWorkerNotFound
		}
		return models.Worker{}, err
	}
	return worker, nil
}

func (s *Store) ListWorkers(ctx context.Context, filter store.WorkerFilter) ([]models.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers w`
	var (
		conditions []string
		args       []any
	)
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		query += fmt.Sprintf(" JOIN managers m ON m.manager_id = w.manager_id AND m.created_by = $%d", len(args))
	}
	if filter.VenueID != "" {
		args = append(args, filter.VenueID)
		conditions = append(conditions, fmt.Sprintf("w.venue_id = $%d", len(args)))
	}
	if filter.BranchID != "" {
		args = append(args, filter.BranchID)
		conditions = append(conditions, fmt.Sprintf("w.branch_id = $%d", len(args)))
	}
	if filter.OnlySchedulable {
		args = append(args, models.RoleWaiter, models.WorkerActive)
		conditions = append(conditions, fmt.Sprintf("w.role = $%d AND w.status = $%d AND w.is_available", len(args)-1, len(args)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY w.worker_id ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []models.Worker
	for rows.Next() {
		worker, err := s.scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, worker)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return workers, nil
}

func (s *Store) CountOpenOrders(ctx context.Context, workerIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(workerIDs))
	if len(workerIDs) == 0 {
		return counts, nil
	}
	for _, id := range workerIDs {
		counts[id] = 0
	}
	rows, err := s.pool.Query(ctx, `
		SELECT assigned_worker_id, COUNT(*)
		FROM orders
		WHERE assigned_worker_id = ANY($1) AND status = ANY($2)
		GROUP BY assigned_worker_id
	`, workerIDs, models.OpenStatuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			workerID string
			count    int
		)
		if err := rows.Scan(&workerID, &count); err != nil {
			return nil, err
		}
		counts[workerID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

// SyncActiveOrdersCount holds the worker row lock while it counts, so every
// assignment or release either committed before the count or applies its
// delta after the rewrite.
func (s *Store) SyncActiveOrdersCount(ctx context.Context, workerID string) (stored int, actual int, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = tx.QueryRow(ctx, `
		SELECT active_orders_count FROM workers WHERE worker_id = $1 FOR UPDATE
	`, workerID).Scan(&stored); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrWorkerNotFound
		}
		return 0, 0, err
	}
	if err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM orders WHERE assigned_worker_id = $1 AND status = ANY($2)
	`, workerID, models.OpenStatuses).Scan(&actual); err != nil {
		return 0, 0, err
	}
	if actual != stored {
		if _, err = tx.Exec(ctx, `
			UPDATE workers SET active_orders_count = $2, updated_at = $3 WHERE worker_id = $1
		`, workerID, actual, s.now()); err != nil {
			return 0, 0, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, 0, err
	}
	return stored, actual, nil
}

func (s *Store) SetWorkerAvailability(ctx context.Context, workerID string, available bool) (models.Worker, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE workers w SET is_available = $2, updated_at = $3 WHERE w.worker_id = $1
		RETURNING `+workerColumns, workerID, available, s.now())
	worker, err := s.scanWorker(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Worker{}, store.ErrWorkerNotFound
		}
		return models.Worker{}, err
	}
	return worker, nil
}

func (s *Store) CreateOrder(ctx context.Context, input store.CreateOrderInput) (models.Order, error) {
	id := input.OrderID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	priority := input.Priority
	if !priority.Valid() {
		priority = models.PriorityNormal
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO orders (order_id, venue_id, branch_id, table_ref, status, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (order_id) DO NOTHING
		RETURNING `+orderColumns,
		id, input.VenueID, input.BranchID, input.TableRef, models.StatusPending, int(priority), createdAt)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Order{}, fmt.Errorf("order %s: %w", id, store.ErrInvalidState)
		}
		return models.Order{}, err
	}
	return order, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (models.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Order{}, store.ErrOrderNotFound
		}
		return models.Order{}, err
	}
	history, err := loadHistory(ctx, s.pool, orderID)
	if err != nil {
		return models.Order{}, err
	}
	order.AssignmentHistory = history
	return order, nil
}

// AssignOrder locks the order row and bumps the worker counter with a
// conditional update, so a full worker is never written to.
func (s *Store) AssignOrder(ctx context.Context, input store.AssignInput) (models.Order, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Order{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	order, err := lockOrder(ctx, tx, input.OrderID)
	if err != nil {
		return models.Order{}, err
	}
	if err = ensureWorker(ctx, tx, input.WorkerID); err != nil {
		return models.Order{}, err
	}
	if order.AssignedWorkerID != nil && models.IsOpenStatus(order.Status) {
		err = store.ErrAlreadyAssigned
		return models.Order{}, err
	}
	if !models.IsOpenStatus(order.Status) && order.Status != models.StatusQueued {
		err = store.ErrInvalidState
		return models.Order{}, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE workers
		SET active_orders_count = active_orders_count + 1,
			total_assignments = total_assignments + 1,
			updated_at = $3
		WHERE worker_id = $1
			AND active_orders_count < CASE WHEN max_orders_capacity < 1 THEN $2 ELSE max_orders_capacity END
	`, input.WorkerID, s.defaultCapacity, s.now())
	if err != nil {
		return models.Order{}, err
	}
	if tag.RowsAffected() == 0 {
		err = store.ErrCapacityExceeded
		return models.Order{}, err
	}

	at := input.AssignedAt
	if at.IsZero() {
		at = s.now()
	}
	if _, err = tx.Exec(ctx, `
		UPDATE orders
		SET status = CASE WHEN status = $6 THEN $7 ELSE status END,
			queue_position = NULL,
			queued_at = NULL,
			estimated_wait_minutes = 0,
			assigned_worker_id = $2,
			assigned_at = $3,
			assignment_method = $4,
			capacity_released = false,
			priority = CASE WHEN $5 THEN $8 ELSE priority END,
			elevated = elevated OR $5,
			updated_at = $3
		WHERE order_id = $1
	`, input.OrderID, input.WorkerID, at, input.Method, input.Elevate, models.StatusQueued, models.StatusPending, int(models.PriorityHigh)); err != nil {
		return models.Order{}, err
	}
	if order.Status == models.StatusQueued {
		if err = s.closeGap(ctx, tx, order); err != nil {
			return models.Order{}, err
		}
	}
	if err = insertHistory(ctx, tx, input.OrderID, input.WorkerID, input.Method, input.Reason, at); err != nil {
		return models.Order{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Order{}, err
	}
	return s.GetOrder(ctx, input.OrderID)
}

func (s *Store) TransitionOrder(ctx context.Context, input store.TransitionInput) (models.Order, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Order{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	order, err := lockOrder(ctx, tx, input.OrderID)
	if err != nil {
		return models.Order{}, false, err
	}
	at := input.OccurredAt
	if at.IsZero() {
		at = s.now()
	}

	if order.Status == input.ToStatus {
		if models.IsOpenStatus(order.Status) || order.AssignedWorkerID == nil || order.CapacityReleased {
			if err = tx.Commit(ctx); err != nil {
				return models.Order{}, false, err
			}
			updated, err := s.GetOrder(ctx, input.OrderID)
			return updated, false, err
		}
		// Closed without its capacity ever being given back.
		if err = release(ctx, tx, order, input.ToStatus, at); err != nil {
			return models.Order{}, false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return models.Order{}, false, err
		}
		updated, err := s.GetOrder(ctx, input.OrderID)
		return updated, true, err
	}
	if !store.ValidTransition(order.Status, input.ToStatus) {
		err = fmt.Errorf("%s -> %s: %w", order.Status, input.ToStatus, store.ErrInvalidState)
		return models.Order{}, false, err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE orders
		SET status = $2,
			updated_at = $3,
			closed_at = CASE WHEN $4 AND closed_at IS NULL THEN $3 ELSE closed_at END,
			queue_position = NULL,
			queued_at = NULL,
			estimated_wait_minutes = 0
		WHERE order_id = $1
	`, input.OrderID, input.ToStatus, at, !models.IsOpenStatus(input.ToStatus)); err != nil {
		return models.Order{}, false, err
	}
	if order.Status == models.StatusQueued {
		if err = s.closeGap(ctx, tx, order); err != nil {
			return models.Order{}, false, err
		}
	}
	if models.IsOpenStatus(order.Status) && !models.IsOpenStatus(input.ToStatus) && order.AssignedWorkerID != nil && !order.CapacityReleased {
		if err = release(ctx, tx, order, input.ToStatus, at); err != nil {
			return models.Order{}, false, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Order{}, false, err
	}
	updated, err := s.GetOrder(ctx, input.OrderID)
	return updated, true, err
}

func (s *Store) ListUnassignedOpen(ctx context.Context, limit int) ([]models.Order, error) {
	return s.listOrders(ctx, `
		WHERE status = ANY($1) AND assigned_worker_id IS NULL
		ORDER BY created_at ASC, order_id ASC
		LIMIT NULLIF($2::int, 0)
	`, models.OpenStatuses, limit)
}

func (s *Store) ListOverdue(ctx context.Context, createdBefore time.Time, limit int) ([]models.Order, error) {
	return s.listOrders(ctx, `
		WHERE status = ANY($1) AND NOT is_timeout AND created_at < $2
		ORDER BY created_at ASC, order_id ASC
		LIMIT NULLIF($3::int, 0)
	`, models.OpenStatuses, createdBefore, limit)
}

// MarkTimeout flags an open order once and records the flag in its history.
func (s *Store) MarkTimeout(ctx context.Context, orderID string, at time.Time) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var (
		workerID sql.NullString
		method   string
	)
	err = tx.QueryRow(ctx, `
		UPDATE orders SET is_timeout = true, updated_at = $2
		WHERE order_id = $1 AND NOT is_timeout AND status = ANY($3)
		RETURNING assigned_worker_id, assignment_method
	`, orderID, at, models.OpenStatuses).Scan(&workerID, &method)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err = lockOrder(ctx, tx, orderID); err != nil {
			return false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return false, err
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err = insertHistory(ctx, tx, orderID, workerID.String, method, "preparation timeout", at); err != nil {
		return false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListClosedSince(ctx context.Context, since time.Time) ([]models.Order, error) {
	return s.listOrders(ctx, `
		WHERE assigned_worker_id IS NOT NULL AND closed_at > $1
		ORDER BY created_at ASC, order_id ASC
	`, since)
}

func (s *Store) AverageAssignmentLatency(ctx context.Context, since time.Time) (time.Duration, int, error) {
	var (
		seconds float64
		count   int
	)
	row := s.pool.QueryRow(ctx, `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM assigned_at - created_at)), 0)::float8, COUNT(*)
		FROM orders
		WHERE assigned_at > $1
	`, since)
	if err := row.Scan(&seconds, &count); err != nil {
		return 0, 0, err
	}
	return time.Duration(seconds * float64(time.Second)), count, nil
}

func (s *Store) PurgeHistory(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM order_assignment_history WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) EnqueueOrder(ctx context.Context, input store.QueueInput) (models.Order, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Order{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	order, err := lockOrder(ctx, tx, input.OrderID)
	if err != nil {
		return models.Order{}, err
	}
	if order.AssignedWorkerID != nil && models.IsOpenStatus(order.Status) {
		err = store.ErrAlreadyAssigned
		return models.Order{}, err
	}
	if order.Status != models.StatusPending {
		err = store.ErrInvalidState
		return models.Order{}, err
	}
	priority := input.Priority
	if !priority.Valid() {
		priority = models.PriorityNormal
	}
	queuedAt := input.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = s.now()
	}

	size, err := countQueued(ctx, tx, order.Scope())
	if err != nil {
		return models.Order{}, err
	}
	if _, err = tx.Exec(ctx, `
		UPDATE orders
		SET status = $2, priority = $3, queued_at = $4, queue_position = $5, updated_at = $4
		WHERE order_id = $1
	`, input.OrderID, models.StatusQueued, int(priority), queuedAt, size+1); err != nil {
		return models.Order{}, err
	}
	if err = s.renumber(ctx, tx, order.Scope()); err != nil {
		return models.Order{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Order{}, err
	}
	return s.GetOrder(ctx, input.OrderID)
}

func (s *Store) CountQueued(ctx context.Context, scope models.Scope) (int, error) {
	return countQueued(ctx, s.pool, scope)
}

func (s *Store) NextQueued(ctx context.Context, scope models.Scope) (models.Order, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE venue_id = $1 AND branch_id = $2 AND status = $3
		ORDER BY `+queueOrder+`
		LIMIT 1
	`, scope.VenueID, scope.BranchID, models.StatusQueued)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Order{}, false, nil
		}
		return models.Order{}, false, err
	}
	return order, true, nil
}

func (s *Store) ListQueued(ctx context.Context, filter store.QueueFilter) ([]models.Order, int, error) {
	where := `WHERE venue_id = $1 AND branch_id = $2 AND status = $3 AND ($4::smallint = 0 OR priority = $4::smallint)`
	args := []any{filter.Scope.VenueID, filter.Scope.BranchID, models.StatusQueued, int(filter.Priority)}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	orders, err := s.listOrders(ctx, where+`
		ORDER BY `+queueOrder+`
		OFFSET $5 LIMIT NULLIF($6::int, 0)
	`, append(args, max(filter.Offset, 0), max(filter.Limit, 0))...)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func (s *Store) QueueCounts(ctx context.Context, scope models.Scope) (store.QueueCounts, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT priority, COUNT(*), MIN(queued_at), COALESCE(SUM(EXTRACT(EPOCH FROM $4 - queued_at)), 0)::float8
		FROM orders
		WHERE venue_id = $1 AND branch_id = $2 AND status = $3
		GROUP BY priority
	`, scope.VenueID, scope.BranchID, models.StatusQueued, s.now())
	if err != nil {
		return store.QueueCounts{}, err
	}
	defer rows.Close()

	counts := store.QueueCounts{ByPriority: make(map[models.Priority]int)}
	var waitedSeconds float64
	for rows.Next() {
		var (
			priority int
			count    int
			oldest   sql.NullTime
			seconds  float64
		)
		if err := rows.Scan(&priority, &count, &oldest, &seconds); err != nil {
			return store.QueueCounts{}, err
		}
		counts.Total += count
		counts.ByPriority[models.Priority(priority)] = count
		if oldest.Valid && (counts.OldestQueued == nil || oldest.Time.Before(*counts.OldestQueued)) {
			at := oldest.Time.UTC()
			counts.OldestQueued = &at
		}
		waitedSeconds += seconds
	}
	if err := rows.Err(); err != nil {
		return store.QueueCounts{}, err
	}
	if counts.Total > 0 {
		counts.AverageWait = waitedSeconds / 60 / float64(counts.Total)
	}
	return counts, nil
}

func (s *Store) RemoveFromQueue(ctx context.Context, orderID string) (models.Order, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Order{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	order, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if order.Status != models.StatusQueued {
		err = store.ErrNotQueued
		return models.Order{}, err
	}
	if _, err = tx.Exec(ctx, `
		UPDATE orders
		SET status = $2, queue_position = NULL, queued_at = NULL, estimated_wait_minutes = 0, updated_at = $3
		WHERE order_id = $1
	`, orderID, models.StatusPending, s.now()); err != nil {
		return models.Order{}, err
	}
	if err = s.closeGap(ctx, tx, order); err != nil {
		return models.Order{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Order{}, err
	}
	return s.GetOrder(ctx, orderID)
}

func (s *Store) SetPriority(ctx context.Context, orderID string, priority models.Priority) (models.Order, models.Priority, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Order{}, 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	order, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return models.Order{}, 0, err
	}
	if order.Status != models.StatusQueued {
		err = store.ErrNotQueued
		return models.Order{}, 0, err
	}
	if _, err = tx.Exec(ctx, `
		UPDATE orders SET priority = $2, updated_at = $3 WHERE order_id = $1
	`, orderID, int(priority), s.now()); err != nil {
		return models.Order{}, 0, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Order{}, 0, err
	}
	updated, err := s.GetOrder(ctx, orderID)
	return updated, order.Priority, err
}

func (s *Store) RenumberQueue(ctx context.Context, scope models.Scope) error {
	return s.renumber(ctx, s.pool, scope)
}

func (s *Store) ListStaleQueued(ctx context.Context, queuedBefore time.Time) ([]models.Order, error) {
	return s.listOrders(ctx, `
		WHERE status = $1 AND queued_at < $2
		ORDER BY created_at ASC, order_id ASC
	`, models.StatusQueued, queuedBefore)
}

func (s *Store) ListQueueAnomalies(ctx context.Context) ([]models.Order, error) {
	return s.listOrders(ctx, `
		WHERE (status = $1) <> (queue_position IS NOT NULL)
		ORDER BY created_at ASC, order_id ASC
	`, models.StatusQueued)
}

func (s *Store) ClearQueueFields(ctx context.Context, orderID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders SET queue_position = NULL, queued_at = NULL, estimated_wait_minutes = 0
		WHERE order_id = $1
	`, orderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrOrderNotFound
	}
	return nil
}

// renumber rewrites the scope's positions as 1..N in service order.
func (s *Store) renumber(ctx context.Context, q queryer, scope models.Scope) error {
	_, err := q.Exec(ctx, `
		WITH ranked AS (
			SELECT order_id, ROW_NUMBER() OVER (ORDER BY `+queueOrder+`) AS position
			FROM orders
			WHERE venue_id = $1 AND branch_id = $2 AND status = $3
		)
		UPDATE orders o
		SET queue_position = r.position,
			estimated_wait_minutes = r.position * $4::int
		FROM ranked r
		WHERE o.order_id = r.order_id
			AND (o.queue_position IS DISTINCT FROM r.position OR o.estimated_wait_minutes <> r.position * $4::int)
	`, scope.VenueID, scope.BranchID, models.StatusQueued, s.waitPerPosition)
	return err
}

// closeGap moves every order queued behind the departed one up by one.
func (s *Store) closeGap(ctx context.Context, tx pgx.Tx, departed models.Order) error {
	if departed.QueuePosition == nil {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE orders
		SET queue_position = queue_position - 1,
			estimated_wait_minutes = (queue_position - 1) * $5::int
		WHERE venue_id = $1 AND branch_id = $2 AND status = $3 AND queue_position > $4
	`, departed.VenueID, departed.BranchID, models.StatusQueued, *departed.QueuePosition, s.waitPerPosition)
	return err
}

func (s *Store) listOrders(ctx context.Context, clause string, args ...any) ([]models.Order, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) scanWorker(row pgx.Row) (models.Worker, error) {
	var worker models.Worker
	if err := row.Scan(
		&worker.WorkerID, &worker.VenueID, &worker.BranchID, &worker.ManagerID, &worker.Name, &worker.Role,
		&worker.Status, &worker.IsAvailable, &worker.ActiveOrdersCount, &worker.MaxOrdersCapacity,
		&worker.Stats.TotalAssignments, &worker.Stats.CompletedOrders,
	); err != nil {
		return models.Worker{}, err
	}
	if worker.MaxOrdersCapacity < 1 {
		worker.MaxOrdersCapacity = s.defaultCapacity
	}
	return worker, nil
}

func lockOrder(ctx context.Context, tx pgx.Tx, orderID string) (models.Order, error) {
	row := tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = $1 FOR UPDATE`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Order{}, store.ErrOrderNotFound
		}
		return models.Order{}, err
	}
	return order, nil
}

func ensureWorker(ctx context.Context, tx pgx.Tx, workerID string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workers WHERE worker_id = $1)`, workerID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrWorkerNotFound
	}
	return nil
}

// release gives the order's capacity back exactly once.
func release(ctx context.Context, tx pgx.Tx, order models.Order, toStatus string, at time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET capacity_released = true WHERE order_id = $1
	`, order.OrderID); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE workers
		SET active_orders_count = GREATEST(active_orders_count - 1, 0),
			completed_orders = completed_orders + CASE WHEN $2 THEN 1 ELSE 0 END,
			updated_at = $3
		WHERE worker_id = $1
	`, *order.AssignedWorkerID, store.CountsAsCompletion(toStatus), at)
	return err
}

func insertHistory(ctx context.Context, tx pgx.Tx, orderID, workerID, method, reason string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO order_assignment_history (history_id, order_id, worker_id, method, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), orderID, workerID, method, reason, at)
	return err
}

func loadHistory(ctx context.Context, q queryer, orderID string) ([]models.AssignmentEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT worker_id, method, reason, created_at
		FROM order_assignment_history
		WHERE order_id = $1
		ORDER BY created_at ASC, history_id ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []models.AssignmentEntry
	for rows.Next() {
		var entry models.AssignmentEntry
		if err := rows.Scan(&entry.WorkerID, &entry.Method, &entry.Reason, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		history = append(history, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return history, nil
}

func countQueued(ctx context.Context, q queryer, scope models.Scope) (int, error) {
	var count int
	err := q.QueryRow(ctx, `
		SELECT COUNT(*) FROM orders WHERE venue_id = $1 AND branch_id = $2 AND status = $3
	`, scope.VenueID, scope.BranchID, models.StatusQueued).Scan(&count)
	return count, err
}

func scanOrder(row pgx.Row) (models.Order, error) {
	var (
		order         models.Order
		workerID      sql.NullString
		assignedAt    sql.NullTime
		priority      int
		queuePosition sql.NullInt32
		queuedAt      sql.NullTime
		closedAt      sql.NullTime
	)
	if err := row.Scan(
		&order.OrderID, &order.VenueID, &order.BranchID, &order.TableRef, &order.Status, &workerID, &assignedAt,
		&order.AssignmentMethod, &priority, &queuePosition, &queuedAt, &order.EstimatedWaitMinutes,
		&order.IsTimeout, &order.Elevated, &order.CapacityReleased, &order.CreatedAt, &order.UpdatedAt, &closedAt,
	); err != nil {
		return models.Order{}, err
	}
	order.AssignedWorkerID = nullStringPtr(workerID)
	order.AssignedAt = nullTimePtr(assignedAt)
	order.Priority = models.Priority(priority)
	order.QueuePosition = nullIntPtr(queuePosition)
	order.QueuedAt = nullTimePtr(queuedAt)
	order.ClosedAt = nullTimePtr(closedAt)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	at := value.Time.UTC()
	return &at
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

func nullIntPtr(value sql.NullInt32) *int {
	if !value.Valid {
		return nil
	}
	v := int(value.Int32)
	return &v
}

var _ store.Store = (*Store)(nil)
