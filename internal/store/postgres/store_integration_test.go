package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"tabletop/assignment-service/internal/assignment"
	"tabletop/assignment-service/internal/hierarchy"
	"tabletop/assignment-service/internal/models"
	"tabletop/assignment-service/internal/queue"
	"tabletop/assignment-service/internal/store"
	"tabletop/assignment-service/migrations"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestAssignOrderCapacityGuard(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	seedVenue(t, ctx, pool)
	seedWorker(t, ctx, pool, "w1", 1)

	var orders []string
	for i := 0; i < 5; i++ {
		orders = append(orders, createOrder(t, ctx, st).OrderID)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		assigned int
		full     int
	)
	for _, id := range orders {
		wg.Add(1)
		go func(orderID string) {
			defer wg.Done()
			_, err := st.AssignOrder(ctx, store.AssignInput{OrderID: orderID, WorkerID: "w1", Method: models.MethodRoundRobin})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				assigned++
			case errors.Is(err, store.ErrCapacityExceeded):
				full++
			default:
				t.Errorf("assign %s: %v", orderID, err)
			}
		}(id)
	}
	wg.Wait()

	if assigned != 1 || full != 4 {
		t.Fatalf("expected 1 assigned and 4 rejected, got %d/%d", assigned, full)
	}
	worker, err := st.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if worker.ActiveOrdersCount != 1 || worker.Stats.TotalAssignments != 1 {
		t.Fatalf("unexpected worker counters %+v", worker)
	}
}

func TestTransitionReleasesCapacityOnce(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	seedVenue(t, ctx, pool)
	seedWorker(t, ctx, pool, "w1", 3)

	order := createOrder(t, ctx, st)
	assigned, err := st.AssignOrder(ctx, store.AssignInput{OrderID: order.OrderID, WorkerID: "w1", Method: models.MethodManual, Reason: "regular", Elevate: true})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !assigned.Elevated || assigned.Priority != models.PriorityHigh || len(assigned.AssignmentHistory) != 1 {
		t.Fatalf("expected elevated order with history, got %+v", assigned)
	}

	if _, err := st.AssignOrder(ctx, store.AssignInput{OrderID: order.OrderID, WorkerID: "w1"}); !errors.Is(err, store.ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}

	for i, want := range []bool{true, false} {
		updated, changed, err := st.TransitionOrder(ctx, store.TransitionInput{OrderID: order.OrderID, ToStatus: models.StatusCompleted})
		if err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
		if changed != want {
			t.Fatalf("complete %d: expected changed=%v", i, want)
		}
		if updated.ClosedAt == nil || !updated.CapacityReleased {
			t.Fatalf("expected closed and released order, got %+v", updated)
		}
	}
	worker, _ := st.GetWorker(ctx, "w1")
	if worker.ActiveOrdersCount != 0 || worker.Stats.CompletedOrders != 1 {
		t.Fatalf("expected counter released once, got %+v", worker)
	}

	if _, _, err := st.TransitionOrder(ctx, store.TransitionInput{OrderID: order.OrderID, ToStatus: models.StatusPreparing}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestQueuePositionsStayContiguous(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	seedVenue(t, ctx, pool)
	seedWorker(t, ctx, pool, "w1", 1)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	first := enqueue(t, ctx, st, models.PriorityNormal, base)
	second := enqueue(t, ctx, st, models.PriorityNormal, base.Add(time.Minute))
	urgent := enqueue(t, ctx, st, models.PriorityHigh, base.Add(2*time.Minute))
	assertPositions(t, ctx, st, urgent, first, second)

	next, ok, err := st.NextQueued(ctx, scope())
	if err != nil || !ok || next.OrderID != urgent {
		t.Fatalf("expected %s next, got %s ok=%v err=%v", urgent, next.OrderID, ok, err)
	}

	if _, err := st.RemoveFromQueue(ctx, first); err != nil {
		t.Fatalf("remove: %v", err)
	}
	assertPositions(t, ctx, st, urgent, second)

	if _, err := st.AssignOrder(ctx, store.AssignInput{OrderID: urgent, WorkerID: "w1", Method: models.MethodQueue}); err != nil {
		t.Fatalf("assign queued: %v", err)
	}
	assertPositions(t, ctx, st, second)

	if _, previous, err := st.SetPriority(ctx, second, models.PriorityLow); err != nil || previous != models.PriorityNormal {
		t.Fatalf("set priority: previous=%s err=%v", previous, err)
	}
	if _, _, err := st.SetPriority(ctx, first, models.PriorityLow); !errors.Is(err, store.ErrNotQueued) {
		t.Fatalf("expected ErrNotQueued, got %v", err)
	}

	counts, err := st.QueueCounts(ctx, scope())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Total != 1 || counts.ByPriority[models.PriorityLow] != 1 || counts.OldestQueued == nil {
		t.Fatalf("unexpected counts %+v", counts)
	}

	anomalies, err := st.ListQueueAnomalies(ctx)
	if err != nil || len(anomalies) != 0 {
		t.Fatalf("expected no anomalies, got %d err=%v", len(anomalies), err)
	}
}

func TestSetWorkerAvailability(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	seedVenue(t, ctx, pool)
	seedWorker(t, ctx, pool, "w1", 2)

	worker, err := st.SetWorkerAvailability(ctx, "w1", false)
	if err != nil {
		t.Fatalf("set availability: %v", err)
	}
	if worker.IsAvailable || worker.Schedulable() {
		t.Fatalf("expected w1 off shift, got %+v", worker)
	}
	workers, err := st.ListWorkers(ctx, store.WorkerFilter{VenueID: "v1", OnlySchedulable: true})
	if err != nil {
		t.Fatalf("list workers: %v", err)
	}
	if len(workers) != 0 {
		t.Fatalf("expected no schedulable workers, got %d", len(workers))
	}
	if _, err := st.SetWorkerAvailability(ctx, "ghost", true); !errors.Is(err, store.ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
}

func TestCountOpenOrdersAndHistory(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	seedVenue(t, ctx, pool)
	seedWorker(t, ctx, pool, "w1", 5)
	seedWorker(t, ctx, pool, "w2", 5)

	old := time.Now().UTC().Add(-40 * 24 * time.Hour)
	for i := 0; i < 3; i++ {
		order := createOrder(t, ctx, st)
		at := time.Now().UTC()
		if i == 0 {
			at = old
		}
		if _, err := st.AssignOrder(ctx, store.AssignInput{OrderID: order.OrderID, WorkerID: "w1", Method: models.MethodRoundRobin, AssignedAt: at}); err != nil {
			t.Fatalf("assign: %v", err)
		}
		if i == 2 {
			if _, _, err := st.TransitionOrder(ctx, store.TransitionInput{OrderID: order.OrderID, ToStatus: models.StatusServed}); err != nil {
				t.Fatalf("serve: %v", err)
			}
		}
	}

	counts, err := st.CountOpenOrders(ctx, []string{"w1", "w2"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts["w1"] != 2 || counts["w2"] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}

	if _, err := pool.Exec(ctx, `UPDATE workers SET active_orders_count = 4 WHERE worker_id = 'w2'`); err != nil {
		t.Fatalf("drift w2: %v", err)
	}
	stored, actual, err := st.SyncActiveOrdersCount(ctx, "w2")
	if err != nil || stored != 4 || actual != 0 {
		t.Fatalf("expected w2 synced from 4 to 0, got %d/%d err=%v", stored, actual, err)
	}
	if _, _, err := st.SyncActiveOrdersCount(ctx, "ghost"); !errors.Is(err, store.ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}

	purged, err := st.PurgeHistory(ctx, time.Now().UTC().Add(-30*24*time.Hour))
	if err != nil || purged != 1 {
		t.Fatalf("expected 1 purged, got %d err=%v", purged, err)
	}

	workers, err := st.ListWorkers(ctx, store.WorkerFilter{VenueID: "v1", BranchID: "b1", OwnerID: "owner-1", OnlySchedulable: true})
	if err != nil || len(workers) != 2 {
		t.Fatalf("expected 2 schedulable workers, got %d err=%v", len(workers), err)
	}
	foreign, err := st.ListWorkers(ctx, store.WorkerFilter{VenueID: "v1", OwnerID: "owner-2"})
	if err != nil || len(foreign) != 0 {
		t.Fatalf("expected no workers for another owner, got %d err=%v", len(foreign), err)
	}
}

func TestSyncCountsRacingAssignments(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	seedVenue(t, ctx, pool)
	seedWorker(t, ctx, pool, "w1", 50)

	var orders []string
	for i := 0; i < 20; i++ {
		orders = append(orders, createOrder(t, ctx, st).OrderID)
	}

	var wg sync.WaitGroup
	for _, id := range orders {
		wg.Add(2)
		go func(orderID string) {
			defer wg.Done()
			if _, err := st.AssignOrder(ctx, store.AssignInput{OrderID: orderID, WorkerID: "w1", Method: models.MethodRoundRobin}); err != nil {
				t.Errorf("assign %s: %v", orderID, err)
			}
		}(id)
		go func() {
			defer wg.Done()
			if _, _, err := st.SyncActiveOrdersCount(ctx, "w1"); err != nil {
				t.Errorf("sync: %v", err)
			}
		}()
	}
	wg.Wait()

	worker, _ := st.GetWorker(ctx, "w1")
	counts, _ := st.CountOpenOrders(ctx, []string{"w1"})
	if worker.ActiveOrdersCount != counts["w1"] || counts["w1"] != len(orders) {
		t.Fatalf("expected counter %d to match %d open orders", worker.ActiveOrdersCount, counts["w1"])
	}
}

func TestEngineConcurrencyOnPostgres(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	seedVenue(t, ctx, pool)
	seedWorker(t, ctx, pool, "w1", 2)
	seedWorker(t, ctx, pool, "w2", 2)

	qm := queue.NewManager(st, queue.Options{MaxSize: 50})
	engine := assignment.NewEngine(st, hierarchy.NewValidator(st), qm, assignment.Options{})

	var wg sync.WaitGroup
	results := make(chan assignment.Result, 10)
	for i := 0; i < 10; i++ {
		order := createOrder(t, ctx, st)
		wg.Add(1)
		go func(o models.Order) {
			defer wg.Done()
			result, err := engine.Assign(ctx, o)
			if err != nil {
				t.Errorf("assign %s: %v", o.OrderID, err)
				return
			}
			results <- result
		}(order)
	}
	wg.Wait()
	close(results)

	assigned, queued := 0, 0
	for result := range results {
		if result.Queued {
			queued++
		} else {
			assigned++
		}
	}
	if assigned != 4 || queued != 6 {
		t.Fatalf("expected 4 assigned and 6 queued, got %d/%d", assigned, queued)
	}
	counts, err := st.CountOpenOrders(ctx, []string{"w1", "w2"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts["w1"] != 2 || counts["w2"] != 2 {
		t.Fatalf("expected both workers full, got %v", counts)
	}
	size, err := st.CountQueued(ctx, scope())
	if err != nil || size != 6 {
		t.Fatalf("expected 6 queued, got %d err=%v", size, err)
	}
}

func scope() models.Scope {
	return models.Scope{VenueID: "v1", BranchID: "b1"}
}

func assertPositions(t *testing.T, ctx context.Context, st *Store, want ...string) {
	t.Helper()
	orders, total, err := st.ListQueued(ctx, store.QueueFilter{Scope: scope()})
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if total != len(want) || len(orders) != len(want) {
		t.Fatalf("expected %d queued, got %d", len(want), total)
	}
	for i, order := range orders {
		if order.OrderID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i+1, want[i], order.OrderID)
		}
		if order.QueuePosition == nil || *order.QueuePosition != i+1 {
			t.Fatalf("order %s: expected position %d, got %v", order.OrderID, i+1, order.QueuePosition)
		}
		if order.EstimatedWaitMinutes != 5*(i+1) {
			t.Fatalf("order %s: expected wait %d, got %d", order.OrderID, 5*(i+1), order.EstimatedWaitMinutes)
		}
	}
}

func enqueue(t *testing.T, ctx context.Context, st *Store, priority models.Priority, at time.Time) string {
	t.Helper()
	order := createOrder(t, ctx, st)
	queued, err := st.EnqueueOrder(ctx, store.QueueInput{OrderID: order.OrderID, Priority: priority, QueuedAt: at})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return queued.OrderID
}

func createOrder(t *testing.T, ctx context.Context, st *Store) models.Order {
	t.Helper()
	order, err := st.CreateOrder(ctx, store.CreateOrderInput{VenueID: "v1", BranchID: "b1", TableRef: "T1"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func seedVenue(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	statements := []string{
		`INSERT INTO venues (venue_id, owner_id, name) VALUES ('v1', 'owner-1', 'Venue')`,
		`INSERT INTO branches (branch_id, venue_id, owner_id, name) VALUES ('b1', 'v1', 'owner-1', 'Main')`,
		`INSERT INTO managers (manager_id, created_by) VALUES ('m1', 'owner-1')`,
	}
	for _, statement := range statements {
		if _, err := pool.Exec(ctx, statement); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func seedWorker(t *testing.T, ctx context.Context, pool *pgxpool.Pool, workerID string, capacity int) {
	t.Helper()
	if _, err := pool.Exec(ctx, `
		INSERT INTO workers (worker_id, venue_id, branch_id, manager_id, name, max_orders_capacity)
		VALUES ($1, 'v1', 'b1', 'm1', $2, $3)
	`, workerID, fmt.Sprintf("Worker %s", workerID), capacity); err != nil {
		t.Fatalf("insert worker: %v", err)
	}
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

	if err := migrations.Apply(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool, Options{WaitMinutesPerPosition: 5})
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
