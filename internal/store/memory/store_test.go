package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tabletop/assignment-service/internal/models"
	"tabletop/assignment-service/internal/store"
)

func newTestStore() *Store {
	st := NewStore(Options{WaitMinutesPerPosition: 5, Now: func() time.Time {
		return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	}})
	st.AddManager(models.Manager{ManagerID: "m1", CreatedBy: "owner-1"})
	st.AddWorker(models.Worker{WorkerID: "w1", VenueID: "v1", BranchID: "b1", ManagerID: "m1", Status: models.WorkerActive, IsAvailable: true, MaxOrdersCapacity: 2})
	return st
}

func TestAssignOrderNeverOverfills(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	assigned := 0
	for i := 0; i < 10; i++ {
		order, err := st.CreateOrder(ctx, store.CreateOrderInput{VenueID: "v1", BranchID: "b1"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := st.AssignOrder(ctx, store.AssignInput{OrderID: id, WorkerID: "w1", Method: models.MethodRoundRobin})
			if err != nil && !errors.Is(err, store.ErrCapacityExceeded) {
				t.Errorf("assign: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				assigned++
				mu.Unlock()
			}
		}(order.OrderID)
	}
	wg.Wait()

	if assigned != 2 {
		t.Fatalf("expected 2 assignments, got %d", assigned)
	}
	w, _ := st.GetWorker(ctx, "w1")
	if w.ActiveOrdersCount != 2 || w.Stats.TotalAssignments != 2 {
		t.Fatalf("unexpected counters %+v", w)
	}
}

func TestTransitionReleasesOnce(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()
	order, _ := st.CreateOrder(ctx, store.CreateOrderInput{VenueID: "v1", BranchID: "b1"})
	if _, err := st.AssignOrder(ctx, store.AssignInput{OrderID: order.OrderID, WorkerID: "w1", Method: models.MethodManual}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	if _, changed, err := st.TransitionOrder(ctx, store.TransitionInput{OrderID: order.OrderID, ToStatus: models.StatusServed}); err != nil || !changed {
		t.Fatalf("serve: changed=%v err=%v", changed, err)
	}
	if _, changed, err := st.TransitionOrder(ctx, store.TransitionInput{OrderID: order.OrderID, ToStatus: models.StatusCompleted}); err != nil || !changed {
		t.Fatalf("complete: changed=%v err=%v", changed, err)
	}
	if _, changed, _ := st.TransitionOrder(ctx, store.TransitionInput{OrderID: order.OrderID, ToStatus: models.StatusCompleted}); changed {
		t.Fatalf("repeated completion must not change anything")
	}

	w, _ := st.GetWorker(ctx, "w1")
	if w.ActiveOrdersCount != 0 || w.Stats.CompletedOrders != 1 {
		t.Fatalf("expected a single release, got %+v", w)
	}
}

func TestLeavingQueueClosesGap(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		order, _ := st.CreateOrder(ctx, store.CreateOrderInput{VenueID: "v1", BranchID: "b1"})
		queued, err := st.EnqueueOrder(ctx, store.QueueInput{OrderID: order.OrderID, Priority: models.PriorityNormal, QueuedAt: time.Date(2026, 3, 1, 10, i, 0, 0, time.UTC)})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, queued.OrderID)
	}

	if _, _, err := st.TransitionOrder(ctx, store.TransitionInput{OrderID: ids[0], ToStatus: models.StatusCancelled}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for i, id := range ids[1:] {
		order, _ := st.GetOrder(ctx, id)
		if order.QueuePosition == nil || *order.QueuePosition != i+1 || order.EstimatedWaitMinutes != 5*(i+1) {
			t.Fatalf("order %s: unexpected queue fields %v/%d", id, order.QueuePosition, order.EstimatedWaitMinutes)
		}
	}
	cancelled, _ := st.GetOrder(ctx, ids[0])
	if cancelled.QueuePosition != nil || cancelled.ClosedAt == nil {
		t.Fatalf("cancelled order must leave the queue, got %+v", cancelled)
	}

	if _, err := st.EnqueueOrder(ctx, store.QueueInput{OrderID: ids[0]}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for closed order, got %v", err)
	}
}

func TestListWorkersFiltersByOwner(t *testing.T) {
	st := newTestStore()
	st.AddManager(models.Manager{ManagerID: "m2", CreatedBy: "owner-2"})
	st.AddWorker(models.Worker{WorkerID: "w2", VenueID: "v1", BranchID: "b1", ManagerID: "m2", Status: models.WorkerActive, IsAvailable: true})
	st.AddWorker(models.Worker{WorkerID: "w3", VenueID: "v1", BranchID: "b1", ManagerID: "m1", Status: models.WorkerOnBreak, IsAvailable: true})

	workers, err := st.ListWorkers(context.Background(), store.WorkerFilter{VenueID: "v1", OwnerID: "owner-1", OnlySchedulable: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(workers) != 1 || workers[0].WorkerID != "w1" {
		t.Fatalf("expected only w1, got %+v", workers)
	}
	all, _ := st.ListWorkers(context.Background(), store.WorkerFilter{VenueID: "v1"})
	if len(all) != 3 || all[1].MaxOrdersCapacity != models.DefaultWorkerCapacity {
		t.Fatalf("expected 3 workers with default capacity applied, got %+v", all)
	}
}

func TestConfiguredDefaultCapacity(t *testing.T) {
	st := NewStore(Options{DefaultCapacity: 2})
	st.AddWorker(models.Worker{WorkerID: "w1", VenueID: "v1", BranchID: "b1", Status: models.WorkerActive, IsAvailable: true})
	ctx := context.Background()

	w, err := st.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.MaxOrdersCapacity != 2 {
		t.Fatalf("expected capacity 2, got %d", w.MaxOrdersCapacity)
	}
	for i := 0; i < 3; i++ {
		order, err := st.CreateOrder(ctx, store.CreateOrderInput{VenueID: "v1", BranchID: "b1"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		_, err = st.AssignOrder(ctx, store.AssignInput{OrderID: order.OrderID, WorkerID: "w1", Method: models.MethodRoundRobin})
		if i < 2 && err != nil {
			t.Fatalf("assign %d: %v", i, err)
		}
		if i == 2 && !errors.Is(err, store.ErrCapacityExceeded) {
			t.Fatalf("expected ErrCapacityExceeded, got %v", err)
		}
	}
}

func TestSyncActiveOrdersCount(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()
	order, _ := st.CreateOrder(ctx, store.CreateOrderInput{VenueID: "v1", BranchID: "b1"})
	if _, err := st.AssignOrder(ctx, store.AssignInput{OrderID: order.OrderID, WorkerID: "w1", Method: models.MethodRoundRobin}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	st.UpdateWorker("w1", func(w *models.Worker) { w.ActiveOrdersCount = 0 })

	stored, actual, err := st.SyncActiveOrdersCount(ctx, "w1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if stored != 0 || actual != 1 {
		t.Fatalf("expected 0/1, got %d/%d", stored, actual)
	}
	w, _ := st.GetWorker(ctx, "w1")
	if w.ActiveOrdersCount != 1 {
		t.Fatalf("expected counter 1, got %d", w.ActiveOrdersCount)
	}
	if _, _, err := st.SyncActiveOrdersCount(ctx, "ghost"); !errors.Is(err, store.ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
}
