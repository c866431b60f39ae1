package assignment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tabletop/assignment-service/internal/hierarchy"
	"tabletop/assignment-service/internal/models"
	"tabletop/assignment-service/internal/notify"
	"tabletop/assignment-service/internal/queue"
	"tabletop/assignment-service/internal/store"
	"tabletop/assignment-service/internal/store/memory"
)

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (n *fakeNotifier) NotifyWorkerAssigned(ctx context.Context, event notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *fakeNotifier) NotifyManagerAssigned(ctx context.Context, event notify.Event) error {
	return n.err
}

type fixture struct {
	engine   *Engine
	store    *memory.Store
	queue    *queue.Manager
	notifier *fakeNotifier
	seq      int
}

func newFixture(t *testing.T, maxQueue int, capacities ...int) *fixture {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	st := memory.NewStore(memory.Options{WaitMinutesPerPosition: 5, Now: now})
	st.AddVenue(models.Venue{VenueID: "v1", OwnerID: "owner-1"})
	st.AddBranch(models.Branch{BranchID: "b1", VenueID: "v1", OwnerID: "owner-1"})
	st.AddBranch(models.Branch{BranchID: "b-foreign", VenueID: "v1", OwnerID: "owner-2"})
	st.AddManager(models.Manager{ManagerID: "m1", CreatedBy: "owner-1"})
	for i, capacity := range capacities {
		st.AddWorker(models.Worker{
			WorkerID:          fmt.Sprintf("w%d", i+1),
			VenueID:           "v1",
			BranchID:          "b1",
			ManagerID:         "m1",
			Status:            models.WorkerActive,
			IsAvailable:       true,
			MaxOrdersCapacity: capacity,
		})
	}

	qm := queue.NewManager(st, queue.Options{MaxSize: maxQueue, Now: now})
	notifier := &fakeNotifier{}
	engine := NewEngine(st, hierarchy.NewValidator(st), qm, Options{Notifier: notifier, Now: now})
	return &fixture{engine: engine, store: st, queue: qm, notifier: notifier}
}

func (f *fixture) newOrder(t *testing.T, branchID string) models.Order {
	t.Helper()
	f.seq++
	order, err := f.store.CreateOrder(context.Background(), store.CreateOrderInput{
		OrderID:  fmt.Sprintf("o%02d", f.seq),
		VenueID:  "v1",
		BranchID: branchID,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func (f *fixture) assign(t *testing.T) Result {
	t.Helper()
	result, err := f.engine.Assign(context.Background(), f.newOrder(t, "b1"))
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	return result
}

// preload gives worker n open orders outside the engine.
func (f *fixture) preload(t *testing.T, workerID string, n int) []string {
	t.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		order := f.newOrder(t, "b1")
		if _, err := f.store.AssignOrder(context.Background(), store.AssignInput{
			OrderID:  order.OrderID,
			WorkerID: workerID,
			Method:   models.MethodManual,
		}); err != nil {
			t.Fatalf("preload %s: %v", workerID, err)
		}
		ids = append(ids, order.OrderID)
	}
	return ids
}

func (f *fixture) assertCapacityInvariant(t *testing.T) {
	t.Helper()
	workers, _ := f.store.ListWorkers(context.Background(), store.WorkerFilter{})
	ids := make([]string, len(workers))
	for i, w := range workers {
		ids[i] = w.WorkerID
	}
	counts, _ := f.store.CountOpenOrders(context.Background(), ids)
	for _, w := range workers {
		if w.ActiveOrdersCount != counts[w.WorkerID] {
			t.Fatalf("worker %s: counter %d, open orders %d", w.WorkerID, w.ActiveOrdersCount, counts[w.WorkerID])
		}
		if w.ActiveOrdersCount > w.Capacity() {
			t.Fatalf("worker %s over capacity: %d > %d", w.WorkerID, w.ActiveOrdersCount, w.Capacity())
		}
	}
}

func (f *fixture) assertQueuePositions(t *testing.T, want int) {
	t.Helper()
	queued, total, err := f.store.ListQueued(context.Background(), store.QueueFilter{Scope: models.Scope{VenueID: "v1", BranchID: "b1"}})
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if total != want {
		t.Fatalf("expected %d queued, got %d", want, total)
	}
	for i, order := range queued {
		if order.QueuePosition == nil || *order.QueuePosition != i+1 {
			t.Fatalf("order %s: expected position %d, got %v", order.OrderID, i+1, order.QueuePosition)
		}
	}
}

func TestAssignRoundRobinAmongIdleWorkers(t *testing.T) {
	f := newFixture(t, 10, 5, 5, 5)
	want := []string{"w1", "w2", "w3", "w1"}
	for i, expected := range want {
		result := f.assign(t)
		if result.WorkerID != expected {
			t.Fatalf("assignment %d: expected %s, got %s", i+1, expected, result.WorkerID)
		}
		if result.Method != models.MethodRoundRobin {
			t.Fatalf("assignment %d: expected round-robin, got %s", i+1, result.Method)
		}
	}
	f.assertCapacityInvariant(t)
}

func TestAssignPrefersLeastLoaded(t *testing.T) {
	tests := []struct {
		name       string
		loads      []int
		wantWorker string
		wantMethod string
	}{
		{"idle worker beats busy pair", []int{0, 2, 2}, "w1", models.MethodRoundRobin},
		{"least loaded busy worker", []int{3, 1, 2}, "w2", models.MethodLoadBalancing},
		{"tie goes round-robin", []int{2, 1, 1}, "w2", models.MethodRoundRobin},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 10, 5, 5, 5)
			for i, load := range tc.loads {
				f.preload(t, fmt.Sprintf("w%d", i+1), load)
			}
			result := f.assign(t)
			if result.WorkerID != tc.wantWorker || result.Method != tc.wantMethod {
				t.Fatalf("expected %s via %s, got %s via %s", tc.wantWorker, tc.wantMethod, result.WorkerID, result.Method)
			}
			order, _ := f.store.GetOrder(context.Background(), result.Order.OrderID)
			if len(order.AssignmentHistory) != 1 || order.AssignmentHistory[0].Method != tc.wantMethod {
				t.Fatalf("expected one history entry, got %+v", order.AssignmentHistory)
			}
		})
	}
}

func TestAssignExampleScenario(t *testing.T) {
	f := newFixture(t, 10, 5, 5, 5)
	f.preload(t, "w3", 1)

	first := f.assign(t)
	if first.WorkerID != "w1" || first.Method != models.MethodRoundRobin {
		t.Fatalf("O1: expected w1 via round-robin, got %s via %s", first.WorkerID, first.Method)
	}
	second := f.assign(t)
	if second.WorkerID != "w2" {
		t.Fatalf("O2: expected w2, got %s", second.WorkerID)
	}
	third := f.assign(t)
	if third.WorkerID != "w3" || third.Method != models.MethodRoundRobin {
		t.Fatalf("O3: expected w3 via round-robin, got %s via %s", third.WorkerID, third.Method)
	}
}

func TestAssignQueuesWhenSaturated(t *testing.T) {
	f := newFixture(t, 10, 1, 1)
	f.preload(t, "w1", 1)
	f.preload(t, "w2", 1)

	result := f.assign(t)
	if !result.Queued || result.QueuePosition != 1 || result.EstimatedWaitMinutes != 5 {
		t.Fatalf("expected queued at position 1, got %+v", result)
	}
	if result.Order.Status != models.StatusQueued || result.Order.AssignedWorkerID != nil {
		t.Fatalf("expected unassigned queued order, got %+v", result.Order)
	}
	if len(f.notifier.events) != 0 {
		t.Fatalf("queued order must not notify a worker")
	}
	if f.engine.Counters().QueuedOrders != 1 {
		t.Fatalf("expected queued counter 1, got %d", f.engine.Counters().QueuedOrders)
	}
	f.assertCapacityInvariant(t)
}

func TestAssignSaturatedWhenQueueFull(t *testing.T) {
	f := newFixture(t, 1, 1)
	f.preload(t, "w1", 1)
	f.assign(t)

	order := f.newOrder(t, "b1")
	_, err := f.engine.Assign(context.Background(), order)
	if !errors.Is(err, ErrServiceSaturated) || !errors.Is(err, store.ErrQueueFull) {
		t.Fatalf("expected ErrServiceSaturated, got %v", err)
	}
	stored, _ := f.store.GetOrder(context.Background(), order.OrderID)
	if stored.Status != models.StatusPending {
		t.Fatalf("rejected order must stay pending, got %s", stored.Status)
	}
	f.assertQueuePositions(t, 1)
}

func TestAssignRejectsBrokenHierarchy(t *testing.T) {
	f := newFixture(t, 10, 5)
	order := f.newOrder(t, "b-foreign")
	_, err := f.engine.Assign(context.Background(), order)
	var hierarchyErr *HierarchyError
	if !errors.Is(err, ErrHierarchyInvalid) || !errors.As(err, &hierarchyErr) || hierarchyErr.Reason == "" {
		t.Fatalf("expected hierarchy error with reason, got %v", err)
	}
	w, _ := f.store.GetWorker(context.Background(), "w1")
	if w.ActiveOrdersCount != 0 {
		t.Fatalf("no worker may be touched, got %d", w.ActiveOrdersCount)
	}
}

func TestAssignSkipsWorkersOfOtherOwners(t *testing.T) {
	f := newFixture(t, 10, 5)
	f.store.AddManager(models.Manager{ManagerID: "m2", CreatedBy: "owner-2"})
	f.store.UpdateWorker("w1", func(w *models.Worker) { w.ManagerID = "m2" })

	result := f.assign(t)
	if !result.Queued {
		t.Fatalf("expected queue when only foreign workers exist, got %+v", result)
	}
}

func TestAssignRejectsAssignedOrder(t *testing.T) {
	f := newFixture(t, 10, 5)
	first := f.assign(t)
	if _, err := f.engine.AssignByID(context.Background(), first.Order.OrderID); !errors.Is(err, store.ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}
}

func TestCompletionDrainsQueue(t *testing.T) {
	f := newFixture(t, 10, 1)
	busy := f.assign(t)
	waiting := f.assign(t)
	if !waiting.Queued {
		t.Fatalf("expected second order queued")
	}

	if _, err := f.engine.OnOrderCompleted(context.Background(), busy.Order.OrderID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	drained, _ := f.store.GetOrder(context.Background(), waiting.Order.OrderID)
	if drained.WorkerID() != "w1" || drained.AssignmentMethod != models.MethodQueue {
		t.Fatalf("expected queued order assigned to w1 via queue, got %s via %s", drained.WorkerID(), drained.AssignmentMethod)
	}
	if drained.Status != models.StatusPending || drained.QueuePosition != nil {
		t.Fatalf("expected order out of the queue, got %s %v", drained.Status, drained.QueuePosition)
	}
	f.assertQueuePositions(t, 0)
	f.assertCapacityInvariant(t)

	counters := f.engine.Counters()
	if counters.TotalAssignments != 2 || counters.QueueAssignments != 1 {
		t.Fatalf("unexpected counters %+v", counters)
	}
}

func TestCompletionIsIdempotent(t *testing.T) {
	f := newFixture(t, 10, 5)
	first := f.assign(t)
	f.assign(t)

	for i := 0; i < 2; i++ {
		if _, err := f.engine.OnOrderCompleted(context.Background(), first.Order.OrderID); err != nil {
			t.Fatalf("complete %d: %v", i+1, err)
		}
	}
	w, _ := f.store.GetWorker(context.Background(), "w1")
	if w.ActiveOrdersCount != 1 {
		t.Fatalf("expected 1 open order left, got %d", w.ActiveOrdersCount)
	}
	if w.Stats.CompletedOrders != 1 {
		t.Fatalf("expected 1 completion, got %d", w.Stats.CompletedOrders)
	}
	f.assertCapacityInvariant(t)
}

func TestCancellationReleasesWithoutCompletion(t *testing.T) {
	f := newFixture(t, 10, 5)
	result := f.assign(t)
	cancelled, err := f.engine.OnOrderCancelled(context.Background(), result.Order.OrderID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.StatusCancelled || cancelled.ClosedAt == nil {
		t.Fatalf("expected closed cancelled order, got %+v", cancelled)
	}
	w, _ := f.store.GetWorker(context.Background(), "w1")
	if w.ActiveOrdersCount != 0 || w.Stats.CompletedOrders != 0 {
		t.Fatalf("expected released without completion, got %+v", w)
	}
}

func TestCancelQueuedOrderClosesGap(t *testing.T) {
	f := newFixture(t, 10, 1)
	f.assign(t)
	first := f.assign(t)
	f.assign(t)
	f.assign(t)
	f.assertQueuePositions(t, 3)

	if _, err := f.engine.OnOrderCancelled(context.Background(), first.Order.OrderID); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	f.assertQueuePositions(t, 2)
	f.assertCapacityInvariant(t)
}

func TestUpdateStatusRejectsInvalidTransition(t *testing.T) {
	f := newFixture(t, 10, 5)
	result := f.assign(t)
	if _, err := f.engine.UpdateStatus(context.Background(), result.Order.OrderID, models.StatusServed, ""); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if _, err := f.engine.UpdateStatus(context.Background(), result.Order.OrderID, models.StatusPreparing, ""); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	w, _ := f.store.GetWorker(context.Background(), "w1")
	if w.Stats.CompletedOrders != 1 || w.ActiveOrdersCount != 0 {
		t.Fatalf("served must count as completion, got %+v", w.Stats)
	}
}

func TestManualAssign(t *testing.T) {
	f := newFixture(t, 10, 1, 2)
	f.preload(t, "w1", 1)
	f.preload(t, "w2", 2)
	queuedA := f.assign(t)
	queuedB := f.assign(t)
	if !queuedA.Queued || !queuedB.Queued {
		t.Fatalf("expected both orders queued")
	}

	if _, err := f.engine.ManualAssign(context.Background(), queuedA.Order.OrderID, "w1", "regular guest"); !errors.Is(err, store.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}

	f.store.UpdateWorker("w2", func(w *models.Worker) { w.MaxOrdersCapacity = 3 })
	result, err := f.engine.ManualAssign(context.Background(), queuedB.Order.OrderID, "w2", "regular guest")
	if err != nil {
		t.Fatalf("manual assign: %v", err)
	}
	if result.Method != models.MethodManual || result.WorkerID != "w2" {
		t.Fatalf("unexpected result %+v", result)
	}
	if !result.Order.Elevated || result.Order.Priority != models.PriorityHigh {
		t.Fatalf("expected elevated high priority order, got %+v", result.Order)
	}
	if result.Order.Status != models.StatusPending || result.Order.QueuePosition != nil {
		t.Fatalf("expected order removed from queue, got %s %v", result.Order.Status, result.Order.QueuePosition)
	}
	last := result.Order.AssignmentHistory[len(result.Order.AssignmentHistory)-1]
	if last.Reason != "regular guest" {
		t.Fatalf("expected reason recorded, got %q", last.Reason)
	}
	f.assertQueuePositions(t, 1)
	f.assertCapacityInvariant(t)
}

func TestManualAssignRejectsUnavailableWorker(t *testing.T) {
	f := newFixture(t, 10, 5, 5)
	f.store.UpdateWorker("w2", func(w *models.Worker) { w.Status = models.WorkerOnBreak })
	order := f.newOrder(t, "b1")

	if _, err := f.engine.ManualAssign(context.Background(), order.OrderID, "w2", ""); !errors.Is(err, ErrWorkerUnavailable) {
		t.Fatalf("expected ErrWorkerUnavailable, got %v", err)
	}
	if _, err := f.engine.ManualAssign(context.Background(), order.OrderID, "ghost", ""); !errors.Is(err, store.ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
	if _, err := f.engine.ManualAssign(context.Background(), "missing", "w1", ""); !errors.Is(err, store.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestAssignFromQueueFallsBackToVenueQueue(t *testing.T) {
	f := newFixture(t, 10, 1)
	f.preload(t, "w1", 1)
	venueOrder := f.newOrder(t, "")
	result, err := f.engine.Assign(context.Background(), venueOrder)
	if err != nil {
		t.Fatalf("assign venue order: %v", err)
	}
	if !result.Queued {
		t.Fatalf("expected venue order queued")
	}

	f.store.UpdateWorker("w1", func(w *models.Worker) { w.MaxOrdersCapacity = 2 })
	drained, ok, err := f.engine.AssignFromQueue(context.Background(), "w1")
	if err != nil || !ok {
		t.Fatalf("assign from queue: ok=%v err=%v", ok, err)
	}
	if drained.Order.OrderID != venueOrder.OrderID {
		t.Fatalf("expected venue order, got %s", drained.Order.OrderID)
	}
}

func TestAssignFromQueueRespectsCapacity(t *testing.T) {
	f := newFixture(t, 10, 1)
	f.assign(t)
	f.assign(t)

	_, ok, err := f.engine.AssignFromQueue(context.Background(), "w1")
	if err != nil || ok {
		t.Fatalf("full worker must not take queued work, ok=%v err=%v", ok, err)
	}
	f.assertQueuePositions(t, 1)
}

func TestNotificationFailureDoesNotFailAssignment(t *testing.T) {
	f := newFixture(t, 10, 5)
	f.notifier.err = errors.New("sink down")
	result := f.assign(t)
	if result.WorkerID != "w1" {
		t.Fatalf("expected assignment despite notifier failure, got %+v", result)
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0].ManagerID != "m1" {
		t.Fatalf("expected one notification attempt, got %+v", f.notifier.events)
	}
}

func TestResetRoundRobin(t *testing.T) {
	f := newFixture(t, 10, 5, 5)
	f.assign(t)
	if cleared := f.engine.ResetRoundRobin("v1", "b1"); cleared != 1 {
		t.Fatalf("expected 1 cursor cleared, got %d", cleared)
	}
	if cleared := f.engine.ResetRoundRobin("v1", "b1"); cleared != 0 {
		t.Fatalf("expected nothing left to clear, got %d", cleared)
	}
	// w1 holds one order, so the next pick is load-based and unaffected.
	result := f.assign(t)
	if result.WorkerID != "w2" {
		t.Fatalf("expected w2, got %s", result.WorkerID)
	}
	if cleared := f.engine.ResetRoundRobin("", ""); cleared != 1 {
		t.Fatalf("expected global reset to clear 1, got %d", cleared)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, 10, 1, 1)
	f.assign(t)
	f.assign(t)
	f.assign(t)
	f.store.UpdateWorker("w2", func(w *models.Worker) { w.IsAvailable = false })

	stats, err := f.engine.Stats(context.Background(), "v1", "b1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalWorkers != 2 || stats.AvailableWorkers != 1 || stats.AtCapacity != 2 || stats.OpenOrders != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.Queue.Total != 1 {
		t.Fatalf("expected 1 queued, got %d", stats.Queue.Total)
	}
	if stats.Counters.TotalAssignments != 2 {
		t.Fatalf("expected 2 assignments, got %d", stats.Counters.TotalAssignments)
	}
}

func TestConcurrentAssignmentsKeepInvariants(t *testing.T) {
	f := newFixture(t, 100, 2, 2, 2)
	orders := make([]models.Order, 20)
	for i := range orders {
		orders[i] = f.newOrder(t, "b1")
	}

	var wg sync.WaitGroup
	results := make([]Result, len(orders))
	for i := range orders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := f.engine.Assign(context.Background(), orders[i])
			if err != nil {
				t.Errorf("assign %s: %v", orders[i].OrderID, err)
				return
			}
			results[i] = result
		}(i)
	}
	wg.Wait()

	assigned := 0
	for _, r := range results {
		if !r.Queued {
			assigned++
		}
	}
	if assigned != 6 {
		t.Fatalf("expected 6 assigned, got %d", assigned)
	}
	f.assertCapacityInvariant(t)
	f.assertQueuePositions(t, 14)

	var completions sync.WaitGroup
	for _, r := range results {
		if r.Queued {
			continue
		}
		completions.Add(1)
		go func(orderID string) {
			defer completions.Done()
			if _, err := f.engine.OnOrderCompleted(context.Background(), orderID); err != nil {
				t.Errorf("complete %s: %v", orderID, err)
			}
		}(r.Order.OrderID)
	}
	completions.Wait()
	f.assertCapacityInvariant(t)
	f.assertQueuePositions(t, 8)
}

func TestShiftStartDrainsQueue(t *testing.T) {
	f := newFixture(t, 10, 1, 2)
	ctx := context.Background()
	if _, drained, err := f.engine.SetAvailability(ctx, "w2", false); err != nil || len(drained) != 0 {
		t.Fatalf("shift end: drained=%v err=%v", drained, err)
	}

	if first := f.assign(t); first.WorkerID != "w1" {
		t.Fatalf("expected w1 while w2 is off shift, got %q", first.WorkerID)
	}
	for i := 0; i < 3; i++ {
		if result := f.assign(t); !result.Queued {
			t.Fatalf("order %d: expected queued", i+2)
		}
	}

	worker, drained, err := f.engine.SetAvailability(ctx, "w2", true)
	if err != nil {
		t.Fatalf("shift start: %v", err)
	}
	if !worker.IsAvailable {
		t.Fatalf("expected w2 available")
	}
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained orders, got %d", len(drained))
	}
	for _, result := range drained {
		if result.WorkerID != "w2" || result.Method != models.MethodQueue {
			t.Fatalf("unexpected drain %+v", result)
		}
	}
	f.assertQueuePositions(t, 1)
	f.assertCapacityInvariant(t)

	if _, _, err := f.engine.SetAvailability(ctx, "ghost", true); !errors.Is(err, store.ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
}
