// Package assignment decides which waiter takes an order. It ranks the
// eligible workers of the order's branch by open-order load, breaks ties
// round-robin, and hands the order to the queue when everyone is full.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"tabletop/assignment-service/internal/hierarchy"
	"tabletop/assignment-service/internal/keymutex"
	"tabletop/assignment-service/internal/models"
	"tabletop/assignment-service/internal/notify"
	"tabletop/assignment-service/internal/queue"
	"tabletop/assignment-service/internal/roundrobin"
	"tabletop/assignment-service/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Store interface {
	store.OrderStore
	store.WorkerStore
}

type Options struct {
	Notifier notify.Notifier
	Cursors  *roundrobin.Cursors
	Now      func() time.Time
}

type Result struct {
	Order                models.Order `json:"order"`
	Queued               bool         `json:"queued"`
	WorkerID             string       `json:"worker_id,omitempty"`
	Method               string       `json:"method,omitempty"`
	QueuePosition        int          `json:"queue_position,omitempty"`
	EstimatedWaitMinutes int          `json:"estimated_wait_minutes,omitempty"`
}

type Counters struct {
	TotalAssignments int64 `json:"total_assignments"`
	QueueAssignments int64 `json:"queue_assignments"`
	QueuedOrders     int64 `json:"queued_orders"`
	DailyAssignments int64 `json:"daily_assignments"`
}

type WorkerStat struct {
	WorkerID         string `json:"worker_id"`
	Name             string `json:"name,omitempty"`
	Status           string `json:"status"`
	IsAvailable      bool   `json:"is_available"`
	Load             int    `json:"load"`
	Capacity         int    `json:"capacity"`
	TotalAssignments int64  `json:"total_assignments"`
	CompletedOrders  int64  `json:"completed_orders"`
}

type Stats struct {
	Scope            models.Scope      `json:"scope"`
	TotalWorkers     int               `json:"total_workers"`
	AvailableWorkers int               `json:"available_workers"`
	AtCapacity       int               `json:"at_capacity"`
	OpenOrders       int               `json:"open_orders"`
	Workers          []WorkerStat      `json:"workers"`
	Queue            store.QueueCounts `json:"queue"`
	RoundRobinLast   string            `json:"round_robin_last,omitempty"`
	Counters         Counters          `json:"counters"`
}

// Engine is safe for concurrent use. Work on one scope is serialized by a
// per-scope lock taken before the queue manager's own lock, never after.
type Engine struct {
	store     Store
	validator *hierarchy.Validator
	queue     *queue.Manager
	cursors   *roundrobin.Cursors
	locks     *keymutex.Map
	notifier  notify.Notifier
	now       func() time.Time
	tracer    trace.Tracer

	totalAssignments atomic.Int64
	queueAssignments atomic.Int64
	queuedOrders     atomic.Int64
	dailyAssignments atomic.Int64
}

func NewEngine(st Store, validator *hierarchy.Validator, queueManager *queue.Manager, options Options) *Engine {
	cursors := options.Cursors
	if cursors == nil {
		cursors = roundrobin.New()
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:     st,
		validator: validator,
		queue:     queueManager,
		cursors:   cursors,
		locks:     keymutex.New(),
		notifier:  options.Notifier,
		now:       now,
		tracer:    otel.Tracer("tabletop/assignment-service/assignment"),
	}
}

// AssignByID loads the order and assigns it.
func (e *Engine) AssignByID(ctx context.Context, orderID string) (Result, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	return e.Assign(ctx, order)
}

// Assign gives an unassigned open order to the least loaded eligible worker
// of its scope, or queues it when every eligible worker is full.
func (e *Engine) Assign(ctx context.Context, order models.Order) (result Result, err error) {
	ctx, span := e.tracer.Start(ctx, "assignment.assign", trace.WithAttributes(
		attribute.String("order.id", order.OrderID),
		attribute.String("scope", order.Scope().Key()),
	))
	defer func() { endSpan(span, err) }()

	ownerID, err := e.validate(ctx, order.VenueID, order.BranchID)
	if err != nil {
		return Result{}, err
	}

	scope := order.Scope()
	unlock := e.locks.Lock(scope.Key())
	defer unlock()

	order, err = e.store.GetOrder(ctx, order.OrderID)
	if err != nil {
		return Result{}, err
	}
	if order.AssignedWorkerID != nil && models.IsOpenStatus(order.Status) {
		return Result{}, fmt.Errorf("order %s: %w", order.OrderID, store.ErrAlreadyAssigned)
	}
	if !models.IsOpenStatus(order.Status) {
		return Result{}, fmt.Errorf("order %s is %s: %w", order.OrderID, order.Status, store.ErrInvalidState)
	}

	excluded := make(map[string]bool)
	for {
		candidates, err := e.eligibleWorkers(ctx, scope, ownerID)
		if err != nil {
			return Result{}, err
		}
		eligible := candidates[:0]
		for _, w := range candidates {
			if w.HasCapacity() && !excluded[w.WorkerID] {
				eligible = append(eligible, w)
			}
		}
		if len(eligible) == 0 {
			break
		}

		chosen, method := e.pick(scope, eligible)
		reason := selectionReason(method, chosen.Load)
		assigned, err := e.store.AssignOrder(ctx, store.AssignInput{
			OrderID:    order.OrderID,
			WorkerID:   chosen.WorkerID,
			Method:     method,
			Reason:     reason,
			AssignedAt: e.now(),
		})
		if errors.Is(err, store.ErrCapacityExceeded) {
			// Counter and ground truth disagree, or another scope filled the
			// worker first. Try the next best worker.
			log.Printf("assign order=%s worker=%s capacity race, retrying", order.OrderID, chosen.WorkerID)
			excluded[chosen.WorkerID] = true
			continue
		}
		if err != nil {
			return Result{}, err
		}

		e.recordAssignment(false)
		span.SetAttributes(attribute.String("worker.id", chosen.WorkerID), attribute.String("method", method))
		log.Printf("assign order=%s worker=%s method=%s load=%d", assigned.OrderID, chosen.WorkerID, method, chosen.Load)
		e.notify(ctx, assigned, chosen.Worker, reason)
		return Result{Order: assigned, WorkerID: chosen.WorkerID, Method: method}, nil
	}

	return e.enqueue(ctx, order)
}

func (e *Engine) enqueue(ctx context.Context, order models.Order) (Result, error) {
	queued, err := e.queue.Enqueue(ctx, order, order.Priority)
	if err != nil {
		if errors.Is(err, store.ErrQueueFull) {
			log.Printf("assign order=%s saturated scope=%s", order.OrderID, order.Scope().Key())
			return Result{}, fmt.Errorf("%w: %w", ErrServiceSaturated, err)
		}
		return Result{}, err
	}
	e.queuedOrders.Add(1)
	result := Result{Order: queued, Queued: true, EstimatedWaitMinutes: queued.EstimatedWaitMinutes}
	if queued.QueuePosition != nil {
		result.QueuePosition = *queued.QueuePosition
	}
	return result, nil
}

// ManualAssign hands the order to the named worker regardless of load,
// provided the worker is eligible and below capacity. A queued order leaves
// the queue. The order is raised to high priority and tagged elevated.
func (e *Engine) ManualAssign(ctx context.Context, orderID, workerID, reason string) (result Result, err error) {
	ctx, span := e.tracer.Start(ctx, "assignment.manual_assign", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("worker.id", workerID),
	))
	defer func() { endSpan(span, err) }()

	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	worker, err := e.store.GetWorker(ctx, workerID)
	if err != nil {
		return Result{}, err
	}
	ownerID, err := e.validate(ctx, order.VenueID, order.BranchID)
	if err != nil {
		return Result{}, err
	}

	scope := order.Scope()
	unlock := e.locks.Lock(scope.Key())
	defer unlock()

	order, err = e.store.GetOrder(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if order.AssignedWorkerID != nil && models.IsOpenStatus(order.Status) {
		return Result{}, fmt.Errorf("order %s: %w", orderID, store.ErrAlreadyAssigned)
	}
	if !models.IsOpenStatus(order.Status) && order.Status != models.StatusQueued {
		return Result{}, fmt.Errorf("order %s is %s: %w", orderID, order.Status, store.ErrInvalidState)
	}

	candidates, err := e.eligibleWorkers(ctx, scope, ownerID)
	if err != nil {
		return Result{}, err
	}
	var chosen *models.WorkerWithLoad
	for i := range candidates {
		if candidates[i].WorkerID == worker.WorkerID {
			chosen = &candidates[i]
			break
		}
	}
	if chosen == nil {
		return Result{}, fmt.Errorf("worker %s for order %s: %w", workerID, orderID, ErrWorkerUnavailable)
	}
	if !chosen.HasCapacity() {
		return Result{}, fmt.Errorf("worker %s holds %d of %d: %w", workerID, chosen.Load, chosen.Capacity(), store.ErrCapacityExceeded)
	}

	if reason == "" {
		reason = "manual override"
	}
	var assigned models.Order
	assign := func() error {
		var err error
		assigned, err = e.store.AssignOrder(ctx, store.AssignInput{
			OrderID:    orderID,
			WorkerID:   workerID,
			Method:     models.MethodManual,
			Reason:     reason,
			AssignedAt: e.now(),
			Elevate:    true,
		})
		return err
	}
	if order.Status == models.StatusQueued {
		err = e.queue.WithLock(scope, assign)
	} else {
		err = assign()
	}
	if err != nil {
		return Result{}, err
	}

	e.recordAssignment(false)
	log.Printf("assign order=%s worker=%s method=manual reason=%q", orderID, workerID, reason)
	e.notify(ctx, assigned, chosen.Worker, reason)
	return Result{Order: assigned, WorkerID: workerID, Method: models.MethodManual}, nil
}

// OnOrderCompleted closes the order and offers the freed capacity to the
// queue. Repeating it for an already completed order changes nothing.
func (e *Engine) OnOrderCompleted(ctx context.Context, orderID string) (models.Order, error) {
	return e.UpdateStatus(ctx, orderID, models.StatusCompleted, "order completed")
}

// OnOrderCancelled is OnOrderCompleted without counting a completion. A
// queued order simply leaves the queue.
func (e *Engine) OnOrderCancelled(ctx context.Context, orderID string) (models.Order, error) {
	return e.UpdateStatus(ctx, orderID, models.StatusCancelled, "order cancelled")
}

// UpdateStatus moves the order along its status machine. When that frees a
// worker, the worker is offered the next queued order right away.
func (e *Engine) UpdateStatus(ctx context.Context, orderID, toStatus, reason string) (updated models.Order, err error) {
	ctx, span := e.tracer.Start(ctx, "assignment.update_status", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("status", toStatus),
	))
	defer func() { endSpan(span, err) }()

	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	updated, changed, err := e.transition(ctx, order, toStatus, reason)
	if err != nil {
		return models.Order{}, err
	}
	if !changed {
		return updated, nil
	}
	log.Printf("order status order=%s from=%s to=%s", orderID, order.Status, updated.Status)

	workerID := updated.WorkerID()
	if workerID == "" || models.IsOpenStatus(updated.Status) {
		return updated, nil
	}
	if _, _, err := e.AssignFromQueue(ctx, workerID); err != nil {
		log.Printf("assign from queue worker=%s after order=%s error: %v", workerID, orderID, err)
	}
	return updated, nil
}

func (e *Engine) transition(ctx context.Context, order models.Order, toStatus, reason string) (models.Order, bool, error) {
	scope := order.Scope()
	unlock := e.locks.Lock(scope.Key())
	defer unlock()

	input := store.TransitionInput{OrderID: order.OrderID, ToStatus: toStatus, Reason: reason, OccurredAt: e.now()}
	var (
		updated models.Order
		changed bool
	)
	apply := func() error {
		var err error
		updated, changed, err = e.store.TransitionOrder(ctx, input)
		return err
	}
	var err error
	if order.Status == models.StatusQueued {
		err = e.queue.WithLock(scope, apply)
	} else {
		err = apply()
	}
	return updated, changed, err
}

// AssignFromQueue gives the worker the next queued order of its branch, then
// of its venue. The worker's open orders are recounted under the scope lock
// so concurrent callers for the same worker cannot overfill it. It reports
// whether an order was assigned.
func (e *Engine) AssignFromQueue(ctx context.Context, workerID string) (result Result, assigned bool, err error) {
	ctx, span := e.tracer.Start(ctx, "assignment.assign_from_queue", trace.WithAttributes(
		attribute.String("worker.id", workerID),
	))
	defer func() { endSpan(span, err) }()

	worker, err := e.store.GetWorker(ctx, workerID)
	if err != nil {
		return Result{}, false, err
	}
	if !worker.Schedulable() {
		return Result{}, false, nil
	}

	scopes := []models.Scope{{VenueID: worker.VenueID, BranchID: worker.BranchID}}
	if worker.BranchID != "" {
		scopes = append(scopes, models.Scope{VenueID: worker.VenueID})
	}
	for _, scope := range scopes {
		result, assigned, full, err := e.assignFromScope(ctx, worker, scope)
		if err != nil || assigned || full {
			return result, assigned, err
		}
	}
	return Result{}, false, nil
}

func (e *Engine) assignFromScope(ctx context.Context, worker models.Worker, scope models.Scope) (Result, bool, bool, error) {
	unlock := e.locks.Lock(scope.Key())
	defer unlock()

	if _, ok, err := e.queue.DequeueNext(ctx, scope); err != nil || !ok {
		return Result{}, false, false, err
	}

	counts, err := e.store.CountOpenOrders(ctx, []string{worker.WorkerID})
	if err != nil {
		return Result{}, false, false, err
	}
	if counts[worker.WorkerID] >= worker.Capacity() {
		return Result{}, false, true, nil
	}

	ownerID, err := e.validate(ctx, scope.VenueID, scope.BranchID)
	if err != nil {
		if errors.Is(err, ErrHierarchyInvalid) {
			return Result{}, false, false, nil
		}
		return Result{}, false, false, err
	}
	if !e.workerInScope(ctx, worker.WorkerID, scope, ownerID) {
		return Result{}, false, false, nil
	}

	reason := "capacity freed"
	var (
		next     models.Order
		assigned models.Order
		found    bool
	)
	err = e.queue.WithLock(scope, func() error {
		var err error
		next, found, err = e.queue.DequeueNext(ctx, scope)
		if err != nil || !found {
			return err
		}
		assigned, err = e.store.AssignOrder(ctx, store.AssignInput{
			OrderID:    next.OrderID,
			WorkerID:   worker.WorkerID,
			Method:     models.MethodQueue,
			Reason:     reason,
			AssignedAt: e.now(),
		})
		return err
	})
	if errors.Is(err, store.ErrCapacityExceeded) {
		return Result{}, false, true, nil
	}
	if err != nil || !found {
		return Result{}, false, false, err
	}

	e.recordAssignment(true)
	e.cursors.Record(scope, worker.WorkerID)
	log.Printf("assign order=%s worker=%s method=queue waited=%s", assigned.OrderID, worker.WorkerID, waited(next, e.now()))
	e.notify(ctx, assigned, worker, reason)
	return Result{Order: assigned, WorkerID: worker.WorkerID, Method: models.MethodQueue}, true, false, nil
}

func (e *Engine) workerInScope(ctx context.Context, workerID string, scope models.Scope, ownerID string) bool {
	workers, err := e.store.ListWorkers(ctx, store.WorkerFilter{
		VenueID:         scope.VenueID,
		BranchID:        scope.BranchID,
		OwnerID:         ownerID,
		OnlySchedulable: true,
	})
	if err != nil {
		log.Printf("list workers scope=%s error: %v", scope.Key(), err)
		return false
	}
	for _, w := range workers {
		if w.WorkerID == workerID {
			return true
		}
	}
	return false
}

// SetAvailability starts or ends a worker's shift. A worker coming on shift
// drains the queue until it is full or the queue is empty.
func (e *Engine) SetAvailability(ctx context.Context, workerID string, available bool) (worker models.Worker, drained []Result, err error) {
	ctx, span := e.tracer.Start(ctx, "assignment.set_availability", trace.WithAttributes(
		attribute.String("worker.id", workerID),
		attribute.Bool("available", available),
	))
	defer func() { endSpan(span, err) }()

	worker, err = e.store.SetWorkerAvailability(ctx, workerID, available)
	if err != nil {
		return models.Worker{}, nil, err
	}
	log.Printf("worker availability worker=%s available=%t", workerID, available)
	if !available {
		return worker, nil, nil
	}
	for range worker.Capacity() {
		result, assigned, err := e.AssignFromQueue(ctx, workerID)
		if err != nil {
			log.Printf("assign from queue worker=%s on shift start error: %v", workerID, err)
			break
		}
		if !assigned {
			break
		}
		drained = append(drained, result)
	}
	return worker, drained, nil
}

// ResetRoundRobin clears the cursor of one branch, of every branch under a
// venue when branchID is empty, or of everything when venueID is empty too.
func (e *Engine) ResetRoundRobin(venueID, branchID string) int {
	switch {
	case venueID == "":
		return e.cursors.ResetAll()
	case branchID == "":
		return e.cursors.ResetVenue(venueID)
	}
	scope := models.Scope{VenueID: venueID, BranchID: branchID}
	if e.cursors.Last(scope) == "" {
		return 0
	}
	e.cursors.Reset(scope)
	return 1
}

func (e *Engine) ValidateHierarchy(ctx context.Context, venueID, branchID string) (hierarchy.Result, error) {
	return e.validator.Validate(ctx, venueID, branchID)
}

// Stats reports the load of every worker in the scope, schedulable or not.
func (e *Engine) Stats(ctx context.Context, venueID, branchID string) (Stats, error) {
	scope := models.Scope{VenueID: venueID, BranchID: branchID}
	workers, err := e.store.ListWorkers(ctx, store.WorkerFilter{VenueID: venueID, BranchID: branchID})
	if err != nil {
		return Stats{}, fmt.Errorf("list workers: %w", err)
	}
	ids := make([]string, 0, len(workers))
	for _, w := range workers {
		ids = append(ids, w.WorkerID)
	}
	counts, err := e.store.CountOpenOrders(ctx, ids)
	if err != nil {
		return Stats{}, fmt.Errorf("count open orders: %w", err)
	}
	queueCounts, err := e.queue.Counts(ctx, scope)
	if err != nil {
		return Stats{}, fmt.Errorf("queue counts: %w", err)
	}

	stats := Stats{
		Scope:          scope,
		TotalWorkers:   len(workers),
		Workers:        make([]WorkerStat, 0, len(workers)),
		Queue:          queueCounts,
		RoundRobinLast: e.cursors.Last(scope),
		Counters:       e.Counters(),
	}
	for _, w := range workers {
		load := counts[w.WorkerID]
		if w.Schedulable() {
			stats.AvailableWorkers++
		}
		if load >= w.Capacity() {
			stats.AtCapacity++
		}
		stats.OpenOrders += load
		stats.Workers = append(stats.Workers, WorkerStat{
			WorkerID:         w.WorkerID,
			Name:             w.Name,
			Status:           w.Status,
			IsAvailable:      w.IsAvailable,
			Load:             load,
			Capacity:         w.Capacity(),
			TotalAssignments: w.Stats.TotalAssignments,
			CompletedOrders:  w.Stats.CompletedOrders,
		})
	}
	return stats, nil
}

func (e *Engine) Counters() Counters {
	return Counters{
		TotalAssignments: e.totalAssignments.Load(),
		QueueAssignments: e.queueAssignments.Load(),
		QueuedOrders:     e.queuedOrders.Load(),
		DailyAssignments: e.dailyAssignments.Load(),
	}
}

// ResetDailyCounters zeroes the daily counter and returns its last value.
func (e *Engine) ResetDailyCounters() int64 {
	return e.dailyAssignments.Swap(0)
}

func (e *Engine) validate(ctx context.Context, venueID, branchID string) (string, error) {
	result, err := e.validator.Validate(ctx, venueID, branchID)
	if err != nil {
		return "", err
	}
	if !result.Valid {
		return "", &HierarchyError{Reason: result.Reason}
	}
	return result.OwnerID, nil
}

// eligibleWorkers lists the schedulable workers of the scope whose manager
// belongs to ownerID, with their open-order load from one batch count.
func (e *Engine) eligibleWorkers(ctx context.Context, scope models.Scope, ownerID string) ([]models.WorkerWithLoad, error) {
	workers, err := e.store.ListWorkers(ctx, store.WorkerFilter{
		VenueID:         scope.VenueID,
		BranchID:        scope.BranchID,
		OwnerID:         ownerID,
		OnlySchedulable: true,
	})
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	if len(workers) == 0 {
		return nil, nil
	}
	ids := make([]string, len(workers))
	for i, w := range workers {
		ids[i] = w.WorkerID
	}
	counts, err := e.store.CountOpenOrders(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("count open orders: %w", err)
	}
	out := make([]models.WorkerWithLoad, len(workers))
	for i, w := range workers {
		out[i] = models.WorkerWithLoad{Worker: w, Load: counts[w.WorkerID]}
	}
	return out, nil
}

// pick returns the least loaded worker. Ties go round-robin after the
// scope's last pick; every pick moves the cursor.
func (e *Engine) pick(scope models.Scope, eligible []models.WorkerWithLoad) (models.WorkerWithLoad, string) {
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Load != eligible[j].Load {
			return eligible[i].Load < eligible[j].Load
		}
		return eligible[i].WorkerID < eligible[j].WorkerID
	})
	least := eligible[0].Load
	var tied []string
	for _, w := range eligible {
		if w.Load != least {
			break
		}
		tied = append(tied, w.WorkerID)
	}
	if len(tied) == 1 {
		e.cursors.Record(scope, eligible[0].WorkerID)
		if least == 0 {
			return eligible[0], models.MethodRoundRobin
		}
		return eligible[0], models.MethodLoadBalancing
	}
	id := e.cursors.Next(scope, tied)
	for _, w := range eligible {
		if w.WorkerID == id {
			return w, models.MethodRoundRobin
		}
	}
	return eligible[0], models.MethodRoundRobin
}

func (e *Engine) recordAssignment(fromQueue bool) {
	e.totalAssignments.Add(1)
	e.dailyAssignments.Add(1)
	if fromQueue {
		e.queueAssignments.Add(1)
	}
}

// notify never fails the assignment it reports on.
func (e *Engine) notify(ctx context.Context, order models.Order, worker models.Worker, reason string) {
	if e.notifier == nil {
		return
	}
	event := notify.AssignedEvent(order, worker, reason)
	if err := e.notifier.NotifyWorkerAssigned(ctx, event); err != nil {
		log.Printf("notify worker=%s order=%s error: %v", worker.WorkerID, order.OrderID, err)
	}
	if err := e.notifier.NotifyManagerAssigned(ctx, event); err != nil {
		log.Printf("notify manager=%s order=%s error: %v", worker.ManagerID, order.OrderID, err)
	}
}

func selectionReason(method string, load int) string {
	if method == models.MethodLoadBalancing {
		return fmt.Sprintf("least loaded (%d open)", load)
	}
	if load == 0 {
		return "idle worker"
	}
	return fmt.Sprintf("tie at %d open", load)
}

func waited(order models.Order, now time.Time) time.Duration {
	if order.QueuedAt == nil {
		return 0
	}
	return now.Sub(*order.QueuedAt).Round(time.Second)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
