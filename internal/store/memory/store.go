package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tabletop/assignment-service/internal/models"
	"tabletop/assignment-service/internal/store"

	"github.com/google/uuid"
)

// Store keeps venues, workers and orders in process memory. Every method
// holds a single mutex, which gives the same atomicity the Postgres store
// gets from transactions.
type Store struct {
	mu              sync.Mutex
	venues          map[string]models.Venue
	branches        map[string]models.Branch
	managers        map[string]models.Manager
	workers         map[string]*models.Worker
	orders          map[string]*models.Order
	waitPerPosition int
	defaultCapacity int
	now             func() time.Time
}

type Options struct {
	WaitMinutesPerPosition int
	// DefaultCapacity applies to workers added without a positive capacity.
	DefaultCapacity int
	Now             func() time.Time
}

func NewStore(options Options) *Store {
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	capacity := options.DefaultCapacity
	if capacity <= 0 {
		capacity = models.DefaultWorkerCapacity
	}
	return &Store{
		venues:          make(map[string]models.Venue),
		branches:        make(map[string]models.Branch),
		managers:        make(map[string]models.Manager),
		workers:         make(map[string]*models.Worker),
		orders:          make(map[string]*models.Order),
		waitPerPosition: options.WaitMinutesPerPosition,
		defaultCapacity: capacity,
		now:             now,
	}
}

func (s *Store) AddVenue(venue models.Venue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.venues[venue.VenueID] = venue
}

func (s *Store) AddBranch(branch models.Branch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches[branch.BranchID] = branch
}

func (s *Store) AddManager(manager models.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.managers[manager.ManagerID] = manager
}

func (s *Store) AddWorker(worker models.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if worker.Role == "" {
		worker.Role = models.RoleWaiter
	}
	if worker.MaxOrdersCapacity < 1 {
		worker.MaxOrdersCapacity = s.defaultCapacity
	}
	w := worker
	s.workers[worker.WorkerID] = &w
}

// UpdateWorker applies fn to the stored worker, for tests that flip
// availability or plant counter drift.
func (s *Store) UpdateWorker(workerID string, fn func(w *models.Worker)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[workerID]; ok {
		fn(w)
	}
}

// PutOrder stores an order as-is, bypassing every state check.
func (s *Store) PutOrder(order models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := copyOrder(&order)
	s.orders[order.OrderID] = &o
}

func (s *Store) ListOrders() []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, copyOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

func (s *Store) GetVenue(ctx context.Context, venueID string) (models.Venue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	venue, ok := s.venues[venueID]
	if !ok {
		return models.Venue{}, store.ErrVenueNotFound
	}
	return venue, nil
}

func (s *Store) GetBranch(ctx context.Context, branchID string) (models.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	branch, ok := s.branches[branchID]
	if !ok {
		return models.Branch{}, store.ErrBranchNotFound
	}
	return branch, nil
}

func (s *Store) GetWorker(ctx context.Context, workerID string) (models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return models.Worker{}, store.ErrWorkerNotFound
	}
	return *w, nil
}

func (s *Store) ListWorkers(ctx context.Context, filter store.WorkerFilter) ([]models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var workers []models.Worker
	for _, w := range s.workers {
		if filter.VenueID != "" && w.VenueID != filter.VenueID {
			continue
		}
		if filter.BranchID != "" && w.BranchID != filter.BranchID {
			continue
		}
		if filter.OnlySchedulable && !w.Schedulable() {
			continue
		}
		if filter.OwnerID != "" {
			manager, ok := s.managers[w.ManagerID]
			if !ok || manager.CreatedBy != filter.OwnerID {
				continue
			}
		}
		workers = append(workers, *w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].WorkerID < workers[j].WorkerID })
	return workers, nil
}

func (s *Store) CountOpenOrders(ctx context.Context, workerIDs []string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int, len(workerIDs))
	for _, id := range workerIDs {
		counts[id] = 0
	}
	for _, o := range s.orders {
		if o.AssignedWorkerID == nil || !models.IsOpenStatus(o.Status) {
			continue
		}
		if _, ok := counts[*o.AssignedWorkerID]; ok {
			counts[*o.AssignedWorkerID]++
		}
	}
	return counts, nil
}

func (s *Store) SyncActiveOrdersCount(ctx context.Context, workerID string) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return 0, 0, store.ErrWorkerNotFound
	}
	actual := 0
	for _, o := range s.orders {
		if o.AssignedWorkerID != nil && *o.AssignedWorkerID == workerID && models.IsOpenStatus(o.Status) {
			actual++
		}
	}
	stored := w.ActiveOrdersCount
	w.ActiveOrdersCount = actual
	return stored, actual, nil
}

func (s *Store) SetWorkerAvailability(ctx context.Context, workerID string, available bool) (models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return models.Worker{}, store.ErrWorkerNotFound
	}
	w.IsAvailable = available
	return *w, nil
}

func (s *Store) CreateOrder(ctx context.Context, input store.CreateOrderInput) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := input.OrderID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := s.orders[id]; exists {
		return models.Order{}, fmt.Errorf("order %s: %w", id, store.ErrInvalidState)
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	priority := input.Priority
	if !priority.Valid() {
		priority = models.PriorityNormal
	}
	o := &models.Order{
		OrderID:   id,
		VenueID:   input.VenueID,
		BranchID:  input.BranchID,
		TableRef:  input.TableRef,
		Status:    models.StatusPending,
		Priority:  priority,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	s.orders[id] = o
	return copyOrder(o), nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return models.Order{}, store.ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (s *Store) AssignOrder(ctx context.Context, input store.AssignInput) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[input.OrderID]
	if !ok {
		return models.Order{}, store.ErrOrderNotFound
	}
	w, ok := s.workers[input.WorkerID]
	if !ok {
		return models.Order{}, store.ErrWorkerNotFound
	}
	if o.AssignedWorkerID != nil && models.IsOpenStatus(o.Status) {
		return models.Order{}, store.ErrAlreadyAssigned
	}
	if !models.IsOpenStatus(o.Status) && o.Status != models.StatusQueued {
		return models.Order{}, store.ErrInvalidState
	}
	if w.ActiveOrdersCount >= w.Capacity() {
		return models.Order{}, store.ErrCapacityExceeded
	}

	w.ActiveOrdersCount++
	w.Stats.TotalAssignments++

	if o.Status == models.StatusQueued {
		s.leaveQueue(o)
		o.Status = models.StatusPending
	}
	at := input.AssignedAt
	if at.IsZero() {
		at = s.now()
	}
	workerID := input.WorkerID
	o.AssignedWorkerID = &workerID
	o.AssignedAt = &at
	o.AssignmentMethod = input.Method
	o.CapacityReleased = false
	o.UpdatedAt = at
	if input.Elevate {
		o.Priority = models.PriorityHigh
		o.Elevated = true
	}
	o.AssignmentHistory = append(o.AssignmentHistory, models.AssignmentEntry{
		WorkerID:  workerID,
		Method:    input.Method,
		Reason:    input.Reason,
		CreatedAt: at,
	})
	return copyOrder(o), nil
}

func (s *Store) TransitionOrder(ctx context.Context, input store.TransitionInput) (models.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[input.OrderID]
	if !ok {
		return models.Order{}, false, store.ErrOrderNotFound
	}
	at := input.OccurredAt
	if at.IsZero() {
		at = s.now()
	}
	if o.Status == input.ToStatus {
		if !models.IsOpenStatus(o.Status) && o.AssignedWorkerID != nil && !o.CapacityReleased {
			s.release(o, input.ToStatus)
			return copyOrder(o), true, nil
		}
		return copyOrder(o), false, nil
	}
	if !store.ValidTransition(o.Status, input.ToStatus) {
		return models.Order{}, false, fmt.Errorf("%s -> %s: %w", o.Status, input.ToStatus, store.ErrInvalidState)
	}

	from := o.Status
	if from == models.StatusQueued {
		s.leaveQueue(o)
	}
	o.Status = input.ToStatus
	o.UpdatedAt = at
	if !models.IsOpenStatus(input.ToStatus) && o.ClosedAt == nil {
		closed := at
		o.ClosedAt = &closed
	}
	if models.IsOpenStatus(from) && !models.IsOpenStatus(input.ToStatus) && o.AssignedWorkerID != nil && !o.CapacityReleased {
		s.release(o, input.ToStatus)
	}
	return copyOrder(o), true, nil
}

func (s *Store) release(o *models.Order, toStatus string) {
	o.CapacityReleased = true
	w, ok := s.workers[*o.AssignedWorkerID]
	if !ok {
		return
	}
	if w.ActiveOrdersCount > 0 {
		w.ActiveOrdersCount--
	}
	if store.CountsAsCompletion(toStatus) {
		w.Stats.CompletedOrders++
	}
}

func (s *Store) ListUnassignedOpen(ctx context.Context, limit int) ([]models.Order, error) {
	return s.filterOrders(limit, func(o *models.Order) bool {
		return models.IsOpenStatus(o.Status) && o.AssignedWorkerID == nil
	}), nil
}

func (s *Store) ListOverdue(ctx context.Context, createdBefore time.Time, limit int) ([]models.Order, error) {
	return s.filterOrders(limit, func(o *models.Order) bool {
		return models.IsOpenStatus(o.Status) && !o.IsTimeout && o.CreatedAt.Before(createdBefore)
	}), nil
}

func (s *Store) MarkTimeout(ctx context.Context, orderID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return false, store.ErrOrderNotFound
	}
	if o.IsTimeout || !models.IsOpenStatus(o.Status) {
		return false, nil
	}
	o.IsTimeout = true
	o.UpdatedAt = at
	o.AssignmentHistory = append(o.AssignmentHistory, models.AssignmentEntry{
		WorkerID:  o.WorkerID(),
		Method:    o.AssignmentMethod,
		Reason:    "preparation timeout",
		CreatedAt: at,
	})
	return true, nil
}

func (s *Store) ListClosedSince(ctx context.Context, since time.Time) ([]models.Order, error) {
	return s.filterOrders(0, func(o *models.Order) bool {
		return o.AssignedWorkerID != nil && o.ClosedAt != nil && o.ClosedAt.After(since)
	}), nil
}

func (s *Store) AverageAssignmentLatency(ctx context.Context, since time.Time) (time.Duration, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total time.Duration
	count := 0
	for _, o := range s.orders {
		if o.AssignedAt == nil || !o.AssignedAt.After(since) {
			continue
		}
		total += o.AssignedAt.Sub(o.CreatedAt)
		count++
	}
	if count == 0 {
		return 0, 0, nil
	}
	return total / time.Duration(count), count, nil
}

func (s *Store) PurgeHistory(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for _, o := range s.orders {
		kept := o.AssignmentHistory[:0]
		for _, entry := range o.AssignmentHistory {
			if entry.CreatedAt.Before(before) {
				purged++
				continue
			}
			kept = append(kept, entry)
		}
		o.AssignmentHistory = kept
	}
	return purged, nil
}

func (s *Store) EnqueueOrder(ctx context.Context, input store.QueueInput) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[input.OrderID]
	if !ok {
		return models.Order{}, store.ErrOrderNotFound
	}
	if o.AssignedWorkerID != nil && models.IsOpenStatus(o.Status) {
		return models.Order{}, store.ErrAlreadyAssigned
	}
	if o.Status != models.StatusPending {
		return models.Order{}, store.ErrInvalidState
	}
	priority := input.Priority
	if !priority.Valid() {
		priority = models.PriorityNormal
	}
	queuedAt := input.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = s.now()
	}
	last := len(s.queue(o.Scope())) + 1
	o.Status = models.StatusQueued
	o.Priority = priority
	o.QueuedAt = &queuedAt
	o.QueuePosition = &last
	o.UpdatedAt = queuedAt
	s.renumber(o.Scope())
	return copyOrder(o), nil
}

func (s *Store) CountQueued(ctx context.Context, scope models.Scope) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue(scope)), nil
}

func (s *Store) NextQueued(ctx context.Context, scope models.Scope) (models.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := s.queue(scope)
	if len(queued) == 0 {
		return models.Order{}, false, nil
	}
	return copyOrder(queued[0]), true, nil
}

func (s *Store) ListQueued(ctx context.Context, filter store.QueueFilter) ([]models.Order, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []models.Order
	for _, o := range s.queue(filter.Scope) {
		if filter.Priority != 0 && o.Priority != filter.Priority {
			continue
		}
		matched = append(matched, copyOrder(o))
	}
	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (s *Store) QueueCounts(ctx context.Context, scope models.Scope) (store.QueueCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := store.QueueCounts{ByPriority: make(map[models.Priority]int)}
	now := s.now()
	var waited time.Duration
	for _, o := range s.queue(scope) {
		counts.Total++
		counts.ByPriority[o.Priority]++
		if o.QueuedAt != nil {
			if counts.OldestQueued == nil || o.QueuedAt.Before(*counts.OldestQueued) {
				oldest := *o.QueuedAt
				counts.OldestQueued = &oldest
			}
			waited += now.Sub(*o.QueuedAt)
		}
	}
	if counts.Total > 0 {
		counts.AverageWait = waited.Minutes() / float64(counts.Total)
	}
	return counts, nil
}

func (s *Store) RemoveFromQueue(ctx context.Context, orderID string) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return models.Order{}, store.ErrOrderNotFound
	}
	if o.Status != models.StatusQueued {
		return models.Order{}, store.ErrNotQueued
	}
	s.leaveQueue(o)
	o.Status = models.StatusPending
	o.UpdatedAt = s.now()
	return copyOrder(o), nil
}

func (s *Store) SetPriority(ctx context.Context, orderID string, priority models.Priority) (models.Order, models.Priority, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return models.Order{}, 0, store.ErrOrderNotFound
	}
	if o.Status != models.StatusQueued {
		return models.Order{}, 0, store.ErrNotQueued
	}
	previous := o.Priority
	o.Priority = priority
	o.UpdatedAt = s.now()
	return copyOrder(o), previous, nil
}

func (s *Store) RenumberQueue(ctx context.Context, scope models.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renumber(scope)
	return nil
}

func (s *Store) ListStaleQueued(ctx context.Context, queuedBefore time.Time) ([]models.Order, error) {
	return s.filterOrders(0, func(o *models.Order) bool {
		return o.Status == models.StatusQueued && o.QueuedAt != nil && o.QueuedAt.Before(queuedBefore)
	}), nil
}

func (s *Store) ListQueueAnomalies(ctx context.Context) ([]models.Order, error) {
	return s.filterOrders(0, func(o *models.Order) bool {
		queued := o.Status == models.StatusQueued
		return queued != (o.QueuePosition != nil)
	}), nil
}

func (s *Store) ClearQueueFields(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return store.ErrOrderNotFound
	}
	o.QueuePosition = nil
	o.QueuedAt = nil
	o.EstimatedWaitMinutes = 0
	return nil
}

// queue returns the scope's queued orders in service order. Callers hold mu.
func (s *Store) queue(scope models.Scope) []*models.Order {
	var queued []*models.Order
	for _, o := range s.orders {
		if o.Status != models.StatusQueued || o.VenueID != scope.VenueID || o.BranchID != scope.BranchID {
			continue
		}
		queued = append(queued, o)
	}
	sort.Slice(queued, func(i, j int) bool { return queueLess(queued[i], queued[j]) })
	return queued
}

func queueLess(a, b *models.Order) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	at, bt := queuedTime(a), queuedTime(b)
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return a.OrderID < b.OrderID
}

func queuedTime(o *models.Order) time.Time {
	if o.QueuedAt != nil {
		return *o.QueuedAt
	}
	return o.CreatedAt
}

func (s *Store) renumber(scope models.Scope) {
	for i, o := range s.queue(scope) {
		position := i + 1
		o.QueuePosition = &position
		o.EstimatedWaitMinutes = store.EstimatedWaitMinutes(position, s.waitPerPosition)
	}
}

// leaveQueue clears the queue fields of o and moves every order behind it up
// by one. Callers hold mu.
func (s *Store) leaveQueue(o *models.Order) {
	var position int
	if o.QueuePosition != nil {
		position = *o.QueuePosition
	}
	o.QueuePosition = nil
	o.QueuedAt = nil
	o.EstimatedWaitMinutes = 0
	if position == 0 {
		return
	}
	for _, other := range s.queue(o.Scope()) {
		if other == o || other.QueuePosition == nil || *other.QueuePosition <= position {
			continue
		}
		shifted := *other.QueuePosition - 1
		other.QueuePosition = &shifted
		other.EstimatedWaitMinutes = store.EstimatedWaitMinutes(shifted, s.waitPerPosition)
	}
}

func (s *Store) filterOrders(limit int, keep func(o *models.Order) bool) []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].OrderID < out[j].OrderID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func copyOrder(o *models.Order) models.Order {
	c := *o
	if o.AssignedWorkerID != nil {
		id := *o.AssignedWorkerID
		c.AssignedWorkerID = &id
	}
	if o.AssignedAt != nil {
		at := *o.AssignedAt
		c.AssignedAt = &at
	}
	if o.QueuePosition != nil {
		position := *o.QueuePosition
		c.QueuePosition = &position
	}
	if o.QueuedAt != nil {
		at := *o.QueuedAt
		c.QueuedAt = &at
	}
	if o.ClosedAt != nil {
		at := *o.ClosedAt
		c.ClosedAt = &at
	}
	if o.AssignmentHistory != nil {
		c.AssignmentHistory = append([]models.AssignmentEntry(nil), o.AssignmentHistory...)
	}
	return c
}

var _ store.Store = (*Store)(nil)
