package store

import (
	"context"
	"time"

	"tabletop/assignment-service/internal/models"
)

type CreateOrderInput struct {
	OrderID   string
	VenueID   string
	BranchID  string
	TableRef  string
	Priority  models.Priority
	CreatedAt time.Time
}

type AssignInput struct {
	OrderID    string
	WorkerID   string
	Method     string
	Reason     string
	AssignedAt time.Time
	// Elevate raises the order to high priority and tags it, as manual
	// assignment does.
	Elevate bool
}

type TransitionInput struct {
	OrderID    string
	ToStatus   string
	Reason     string
	OccurredAt time.Time
}

type QueueInput struct {
	OrderID  string
	Priority models.Priority
	QueuedAt time.Time
}

type WorkerFilter struct {
	VenueID  string
	BranchID string
	// OwnerID keeps only workers whose manager was created by this owner.
	OwnerID         string
	OnlySchedulable bool
}

type QueueFilter struct {
	Scope    models.Scope
	Priority models.Priority
	Offset   int
	Limit    int
}

type QueueCounts struct {
	Total        int                     `json:"total"`
	ByPriority   map[models.Priority]int `json:"by_priority"`
	OldestQueued *time.Time              `json:"oldest_queued_at,omitempty"`
	AverageWait  float64                 `json:"average_wait_minutes"`
}

type OrderStore interface {
	CreateOrder(ctx context.Context, input CreateOrderInput) (models.Order, error)
	GetOrder(ctx context.Context, orderID string) (models.Order, error)
	// AssignOrder binds an unassigned open (or queued) order to a worker and
	// increments the worker's counters in one atomic step. The increment is
	// conditional on remaining capacity; ErrCapacityExceeded is returned and
	// nothing is written when the worker is full. A queued order leaves the
	// queue and the positions behind it move up.
	AssignOrder(ctx context.Context, input AssignInput) (models.Order, error)
	// TransitionOrder moves an order along the status machine. When the order
	// leaves the open set while holding capacity, the worker counter is
	// released exactly once. Repeating a transition that already happened
	// returns changed=false and writes nothing.
	TransitionOrder(ctx context.Context, input TransitionInput) (models.Order, bool, error)
	ListUnassignedOpen(ctx context.Context, limit int) ([]models.Order, error)
	ListOverdue(ctx context.Context, createdBefore time.Time, limit int) ([]models.Order, error)
	MarkTimeout(ctx context.Context, orderID string, at time.Time) (bool, error)
	ListClosedSince(ctx context.Context, since time.Time) ([]models.Order, error)
	AverageAssignmentLatency(ctx context.Context, since time.Time) (time.Duration, int, error)
	PurgeHistory(ctx context.Context, before time.Time) (int64, error)
}

type QueueStore interface {
	// EnqueueOrder marks a pending, unassigned order as queued and places it
	// at the end of its priority tier.
	EnqueueOrder(ctx context.Context, input QueueInput) (models.Order, error)
	CountQueued(ctx context.Context, scope models.Scope) (int, error)
	NextQueued(ctx context.Context, scope models.Scope) (models.Order, bool, error)
	ListQueued(ctx context.Context, filter QueueFilter) ([]models.Order, int, error)
	QueueCounts(ctx context.Context, scope models.Scope) (QueueCounts, error)
	// RemoveFromQueue returns a queued order to pending and closes the gap it
	// leaves behind.
	RemoveFromQueue(ctx context.Context, orderID string) (models.Order, error)
	SetPriority(ctx context.Context, orderID string, priority models.Priority) (models.Order, models.Priority, error)
	// RenumberQueue rewrites every position of the scope as 1..N in
	// priority-desc, queued_at-asc order.
	RenumberQueue(ctx context.Context, scope models.Scope) error
	ListStaleQueued(ctx context.Context, queuedBefore time.Time) ([]models.Order, error)
	// ListQueueAnomalies returns orders whose status and queue position
	// disagree.
	ListQueueAnomalies(ctx context.Context) ([]models.Order, error)
	ClearQueueFields(ctx context.Context, orderID string) error
}

type WorkerStore interface {
	GetWorker(ctx context.Context, workerID string) (models.Worker, error)
	ListWorkers(ctx context.Context, filter WorkerFilter) ([]models.Worker, error)
	// CountOpenOrders counts open orders per worker in one round trip.
	CountOpenOrders(ctx context.Context, workerIDs []string) (map[string]int, error)
	// SyncActiveOrdersCount rewrites the worker's counter from its open
	// orders in one atomic step and returns the old and new values.
	SyncActiveOrdersCount(ctx context.Context, workerID string) (stored int, actual int, err error)
	// SetWorkerAvailability flips the shift flag. Open orders stay with the
	// worker either way.
	SetWorkerAvailability(ctx context.Context, workerID string, available bool) (models.Worker, error)
}

type HierarchyStore interface {
	GetVenue(ctx context.Context, venueID string) (models.Venue, error)
	GetBranch(ctx context.Context, branchID string) (models.Branch, error)
}

type Store interface {
	OrderStore
	QueueStore
	WorkerStore
	HierarchyStore
}
