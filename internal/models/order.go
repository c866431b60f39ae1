package models

import "time"

type Order struct {
	OrderID              string            `json:"order_id"`
	VenueID              string            `json:"venue_id"`
	BranchID             string            `json:"branch_id,omitempty"`
	TableRef             string            `json:"table_ref,omitempty"`
	Status               string            `json:"status"`
	AssignedWorkerID     *string           `json:"assigned_worker_id,omitempty"`
	AssignedAt           *time.Time        `json:"assigned_at,omitempty"`
	AssignmentMethod     string            `json:"assignment_method,omitempty"`
	AssignmentHistory    []AssignmentEntry `json:"assignment_history,omitempty"`
	Priority             Priority          `json:"priority"`
	QueuePosition        *int              `json:"queue_position,omitempty"`
	QueuedAt             *time.Time        `json:"queued_at,omitempty"`
	EstimatedWaitMinutes int               `json:"estimated_wait_minutes,omitempty"`
	IsTimeout            bool              `json:"is_timeout"`
	Elevated             bool              `json:"elevated"`
	CapacityReleased     bool              `json:"-"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	ClosedAt             *time.Time        `json:"closed_at,omitempty"`
}

// AssignmentEntry is one append-only line of an order's assignment history.
type AssignmentEntry struct {
	WorkerID  string    `json:"worker_id,omitempty"`
	Method    string    `json:"method"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusPreparing = "preparing"
	StatusReady     = "ready"
	StatusServed    = "served"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusQueued    = "queued"
	StatusExpired   = "expired"
)

const (
	MethodRoundRobin    = "round-robin"
	MethodLoadBalancing = "load-balancing"
	MethodQueue         = "queue"
	MethodManual        = "manual"
)

// OpenStatuses are the statuses that occupy a worker's capacity.
var OpenStatuses = []string{StatusPending, StatusConfirmed, StatusPreparing, StatusReady}

func IsOpenStatus(status string) bool {
	switch status {
	case StatusPending, StatusConfirmed, StatusPreparing, StatusReady:
		return true
	}
	return false
}

func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

func (o Order) Scope() Scope {
	return Scope{VenueID: o.VenueID, BranchID: o.BranchID}
}

func (o Order) WorkerID() string {
	if o.AssignedWorkerID == nil {
		return ""
	}
	return *o.AssignedWorkerID
}
