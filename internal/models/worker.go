package models

const (
	RoleWaiter = "waiter"

	WorkerActive    = "active"
	WorkerInactive  = "inactive"
	WorkerOnBreak   = "on_break"
	WorkerOnLeave   = "on_leave"
	WorkerSuspended = "suspended"

	DefaultWorkerCapacity = 5
)

type Worker struct {
	WorkerID          string          `json:"worker_id"`
	VenueID           string          `json:"venue_id"`
	BranchID          string          `json:"branch_id,omitempty"`
	ManagerID         string          `json:"manager_id,omitempty"`
	Name              string          `json:"name,omitempty"`
	Role              string          `json:"role"`
	Status            string          `json:"status"`
	IsAvailable       bool            `json:"is_available"`
	ActiveOrdersCount int             `json:"active_orders_count"`
	MaxOrdersCapacity int             `json:"max_orders_capacity"`
	Stats             AssignmentStats `json:"assignment_stats"`
}

// AssignmentStats are reporting counters; scheduling never reads them.
type AssignmentStats struct {
	TotalAssignments int64 `json:"total_assignments"`
	CompletedOrders  int64 `json:"completed_orders"`
}

// Schedulable reports whether the worker may receive new orders at all,
// ignoring load.
func (w Worker) Schedulable() bool {
	return w.Role == RoleWaiter && w.Status == WorkerActive && w.IsAvailable
}

func (w Worker) Capacity() int {
	if w.MaxOrdersCapacity < 1 {
		return DefaultWorkerCapacity
	}
	return w.MaxOrdersCapacity
}

// WorkerWithLoad is the transient view produced by the batch open-order count.
type WorkerWithLoad struct {
	Worker
	Load int `json:"load"`
}

func (w WorkerWithLoad) HasCapacity() bool {
	return w.Load < w.Capacity()
}
