package store

import "errors"

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrWorkerNotFound   = errors.New("worker not found")
	ErrVenueNotFound    = errors.New("venue not found")
	ErrBranchNotFound   = errors.New("branch not found")
	ErrInvalidState     = errors.New("invalid order state")
	ErrAlreadyAssigned  = errors.New("order already assigned")
	ErrCapacityExceeded = errors.New("worker at capacity")
	ErrQueueFull        = errors.New("queue full")
	ErrNotQueued        = errors.New("order not queued")
)
