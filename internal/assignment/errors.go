package assignment

import "errors"

var (
	ErrHierarchyInvalid  = errors.New("hierarchy invalid")
	ErrServiceSaturated  = errors.New("no eligible workers and queue full")
	ErrWorkerUnavailable = errors.New("worker unavailable")
)

// HierarchyError carries the validator's reason and matches
// ErrHierarchyInvalid.
type HierarchyError struct {
	Reason string
}

func (e *HierarchyError) Error() string {
	return "hierarchy invalid: " + e.Reason
}

func (e *HierarchyError) Is(target error) bool {
	return target == ErrHierarchyInvalid
}
