package store

import "tabletop/assignment-service/internal/models"

// transitionMap lists, per current status, the statuses TransitionOrder may
// move an order to. Queue entry and exit go through EnqueueOrder,
// RemoveFromQueue and AssignOrder instead.
var transitionMap = map[string][]string{
	models.StatusPending:   {models.StatusConfirmed, models.StatusPreparing, models.StatusReady, models.StatusServed, models.StatusCompleted, models.StatusCancelled},
	models.StatusConfirmed: {models.StatusPreparing, models.StatusReady, models.StatusServed, models.StatusCompleted, models.StatusCancelled},
	models.StatusPreparing: {models.StatusReady, models.StatusServed, models.StatusCompleted, models.StatusCancelled},
	models.StatusReady:     {models.StatusServed, models.StatusCompleted, models.StatusCancelled},
	models.StatusServed:    {models.StatusCompleted},
	models.StatusQueued:    {models.StatusCancelled, models.StatusExpired},
}

func ValidTransition(fromStatus, toStatus string) bool {
	allowed, ok := transitionMap[fromStatus]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == toStatus {
			return true
		}
	}
	return false
}

// CountsAsCompletion reports whether reaching status finishes the worker's
// service of the order.
func CountsAsCompletion(status string) bool {
	return status == models.StatusServed || status == models.StatusCompleted
}

// EstimatedWaitMinutes is the wait shown to a queued order at position.
func EstimatedWaitMinutes(position, minutesPerPosition int) int {
	if position <= 0 || minutesPerPosition <= 0 {
		return 0
	}
	return position * minutesPerPosition
}
