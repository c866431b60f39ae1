// Package notify delivers assignment and queue events to workers and their
// managers. Delivery is asynchronous and best effort: a failed or dropped
// notification is logged and never reaches the caller's result.
package notify

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"tabletop/assignment-service/internal/models"
)

const (
	EventOrderAssigned = "order.assigned"
	EventOrderQueued   = "order.queued"
)

var ErrDropped = errors.New("notification dropped")

type Event struct {
	Type          string    `json:"type"`
	OrderID       string    `json:"order_id"`
	VenueID       string    `json:"venue_id"`
	BranchID      string    `json:"branch_id,omitempty"`
	TableRef      string    `json:"table_ref,omitempty"`
	WorkerID      string    `json:"worker_id,omitempty"`
	ManagerID     string    `json:"manager_id,omitempty"`
	Method        string    `json:"method,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Priority      string    `json:"priority,omitempty"`
	QueuePosition int       `json:"queue_position,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Notifier is the sink the assignment engine talks to.
type Notifier interface {
	NotifyWorkerAssigned(ctx context.Context, event Event) error
	NotifyManagerAssigned(ctx context.Context, event Event) error
}

// AssignedEvent describes order being handed to worker.
func AssignedEvent(order models.Order, worker models.Worker, reason string) Event {
	event := OrderEvent(EventOrderAssigned, order)
	event.WorkerID = worker.WorkerID
	event.ManagerID = worker.ManagerID
	event.Reason = reason
	return event
}

func OrderEvent(eventType string, order models.Order) Event {
	event := Event{
		Type:       eventType,
		OrderID:    order.OrderID,
		VenueID:    order.VenueID,
		BranchID:   order.BranchID,
		TableRef:   order.TableRef,
		WorkerID:   order.WorkerID(),
		Method:     order.AssignmentMethod,
		Priority:   order.Priority.String(),
		OccurredAt: order.UpdatedAt,
	}
	if order.QueuePosition != nil {
		event.QueuePosition = *order.QueuePosition
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	return event
}

func defaultTemplate(eventType, channel string) string {
	switch eventType {
	case EventOrderAssigned:
		if channel == ChannelManager {
			return "Order {order_id} at table {table_ref} went to {worker_id} ({method})."
		}
		return "Order {order_id} at table {table_ref} is yours ({method})."
	case EventOrderQueued, "order.requeued":
		return "Order {order_id} is waiting at position {queue_position} ({priority})."
	case "order.expired":
		return "Order {order_id} expired in the queue."
	case "order.dequeued":
		return "Order {order_id} left the queue."
	}
	return ""
}

func renderTemplate(template string, event Event) string {
	replacer := strings.NewReplacer(
		"{order_id}", event.OrderID,
		"{venue_id}", event.VenueID,
		"{branch_id}", event.BranchID,
		"{table_ref}", event.TableRef,
		"{worker_id}", event.WorkerID,
		"{method}", event.Method,
		"{priority}", event.Priority,
		"{queue_position}", strconv.Itoa(event.QueuePosition),
	)
	return replacer.Replace(template)
}
