// Package queue keeps the per-branch waiting list of orders that no worker
// could take. The list lives on the order rows themselves; this package owns
// admission and keeps the positions of every scope a contiguous 1..N run in
// priority-desc, FIFO order.
package queue

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"tabletop/assignment-service/internal/keymutex"
	"tabletop/assignment-service/internal/models"
	"tabletop/assignment-service/internal/store"
)

const DefaultMaxSize = 100

type Store interface {
	store.QueueStore
	GetOrder(ctx context.Context, orderID string) (models.Order, error)
	TransitionOrder(ctx context.Context, input store.TransitionInput) (models.Order, bool, error)
}

// Observer hears about queue changes. Implementations must not block.
type Observer interface {
	QueueChanged(ctx context.Context, action string, order models.Order)
}

type Options struct {
	MaxSize  int
	Observer Observer
	Now      func() time.Time
}

type Manager struct {
	store    Store
	locks    *keymutex.Map
	maxSize  int
	observer Observer
	now      func() time.Time
}

type Details struct {
	Orders []models.Order    `json:"orders"`
	Stats  store.QueueCounts `json:"stats"`
	Total  int               `json:"total"`
	Offset int               `json:"offset"`
	Limit  int               `json:"limit"`
}

func NewManager(st Store, options Options) *Manager {
	maxSize := options.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		store:    st,
		locks:    keymutex.New(),
		maxSize:  maxSize,
		observer: options.Observer,
		now:      now,
	}
}

func (m *Manager) MaxSize() int {
	return m.maxSize
}

// WithLock runs fn while holding the scope's queue lock. fn may use the
// store directly but must not call back into Manager methods that lock.
func (m *Manager) WithLock(scope models.Scope, fn func() error) error {
	unlock := m.locks.Lock(scope.Key())
	defer unlock()
	return fn()
}

// Enqueue admits a pending order to its scope's queue. A full queue is
// rejected before anything is written.
func (m *Manager) Enqueue(ctx context.Context, order models.Order, priority models.Priority) (models.Order, error) {
	if !priority.Valid() {
		priority = order.Priority
	}
	if !priority.Valid() {
		priority = models.PriorityNormal
	}
	scope := order.Scope()
	unlock := m.locks.Lock(scope.Key())
	defer unlock()

	size, err := m.store.CountQueued(ctx, scope)
	if err != nil {
		return models.Order{}, fmt.Errorf("count queue: %w", err)
	}
	if size >= m.maxSize {
		return models.Order{}, fmt.Errorf("%s holds %d orders: %w", scope.Key(), size, store.ErrQueueFull)
	}

	queued, err := m.store.EnqueueOrder(ctx, store.QueueInput{
		OrderID:  order.OrderID,
		Priority: priority,
		QueuedAt: m.now(),
	})
	if err != nil {
		return models.Order{}, err
	}
	log.Printf("queue enqueue order=%s scope=%s priority=%s position=%d", queued.OrderID, scope.Key(), queued.Priority, position(queued))
	m.emit(ctx, "order.queued", queued)
	return queued, nil
}

// DequeueNext peeks at the order that would be served next. It writes
// nothing; the caller removes or assigns the order itself.
func (m *Manager) DequeueNext(ctx context.Context, scope models.Scope) (models.Order, bool, error) {
	return m.store.NextQueued(ctx, scope)
}

func (m *Manager) Remove(ctx context.Context, orderID string) (models.Order, error) {
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	unlock := m.locks.Lock(order.Scope().Key())
	defer unlock()
	removed, err := m.store.RemoveFromQueue(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	m.emit(ctx, "order.dequeued", removed)
	return removed, nil
}

// UpdatePriority moves a queued order to another tier. Positions are
// rebuilt only when the tier actually changes.
func (m *Manager) UpdatePriority(ctx context.Context, orderID string, priority models.Priority) (models.Order, error) {
	if !priority.Valid() {
		return models.Order{}, fmt.Errorf("priority %d: %w", priority, store.ErrInvalidState)
	}
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	scope := order.Scope()
	unlock := m.locks.Lock(scope.Key())
	defer unlock()

	updated, previous, err := m.store.SetPriority(ctx, orderID, priority)
	if err != nil {
		return models.Order{}, err
	}
	if previous == priority {
		return updated, nil
	}
	if err := m.store.RenumberQueue(ctx, scope); err != nil {
		return models.Order{}, fmt.Errorf("renumber %s: %w", scope.Key(), err)
	}
	updated, err = m.store.GetOrder(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	log.Printf("queue priority order=%s from=%s to=%s position=%d", orderID, previous, priority, position(updated))
	m.emit(ctx, "order.requeued", updated)
	return updated, nil
}

// ExpireStale marks orders queued longer than maxAge as expired and rebuilds
// the positions of every scope it touched.
func (m *Manager) ExpireStale(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	stale, err := m.store.ListStaleQueued(ctx, m.now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("list stale queue: %w", err)
	}
	expired := 0
	for scope, orders := range groupByScope(stale) {
		n, err := m.expireScope(ctx, scope, orders)
		expired += n
		if err != nil {
			log.Printf("queue expire scope=%s error: %v", scope.Key(), err)
		}
	}
	return expired, nil
}

func (m *Manager) expireScope(ctx context.Context, scope models.Scope, orders []models.Order) (int, error) {
	unlock := m.locks.Lock(scope.Key())
	defer unlock()
	expired := 0
	for _, order := range orders {
		updated, changed, err := m.store.TransitionOrder(ctx, store.TransitionInput{
			OrderID:    order.OrderID,
			ToStatus:   models.StatusExpired,
			Reason:     "queue wait exceeded",
			OccurredAt: m.now(),
		})
		if err != nil {
			log.Printf("queue expire order=%s error: %v", order.OrderID, err)
			continue
		}
		if changed {
			expired++
			m.emit(ctx, "order.expired", updated)
		}
	}
	return expired, m.store.RenumberQueue(ctx, scope)
}

func (m *Manager) Renumber(ctx context.Context, scope models.Scope) error {
	unlock := m.locks.Lock(scope.Key())
	defer unlock()
	return m.store.RenumberQueue(ctx, scope)
}

func (m *Manager) Details(ctx context.Context, filter store.QueueFilter) (Details, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	orders, total, err := m.store.ListQueued(ctx, filter)
	if err != nil {
		return Details{}, err
	}
	stats, err := m.store.QueueCounts(ctx, filter.Scope)
	if err != nil {
		return Details{}, err
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return Details{Orders: orders, Stats: stats, Total: total, Offset: filter.Offset, Limit: filter.Limit}, nil
}

func (m *Manager) Counts(ctx context.Context, scope models.Scope) (store.QueueCounts, error) {
	return m.store.QueueCounts(ctx, scope)
}

// Repair fixes orders whose status and queue position disagree. A record
// that cannot be fixed is logged and skipped.
func (m *Manager) Repair(ctx context.Context) (int, error) {
	anomalies, err := m.store.ListQueueAnomalies(ctx)
	if err != nil {
		return 0, fmt.Errorf("list queue anomalies: %w", err)
	}
	repaired := 0
	for scope, orders := range groupByScope(anomalies) {
		err := m.WithLock(scope, func() error {
			for _, order := range orders {
				if order.Status == models.StatusQueued {
					continue
				}
				if err := m.store.ClearQueueFields(ctx, order.OrderID); err != nil {
					log.Printf("warn: queue repair order=%s error: %v", order.OrderID, err)
					continue
				}
			}
			return m.store.RenumberQueue(ctx, scope)
		})
		if err != nil {
			log.Printf("warn: queue repair scope=%s error: %v", scope.Key(), err)
			continue
		}
		log.Printf("warn: queue repair scope=%s fixed=%d", scope.Key(), len(orders))
		repaired += len(orders)
	}
	return repaired, nil
}

func (m *Manager) emit(ctx context.Context, action string, order models.Order) {
	if m.observer != nil {
		m.observer.QueueChanged(ctx, action, order)
	}
}

func groupByScope(orders []models.Order) map[models.Scope][]models.Order {
	grouped := make(map[models.Scope][]models.Order)
	for _, order := range orders {
		grouped[order.Scope()] = append(grouped[order.Scope()], order)
	}
	for _, list := range grouped {
		sort.Slice(list, func(i, j int) bool { return list[i].OrderID < list[j].OrderID })
	}
	return grouped
}

func position(order models.Order) int {
	if order.QueuePosition == nil {
		return 0
	}
	return *order.QueuePosition
}
