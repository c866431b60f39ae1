// Package reconciler runs the periodic sweeps that keep assignment state
// healthy without waiting for a request: it hands queued work to freed
// workers, flags slow orders, repairs counter drift and prunes old data.
package reconciler

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"tabletop/assignment-service/internal/assignment"
	"tabletop/assignment-service/internal/models"
	"tabletop/assignment-service/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

type Engine interface {
	AssignByID(ctx context.Context, orderID string) (assignment.Result, error)
	AssignFromQueue(ctx context.Context, workerID string) (assignment.Result, bool, error)
	ResetRoundRobin(venueID, branchID string) int
	ResetDailyCounters() int64
	Counters() assignment.Counters
}

type Queue interface {
	ExpireStale(ctx context.Context, maxAge time.Duration) (int, error)
	Repair(ctx context.Context) (int, error)
}

type Store interface {
	store.OrderStore
	store.WorkerStore
}

type Config struct {
	Interval             time.Duration
	CleanupInterval      time.Duration
	PreparationTimeout   time.Duration
	HistoryRetention     time.Duration
	QueueMaxAge          time.Duration
	ResetRoundRobinDaily bool
	Location             *time.Location
	BatchSize            int
	RepairConcurrency    int
	Now                  func() time.Time
}

type TickReport struct {
	FreedWorkers   int           `json:"freed_workers"`
	FreedAssigned  int           `json:"freed_assigned"`
	Timeouts       int           `json:"timeouts"`
	SweepAssigned  int           `json:"sweep_assigned"`
	AverageLatency time.Duration `json:"average_latency_ns"`
}

type CleanupReport struct {
	PurgedHistory int64 `json:"purged_history"`
	ExpiredQueue  int   `json:"expired_queue"`
	DailyReset    bool  `json:"daily_reset"`
}

type RepairReport struct {
	CountsFixed   int `json:"counts_fixed"`
	Reassigned    int `json:"reassigned"`
	QueueRepaired int `json:"queue_repaired"`
	Failed        int `json:"failed"`
}

type Health struct {
	IsRunning                bool       `json:"is_running"`
	LastTick                 *time.Time `json:"last_tick,omitempty"`
	LastCleanup              *time.Time `json:"last_cleanup,omitempty"`
	TotalAssignments         int64      `json:"total_assignments"`
	QueueAssignments         int64      `json:"queue_assignments"`
	TimeoutHandled           int64      `json:"timeout_handled"`
	AverageAssignmentSeconds float64    `json:"average_assignment_time_seconds"`
}

type Reconciler struct {
	store  Store
	engine Engine
	queue  Queue
	cfg    Config
	now    func() time.Time
	tracer trace.Tracer

	running        atomic.Bool
	ticking        atomic.Int32
	timeoutHandled atomic.Int64

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	since       time.Time
	lastTick    time.Time
	lastCleanup time.Time
	lastDay     string
	avgLatency  time.Duration
	hooks       []func(context.Context) error
}

func New(st Store, engine Engine, queue Queue, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.PreparationTimeout <= 0 {
		cfg.PreparationTimeout = 45 * time.Minute
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = 30 * 24 * time.Hour
	}
	if cfg.QueueMaxAge <= 0 {
		cfg.QueueMaxAge = 24 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RepairConcurrency <= 0 {
		cfg.RepairConcurrency = 8
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	r := &Reconciler{
		store:  st,
		engine: engine,
		queue:  queue,
		cfg:    cfg,
		now:    now,
		tracer: otel.Tracer("tabletop/assignment-service/reconciler"),
	}
	r.since = now()
	r.lastDay = r.day(r.since)
	return r
}

// OnShutdown registers fn to run at the end of Shutdown.
func (r *Reconciler) OnShutdown(fn func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Start launches the tick loops. Starting a running reconciler is a no-op.
func (r *Reconciler) Start(ctx context.Context) bool {
	if !r.running.CompareAndSwap(false, true) {
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go r.loop(loopCtx, done)
	log.Printf("reconciler started interval=%s cleanup_interval=%s", r.cfg.Interval, r.cfg.CleanupInterval)
	return true
}

// Stop halts the tick loops and waits for a sweep in progress to finish.
func (r *Reconciler) Stop(ctx context.Context) bool {
	if !r.running.CompareAndSwap(true, false) {
		return false
	}
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("reconciler stop: %v", ctx.Err())
	}
	log.Printf("reconciler stopped")
	return true
}

// Shutdown stops the loops, writes every worker's true open-order count and
// runs the registered hooks. Hook errors are joined.
func (r *Reconciler) Shutdown(ctx context.Context) error {
	r.Stop(ctx)
	if _, _, err := r.syncCounts(ctx, false); err != nil {
		log.Printf("reconciler final snapshot error: %v", err)
	}
	r.mu.Lock()
	hooks := append([]func(context.Context) error(nil), r.hooks...)
	r.mu.Unlock()
	var errs []error
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	cleanup := time.NewTicker(r.cfg.CleanupInterval)
	defer cleanup.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		case <-cleanup.C:
			r.Cleanup(ctx)
		}
	}
}

// Tick runs one sweep. Overlapping calls are skipped, and every failing
// step is logged without stopping the others.
func (r *Reconciler) Tick(ctx context.Context) TickReport {
	if !r.ticking.CompareAndSwap(0, 1) {
		return TickReport{}
	}
	defer r.ticking.Store(0)
	ctx, span := r.tracer.Start(ctx, "reconciler.tick")
	defer span.End()

	var report TickReport
	report.FreedWorkers, report.FreedAssigned = r.sweepFreed(ctx)
	report.Timeouts = r.flagTimeouts(ctx)
	report.SweepAssigned = r.sweepCapacity(ctx)
	report.AverageLatency = r.refreshLatency(ctx)

	r.mu.Lock()
	r.lastTick = r.now()
	r.mu.Unlock()

	span.SetAttributes(
		attribute.Int("freed_assigned", report.FreedAssigned),
		attribute.Int("timeouts", report.Timeouts),
		attribute.Int("sweep_assigned", report.SweepAssigned),
	)
	if report.FreedAssigned+report.Timeouts+report.SweepAssigned > 0 {
		log.Printf("reconciler tick freed=%d assigned=%d timeouts=%d swept=%d", report.FreedWorkers, report.FreedAssigned, report.Timeouts, report.SweepAssigned)
	}
	return report
}

func (r *Reconciler) sweepFreed(ctx context.Context) (int, int) {
	cutoff := r.now()
	r.mu.Lock()
	since := r.since
	r.mu.Unlock()

	closed, err := r.store.ListClosedSince(ctx, since)
	if err != nil {
		log.Printf("reconciler freed sweep error: %v", err)
		return 0, 0
	}
	r.mu.Lock()
	r.since = cutoff
	r.mu.Unlock()

	seen := make(map[string]bool)
	assigned := 0
	for _, order := range closed {
		workerID := order.WorkerID()
		if workerID == "" || seen[workerID] {
			continue
		}
		seen[workerID] = true
		_, ok, err := r.engine.AssignFromQueue(ctx, workerID)
		if err != nil {
			log.Printf("reconciler assign from queue worker=%s error: %v", workerID, err)
			continue
		}
		if ok {
			assigned++
		}
	}
	return len(seen), assigned
}

func (r *Reconciler) flagTimeouts(ctx context.Context) int {
	at := r.now()
	overdue, err := r.store.ListOverdue(ctx, at.Add(-r.cfg.PreparationTimeout), r.cfg.BatchSize)
	if err != nil {
		log.Printf("reconciler timeout scan error: %v", err)
		return 0
	}
	flagged := 0
	for _, order := range overdue {
		ok, err := r.store.MarkTimeout(ctx, order.OrderID, at)
		if err != nil {
			log.Printf("reconciler timeout order=%s error: %v", order.OrderID, err)
			continue
		}
		if ok {
			flagged++
			log.Printf("reconciler timeout order=%s worker=%s age=%s", order.OrderID, order.WorkerID(), at.Sub(order.CreatedAt).Round(time.Second))
		}
	}
	r.timeoutHandled.Add(int64(flagged))
	return flagged
}

// sweepCapacity offers one queued order to every schedulable worker below
// capacity, catching freed capacity that no event reported.
func (r *Reconciler) sweepCapacity(ctx context.Context) int {
	loads, err := r.loads(ctx, true)
	if err != nil {
		log.Printf("reconciler capacity sweep error: %v", err)
		return 0
	}
	assigned := 0
	for _, w := range loads {
		if !w.HasCapacity() {
			continue
		}
		_, ok, err := r.engine.AssignFromQueue(ctx, w.WorkerID)
		if err != nil {
			log.Printf("reconciler capacity sweep worker=%s error: %v", w.WorkerID, err)
			continue
		}
		if ok {
			assigned++
		}
	}
	return assigned
}

func (r *Reconciler) refreshLatency(ctx context.Context) time.Duration {
	avg, _, err := r.store.AverageAssignmentLatency(ctx, r.now().Add(-24*time.Hour))
	if err != nil {
		log.Printf("reconciler latency error: %v", err)
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.avgLatency
	}
	r.mu.Lock()
	r.avgLatency = avg
	r.mu.Unlock()
	return avg
}

// Cleanup purges old history, expires stale queue entries and resets the
// daily counters once the local day has changed.
func (r *Reconciler) Cleanup(ctx context.Context) CleanupReport {
	ctx, span := r.tracer.Start(ctx, "reconciler.cleanup")
	defer span.End()

	now := r.now()
	var report CleanupReport
	purged, err := r.store.PurgeHistory(ctx, now.Add(-r.cfg.HistoryRetention))
	if err != nil {
		log.Printf("reconciler purge history error: %v", err)
	}
	report.PurgedHistory = purged

	expired, err := r.queue.ExpireStale(ctx, r.cfg.QueueMaxAge)
	if err != nil {
		log.Printf("reconciler expire queue error: %v", err)
	}
	report.ExpiredQueue = expired

	today := r.day(now)
	r.mu.Lock()
	rollover := today != r.lastDay
	r.lastDay = today
	r.lastCleanup = now
	r.mu.Unlock()
	if rollover {
		previous := r.engine.ResetDailyCounters()
		cleared := 0
		if r.cfg.ResetRoundRobinDaily {
			cleared = r.engine.ResetRoundRobin("", "")
		}
		report.DailyReset = true
		log.Printf("reconciler day rollover day=%s assignments=%d cursors_cleared=%d", today, previous, cleared)
	}
	if report.PurgedHistory > 0 || report.ExpiredQueue > 0 {
		log.Printf("reconciler cleanup purged=%d expired=%d", report.PurgedHistory, report.ExpiredQueue)
	}
	return report
}

// Repair runs once before the first tick. It rewrites drifted worker
// counters, re-runs assignment for open orders nobody holds and fixes queue
// fields that disagree with the order status. A record that cannot be fixed
// is logged and skipped.
func (r *Reconciler) Repair(ctx context.Context) (RepairReport, error) {
	ctx, span := r.tracer.Start(ctx, "reconciler.repair")
	defer span.End()

	var report RepairReport
	fixed, failed, err := r.syncCounts(ctx, true)
	if err != nil {
		return report, err
	}
	report.CountsFixed = fixed
	report.Failed += failed

	reassigned, failed, err := r.reassignStuck(ctx)
	report.Reassigned = reassigned
	report.Failed += failed
	if err != nil {
		return report, err
	}

	repaired, err := r.queue.Repair(ctx)
	if err != nil {
		log.Printf("warn: repair queue error: %v", err)
		report.Failed++
	}
	report.QueueRepaired = repaired

	log.Printf("reconciler repair counts_fixed=%d reassigned=%d queue_repaired=%d failed=%d", report.CountsFixed, report.Reassigned, report.QueueRepaired, report.Failed)
	return report, nil
}

// reassignStuck re-runs assignment for every open order nobody holds. Each
// page asks for everything already tried plus a fresh batch, so orders that
// keep failing cannot hide the ones behind them.
func (r *Reconciler) reassignStuck(ctx context.Context) (int, int, error) {
	tried := make(map[string]bool)
	reassigned, failed := 0, 0
	for {
		limit := len(tried) + r.cfg.BatchSize
		stuck, err := r.store.ListUnassignedOpen(ctx, limit)
		if err != nil {
			return reassigned, failed, err
		}
		fresh := 0
		for _, order := range stuck {
			if tried[order.OrderID] {
				continue
			}
			tried[order.OrderID] = true
			fresh++
			result, err := r.engine.AssignByID(ctx, order.OrderID)
			if err != nil {
				log.Printf("warn: repair assign order=%s error: %v", order.OrderID, err)
				failed++
				continue
			}
			reassigned++
			if result.Queued {
				log.Printf("warn: repair queued order=%s position=%d", order.OrderID, result.QueuePosition)
			} else {
				log.Printf("warn: repair assigned order=%s worker=%s", order.OrderID, result.WorkerID)
			}
		}
		if fresh == 0 || len(stuck) < limit {
			return reassigned, failed, nil
		}
	}
}

// syncCounts rewrites each worker's counter from its open orders. The store
// does the count and the write atomically, so assignments racing with the
// sweep are never lost. With logDrift every corrected worker is logged.
func (r *Reconciler) syncCounts(ctx context.Context, logDrift bool) (int, int, error) {
	workers, err := r.store.ListWorkers(ctx, store.WorkerFilter{})
	if err != nil {
		return 0, 0, err
	}
	var fixed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.RepairConcurrency)
	for _, w := range workers {
		g.Go(func() error {
			stored, actual, err := r.store.SyncActiveOrdersCount(gctx, w.WorkerID)
			if err != nil {
				log.Printf("warn: count repair worker=%s error: %v", w.WorkerID, err)
				failed.Add(1)
				return nil
			}
			if stored == actual {
				return nil
			}
			if logDrift {
				log.Printf("warn: count drift worker=%s stored=%d actual=%d", w.WorkerID, stored, actual)
			}
			fixed.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(fixed.Load()), int(failed.Load()), err
	}
	return int(fixed.Load()), int(failed.Load()), nil
}

func (r *Reconciler) loads(ctx context.Context, onlySchedulable bool) ([]models.WorkerWithLoad, error) {
	workers, err := r.store.ListWorkers(ctx, store.WorkerFilter{OnlySchedulable: onlySchedulable})
	if err != nil {
		return nil, err
	}
	if len(workers) == 0 {
		return nil, nil
	}
	ids := make([]string, len(workers))
	for i, w := range workers {
		ids[i] = w.WorkerID
	}
	counts, err := r.store.CountOpenOrders(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]models.WorkerWithLoad, len(workers))
	for i, w := range workers {
		out[i] = models.WorkerWithLoad{Worker: w, Load: counts[w.WorkerID]}
	}
	return out, nil
}

func (r *Reconciler) Health() Health {
	counters := r.engine.Counters()
	r.mu.Lock()
	defer r.mu.Unlock()
	health := Health{
		IsRunning:                r.running.Load(),
		TotalAssignments:         counters.TotalAssignments,
		QueueAssignments:         counters.QueueAssignments,
		TimeoutHandled:           r.timeoutHandled.Load(),
		AverageAssignmentSeconds: r.avgLatency.Seconds(),
	}
	if !r.lastCleanup.IsZero() {
		at := r.lastCleanup
		health.LastCleanup = &at
	}
	if !r.lastTick.IsZero() {
		at := r.lastTick
		health.LastTick = &at
	}
	return health
}

func (r *Reconciler) day(t time.Time) string {
	return t.In(r.cfg.Location).Format("2006-01-02")
}
