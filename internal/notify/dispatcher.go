package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"tabletop/assignment-service/internal/models"
	"tabletop/assignment-service/internal/realtime"
)

type Config struct {
	Worker    Provider
	Manager   Provider
	QueueSize int
	Workers   int
	// Board, when set, receives every event as JSON for the staff board.
	Board       *realtime.Hub
	SendTimeout time.Duration
}

type job struct {
	channel   string
	provider  Provider
	recipient string
	event     Event
}

type Stats struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

// Dispatcher queues notifications and sends them from a fixed set of
// goroutines started by Run. Enqueueing never blocks.
type Dispatcher struct {
	worker      Provider
	manager     Provider
	board       *realtime.Hub
	jobs        chan job
	workers     int
	sendTimeout time.Duration

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

func NewDispatcher(cfg Config) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	workerProvider := cfg.Worker
	if workerProvider == nil {
		workerProvider = logProvider{channel: ChannelWorker}
	}
	managerProvider := cfg.Manager
	if managerProvider == nil {
		managerProvider = logProvider{channel: ChannelManager}
	}
	return &Dispatcher{
		worker:      workerProvider,
		manager:     managerProvider,
		board:       cfg.Board,
		jobs:        make(chan job, size),
		workers:     workers,
		sendTimeout: timeout,
	}
}

func (d *Dispatcher) NotifyWorkerAssigned(ctx context.Context, event Event) error {
	d.publishBoard(event)
	return d.enqueue(job{channel: ChannelWorker, provider: d.worker, recipient: event.WorkerID, event: event})
}

// NotifyManagerAssigned is a no-op for workers without a manager.
func (d *Dispatcher) NotifyManagerAssigned(ctx context.Context, event Event) error {
	if event.ManagerID == "" {
		return nil
	}
	return d.enqueue(job{channel: ChannelManager, provider: d.manager, recipient: event.ManagerID, event: event})
}

// QueueChanged forwards queue movements to the board only.
func (d *Dispatcher) QueueChanged(ctx context.Context, action string, order models.Order) {
	d.publishBoard(OrderEvent(action, order))
}

func (d *Dispatcher) Stats() Stats {
	return Stats{Sent: d.sent.Load(), Failed: d.failed.Load(), Dropped: d.dropped.Load()}
}

// Run sends queued notifications until ctx is cancelled. Jobs still
// buffered at that point are abandoned.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-d.jobs:
					d.send(ctx, j)
				}
			}
		}()
	}
	wg.Wait()
	if pending := len(d.jobs); pending > 0 {
		log.Printf("notify stopped with %d pending", pending)
	}
	return nil
}

func (d *Dispatcher) enqueue(j job) error {
	select {
	case d.jobs <- j:
		return nil
	default:
		d.dropped.Add(1)
		return fmt.Errorf("%s %s for order %s: %w", j.channel, j.event.Type, j.event.OrderID, ErrDropped)
	}
}

func (d *Dispatcher) send(ctx context.Context, j job) {
	template := defaultTemplate(j.event.Type, j.channel)
	if template == "" {
		return
	}
	message := renderTemplate(template, j.event)
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	if err := j.provider.Send(sendCtx, message, j.recipient, j.event); err != nil {
		d.failed.Add(1)
		log.Printf("notify %s error order=%s recipient=%s: %v", j.channel, j.event.OrderID, j.recipient, err)
		return
	}
	d.sent.Add(1)
}

func (d *Dispatcher) publishBoard(event Event) {
	if d.board == nil {
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		log.Printf("notify board encode error: %v", err)
		return
	}
	d.board.Broadcast(body, realtime.Subscription{VenueID: event.VenueID, BranchID: event.BranchID, WorkerID: event.WorkerID})
}
