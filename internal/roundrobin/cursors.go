// Package roundrobin remembers, per scope, which worker last won a tie so the
// next tie goes to the worker after it.
package roundrobin

import (
	"sync"

	"tabletop/assignment-service/internal/models"
)

// Cursors is process-local. A restart loses every cursor, after which each
// scope starts again from its first tied worker.
type Cursors struct {
	mu   sync.Mutex
	last map[models.Scope]string
}

func New() *Cursors {
	return &Cursors{last: make(map[models.Scope]string)}
}

// Next picks the worker after the scope's last winner in tied and records
// the pick. It wraps to the first worker when the last winner is missing
// from tied or is its final element.
func (c *Cursors) Next(scope models.Scope, tied []string) string {
	if len(tied) == 0 {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	next := 0
	if last, ok := c.last[scope]; ok {
		for i, id := range tied {
			if id == last {
				next = (i + 1) % len(tied)
				break
			}
		}
	}
	c.last[scope] = tied[next]
	return tied[next]
}

// Record moves the cursor to workerID without a tie, so a worker picked for
// being least loaded is not picked again by the next tie.
func (c *Cursors) Record(scope models.Scope, workerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[scope] = workerID
}

func (c *Cursors) Last(scope models.Scope) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[scope]
}

func (c *Cursors) Reset(scope models.Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.last, scope)
}

// ResetVenue clears the venue-level cursor and every branch cursor under it.
func (c *Cursors) ResetVenue(venueID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cleared := 0
	for scope := range c.last {
		if scope.VenueID == venueID {
			delete(c.last, scope)
			cleared++
		}
	}
	return cleared
}

func (c *Cursors) ResetAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cleared := len(c.last)
	c.last = make(map[models.Scope]string)
	return cleared
}
