package queue

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

// Listener receives every job status transition. Returned errors and panics
// are logged and never reach other listeners or the controller.
type Listener func(scrape.StatusEvent) error

type subscription struct {
	id     uint64
	fn     Listener
	active atomic.Bool
}

// Subscribe registers fn and returns a function that unregisters it. Events
// are delivered in transition order; a listener unsubscribed mid-delivery
// receives nothing further.
func (c *Controller) Subscribe(fn Listener) func() {
	c.mu.Lock()
	c.nextSubID++
	sub := &subscription{id: c.nextSubID, fn: fn}
	sub.active.Store(true)
	c.listeners = append(c.listeners, sub)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			sub.active.Store(false)
			c.listeners = slices.DeleteFunc(c.listeners, func(s *subscription) bool { return s == sub })
		})
	}
}

// emitLocked queues a transition event; flush delivers it after the lock is
// released.
func (c *Controller) emitLocked(job scrape.Job, previous scrape.JobStatus) {
	c.outbox = append(c.outbox, scrape.StatusEvent{
		Job:      job,
		Previous: previous,
		At:       c.clock.Now(),
	})
}

// flush delivers queued events outside the lock. Only one goroutine delivers
// at a time, which keeps global order and lets listeners call back into the
// controller.
func (c *Controller) flush() {
	c.mu.Lock()
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	for len(c.outbox) > 0 {
		event := c.outbox[0]
		c.outbox = c.outbox[1:]
		subs := slices.Clone(c.listeners)
		c.mu.Unlock()

		for _, sub := range subs {
			if sub.active.Load() {
				c.deliver(sub, event)
			}
		}

		c.mu.Lock()
	}
	c.outbox = nil
	c.delivering = false
	c.mu.Unlock()
}

func (c *Controller) deliver(sub *subscription, event scrape.StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("listener panicked",
				zap.Uint64("listener", sub.id),
				zap.String("job_id", event.Job.ID),
				zap.Error(fmt.Errorf("panic: %v", r)),
			)
		}
	}()
	event.Job = event.Job.Clone()
	if err := sub.fn(event); err != nil {
		c.logger.Warn("listener failed",
			zap.Uint64("listener", sub.id),
			zap.String("job_id", event.Job.ID),
			zap.String("status", string(event.Job.Status)),
			zap.Error(err),
		)
	}
}
