package retry

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/relay/pkg/handler"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/types"
)

// publishAttempts bounds local retries of the deferred re-publish itself
const publishAttempts = 3

// publishBackoff is the pause between re-publish attempts
const publishBackoff = 500 * time.Millisecond

// PublishFunc re-enqueues a task onto the task topic. Injected by the
// dispatch engine so the controller holds no back-pointer to it.
type PublishFunc func(ctx context.Context, task *types.Task) error

// Controller decides whether a failed attempt is retried and schedules the
// deferred re-publish. Timers are in-process only; pending timers are
// abandoned on shutdown and recovery relies on the startup sweep over
// PENDING state-store documents.
type Controller struct {
	policy  func() types.RetryPolicy
	publish PublishFunc
	logger  zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

// New creates a controller. policy is read at decision time so config
// updates apply to subsequent failures.
func New(policy func() types.RetryPolicy, publish PublishFunc) *Controller {
	return &Controller{
		policy:  policy,
		publish: publish,
		logger:  log.WithComponent("retry"),
		timers:  make(map[string]*time.Timer),
	}
}

// DelayFor returns the backoff before retry k (1-based):
// min(initial * factor^(k-1), max).
func DelayFor(p types.RetryPolicy, k int) time.Duration {
	if k < 1 {
		k = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Factor, float64(k-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// ShouldRetry reports whether the failed attempt is retried. Handler
// classification is authoritative: a permanent error is never retried
// regardless of remaining attempts.
func (c *Controller) ShouldRetry(task *types.Task, err error) bool {
	if handler.IsPermanent(err) {
		return false
	}
	return task.Attempt+1 < c.policy().MaxAttempts
}

// Schedule arranges the deferred re-publish of task with attempt+1 and the
// last_error annotation. done is invoked exactly once: with nil after a
// successful re-publish, or with the publish error once local retries are
// exhausted. The caller commits the original delivery's offset only after
// done(nil).
func (c *Controller) Schedule(task *types.Task, lastErr string, done func(next *types.Task, err error)) {
	next := task.Clone()
	next.Attempt++
	next.State = types.TaskStatePending
	next.LastError = lastErr
	next.WorkerID = ""
	next.UpdatedAt = time.Now()

	delay := DelayFor(c.policy(), next.Attempt)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	timer := time.AfterFunc(delay, func() {
		defer c.wg.Done()
		c.mu.Lock()
		delete(c.timers, next.ID)
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		var err error
		for i := 0; i < publishAttempts; i++ {
			if err = c.publish(context.Background(), next); err == nil {
				break
			}
			c.logger.Warn().Err(err).
				Str("task_id", next.ID).
				Int("publish_attempt", i+1).
				Msg("retry re-publish failed")
			time.Sleep(publishBackoff)
		}
		done(next, err)
	})
	c.timers[next.ID] = timer
	c.mu.Unlock()

	c.logger.Debug().
		Str("task_id", next.ID).
		Int("attempt", next.Attempt).
		Dur("delay", delay).
		Msg("retry scheduled")
}

// Cancel drops a pending timer for id, if any
func (c *Controller) Cancel(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timer, ok := c.timers[id]; ok {
		if timer.Stop() {
			c.wg.Done()
		}
		delete(c.timers, id)
	}
}

// Pending returns the number of scheduled re-publishes
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Stop abandons all pending timers. Scheduled retries that have not fired
// are lost; the startup recovery sweep re-admits their PENDING documents.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.closed = true
	for id, timer := range c.timers {
		if timer.Stop() {
			c.wg.Done()
		}
		delete(c.timers, id)
	}
	c.mu.Unlock()
	c.wg.Wait()
}
