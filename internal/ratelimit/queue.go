package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"lookout/pkg/logging"
)

const (
	defaultTaskTimeout = 120 * time.Second
	jitterFraction     = 0.1 // up to 10% of the interval added per dequeue
)

// TaskQueue serializes upstream calls through a single worker so the
// adaptive rate limit is enforced globally, whatever the callers do.
type TaskQueue struct {
	limiter *AdaptiveLimiter
	tasks   chan queuedTask
	timeout time.Duration
	logger  logging.Logger
	lastRun time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

type queuedTask struct {
	ctx  context.Context
	name string
	fn   func(ctx context.Context) error
	done chan error
}

// NewTaskQueue creates a queue. Run must be started for Submit to make
// progress.
func NewTaskQueue(limiter *AdaptiveLimiter, taskTimeout time.Duration, logger logging.Logger) *TaskQueue {
	if taskTimeout <= 0 {
		taskTimeout = defaultTaskTimeout
	}
	return &TaskQueue{
		limiter: limiter,
		tasks:   make(chan queuedTask),
		timeout: taskTimeout,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run processes tasks until ctx is cancelled. Each dequeue waits out the
// remainder of the limiter's interval plus a small jitter before the task
// executes.
func (q *TaskQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.tasks:
			q.execute(ctx, task)
		}
	}
}

func (q *TaskQueue) execute(ctx context.Context, task queuedTask) {
	interval := q.limiter.Interval()
	wait := interval - time.Since(q.lastRun)
	if wait < 0 {
		wait = 0
	}
	wait += time.Duration(rand.Float64() * jitterFraction * float64(interval))

	if err := q.sleep(ctx, wait); err != nil {
		task.done <- err
		return
	}

	q.lastRun = time.Now()

	taskCtx, cancel := context.WithTimeout(task.ctx, q.timeout)
	err := task.fn(taskCtx)
	cancel()

	// A queue-level timeout is a stuck call, not a throttle signal; it is
	// surfaced as a plain error for the caller to count.
	if err != nil && errors.Is(err, context.DeadlineExceeded) && task.ctx.Err() == nil {
		err = fmt.Errorf("task %s timed out after %s: %w", task.name, q.timeout, err)
		q.logger.WithField("task", task.name).Warn("Upstream task timed out")
	}

	task.done <- err
}

// Submit enqueues fn and blocks until it has run (or ctx is cancelled
// while waiting for a slot).
func (q *TaskQueue) Submit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	task := queuedTask{
		ctx:  ctx,
		name: name,
		fn:   fn,
		done: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.tasks <- task:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-task.done:
		return err
	}
}
