package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lookout/pkg/logging"
)

func newTestQueue(t *testing.T, timeout time.Duration) (*TaskQueue, context.CancelFunc) {
	t.Helper()
	limiter := NewAdaptiveLimiter(Config{CeilingRPS: 1000, FloorRPS: 100, SafetyFactor: 1.0})
	q := NewTaskQueue(limiter, timeout, logging.NewLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)
	return q, cancel
}

func TestTaskQueueSerializesTasks(t *testing.T) {
	q, cancel := newTestQueue(t, time.Second)
	defer cancel()

	var mu sync.Mutex
	var running int
	var maxRunning int

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Submit(context.Background(), "probe", func(ctx context.Context) error {
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxRunning, "tasks must never overlap")
}

func TestTaskQueueEnforcesMinimumInterval(t *testing.T) {
	limiter := NewAdaptiveLimiter(Config{CeilingRPS: 50, FloorRPS: 10, SafetyFactor: 1.0})
	q := NewTaskQueue(limiter, time.Second, logging.NewLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	var stamps []time.Time
	for i := 0; i < 3; i++ {
		err := q.Submit(context.Background(), "search", func(ctx context.Context) error {
			stamps = append(stamps, time.Now())
			return nil
		})
		require.NoError(t, err)
	}

	require.Len(t, stamps, 3)
	minGap := 20 * time.Millisecond // 1s / 50rps
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		require.GreaterOrEqual(t, gap, minGap-2*time.Millisecond, "gap %d too small: %v", i, gap)
	}
}

func TestTaskQueueTimesOutStuckTasks(t *testing.T) {
	q, cancel := newTestQueue(t, 10*time.Millisecond)
	defer cancel()

	err := q.Submit(context.Background(), "stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, err.Error(), "timed out")
}

func TestTaskQueueReturnsTaskError(t *testing.T) {
	q, cancel := newTestQueue(t, time.Second)
	defer cancel()

	sentinel := errors.New("upstream said no")
	err := q.Submit(context.Background(), "search", func(ctx context.Context) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
}

func TestTaskQueueSubmitHonorsCallerCancellation(t *testing.T) {
	limiter := NewAdaptiveLimiter(Config{CeilingRPS: 1000, FloorRPS: 100, SafetyFactor: 1.0})
	q := NewTaskQueue(limiter, time.Second, logging.NewLogger())
	// No Run: submission can never be accepted.

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.Submit(ctx, "never", func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
