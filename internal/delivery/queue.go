package delivery

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"lookout/pkg/logging"
)

// Config tunes one delivery queue.
type Config struct {
	// MinSendInterval spaces consecutive sends to the sink.
	MinSendInterval time.Duration
	// MaxRetries bounds attempts per message before it is dropped.
	MaxRetries int
	// BaseBackoff seeds the exponential retry delay.
	BaseBackoff time.Duration
	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration
	// DefaultTarget receives messages whose own target has vanished.
	DefaultTarget string
	// Capacity bounds the in-memory queue. Enqueue on a full queue drops
	// the oldest message.
	Capacity int
}

// DefaultConfig returns delivery defaults.
func DefaultConfig() Config {
	return Config{
		MinSendInterval: time.Second,
		MaxRetries:      5,
		BaseBackoff:     time.Second,
		MaxBackoff:      2 * time.Minute,
		Capacity:        1000,
	}
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Depth      int
	Sent       int64
	Dropped    int64
	Retried    int64
	Redirected int64
}

// Queue serializes deliveries to one sink. A single loop drains the FIFO,
// spacing sends and applying classified retry policy per message. Fatal
// sink errors stop the loop and fire the fatal callback.
type Queue struct {
	sink   Sink
	cfg    Config
	logger logging.Logger

	mu       sync.Mutex
	items    []*Message
	inflight *Message // head currently held by the run loop
	stats    Stats
	stopped  bool

	wake chan struct{}

	onFatal func(err error)
	onDrop  func(msg *Message, reason string)
	onSent  func(msg *Message)

	// Injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewQueue creates a delivery queue for one sink.
func NewQueue(sink Sink, cfg Config, logger logging.Logger) *Queue {
	if cfg.MinSendInterval <= 0 {
		cfg.MinSendInterval = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Minute
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	return &Queue{
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		wake:   make(chan struct{}, 1),
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// OnFatal registers the callback fired when the sink reports a fatal
// error. The queue stops draining afterwards.
func (q *Queue) OnFatal(fn func(err error)) { q.onFatal = fn }

// OnDrop registers a callback fired whenever a message is discarded.
func (q *Queue) OnDrop(fn func(msg *Message, reason string)) { q.onDrop = fn }

// OnSent registers a callback fired after every confirmed delivery.
func (q *Queue) OnSent(fn func(msg *Message)) { q.onSent = fn }

// Enqueue appends a message. When the queue is full the oldest message
// not currently being sent is dropped to make room; losing old news
// beats losing fresh news.
func (q *Queue) Enqueue(msg *Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.drop(msg, "queue_stopped")
		return
	}
	if len(q.items) >= q.cfg.Capacity {
		victim := 0
		if len(q.items) > 0 && q.items[0] == q.inflight {
			victim = 1
		}
		if victim >= len(q.items) {
			// Only the in-flight message is queued. Dropping it mid-send
			// would count a delivered message as lost, so the newcomer
			// loses instead.
			q.stats.Dropped++
			q.mu.Unlock()
			q.drop(msg, "queue_full")
			return
		}
		oldest := q.items[victim]
		q.items = append(q.items[:victim], q.items[victim+1:]...)
		q.stats.Dropped++
		q.mu.Unlock()
		q.drop(oldest, "queue_full")
		q.mu.Lock()
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Depth = len(q.items)
	return s
}

// Run drains the queue until the context is canceled or a fatal sink
// error occurs. Intended to run on its own goroutine.
func (q *Queue) Run(ctx context.Context) {
	lastSend := time.Time{}
	for {
		msg := q.peek()
		if msg == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		if wait := q.cfg.MinSendInterval - q.now().Sub(lastSend); wait > 0 {
			if err := q.sleep(ctx, wait); err != nil {
				return
			}
		}

		err := q.sink.Send(ctx, msg)
		lastSend = q.now()
		if err == nil {
			q.popSent(msg)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if !q.handleError(ctx, msg, err) {
			return
		}
	}
}

// handleError applies the retry policy. Returns false when the loop must
// stop.
func (q *Queue) handleError(ctx context.Context, msg *Message, err error) bool {
	msg.attempts++

	var se *SendError
	kind := KindRetryable
	retryAfter := time.Duration(0)
	if errors.As(err, &se) {
		kind = se.Kind
		retryAfter = se.RetryAfter
	}

	entry := q.logger.WithFields(logging.Fields{
		"sink":     q.sink.Name(),
		"message":  msg.ID,
		"post_id":  msg.PostID,
		"target":   msg.Target,
		"attempts": msg.attempts,
		"kind":     kind.String(),
	})

	switch kind {
	case KindFatal:
		entry.WithError(err).Error("Sink reported fatal error, stopping deliveries")
		q.mu.Lock()
		q.stopped = true
		q.mu.Unlock()
		if q.onFatal != nil {
			q.onFatal(err)
		}
		return false

	case KindNonRetryable:
		entry.WithError(err).Warn("Dropping undeliverable message")
		q.popDropped(msg, "non_retryable")
		return true

	case KindMissingTarget:
		if msg.redirected || q.cfg.DefaultTarget == "" || msg.Target == q.cfg.DefaultTarget {
			entry.WithError(err).Warn("Target missing and no fallback left, dropping")
			q.popDropped(msg, "missing_target")
			return true
		}
		entry.WithField("fallback", q.cfg.DefaultTarget).Warn("Target missing, re-routing to default")
		// The attempt count carries over; the fallback continues the same
		// retry budget rather than starting a fresh one.
		msg.Target = q.cfg.DefaultTarget
		msg.redirected = true
		q.mu.Lock()
		q.stats.Redirected++
		q.mu.Unlock()
		return true

	default:
		if msg.attempts > q.cfg.MaxRetries {
			entry.WithError(err).Error("Retry budget exhausted, dropping message")
			q.popDropped(msg, "retries_exhausted")
			return true
		}
		delay := q.backoff(msg.attempts)
		if retryAfter > delay {
			delay = retryAfter
		}
		entry.WithError(err).WithField("retry_in", delay.String()).Warn("Send failed, will retry")
		q.mu.Lock()
		q.stats.Retried++
		q.mu.Unlock()
		if err := q.sleep(ctx, delay); err != nil {
			return false
		}
		return true
	}
}

// backoff returns base*2^(attempt-1) capped at MaxBackoff, plus up to 10%
// jitter so parallel queues do not synchronize.
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.MaxBackoff {
			d = q.cfg.MaxBackoff
			break
		}
	}
	return d + time.Duration(rand.Int63n(int64(d)/10+1))
}

func (q *Queue) peek() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		q.inflight = nil
		return nil
	}
	// Held until popped so a full-queue Enqueue cannot drop the message
	// the loop is sending.
	q.inflight = q.items[0]
	return q.items[0]
}

func (q *Queue) popSent(msg *Message) {
	q.mu.Lock()
	q.pop(msg)
	q.stats.Sent++
	q.mu.Unlock()
	if q.onSent != nil {
		q.onSent(msg)
	}
}

func (q *Queue) popDropped(msg *Message, reason string) {
	q.mu.Lock()
	q.pop(msg)
	q.stats.Dropped++
	q.mu.Unlock()
	q.drop(msg, reason)
}

// pop removes msg from the head; callers hold q.mu.
func (q *Queue) pop(msg *Message) {
	if len(q.items) > 0 && q.items[0] == msg {
		q.items = q.items[1:]
	}
	if q.inflight == msg {
		q.inflight = nil
	}
}

func (q *Queue) drop(msg *Message, reason string) {
	if q.onDrop != nil {
		q.onDrop(msg, reason)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
