package fetch

import (
	"context"
	"sync"
	"time"

	"lookout/pkg/logging"
)

// CycleRunner runs one fetch cycle for one topic.
type CycleRunner interface {
	FetchTopic(ctx context.Context, topic Topic) (CycleStats, error)
}

// Poller drives fetch cycles on a schedule: one pass over every topic at
// startup, then one per tick. Topics inside a pass are staggered so a
// burst of searches does not land on the upstream at once.
type Poller struct {
	orchestrator CycleRunner
	topics       []Topic
	interval     time.Duration
	stagger      time.Duration
	logger       logging.Logger

	onCycle func(topic Topic, stats CycleStats, err error)

	mu       sync.Mutex
	lastPoll time.Time

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewPoller creates a poller over the configured topics.
func NewPoller(orchestrator CycleRunner, topics []Topic, interval, stagger time.Duration, logger logging.Logger) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		orchestrator: orchestrator,
		topics:       topics,
		interval:     interval,
		stagger:      stagger,
		logger:       logger,
		sleep:        sleepCtx,
		now:          time.Now,
	}
}

// OnCycle registers a callback fired after every topic cycle, successful
// or not. Used for metrics and event publishing.
func (p *Poller) OnCycle(fn func(topic Topic, stats CycleStats, err error)) {
	p.onCycle = fn
}

// LastPoll returns when the most recent pass finished. Zero until the
// first pass completes; the staleness health check keys off this.
func (p *Poller) LastPoll() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPoll
}

// Start blocks and polls until the context is canceled.
func (p *Poller) Start(ctx context.Context) {
	p.logger.WithFields(logging.Fields{
		"topics":   len(p.topics),
		"interval": p.interval.String(),
	}).Info("Poller started")

	p.pass(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Poller stopped")
			return
		case <-ticker.C:
			p.pass(ctx)
		}
	}
}

func (p *Poller) pass(ctx context.Context) {
	for i, topic := range p.topics {
		if ctx.Err() != nil {
			return
		}
		if i > 0 && p.stagger > 0 {
			if err := p.sleep(ctx, p.stagger); err != nil {
				return
			}
		}

		stats, err := p.orchestrator.FetchTopic(ctx, topic)
		if err != nil {
			p.logger.WithError(err).WithField("topic", topic.ID).Error("Fetch cycle failed")
		} else if !stats.Skipped {
			p.logger.WithFields(logging.Fields{
				"topic":    topic.ID,
				"fetched":  stats.Fetched,
				"accepted": stats.Accepted,
				"pages":    stats.Pages,
				"took":     stats.Took.String(),
			}).Info("Fetch cycle complete")
		}
		if p.onCycle != nil {
			p.onCycle(topic, stats, err)
		}
	}

	p.mu.Lock()
	p.lastPoll = p.now()
	p.mu.Unlock()
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
