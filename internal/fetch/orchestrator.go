package fetch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"lookout/internal/breaker"
	"lookout/internal/keypool"
	"lookout/internal/ratelimit"
	"lookout/internal/upstream"
	"lookout/pkg/logging"
)

// Topic is one configured search to relay.
type Topic struct {
	ID     string
	Query  string
	Target string // sink destination for items from this topic
}

// Processor handles one fetched item end to end and reports whether it
// was accepted for delivery.
type Processor interface {
	Process(ctx context.Context, topic Topic, post upstream.Post) bool
}

// SearchClient is the slice of the upstream client the orchestrator
// needs.
type SearchClient interface {
	SearchPosts(ctx context.Context, token string, filter upstream.SearchFilter, cursor string) (*upstream.SearchPage, error)
}

// Config bounds one fetch cycle.
type Config struct {
	WindowSize    time.Duration
	WindowOverlap time.Duration
	MaxPages      int
	PageSize      int
	// MaxTransientRetries bounds retryable upstream errors per cycle
	// before the cycle is abandoned.
	MaxTransientRetries int
}

// DefaultConfig returns fetch defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:          5 * time.Minute,
		WindowOverlap:       30 * time.Second,
		MaxPages:            50,
		PageSize:            100,
		MaxTransientRetries: 3,
	}
}

// CycleStats summarizes one completed fetch cycle.
type CycleStats struct {
	Fetched  int
	Accepted int
	Pages    int
	Skipped  bool // window already covered, nothing fetched
	Took     time.Duration
}

// Orchestrator runs complete fetch cycles: it plans the search window,
// pages through results on a pooled credential behind the rate-limit
// queue and circuit breaker, de-duplicates the batch, and hands items to
// the processor newest first.
type Orchestrator struct {
	client    SearchClient
	pool      *keypool.Pool
	taskQueue *ratelimit.TaskQueue
	limiter   *ratelimit.AdaptiveLimiter
	brk       *breaker.Breaker
	windows   *windowTracker
	processor Processor
	cfg       Config
	logger    logging.Logger

	onRotate func(from, to, reason string)

	now func() time.Time
}

// NewOrchestrator wires a fetch orchestrator.
func NewOrchestrator(
	client SearchClient,
	pool *keypool.Pool,
	taskQueue *ratelimit.TaskQueue,
	limiter *ratelimit.AdaptiveLimiter,
	brk *breaker.Breaker,
	processor Processor,
	cfg Config,
	logger logging.Logger,
) *Orchestrator {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxTransientRetries <= 0 {
		cfg.MaxTransientRetries = 3
	}
	return &Orchestrator{
		client:    client,
		pool:      pool,
		taskQueue: taskQueue,
		limiter:   limiter,
		brk:       brk,
		windows:   newWindowTracker(cfg.WindowSize, cfg.WindowOverlap),
		processor: processor,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// OnRotate registers a callback fired after every forced credential
// rotation, used for event publishing.
func (o *Orchestrator) OnRotate(fn func(from, to, reason string)) {
	o.onRotate = fn
}

// rotate forces a credential rotation and reports it.
func (o *Orchestrator) rotate(ctx context.Context, from *keypool.Credential, reason string) *keypool.Credential {
	rotated := o.pool.ForceRotate(ctx)
	if o.onRotate != nil {
		o.onRotate(from.ID, rotated.ID, reason)
	}
	return rotated
}

// FetchTopic runs one cycle for one topic. Per-item failures inside the
// processor never fail the cycle; only upstream access problems do.
func (o *Orchestrator) FetchTopic(ctx context.Context, topic Topic) (CycleStats, error) {
	started := o.now()

	window := o.windows.Next(topic.ID)
	if o.windows.AlreadyCovered(topic.ID, window) {
		o.logger.WithField("topic", topic.ID).Debug("Window already covered, skipping fetch")
		return CycleStats{Skipped: true}, nil
	}

	posts, pages, err := o.collect(ctx, topic, window)
	if err != nil {
		return CycleStats{Pages: pages, Took: o.now().Sub(started)}, err
	}

	// Newest first so fresh items reach the sink before backfill.
	sort.Slice(posts, func(i, j int) bool {
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})

	accepted := 0
	for _, post := range posts {
		if ctx.Err() != nil {
			return CycleStats{Fetched: len(posts), Accepted: accepted, Pages: pages}, ctx.Err()
		}
		if o.processor.Process(ctx, topic, post) {
			accepted++
		}
	}

	o.windows.MarkProcessed(topic.ID, window)
	return CycleStats{
		Fetched:  len(posts),
		Accepted: accepted,
		Pages:    pages,
		Took:     o.now().Sub(started),
	}, nil
}

// collect pages through the window, handling credential rotation and the
// empty-page and lost-cursor anomalies.
func (o *Orchestrator) collect(ctx context.Context, topic Topic, window Window) ([]upstream.Post, int, error) {
	filter := upstream.SearchFilter{
		Query:      topic.Query,
		Since:      window.Start,
		Until:      window.End,
		MaxResults: o.cfg.PageSize,
	}

	byID := make(map[string]struct{})
	var posts []upstream.Post
	var (
		cursor          string
		pages           int
		emptyStreak     int
		retries         int
		rotatedForEmpty bool
		rotatedForLoss  bool
	)

	for pages < o.cfg.MaxPages {
		cred := o.pool.Acquire()
		if cred == nil {
			return posts, pages, fmt.Errorf("no credentials configured")
		}

		var page *upstream.SearchPage
		err := o.taskQueue.Submit(ctx, "search:"+topic.ID, func(taskCtx context.Context) error {
			return o.brk.Call(func() error {
				var searchErr error
				page, searchErr = o.client.SearchPosts(taskCtx, cred.Secret, filter, cursor)
				return searchErr
			})
		})

		if err != nil {
			if ctx.Err() != nil {
				return posts, pages, ctx.Err()
			}
			if breaker.IsRejection(err) {
				return posts, pages, fmt.Errorf("upstream circuit open: %w", err)
			}

			kind := upstream.Classify(err)
			o.pool.ReportOutcome(cred, kind)

			switch kind {
			case upstream.KindRateLimited:
				o.limiter.OnThrottled()
				rotated := o.rotate(ctx, cred, "rate_limited")
				o.logger.WithFields(logging.Fields{
					"topic":      topic.ID,
					"credential": cred.ID,
					"rotated_to": rotated.ID,
				}).Warn("Credential rate limited, rotated")
				continue

			case upstream.KindNotFoundEndpoint:
				// A cursor can outlive its validity server-side. Rotate
				// and restart the window from the top, once.
				if cursor != "" && !rotatedForLoss {
					rotatedForLoss = true
					cursor = ""
					o.rotate(ctx, cred, "cursor_lost")
					o.logger.WithField("topic", topic.ID).Warn("Pagination cursor lost, restarting window on fresh credential")
					continue
				}
				return posts, pages, fmt.Errorf("search endpoint not found: %w", err)

			case upstream.KindFatal:
				return posts, pages, fmt.Errorf("upstream rejected credential %s: %w", cred.ID, err)

			default:
				retries++
				if retries > o.cfg.MaxTransientRetries {
					return posts, pages, fmt.Errorf("upstream search failed after %d retries: %w", retries-1, err)
				}
				o.logger.WithError(err).WithFields(logging.Fields{
					"topic": topic.ID,
					"retry": retries,
				}).Warn("Transient upstream error, retrying page")
				continue
			}
		}

		o.pool.ReportOutcome(cred, upstream.KindNone)
		pages++

		if len(page.Posts) == 0 {
			emptyStreak++
			// Two empty pages in a row with a live cursor usually means
			// the credential is being silently shadow-limited. Rotate
			// and restart the window, once.
			if emptyStreak >= 2 && !rotatedForEmpty {
				rotatedForEmpty = true
				emptyStreak = 0
				cursor = ""
				o.rotate(ctx, cred, "empty_pages")
				o.logger.WithField("topic", topic.ID).Warn("Consecutive empty pages, restarting window on fresh credential")
				continue
			}
		} else {
			emptyStreak = 0
			for _, post := range page.Posts {
				if _, dup := byID[post.ID]; dup {
					continue
				}
				byID[post.ID] = struct{}{}
				posts = append(posts, post)
			}
		}

		cursor = page.NextCursor
		if cursor == "" {
			break
		}
	}

	return posts, pages, nil
}
