package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"lookout/internal/store"
	"lookout/internal/upstream"
	"lookout/pkg/logging"
)

// Outcome is the terminal state of one pipeline run.
type Outcome string

const (
	// OutcomeAccepted means the item passed every stage and is ready for
	// delivery.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeDuplicate means the item was already recorded for this topic.
	// Not an error; silently counted.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeRejected means a validation or filter rule turned the item
	// away. Carries the failing rule for observability.
	OutcomeRejected Outcome = "rejected"
	// OutcomeError means a stage failed in a way that is not a rejection
	// (storage connectivity, render failure).
	OutcomeError Outcome = "error"
)

// Stage names in execution order.
const (
	StageDedup    = "dedup"
	StageValidate = "validate"
	StageFilter   = "filter"
	StageFormat   = "format"
)

// Flags records which stages have completed for one item.
type Flags struct {
	DedupChecked bool
	Validated    bool
	Filtered     bool
	Formatted    bool
	Sent         bool
}

// Rendered is the sink-ready content produced by the format stage.
type Rendered struct {
	Text           string
	DisablePreview bool
	MediaURLs      []string
}

// Context wraps one item for the duration of a pipeline run. Meta holds
// diagnostic breadcrumbs (failure stage, failing rule) for the caller.
type Context struct {
	Post    upstream.Post
	TopicID string // may be re-targeted by a redirect rule
	Flags   Flags
	Meta    map[string]any

	Rendered *Rendered
}

// Result is returned to the caller for every run, success or not. The
// context is always populated so failure metadata survives.
type Result struct {
	OK      bool
	Outcome Outcome
	Context *Context
	Err     error
}

// Storage is the slice of the durable store the pipeline needs.
type Storage interface {
	HasSeen(ctx context.Context, postID, topicID string) (bool, error)
	SavePost(ctx context.Context, topicID string, post upstream.Post) (bool, error)
	MarkRejected(ctx context.Context, postID, topicID string) error
	ListFilterRules(ctx context.Context, topicID string, limit int) ([]store.FilterRule, error)
}

// Config bounds the validate and filter stages.
type Config struct {
	MaxPostAge       time.Duration // items older than this are rejected
	MaxRulesPerTopic int           // filter rules loaded per topic
	MaxKeywordLength int           // longer keyword rules are ignored
}

// DefaultConfig returns pipeline defaults.
func DefaultConfig() Config {
	return Config{
		MaxPostAge:       24 * time.Hour,
		MaxRulesPerTopic: 50,
		MaxKeywordLength: 100,
	}
}

// Pipeline applies the fixed dedup → validate → filter → format sequence
// to single items. Stages short-circuit: after the first failure no later
// stage runs. A validated item is committed to storage before filter and
// format so a later delivery failure can never lose it.
type Pipeline struct {
	storage Storage
	seen    *SeenCache
	cfg     Config
	logger  logging.Logger

	stageCalls [4]atomic.Int64
	onOutcome  func(topicID string, outcome Outcome)
}

// New creates a pipeline.
func New(storage Storage, cfg Config, logger logging.Logger) *Pipeline {
	if cfg.MaxPostAge <= 0 {
		cfg.MaxPostAge = 24 * time.Hour
	}
	if cfg.MaxRulesPerTopic <= 0 {
		cfg.MaxRulesPerTopic = 50
	}
	if cfg.MaxKeywordLength <= 0 {
		cfg.MaxKeywordLength = 100
	}
	return &Pipeline{
		storage: storage,
		seen:    NewSeenCache(defaultSeenCacheSize),
		cfg:     cfg,
		logger:  logger,
	}
}

// OnOutcome registers a callback fired once per run with the terminal
// outcome, used for metrics and event publishing.
func (p *Pipeline) OnOutcome(fn func(topicID string, outcome Outcome)) {
	p.onOutcome = fn
}

// StageCalls returns how many times each stage has been invoked, in stage
// order. Used by tests and the status surface.
func (p *Pipeline) StageCalls() map[string]int64 {
	return map[string]int64{
		StageDedup:    p.stageCalls[0].Load(),
		StageValidate: p.stageCalls[1].Load(),
		StageFilter:   p.stageCalls[2].Load(),
		StageFormat:   p.stageCalls[3].Load(),
	}
}

// Resume re-runs the filter and format stages for a post that was
// committed but never confirmed delivered. Dedup and validate are
// skipped; the stored row is proof they already passed. Used when
// resuming undelivered posts after a restart, so rules added since the
// commit still apply.
func (p *Pipeline) Resume(ctx context.Context, topicID string, post upstream.Post) Result {
	pc := &Context{
		Post:    post,
		TopicID: topicID,
		Meta:    make(map[string]any),
	}
	pc.Flags.DedupChecked = true
	pc.Flags.Validated = true

	res := p.finish(ctx, pc, topicID)
	if p.onOutcome != nil {
		p.onOutcome(pc.TopicID, res.Outcome)
	}
	return res
}

// Run processes one item for one topic. The returned Result always carries
// the context; callers treat failures as per-item outcomes, never as
// batch-aborting errors.
func (p *Pipeline) Run(ctx context.Context, topicID string, post upstream.Post) Result {
	pc := &Context{
		Post:    post,
		TopicID: topicID,
		Meta:    make(map[string]any),
	}

	res := p.run(ctx, pc)
	if p.onOutcome != nil {
		p.onOutcome(pc.TopicID, res.Outcome)
	}
	if !res.OK {
		pc.Meta["outcome"] = string(res.Outcome)
	}
	return res
}

func (p *Pipeline) run(ctx context.Context, pc *Context) Result {
	// Stage 1: dedup check.
	p.stageCalls[0].Add(1)
	seen, err := p.checkSeen(ctx, pc)
	if err != nil {
		// Best-effort: a dedup read failure falls through to the storage
		// commit, whose unique constraint still protects us.
		p.logger.WithError(err).WithField("post_id", pc.Post.ID).Warn("Dedup lookup failed, relying on storage constraint")
	} else if seen {
		return p.fail(pc, StageDedup, OutcomeDuplicate, nil)
	}
	pc.Flags.DedupChecked = true

	// Stage 2: validate, then commit before any delivery work.
	p.stageCalls[1].Add(1)
	if reason := p.validate(pc.Post); reason != "" {
		pc.Meta["reject_reason"] = reason
		return p.fail(pc, StageValidate, OutcomeRejected, nil)
	}
	inserted, err := p.storage.SavePost(ctx, pc.TopicID, pc.Post)
	if err != nil {
		return p.fail(pc, StageValidate, OutcomeError, fmt.Errorf("commit post: %w", err))
	}
	if !inserted {
		// Another run (overlapping window) committed first.
		return p.fail(pc, StageValidate, OutcomeDuplicate, nil)
	}
	p.seen.Mark(pc.Post.ID, pc.TopicID)
	pc.Flags.Validated = true

	return p.finish(ctx, pc, pc.TopicID)
}

// finish runs the post-commit stages (filter, format). storedTopic is
// the topic the row was committed under, before any redirect rule
// re-targets pc.TopicID; terminal rejections are recorded against it.
func (p *Pipeline) finish(ctx context.Context, pc *Context, storedTopic string) Result {
	// Stage 3: per-topic filter rules.
	p.stageCalls[2].Add(1)
	if err := p.filter(ctx, pc); err != nil {
		return p.fail(pc, StageFilter, OutcomeError, err)
	}
	if rule, ok := pc.Meta["failed_rule"]; ok {
		p.logger.WithFields(logging.Fields{
			"post_id": pc.Post.ID,
			"topic":   pc.TopicID,
			"rule":    rule,
		}).Debug("Item rejected by filter rule")
		p.discard(ctx, pc.Post.ID, storedTopic)
		return p.fail(pc, StageFilter, OutcomeRejected, nil)
	}
	pc.Flags.Filtered = true

	// Stage 4: format. Failure is hard and non-retryable; malformed input
	// cannot be repaired by retrying.
	p.stageCalls[3].Add(1)
	rendered, err := p.format(pc)
	if err != nil {
		p.discard(ctx, pc.Post.ID, storedTopic)
		return p.fail(pc, StageFormat, OutcomeError, err)
	}
	pc.Rendered = rendered
	pc.Flags.Formatted = true

	return Result{OK: true, Outcome: OutcomeAccepted, Context: pc}
}

// discard records a terminal rejection on the committed row. Without it
// the row would stay pending and restart recovery would re-enqueue an
// item a later stage already turned away.
func (p *Pipeline) discard(ctx context.Context, postID, topicID string) {
	if err := p.storage.MarkRejected(ctx, postID, topicID); err != nil {
		p.logger.WithError(err).WithFields(logging.Fields{
			"post_id": postID,
			"topic":   topicID,
		}).Warn("Could not mark rejected post terminal")
	}
}

func (p *Pipeline) fail(pc *Context, stage string, outcome Outcome, err error) Result {
	pc.Meta["failure_stage"] = stage
	return Result{Outcome: outcome, Context: pc, Err: err}
}

func (p *Pipeline) checkSeen(ctx context.Context, pc *Context) (bool, error) {
	if p.seen.Has(pc.Post.ID, pc.TopicID) {
		return true, nil
	}
	return p.seen.Lookup(pc.Post.ID, pc.TopicID, func() (bool, error) {
		return p.storage.HasSeen(ctx, pc.Post.ID, pc.TopicID)
	})
}
