package keypool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lookout/internal/upstream"
	"lookout/pkg/logging"
)

// Credential is one upstream API key with its health state. Health fields
// are owned by the pool; credentials are never removed, only cooled down
// and re-tested.
type Credential struct {
	ID     string
	Secret string

	rateLimited         bool
	cooldownUntil       time.Time
	consecutiveFailures int
}

// State is the persistable backoff snapshot of one credential. A restart
// restores it so cooldowns resume instead of resetting.
type State struct {
	CredentialID        string
	ConsecutiveFailures int
	CooldownUntil       time.Time
}

// Prober runs the lightweight health-check call against one credential.
type Prober interface {
	Probe(ctx context.Context, secret string) error
}

// Config configures the pool's backoff behaviour.
type Config struct {
	BaseCooldown time.Duration // first cooldown step
	MaxCooldown  time.Duration // exponential backoff cap
}

// DefaultConfig returns sensible pool defaults.
func DefaultConfig() Config {
	return Config{
		BaseCooldown: time.Minute,
		MaxCooldown:  time.Hour,
	}
}

// Pool holds the rotating credential set. Index 0 is the primary: the
// lowest-cost credential the pool prefers and falls back to when everything
// else is unhealthy. The fetch loop is the only writer, but reads come from
// the status surface, so access is mutex-guarded.
type Pool struct {
	mu      sync.Mutex
	creds   []*Credential
	current int
	cfg     Config
	prober  Prober
	logger  logging.Logger
	now     func() time.Time
}

// New creates a pool from secrets in priority order. The first secret is
// the primary.
func New(secrets []string, cfg Config, prober Prober, logger logging.Logger) *Pool {
	creds := make([]*Credential, 0, len(secrets))
	for i, secret := range secrets {
		creds = append(creds, &Credential{
			ID:     credentialID(i),
			Secret: secret,
		})
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = time.Minute
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = time.Hour
	}
	return &Pool{
		creds:  creds,
		cfg:    cfg,
		prober: prober,
		logger: logger,
		now:    time.Now,
	}
}

func credentialID(i int) string {
	return fmt.Sprintf("key-%d", i)
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// Acquire returns the credential the next upstream call should use. It
// prefers the current selection when not cooling down, otherwise the first
// credential whose cooldown has elapsed, otherwise the primary — the pool
// never blocks waiting for a healthy key.
func (p *Pool) Acquire() *Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if cred := p.creds[p.current]; !p.coolingDown(cred, now) {
		return cred
	}
	for i, cred := range p.creds {
		if !p.coolingDown(cred, now) {
			p.current = i
			return cred
		}
	}
	p.current = 0
	return p.creds[0]
}

func (p *Pool) coolingDown(c *Credential, now time.Time) bool {
	return c.rateLimited && now.Before(c.cooldownUntil)
}

// ReportOutcome feeds a classified call result back into the credential's
// health. A rate-limit outcome bumps the strict exponential cooldown; a
// success clears it. Other kinds leave the backoff state untouched.
func (p *Pool) ReportOutcome(cred *Credential, kind upstream.Kind) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch kind {
	case upstream.KindNone:
		cred.consecutiveFailures = 0
		cred.rateLimited = false
	case upstream.KindRateLimited:
		cred.consecutiveFailures++
		cooldown := backoffFor(p.cfg, cred.consecutiveFailures)
		cred.rateLimited = true
		cred.cooldownUntil = p.now().Add(cooldown)
		p.logger.WithFields(logging.Fields{
			"credential":           cred.ID,
			"consecutive_failures": cred.consecutiveFailures,
			"cooldown":             cooldown,
		}).Warn("Credential rate limited, cooling down")
	}
}

// backoffFor computes min(maxCooldown, base * 2^(n-1)).
func backoffFor(cfg Config, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	cooldown := cfg.BaseCooldown
	for i := 1; i < failures; i++ {
		cooldown *= 2
		if cooldown >= cfg.MaxCooldown {
			return cfg.MaxCooldown
		}
	}
	if cooldown > cfg.MaxCooldown {
		return cfg.MaxCooldown
	}
	return cooldown
}

// ForceRotate probes the non-primary credentials once, in order, and
// selects the first that answers. Used when the current key looks silently
// throttled (empty pages, lost cursors) even without a 429. If nothing
// answers, the pool falls back to the primary rather than blocking.
func (p *Pool) ForceRotate(ctx context.Context) *Credential {
	p.mu.Lock()
	candidates := make([]*Credential, 0, len(p.creds))
	indexes := make([]int, 0, len(p.creds))
	now := p.now()
	for i := 1; i < len(p.creds); i++ {
		if p.coolingDown(p.creds[i], now) {
			continue
		}
		candidates = append(candidates, p.creds[i])
		indexes = append(indexes, i)
	}
	p.mu.Unlock()

	for i, cred := range candidates {
		if err := p.prober.Probe(ctx, cred.Secret); err != nil {
			p.ReportOutcome(cred, upstream.Classify(err))
			continue
		}
		p.mu.Lock()
		p.ReportOutcomeLocked(cred, upstream.KindNone)
		p.current = indexes[i]
		p.mu.Unlock()
		p.logger.WithField("credential", cred.ID).Info("Rotated to probed credential")
		return cred
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = 0
	p.logger.Warn("No healthy credential answered probe, falling back to primary")
	return p.creds[0]
}

// ReportOutcomeLocked is ReportOutcome for callers already holding the lock.
func (p *Pool) ReportOutcomeLocked(cred *Credential, kind upstream.Kind) {
	switch kind {
	case upstream.KindNone:
		cred.consecutiveFailures = 0
		cred.rateLimited = false
	case upstream.KindRateLimited:
		cred.consecutiveFailures++
		cred.rateLimited = true
		cred.cooldownUntil = p.now().Add(backoffFor(p.cfg, cred.consecutiveFailures))
	}
}

// Snapshot exports the backoff state of every credential for persistence.
func (p *Pool) Snapshot() []State {
	p.mu.Lock()
	defer p.mu.Unlock()

	states := make([]State, 0, len(p.creds))
	for _, cred := range p.creds {
		states = append(states, State{
			CredentialID:        cred.ID,
			ConsecutiveFailures: cred.consecutiveFailures,
			CooldownUntil:       cred.cooldownUntil,
		})
	}
	return states
}

// Restore applies a persisted backoff snapshot, matching by credential ID.
// Cooldowns already in the past are ignored.
func (p *Pool) Restore(states []State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	byID := make(map[string]State, len(states))
	for _, s := range states {
		byID[s.CredentialID] = s
	}

	now := p.now()
	for _, cred := range p.creds {
		s, ok := byID[cred.ID]
		if !ok {
			continue
		}
		cred.consecutiveFailures = s.ConsecutiveFailures
		if s.CooldownUntil.After(now) {
			cred.rateLimited = true
			cred.cooldownUntil = s.CooldownUntil
		}
	}
}

// Health reports per-credential state for the status surface.
type Health struct {
	CredentialID        string    `json:"credential_id"`
	Current             bool      `json:"current"`
	RateLimited         bool      `json:"rate_limited"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// HealthReport returns read-only health for every credential.
func (p *Pool) HealthReport() []Health {
	p.mu.Lock()
	defer p.mu.Unlock()

	report := make([]Health, 0, len(p.creds))
	for i, cred := range p.creds {
		report = append(report, Health{
			CredentialID:        cred.ID,
			Current:             i == p.current,
			RateLimited:         cred.rateLimited,
			CooldownUntil:       cred.cooldownUntil,
			ConsecutiveFailures: cred.consecutiveFailures,
		})
	}
	return report
}
