package ratelimit

import (
	"sync"
	"time"
)

// SafetyFactor is the fraction of the configured rate ceiling the limiter
// actually targets. Historical deployments disagreed on the intended value
// (0.75 / 0.9 / 0.95), so it is a single named default, overridable via
// Config rather than hard-coded at call sites.
const SafetyFactor = 0.9

const (
	reduceFactor  = 0.8 // multiplicative decrease on a throttle signal
	recoverFactor = 1.2 // multiplicative recovery after the cool-off
)

// Config configures the adaptive limiter.
type Config struct {
	// CeilingRPS is the configured maximum requests per second. The
	// effective ceiling is CeilingRPS * SafetyFactor.
	CeilingRPS float64
	// FloorRPS is the minimum rate the limiter will degrade to.
	FloorRPS float64
	// SafetyFactor overrides the package default when > 0.
	SafetyFactor float64
	// RecoveryDelay is how long after the last throttle signal the rate
	// starts recovering.
	RecoveryDelay time.Duration
}

// DefaultConfig returns limiter defaults suitable for a heavily
// rate-limited search API.
func DefaultConfig() Config {
	return Config{
		CeilingRPS:    1.0,
		FloorRPS:      0.1,
		SafetyFactor:  SafetyFactor,
		RecoveryDelay: 2 * time.Minute,
	}
}

// AdaptiveLimiter tracks the allowed request rate. It degrades
// multiplicatively on throttle signals and recovers multiplicatively once
// no throttle has been seen for RecoveryDelay. The fetch loop is the only
// writer; the status surface reads concurrently.
type AdaptiveLimiter struct {
	mu           sync.Mutex
	current      float64
	floor        float64
	ceiling      float64 // already scaled by the safety factor
	recoveryWait time.Duration
	lastThrottle time.Time
	now          func() time.Time
}

// NewAdaptiveLimiter creates a limiter starting at the effective ceiling.
func NewAdaptiveLimiter(cfg Config) *AdaptiveLimiter {
	safety := cfg.SafetyFactor
	if safety <= 0 || safety > 1 {
		safety = SafetyFactor
	}
	ceiling := cfg.CeilingRPS * safety
	floor := cfg.FloorRPS
	if floor <= 0 {
		floor = 0.05
	}
	if ceiling < floor {
		ceiling = floor
	}
	wait := cfg.RecoveryDelay
	if wait <= 0 {
		wait = 2 * time.Minute
	}
	return &AdaptiveLimiter{
		current:      ceiling,
		floor:        floor,
		ceiling:      ceiling,
		recoveryWait: wait,
		now:          time.Now,
	}
}

// Interval returns the minimum spacing between calls at the current rate,
// applying any pending recovery first.
func (l *AdaptiveLimiter) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeRecover()
	return time.Duration(float64(time.Second) / l.current)
}

// maybeRecover lifts the rate back toward the ceiling once the cool-off
// since the last throttle has passed. Caller holds the lock.
func (l *AdaptiveLimiter) maybeRecover() {
	if l.current >= l.ceiling {
		return
	}
	if l.lastThrottle.IsZero() || l.now().Sub(l.lastThrottle) < l.recoveryWait {
		return
	}
	l.current *= recoverFactor
	if l.current > l.ceiling {
		l.current = l.ceiling
	}
	// Recovery advances one step per cool-off period, not all at once.
	l.lastThrottle = l.now()
}

// OnThrottled degrades the rate in response to a rate-limit outcome.
func (l *AdaptiveLimiter) OnThrottled() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.current *= reduceFactor
	if l.current < l.floor {
		l.current = l.floor
	}
	l.lastThrottle = l.now()
}

// SetRate pins the rate to requestsPerSecond, clamped to [floor, ceiling].
func (l *AdaptiveLimiter) SetRate(requestsPerSecond float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case requestsPerSecond < l.floor:
		l.current = l.floor
	case requestsPerSecond > l.ceiling:
		l.current = l.ceiling
	default:
		l.current = requestsPerSecond
	}
}

// Rate returns the current requests-per-second budget.
func (l *AdaptiveLimiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}
