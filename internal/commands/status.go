package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lookout/internal/delivery"
	"lookout/internal/keypool"
)

// Sources exposes read-only views of the running relay. Every field is
// optional; commands report "n/a" for what is not wired.
type Sources struct {
	CredentialHealth func() []keypool.Health
	RequestRate      func() float64
	BreakerState     func() string
	LastPoll         func() time.Time
	StageCalls       func() map[string]int64
	QueueStats       func() map[string]delivery.Stats
	Undelivered      func(ctx context.Context) (int, error)
}

// RegisterStandard installs the built-in operator commands on top of the
// given sources.
func RegisterStandard(r *Registry, s Sources) {
	r.Register(Command{
		Name:        "status",
		Description: "overall relay health",
		Handler: func(_ context.Context, _ []string) (string, error) {
			var b strings.Builder
			if s.RequestRate != nil {
				fmt.Fprintf(&b, "request rate: %.2f rps\n", s.RequestRate())
			}
			if s.BreakerState != nil {
				fmt.Fprintf(&b, "upstream breaker: %s\n", s.BreakerState())
			}
			if s.LastPoll != nil {
				last := s.LastPoll()
				if last.IsZero() {
					b.WriteString("last poll: never\n")
				} else {
					fmt.Fprintf(&b, "last poll: %s ago\n", time.Since(last).Round(time.Second))
				}
			}
			if b.Len() == 0 {
				return "status: n/a", nil
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	})

	r.Register(Command{
		Name:        "keys",
		Description: "credential pool health",
		Handler: func(_ context.Context, _ []string) (string, error) {
			if s.CredentialHealth == nil {
				return "keys: n/a", nil
			}
			var b strings.Builder
			for _, h := range s.CredentialHealth() {
				state := "healthy"
				if h.RateLimited {
					state = fmt.Sprintf("cooling down until %s", h.CooldownUntil.Format(time.RFC3339))
				}
				marker := " "
				if h.Current {
					marker = "*"
				}
				fmt.Fprintf(&b, "%s %s: %s (failures: %d)\n", marker, h.CredentialID, state, h.ConsecutiveFailures)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	})

	r.Register(Command{
		Name:        "queues",
		Description: "delivery queue depth and counters",
		Handler: func(ctx context.Context, _ []string) (string, error) {
			if s.QueueStats == nil {
				return "queues: n/a", nil
			}
			var b strings.Builder
			for name, st := range s.QueueStats() {
				fmt.Fprintf(&b, "%s: depth=%d sent=%d retried=%d dropped=%d redirected=%d\n",
					name, st.Depth, st.Sent, st.Retried, st.Dropped, st.Redirected)
			}
			if s.Undelivered != nil {
				if n, err := s.Undelivered(ctx); err == nil {
					fmt.Fprintf(&b, "undelivered in store: %d\n", n)
				}
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	})

	r.Register(Command{
		Name:        "stages",
		Description: "pipeline stage invocation counts",
		Handler: func(_ context.Context, _ []string) (string, error) {
			if s.StageCalls == nil {
				return "stages: n/a", nil
			}
			calls := s.StageCalls()
			return fmt.Sprintf("dedup=%d validate=%d filter=%d format=%d",
				calls["dedup"], calls["validate"], calls["filter"], calls["format"]), nil
		},
	})
}
