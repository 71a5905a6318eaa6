package breaker

import (
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"lookout/internal/upstream"
	"lookout/pkg/logging"
)

// State represents the state of the circuit breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config configures the circuit breaker.
type Config struct {
	// Name identifies this circuit breaker in logs and metrics
	Name string

	// FailureThreshold is the number of consecutive failures that opens
	// the circuit. Default: 5.
	FailureThreshold uint

	// ResetTimeout is how long the circuit stays open before a half-open
	// probe is allowed. Default: 30 seconds.
	ResetTimeout time.Duration

	// Logger for state change notifications
	Logger logging.Logger

	// OnStateChange is an optional callback invoked on state transitions.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:             "upstream",
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Breaker wraps failsafe-go's circuit breaker. It counts consecutive
// classified failures; a 404 on the API route never trips it, since that
// signals a broken integration rather than load.
type Breaker struct {
	cb     circuitbreaker.CircuitBreaker[any]
	name   string
	logger logging.Logger
}

// New creates a circuit breaker with the given configuration.
func New(cfg Config) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "circuit-breaker"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = 30 * time.Second
	}

	builder := circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(cfg.FailureThreshold).
		WithDelay(cfg.ResetTimeout).
		WithSuccessThreshold(1).
		HandleIf(func(_ any, err error) bool {
			if err == nil {
				return false
			}
			return upstream.Classify(err) != upstream.KindNotFoundEndpoint
		})

	if cfg.OnStateChange != nil || cfg.Logger != nil {
		builder = builder.OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			from := convertState(event.OldState)
			to := convertState(event.NewState)

			if cfg.Logger != nil {
				cfg.Logger.WithFields(logging.Fields{
					"circuit_breaker": cfg.Name,
					"from_state":      from.String(),
					"to_state":        to.String(),
				}).Warn("Circuit breaker state change")
			}
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(cfg.Name, from, to)
			}
		})
	}

	return &Breaker{
		cb:     builder.Build(),
		name:   cfg.Name,
		logger: cfg.Logger,
	}
}

func convertState(state circuitbreaker.State) State {
	switch state {
	case circuitbreaker.ClosedState:
		return StateClosed
	case circuitbreaker.HalfOpenState:
		return StateHalfOpen
	case circuitbreaker.OpenState:
		return StateOpen
	default:
		return StateClosed
	}
}

// Call executes fn through the circuit breaker. While the circuit is open
// the call fails immediately with circuitbreaker.ErrOpen without reaching
// the upstream.
func (b *Breaker) Call(fn func() error) error {
	_, err := failsafe.With(b.cb).Get(func() (any, error) {
		return nil, fn()
	})
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	return convertState(b.cb.State())
}

// IsOpen returns true if the circuit breaker is open.
func (b *Breaker) IsOpen() bool {
	return b.cb.IsOpen()
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}

// IsRejection reports whether err is the breaker's fail-fast rejection
// rather than a real upstream failure.
func IsRejection(err error) bool {
	return errors.Is(err, circuitbreaker.ErrOpen)
}
