// Package resilience keeps model-backed classification stages available when
// a provider misbehaves.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open).
// [FallbackGroup] puts a breaker in front of each of several providers of the
// same kind and tries them in order. [LLMFallback] and [EmbeddingsFallback]
// expose a group as a single provider, and [RateLimitedLLM] caps the request
// rate shared by every live call.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the last failure.
	StateOpen

	// StateHalfOpen lets a limited number of probes through. One failed probe
	// re-opens the breaker; enough successful ones close it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name labels log lines and state-change callbacks.
	Name string

	// MaxFailures is the run of consecutive failures that opens a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probes let through, and the number of
	// successes needed to close again. Default: 3.
	HalfOpenMax int

	// Clock measures the reset timeout. Default: the real clock.
	Clock clockwork.Clock

	// IsFailure decides whether an error counts against the provider.
	// Default: [CountsAsFailure].
	IsFailure func(error) bool

	// OnStateChange, if set, is called with the breaker name and new state
	// while the breaker lock is held. It must not call back into the breaker.
	OnStateChange func(name string, to State)
}

// CountsAsFailure is the default failure classifier. A call abandoned because
// the caller cancelled it, for instance a call session that closed while a
// classification was in flight, says nothing about the provider's health.
func CountsAsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Counts is a point-in-time view of a breaker's bookkeeping.
type Counts struct {
	State               State
	ConsecutiveFailures int
	Probes              int
	ProbeSuccesses      int
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     State
	failures  int // consecutive, closed state only
	openedAt  time.Time
	probes    int // admitted while half-open
	probeWins int
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = CountsAsFailure
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn unless the breaker rejects the call, in which case it
// returns [ErrCircuitOpen] without calling fn. fn's error is returned as is.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.allow()
	if err != nil {
		return err
	}
	err = fn()
	cb.done(probe, err)
	return err
}

// allow admits or rejects one call. probe reports whether the call was
// admitted as a half-open probe.
func (cb *CircuitBreaker) allow() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.cfg.Clock.Since(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		slog.Info("circuit breaker half-open, probing", "name", cb.cfg.Name)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

// done records the outcome of a call admitted by allow.
func (cb *CircuitBreaker) done(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := cb.cfg.IsFailure(err)
	if err != nil && !failed {
		// Neutral outcome. A neutral probe hands its slot back.
		if probe && cb.state == StateHalfOpen {
			cb.probes--
		}
		return
	}

	switch {
	case probe && cb.state != StateHalfOpen:
		// A concurrent probe already decided the outcome.
	case probe && failed:
		cb.open()
		slog.Warn("circuit breaker re-opened by failed probe", "name", cb.cfg.Name, "err", err)
	case probe:
		cb.probeWins++
		if cb.probeWins >= cb.cfg.HalfOpenMax {
			cb.transition(StateClosed)
			slog.Info("circuit breaker closed after successful probes", "name", cb.cfg.Name)
		}
	case failed:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			cb.open()
			slog.Warn("circuit breaker opened",
				"name", cb.cfg.Name,
				"consecutive_failures", cb.failures,
				"err", err)
		}
	default:
		cb.failures = 0
	}
}

// open moves to StateOpen and restarts the reset timer. Caller holds cb.mu.
func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.cfg.Clock.Now()
	cb.transition(StateOpen)
}

// transition switches state and clears the counters that belong to the state
// being left. Caller holds cb.mu.
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	cb.state = to
	switch to {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.probes, cb.probeWins = 0, 0
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, to)
	}
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	return cb.Counts().State
}

// Counts returns a snapshot of the breaker's bookkeeping.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	st := cb.state
	if st == StateOpen && cb.cfg.Clock.Since(cb.openedAt) >= cb.cfg.ResetTimeout {
		st = StateHalfOpen
	}
	return Counts{
		State:               st,
		ConsecutiveFailures: cb.failures,
		Probes:              cb.probes,
		ProbeSuccesses:      cb.probeWins,
	}
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed)
	cb.failures = 0
	slog.Info("circuit breaker manually reset", "name", cb.cfg.Name)
}
