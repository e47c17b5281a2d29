// Package resilience wraps every external capability call of the
// conversation pipeline: a [Retrier] re-runs transient failures with capped
// exponential backoff, a [CircuitBreaker] stops hammering a backend that keeps
// failing, and a [FallbackGroup] moves on to the next configured backend when
// the preferred one is unavailable.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// refuses calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the breaker tripped.
	StateOpen
	// StateHalfOpen lets up to HalfOpenMax probe calls through. Enough
	// successes close the breaker, one failure trips it again.
	StateHalfOpen
)

var stateNames = [...]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values take the
// documented defaults.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and callbacks.
	Name string

	// MaxFailures is the run of consecutive failures that trips a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long a tripped breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is both the number of probes admitted concurrently and the
	// number of successful probes needed to close. Default: 1.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the backend.
	// Default: [provider.IsTransient]; a rejected request says nothing about
	// backend health.
	IsFailure func(error) bool

	// OnStateChange runs after every transition, outside the breaker's lock.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker guards one backend with the closed/open/half-open pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
	passed   int
}

// NewCircuitBreaker returns a closed [CircuitBreaker].
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = provider.IsTransient
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Execute runs fn unless the breaker refuses it with [ErrCircuitOpen].
// fn's error is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen && cb.cooled() {
		cb.state = StateHalfOpen
		cb.probes, cb.passed = 0, 0
	}
	switch cb.state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			err = ErrCircuitOpen
		} else {
			cb.probes++
			probe = true
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.changed(from, to)
	return probe, err
}

// settle books the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	halfOpen := probe && cb.state == StateHalfOpen
	switch {
	case err == nil && halfOpen:
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			cb.close()
		}
	case err == nil:
		cb.failures = 0
	case cb.cfg.IsFailure(err):
		cb.failures++
		if halfOpen || (cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures) {
			cb.trip()
		}
	case halfOpen:
		// Not a backend failure; free the probe slot.
		cb.probes--
	}
	to := cb.state
	cb.mu.Unlock()
	cb.changed(from, to)
}

func (cb *CircuitBreaker) cooled() bool {
	return cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.failures = 0
}

func (cb *CircuitBreaker) close() {
	cb.state = StateClosed
	cb.failures, cb.probes, cb.passed = 0, 0, 0
}

func (cb *CircuitBreaker) changed(from, to State) {
	if from == to {
		return
	}
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker", "name", cb.cfg.Name, "from", from.String(), "to", to.String())
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State reports the breaker's mode. An open breaker whose timeout has passed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cooled() {
		return StateHalfOpen
	}
	return cb.state
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.close()
	cb.mu.Unlock()
	cb.changed(from, StateClosed)
}
