package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/parley/pkg/provider"
)

// ErrAllFailed wraps the last error when every backend of a multi-entry
// [FallbackGroup] failed.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is the template for the breaker each group entry gets. Its
// Name is replaced by the entry name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type backend[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds interchangeable backends in preference order, each
// behind its own [CircuitBreaker]. A call moves to the next backend when the
// current one fails transiently or its breaker is open. A permanent failure
// ends the call: it is the request that is bad, not the backend.
//
// Backends are added before the group is shared.
type FallbackGroup[T any] struct {
	cfg      FallbackConfig
	backends []backend[T]
}

// NewFallbackGroup returns a group whose preferred backend is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, v T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.backends = append(fg.backends, backend[T]{name: name, value: v, breaker: NewCircuitBreaker(bc)})
}

// Names lists the backends in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	out := make([]string, 0, len(fg.backends))
	for _, b := range fg.backends {
		out = append(out, b.name)
	}
	return out
}

// Primary returns the preferred backend.
func (fg *FallbackGroup[T]) Primary() T { return fg.backends[0].value }

// Check fails with [ErrCircuitOpen] when no backend would currently accept a
// call. It satisfies a readiness checker.
func (fg *FallbackGroup[T]) Check(context.Context) error {
	for _, b := range fg.backends {
		if b.breaker.State() != StateOpen {
			return nil
		}
	}
	return fmt.Errorf("%s: %w", fg.backends[0].name, ErrCircuitOpen)
}

// Execute runs fn against the backends until one succeeds.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) { return struct{}{}, fn(v) })
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a value.
//
// If every breaker was open the error is transient and matches
// [ErrCircuitOpen]. A single-backend group returns its backend's error as is.
// Otherwise the error matches [ErrAllFailed] and keeps the last backend's
// classification.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
		skipped int
	)
	for i, b := range fg.backends {
		var out R
		err := b.breaker.Execute(func() error {
			var err error
			out, err = fn(b.value)
			return err
		})
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, ErrCircuitOpen):
			skipped++
			slog.Debug("provider skipped, circuit open", "provider", b.name)
			continue
		case !provider.IsTransient(err):
			return zero, err
		}
		lastErr = err
		if i+1 < len(fg.backends) {
			slog.Warn("provider failed, failing over", "provider", b.name, "next", fg.backends[i+1].name, "err", err)
		}
	}
	switch {
	case skipped == len(fg.backends):
		return zero, provider.Transient(fg.backends[0].name, ErrCircuitOpen)
	case len(fg.backends) == 1:
		return zero, lastErr
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
