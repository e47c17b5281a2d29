package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/MrWong99/parley/pkg/provider"
)

// RetryPolicy bounds how a failing call is repeated.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt. Each further wait
	// doubles, capped at MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration

	// AttemptTimeout bounds each attempt. Zero means attempts are bounded only
	// by the caller's context.
	AttemptTimeout time.Duration
}

// RetryNotifyFunc is called before each backoff wait with the attempt that
// just failed (1-based), its error and the wait ahead.
type RetryNotifyFunc func(name string, attempt int, err error, wait time.Duration)

// Retrier runs operations under a [RetryPolicy]. Only transient failures are
// retried; permanent failures and caller cancellation end the loop at once.
type Retrier struct {
	policy RetryPolicy
	notify RetryNotifyFunc
}

// RetrierOption configures a [Retrier].
type RetrierOption func(*Retrier)

// WithRetryNotify installs a hook observing every scheduled retry.
func WithRetryNotify(fn RetryNotifyFunc) RetrierOption {
	return func(r *Retrier) {
		r.notify = fn
	}
}

// NewRetrier returns a Retrier for p.
func NewRetrier(p RetryPolicy, opts ...RetrierOption) *Retrier {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	r := &Retrier{policy: p}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Policy returns the retry policy.
func (r *Retrier) Policy() RetryPolicy { return r.policy }

// ErrAttemptTimeout marks an attempt of [Retrier.DoOpen] that outlived
// [RetryPolicy.AttemptTimeout]. It is wrapped as a transient failure.
var ErrAttemptTimeout = errors.New("resilience: attempt timed out")

// Do calls op until it succeeds, fails permanently or the attempt budget is
// spent. It returns the number of attempts made and the final error, which is
// op's own error (not a wrapper) so classification survives. name labels the
// call for the notify hook.
func (r *Retrier) Do(ctx context.Context, name string, op func(ctx context.Context) error) (int, error) {
	return r.retry(ctx, name, func() error { return r.attempt(ctx, op) })
}

// DoOpen is [Retrier.Do] for an op that opens something outliving the call,
// such as an audio stream fed by a goroutine bound to op's context. The
// attempt timeout covers op only. After a successful open the context stays
// live until release is called; release is never nil and must be called once
// the opened resource is finished with.
func (r *Retrier) DoOpen(ctx context.Context, name string, op func(ctx context.Context) error) (attempts int, release func(), err error) {
	release = func() {}
	attempts, err = r.retry(ctx, name, func() error {
		actx, cancel := context.WithCancelCause(ctx)
		var timer *time.Timer
		if r.policy.AttemptTimeout > 0 {
			timer = time.AfterFunc(r.policy.AttemptTimeout, func() { cancel(ErrAttemptTimeout) })
		}
		err := op(actx)
		if timer != nil && !timer.Stop() && ctx.Err() == nil {
			// Fired, possibly just after a successful open.
			cancel(nil)
			if err == nil {
				return provider.Transient(name, ErrAttemptTimeout)
			}
			return provider.Transient(name, fmt.Errorf("%w: %w", ErrAttemptTimeout, err))
		}
		if err != nil {
			cancel(nil)
			return err
		}
		release = func() { cancel(nil) }
		return nil
	})
	return attempts, release, err
}

func (r *Retrier) retry(ctx context.Context, name string, attempt func() error) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	if r.policy.MaxDelay > 0 {
		b.MaxInterval = r.policy.MaxDelay
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.policy.MaxAttempts-1)), ctx)

	attempts := 0
	var lastErr error
	err := backoff.RetryNotify(func() error {
		attempts++
		err := attempt()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !provider.IsTransient(err) || errors.Is(err, ErrCircuitOpen) {
			return backoff.Permanent(err)
		}
		return err
	}, bo, func(err error, wait time.Duration) {
		if r.notify != nil {
			r.notify(name, attempts, err, wait)
		}
	})
	if err != nil && lastErr != nil && errors.Is(err, ctx.Err()) && !errors.Is(lastErr, ctx.Err()) {
		// Cancelled while waiting to retry.
		return attempts, errors.Join(ctx.Err(), lastErr)
	}
	return attempts, err
}

func (r *Retrier) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if r.policy.AttemptTimeout <= 0 {
		return op(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, r.policy.AttemptTimeout)
	defer cancel()
	return op(actx)
}
