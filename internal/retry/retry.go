package retry

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// Policy bounds retries for a single call site: a total attempt count and an
// exponential sleep window. The sleep before attempt k+1 is
// min(BaseSleep * 2^(k-1), MaxSleep). A Policy is a value; call sites pass
// their own instead of sharing mutable state.
type Policy struct {
	// Attempts is the total number of attempts, including the first one.
	Attempts uint64
	// BaseSleep is the sleep after the first failed attempt.
	BaseSleep time.Duration
	// MaxSleep caps the doubling sleep between attempts.
	MaxSleep time.Duration
}

// DefaultPolicy suits ordinary network calls such as manifest fetches and
// artifact downloads.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:  5,
		BaseSleep: 10 * time.Second,
		MaxSleep:  60 * time.Second,
	}
}

// Operation produces a value or fails. Implementations must be safe to invoke
// more than once: the executor never caches partial results.
type Operation[T any] func(ctx context.Context) (T, error)

// Notify observes a failed attempt together with the sleep planned before the
// next one. Used by tests and debug logging.
type Notify func(err error, next time.Duration)

// Option adjusts a single Do/Run invocation.
type Option func(*settings)

type settings struct {
	notify Notify
}

// WithNotify registers a callback invoked after every failed attempt that
// will be retried.
func WithNotify(fn Notify) Option {
	return func(s *settings) {
		s.notify = fn
	}
}

// Do runs op until it succeeds, the policy is exhausted, or the context ends.
// The last error is propagated unchanged so callers can inspect its cause.
func Do[T any](ctx context.Context, policy Policy, op Operation[T], opts ...Option) (T, error) {
	var (
		result T
		s      settings
	)

	for _, opt := range opts {
		opt(&s)
	}

	attempt := func() error {
		value, err := op(ctx)
		if err != nil {
			return err
		}

		result = value

		return nil
	}

	err := backoff.RetryNotify(attempt, policy.backOff(ctx), backoff.Notify(s.notify))
	if err != nil {
		var zero T
		return zero, err
	}

	return result, nil
}

// Run is Do for operations without a result.
func Run(ctx context.Context, policy Policy, op func(ctx context.Context) error, opts ...Option) error {
	_, err := Do(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)

	return err
}

// Permanent marks an error as final: the executor stops immediately and
// propagates the original error. Use it for failures retrying cannot fix,
// such as a manifest that does not parse.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// backOff translates the policy into a deterministic exponential schedule.
func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseSleep
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.MaxSleep
	// The attempt count is the only stop condition.
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}

	return backoff.WithContext(backoff.WithMaxRetries(b, attempts-1), ctx)
}
