// Package retry provides the retry-with-backoff combinator applied to every
// external call: feed downloads, boundary requests and store transactions.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ajitpratap0/notesync/pkg/config"
	"github.com/ajitpratap0/notesync/pkg/errors"
)

// Policy defines retry behavior
type Policy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
	// Retryable decides whether an error is worth another attempt.
	// Nil means errors.IsRetryable.
	Retryable func(error) bool
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Default returns a sensible default retry policy
func Default() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialDelay:    time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// FromConfig builds a policy from the reliability section.
func FromConfig(c config.ReliabilityConfig) Policy {
	return Policy{
		MaxAttempts:     c.RetryAttempts,
		InitialDelay:    c.RetryDelay,
		MaxDelay:        c.MaxRetryDelay,
		Multiplier:      c.RetryMultiplier,
		RandomizeFactor: c.RandomizeFactor,
	}
}

// WithMaxAttempts returns a copy with updated max attempts
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// WithRetryable returns a copy with a different retry predicate
func (p Policy) WithRetryable(fn func(error) bool) Policy {
	p.Retryable = fn
	return p
}

// WithOnRetry returns a copy with a retry observer
func (p Policy) WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Policy {
	p.OnRetry = fn
	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizeFactor
	// attempts bound the loop, not wall time
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Do runs op until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is cancelled. Exhaustion wraps the last error so its
// classification survives.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = errors.IsRetryable
	}

	attempts := 0
	var lastErr error
	operation := func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempts, err, d)
		}
	}

	err := backoff.RetryNotify(operation, p.backOff(ctx), notify)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && err == ctx.Err() {
		return fmt.Errorf("retry cancelled after %d attempts: %w", attempts, errors.Join(ctx.Err(), lastErr))
	}
	if !retryable(lastErr) {
		return lastErr
	}
	return fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}
