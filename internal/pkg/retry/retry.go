// Package retry provides a reusable retry mechanism with exponential
// backoff.
//
// Callers mark errors that must not be retried by wrapping them with
// Permanent; every other error is treated as transient.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy holds configuration for retry behavior.
type Policy struct {
	// Attempts is the total number of tries, including the first one.
	Attempts int

	// MinDelay is the delay before the first retry.
	MinDelay time.Duration

	// MaxDelay caps the exponential growth of the delay.
	MaxDelay time.Duration

	// Factor is the multiplier applied to the delay after each retry.
	Factor float64

	// Jitter adds rand(0, delay) on top of each sleep to spread out
	// competing clients.
	Jitter bool
}

// DefaultPolicy returns the policy used by the remote adapters.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 4,
		MinDelay: 250 * time.Millisecond,
		MaxDelay: 5 * time.Second,
		Factor:   2.0,
		Jitter:   true,
	}
}

// OnRetryFunc is called before each retry sleep, for logging and metrics.
// attempt is 1-indexed (the first retry is attempt 1).
type OnRetryFunc func(attempt int, err error, delay time.Duration)

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do gives up immediately instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries a Permanent marker.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do runs fn until it succeeds, returns a Permanent error, the attempts are
// exhausted or the context ends. The error of the last attempt is returned.
func Do(ctx context.Context, p Policy, onRetry OnRetryFunc, fn func() error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.MinDelay <= 0 {
		p.MinDelay = 250 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Factor <= 1 {
		p.Factor = 2.0
	}

	delay := p.MinDelay
	var lastErr error

	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if attempt > 1 {
			sleep := delay
			if p.Jitter {
				sleep += time.Duration(rand.Int63n(int64(delay)))
			}
			if onRetry != nil {
				onRetry(attempt-1, lastErr, sleep)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled while retrying: %w", ctx.Err())
			case <-time.After(sleep):
			}
			delay = time.Duration(float64(delay) * p.Factor)
			if delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("operation failed after %d attempts: %w", p.Attempts, lastErr)
}
