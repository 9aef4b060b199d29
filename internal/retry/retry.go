// Package retry wraps RPC-style calls against a room handle with
// jittered exponential backoff. A fresh handle is resolved before every
// attempt, because a handle that failed may be permanently unusable
// (e.g. its room shut down between events). WebSocket upgrade calls must
// never go through this package: a completed protocol upgrade is not
// replayable.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrOverloaded marks a room whose mailbox is full. Never retried:
	// piling retries onto an overloaded room only makes it worse.
	ErrOverloaded = errors.New("room overloaded")
)

// transientError marks failures the infrastructure considers safe to retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps err so the retry wrapper treats it as retryable.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retryable by the infrastructure.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Options controls the retry schedule and the caller-supplied predicate.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable extends the retry predicate beyond infrastructure-marked
	// transient errors. May be nil.
	Retryable func(error) bool
}

// DefaultOptions returns the schedule used by the HTTP layer.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Do invokes call with a freshly resolved handle, retrying on transient
// failure with full-jitter exponential backoff. An error is retried when
// the infrastructure marked it transient and it is not an overload, or
// when the caller predicate accepts it. Exhausting all attempts
// returns the last error.
func Do[H, T any](ctx context.Context, opts Options, getHandle func() (H, error), call func(H) (T, error)) (T, error) {
	var result T

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.BaseDelay
	bo.MaxInterval = opts.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 1 // full jitter: each delay drawn from (0, 2x)
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempts := opts.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	op := func() error {
		h, err := getHandle()
		if err != nil {
			return classify(opts, err)
		}
		v, err := call(h)
		if err != nil {
			return classify(opts, err)
		}
		result = v
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func classify(opts Options, err error) error {
	if errors.Is(err, ErrOverloaded) {
		return backoff.Permanent(err)
	}
	if IsTransient(err) {
		return err
	}
	if opts.Retryable != nil && opts.Retryable(err) {
		return err
	}
	return backoff.Permanent(err)
}
