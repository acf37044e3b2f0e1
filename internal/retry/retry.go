// Package retry is the single retry-with-backoff helper used by generation
// and the model backends.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop. MaxAttempts counts the first call.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy matches the generation defaults: three attempts starting at
// half a second.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}

// Op is one attempt. attempt is zero-based.
type Op func(ctx context.Context, attempt int) error

// Permanent marks err as not worth retrying; Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, ctx is done, or
// maxAttempts calls have been made. Delays grow exponentially from baseDelay.
// The last error is returned unwrapped.
func Do(ctx context.Context, op Op, maxAttempts int, baseDelay time.Duration) error {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}.Do(ctx, op)
}

// Do runs op under p. See the package-level Do.
func (p Policy) Do(ctx context.Context, op Op) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = time.Millisecond
	}
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.1
	if p.MaxDelay > 0 {
		exp.MaxInterval = p.MaxDelay
	}
	exp.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		n := attempt
		attempt++
		return op(ctx, n)
	}, b)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}
