package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy is the retry budget for transport errors.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// Retry runs op until it succeeds, returns an error that transient rejects,
// or the attempt budget is spent. Delays grow exponentially with jitter.
// notify, when non-nil, is called before each delay.
func Retry[T any](ctx context.Context, p RetryPolicy, transient func(error) bool, op func() (T, error), notify func(err error, next time.Duration)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		eb.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		eb.MaxInterval = p.Max
	}

	wrapped := func() (T, error) {
		v, err := op()
		if err != nil && transient != nil && !transient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	v, err := backoff.Retry(ctx, wrapped, opts...)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return v, err
}
