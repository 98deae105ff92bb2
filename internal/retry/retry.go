// Package retry re-runs a whole operation with exponential backoff. It is
// used by callers of the pipeline; the pipeline itself never retries.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-readaloud/internal/config"
)

type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func PolicyFromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: time.Duration(cfg.InitialDelayMS) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.MaxDelayMS) * time.Millisecond,
	}
}

// Do calls op until it succeeds, returns an error retryable rejects, the
// attempts are used up or ctx ends. notify, when set, sees every failed
// attempt that will be retried.
func Do[T any](ctx context.Context, p Policy, retryable func(error) bool, notify func(attempt int, err error, wait time.Duration), op func(context.Context) (T, error)) (T, error) {
	if p.MaxAttempts <= 1 {
		return op(ctx)
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		b.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		res, err := op(ctx)
		if err != nil && retryable != nil && !retryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			notify(attempt, err, wait)
		}))
	}
	res, err := backoff.Retry(ctx, operation, opts...)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return res, err
}
