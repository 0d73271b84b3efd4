package fault

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds the retries of one adapter call.
type Policy struct {
	Retries  int           // attempts after the first
	Delay    time.Duration // first backoff interval, doubled on each retry
	MaxDelay time.Duration
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = 8 * b.InitialInterval
	}
	return b
}

// Retry runs op until it succeeds, returns a fatal error, or the policy is
// exhausted. Errors are classified under stage; notify is called before each
// retry.
func Retry[T any](ctx context.Context, p Policy, stage Stage, op func() (T, error), notify func(error, time.Duration)) (T, error) {
	wrapped := func() (T, error) {
		v, err := op()
		if err == nil {
			return v, nil
		}
		if !isClassified(err) {
			err = Transient(stage, err)
		}
		if IsFatal(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.Retries + 1)),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	return backoff.Retry(ctx, wrapped, opts...)
}

func isClassified(err error) bool {
	return StageOf(err) != ""
}
