package events

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often a failing handler is retried before the message is dead-lettered.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Permanent marks err as not worth retrying, e.g. a payload that does not decode.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

type deferredError struct{ err error }

func (e *deferredError) Error() string { return "deferred: " + e.err.Error() }
func (e *deferredError) Unwrap() error { return e.err }

// Defer tells the bus the message arrived ahead of its turn. It is not retried in place and
// never dead-lettered; the bus offers it again after the messages queued behind it.
func Defer(err error) error {
	return backoff.Permanent(&deferredError{err: err})
}

func IsDeferred(err error) bool {
	var d *deferredError
	return stderrors.As(err, &d)
}

// deliver runs h with exponential backoff and returns the last error once retries are exhausted.
func deliver(ctx context.Context, h Handler, env Envelope, policy RetryPolicy, logger *slog.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.RetryNotify(
		func() error {
			attempt++
			return h(ctx, env)
		},
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(policy.MaxRetries)), ctx),
		func(err error, wait time.Duration) {
			logger.Warn("Handler failed, retrying",
				"channel", env.Channel,
				"key", env.Key,
				"sequence", env.Sequence,
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
		},
	)
}
