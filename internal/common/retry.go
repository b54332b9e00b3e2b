package common

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

var retryInterval = 200 * time.Millisecond

// Retry runs op with exponential backoff until it succeeds, ctx ends or
// maxElapsed has passed. Used for dependencies that may come up after us.
func Retry[T any](ctx context.Context, log zerolog.Logger, what string, maxElapsed time.Duration, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInterval
	b.MaxInterval = 5 * time.Second

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn().Err(err).Str("dependency", what).Dur("retry_in", wait).Msg("dependency unavailable")
		}),
	)
}
