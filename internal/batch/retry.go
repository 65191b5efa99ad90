package batch

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/forgemirror/forgemirror/pkg/metrics"
)

// OnRetryFunc is called before each backoff wait with the 1-indexed
// attempt number that just failed.
type OnRetryFunc[T any] func(item T, err error, attempt int)

// WithRetry wraps worker with bounded exponential-backoff retry: after a
// failure on attempt n the wrapper waits retryDelay * 2^(n-1), up to
// maxRetries retries (maxRetries+1 total attempts), then propagates the
// last error. A zero retryDelay disables waiting. Shutdown errors are
// propagated immediately, retrying a stopping process gains nothing.
func WithRetry[T, R any](worker Worker[T, R], maxRetries int, retryDelay time.Duration, clock clockwork.Clock, onRetry OnRetryFunc[T]) Worker[T, R] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return func(ctx context.Context, item T) (R, error) {
		var lastErr error
		for attempt := 1; attempt <= maxRetries+1; attempt++ {
			result, err := worker(ctx, item)
			if err == nil {
				return result, nil
			}
			if errors.Is(err, ErrShuttingDown) {
				return result, err
			}

			lastErr = err
			if attempt > maxRetries {
				break
			}

			if onRetry != nil {
				onRetry(item, err, attempt)
			}
			metrics.IncItemRetry()

			if delay := retryDelay << (attempt - 1); delay > 0 {
				select {
				case <-ctx.Done():
					var zero R
					return zero, ctx.Err()
				case <-clock.After(delay):
				}
			}
		}

		var zero R
		return zero, lastErr
	}
}
