package batch

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Worker processes a single item. Errors are per-item: the executor logs
// them and moves on, they never abort the batch.
type Worker[T, R any] func(ctx context.Context, item T) (R, error)

// ProgressFunc is invoked once per item completion, success or failure,
// with a monotonically increasing completed counter. result is nil for
// failed items.
type ProgressFunc[R any] func(completed, total int, result *R)

// RunBounded runs worker over items with at most limit in-flight workers.
// Items are partitioned into sequential chunks of size limit: within a
// chunk workers run concurrently, chunk N+1 starts only after all of chunk
// N has settled. The returned slice holds successes only, in best-effort
// chunk order.
func RunBounded[T, R any](ctx context.Context, items []T, worker Worker[T, R], limit int, onProgress ProgressFunc[R]) []R {
	if limit <= 0 {
		limit = 1
	}

	logger := zap.S().Named("batch")
	total := len(items)
	results := make([]R, 0, total)

	var mu sync.Mutex
	completed := 0

	for start := 0; start < total; start += limit {
		end := start + limit
		if end > total {
			end = total
		}
		chunk := items[start:end]

		var wg sync.WaitGroup
		for _, item := range chunk {
			wg.Add(1)
			go func(item T) {
				defer wg.Done()

				result, err := worker(ctx, item)

				mu.Lock()
				defer mu.Unlock()
				completed++
				if err != nil {
					logger.Warnw("item failed", "error", err, "completed", completed, "total", total)
					if onProgress != nil {
						onProgress(completed, total, nil)
					}
					return
				}
				results = append(results, result)
				if onProgress != nil {
					onProgress(completed, total, &result)
				}
			}(item)
		}
		wg.Wait()
	}

	return results
}
