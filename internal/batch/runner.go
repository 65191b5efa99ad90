package batch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/forgemirror/forgemirror/internal/store"
	"github.com/forgemirror/forgemirror/internal/store/model"
	"github.com/forgemirror/forgemirror/pkg/metrics"
)

// RunnerStore is the slice of the job store the resilient runner needs.
type RunnerStore interface {
	CheckpointStore
	Create(ctx context.Context, job model.Job) (*model.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Job, error)
	Update(ctx context.Context, job model.Job) (*model.Job, error)
	Finalize(ctx context.Context, id uuid.UUID, status model.JobStatus, message string) (*model.Job, error)
}

// TxStarter opens a store transaction bound to the returned context.
type TxStarter interface {
	NewTransactionContext(ctx context.Context) (context.Context, error)
}

type RunnerDeps struct {
	Store RunnerStore
	Tx    TxStarter
	Clock clockwork.Clock
	Gate  *ShutdownGate
}

type RunnerOptions[T any] struct {
	UserID             string
	JobType            model.JobType
	Message            string
	BatchID            *string
	GetItemID          func(T) string
	GetItemName        func(T) string
	Concurrency        int
	MaxRetries         int
	RetryDelay         time.Duration
	CheckpointInterval int

	// ResumeFromJobID re-enters an existing job record instead of creating
	// one; items already present in completed_item_ids are skipped.
	ResumeFromJobID *uuid.UUID
}

// RunResilient runs items through the retry-wrapped bounded executor with
// per-item checkpointing against a job record. Items that were skipped
// because of process shutdown leave the record in progress for the
// recovery scanner; everything else ends in a terminal status.
func RunResilient[T, R any](ctx context.Context, deps RunnerDeps, items []T, worker Worker[T, R], opts RunnerOptions[T]) ([]R, *model.Job, error) {
	logger := zap.S().Named("batch")

	job, remaining, err := prepareJob(ctx, deps, items, opts)
	if err != nil {
		return nil, nil, err
	}

	if len(remaining) == 0 {
		job, err = deps.Store.Finalize(ctx, job.ID, opts.JobType.SuccessStatus(),
			fmt.Sprintf("completed %d of %d items", job.CompletedItems, itemCount(job)))
		if err != nil {
			return nil, nil, fmt.Errorf("finalizing job: %w", err)
		}
		return []R{}, job, nil
	}

	checkpointer := NewJobCheckpointer(deps.Store, job.ID, opts.CheckpointInterval)

	var shutdownSkips atomic.Int64
	processOne := func(ctx context.Context, item T) (R, error) {
		if deps.Gate != nil && deps.Gate.InProgress() {
			shutdownSkips.Add(1)
			var zero R
			return zero, ErrShuttingDown
		}

		result, err := worker(ctx, item)
		if err != nil {
			return result, err
		}

		// the item is safe only once its ID is durably checkpointed
		if err := checkpointer.Mark(ctx, opts.GetItemID(item)); err != nil {
			return result, fmt.Errorf("checkpointing %q: %w", opts.GetItemName(item), err)
		}
		return result, nil
	}

	onRetry := func(item T, err error, attempt int) {
		logger.Infow("retrying item", "item", opts.GetItemName(item), "attempt", attempt, "error", err)
	}

	retried := WithRetry(processOne, opts.MaxRetries, opts.RetryDelay, deps.Clock, onRetry)

	onProgress := func(completed, total int, _ *R) {
		logger.Debugw("batch progress", "job_id", job.ID, "completed", completed, "total", total)
	}

	results := RunBounded(ctx, remaining, retried, opts.Concurrency, onProgress)

	if err := checkpointer.Flush(ctx); err != nil {
		// buffered items stay un-checkpointed and will be re-processed on
		// resume, so this is degraded progress tracking, not data loss
		logger.Errorw("final checkpoint flush failed", "job_id", job.ID, "error", err)
	}

	skipped := int(shutdownSkips.Load())
	failures := len(remaining) - len(results) - skipped
	recordItemMetrics(opts.JobType, len(results), failures)

	if skipped > 0 {
		// leave the record in progress; the recovery scanner resumes it on
		// the next start
		logger.Infow("batch interrupted by shutdown", "job_id", job.ID, "skipped", skipped, "succeeded", len(results))
		return results, job, nil
	}

	current, err := deps.Store.Get(ctx, job.ID)
	if err != nil {
		// best effort: the batch already ran, so the record must not stay
		// in progress just because the bookkeeping read failed
		if failed, ferr := deps.Store.Finalize(ctx, job.ID, model.JobStatusFailed,
			fmt.Sprintf("batch bookkeeping failed: %s", err)); ferr == nil {
			job = failed
		} else {
			logger.Errorw("failed to finalize job after reload failure", "job_id", job.ID, "error", ferr)
		}
		return results, job, fmt.Errorf("reloading job: %w", err)
	}

	if failures > 0 {
		job, err = deps.Store.Finalize(ctx, job.ID, model.JobStatusFailed,
			fmt.Sprintf("%d of %d items failed", failures, itemCount(current)))
	} else {
		job, err = deps.Store.Finalize(ctx, job.ID, opts.JobType.SuccessStatus(),
			fmt.Sprintf("completed %d of %d items", current.CompletedItems, itemCount(current)))
	}
	if err != nil {
		return results, current, fmt.Errorf("finalizing job: %w", err)
	}

	return results, job, nil
}

// prepareJob loads and filters the job on resume, or creates a fresh
// record, and returns the items still to process.
func prepareJob[T any](ctx context.Context, deps RunnerDeps, items []T, opts RunnerOptions[T]) (*model.Job, []T, error) {
	if opts.ResumeFromJobID != nil {
		// the load and the ownership update have to see the same record
		if deps.Tx != nil {
			var err error
			if ctx, err = deps.Tx.NewTransactionContext(ctx); err != nil {
				return nil, nil, fmt.Errorf("starting transaction: %w", err)
			}
		}

		job, err := deps.Store.Get(ctx, *opts.ResumeFromJobID)
		if err != nil {
			_, _ = store.Rollback(ctx)
			return nil, nil, fmt.Errorf("loading job %s: %w", opts.ResumeFromJobID, err)
		}

		done := make(map[string]struct{}, len(job.CompletedItemIDs))
		for _, id := range job.CompletedItemIDs {
			done[id] = struct{}{}
		}
		remaining := make([]T, 0, len(items))
		for _, item := range items {
			if _, ok := done[opts.GetItemID(item)]; !ok {
				remaining = append(remaining, item)
			}
		}

		if len(remaining) > 0 {
			// the resuming invocation takes ownership of the record.
			// StartedAt is kept so the hard staleness ceiling still counts
			// from the original start, no matter how often the job resumes.
			job.InProgress = true
			job.Status = opts.JobType.RunningStatus()
			if job.StartedAt == nil {
				now := time.Now()
				job.StartedAt = &now
			}
			job.CompletedAt = nil
			if job, err = deps.Store.Update(ctx, *job); err != nil {
				_, _ = store.Rollback(ctx)
				return nil, nil, fmt.Errorf("reclaiming job %s: %w", opts.ResumeFromJobID, err)
			}
		}

		if _, err := store.Commit(ctx); err != nil {
			return nil, nil, fmt.Errorf("committing job reclaim: %w", err)
		}
		return job, remaining, nil
	}

	now := time.Now()
	total := len(items)
	itemIDs := make([]string, total)
	for i, item := range items {
		itemIDs[i] = opts.GetItemID(item)
	}

	job, err := deps.Store.Create(ctx, model.Job{
		ID:         uuid.New(),
		UserID:     opts.UserID,
		JobType:    opts.JobType,
		Status:     opts.JobType.RunningStatus(),
		Message:    opts.Message,
		BatchID:    opts.BatchID,
		TotalItems: &total,
		ItemIDs:    itemIDs,
		InProgress: true,
		StartedAt:  &now,
		CreatedAt:  now,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating job: %w", err)
	}
	return job, items, nil
}

func itemCount(job *model.Job) int {
	if job.TotalItems != nil {
		return *job.TotalItems
	}
	return len(job.ItemIDs)
}

func recordItemMetrics(jobType model.JobType, successes, failures int) {
	for i := 0; i < successes; i++ {
		metrics.IncItemProcessed(string(jobType), "success")
	}
	for i := 0; i < failures; i++ {
		metrics.IncItemProcessed(string(jobType), "failure")
	}
}
