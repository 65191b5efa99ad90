package batch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/forgemirror/forgemirror/internal/batch"
	"github.com/forgemirror/forgemirror/internal/store"
	"github.com/forgemirror/forgemirror/internal/store/model"
)

// memJobStore is an in-memory RunnerStore with the same atomicity
// guarantees as the real one.
type memJobStore struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*model.Job
	getErr error
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[uuid.UUID]*model.Job)}
}

func (s *memJobStore) Create(_ context.Context, job model.Job) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := job
	s.jobs[job.ID] = &saved
	out := saved
	return &out, nil
}

func (s *memJobStore) Get(_ context.Context, id uuid.UUID) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrRecordNotFound
	}
	out := *job
	return &out, nil
}

func (s *memJobStore) Update(_ context.Context, job model.Job) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return nil, store.ErrRecordNotFound
	}
	saved := job
	s.jobs[job.ID] = &saved
	out := saved
	return &out, nil
}

func (s *memJobStore) AddCompletedItems(_ context.Context, id uuid.UUID, itemIDs []string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrRecordNotFound
	}
	seen := make(map[string]struct{}, len(job.CompletedItemIDs))
	for _, existing := range job.CompletedItemIDs {
		seen[existing] = struct{}{}
	}
	for _, itemID := range itemIDs {
		if _, ok := seen[itemID]; ok {
			continue
		}
		seen[itemID] = struct{}{}
		job.CompletedItemIDs = append(job.CompletedItemIDs, itemID)
	}
	now := time.Now()
	job.CompletedItems = len(job.CompletedItemIDs)
	job.LastCheckpoint = &now
	out := *job
	return &out, nil
}

func (s *memJobStore) Finalize(_ context.Context, id uuid.UUID, status model.JobStatus, message string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrRecordNotFound
	}
	if job.InProgress || job.CompletedAt == nil {
		now := time.Now()
		job.InProgress = false
		job.CompletedAt = &now
		job.Status = status
		job.Message = message
	}
	out := *job
	return &out, nil
}

func repoOpts(resumeFrom *uuid.UUID) batch.RunnerOptions[string] {
	return batch.RunnerOptions[string]{
		UserID:             "user1",
		JobType:            model.JobTypeMirror,
		GetItemID:          func(s string) string { return s },
		GetItemName:        func(s string) string { return s },
		Concurrency:        2,
		MaxRetries:         1,
		RetryDelay:         0,
		CheckpointInterval: 1,
		ResumeFromJobID:    resumeFrom,
	}
}

func TestRunResilientFullSuccess(t *testing.T) {
	jobs := newMemJobStore()
	deps := batch.RunnerDeps{Store: jobs}
	items := []string{"a", "b", "c", "d", "e"}

	results, job, err := batch.RunResilient(context.Background(), deps, items, func(_ context.Context, item string) (string, error) {
		return item, nil
	}, repoOpts(nil))

	require.NoError(t, err)
	require.Len(t, results, 5)
	require.False(t, job.InProgress)
	require.NotNil(t, job.CompletedAt)
	require.Equal(t, model.JobStatusMirrored, job.Status)

	saved, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 5, saved.CompletedItems)
	require.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, []string(saved.CompletedItemIDs))
}

func TestRunResilientPartialFailure(t *testing.T) {
	jobs := newMemJobStore()
	deps := batch.RunnerDeps{Store: jobs}
	items := []string{"a", "b", "c", "d", "e"}

	results, job, err := batch.RunResilient(context.Background(), deps, items, func(_ context.Context, item string) (string, error) {
		if item == "c" {
			return "", errors.New("always fails")
		}
		return item, nil
	}, repoOpts(nil))

	require.NoError(t, err)
	require.Len(t, results, 4)
	require.False(t, job.InProgress)
	require.Equal(t, model.JobStatusFailed, job.Status)
	require.Contains(t, job.Message, "1 of 5")

	saved, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 4, saved.CompletedItems)
	require.NotContains(t, []string(saved.CompletedItemIDs), "c")
}

func TestRunResilientResumeSkipsCompletedItems(t *testing.T) {
	jobs := newMemJobStore()
	deps := batch.RunnerDeps{Store: jobs}

	startedAt := time.Now().Add(-time.Hour)
	total := 5
	seeded, err := jobs.Create(context.Background(), model.Job{
		ID:               uuid.New(),
		UserID:           "user1",
		JobType:          model.JobTypeMirror,
		Status:           model.JobStatusMirroring,
		TotalItems:       &total,
		ItemIDs:          []string{"a", "b", "c", "d", "e"},
		CompletedItemIDs: []string{"a", "b", "c"},
		CompletedItems:   3,
		InProgress:       true,
		StartedAt:        &startedAt,
	})
	require.NoError(t, err)

	var processed sync.Map
	items := []string{"a", "b", "c", "d", "e"}

	results, job, err := batch.RunResilient(context.Background(), deps, items, func(_ context.Context, item string) (string, error) {
		processed.Store(item, true)
		return item, nil
	}, repoOpts(&seeded.ID))

	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, done := range []string{"a", "b", "c"} {
		_, reprocessed := processed.Load(done)
		require.False(t, reprocessed, "item %s was already checkpointed", done)
	}

	require.False(t, job.InProgress)
	require.Equal(t, model.JobStatusMirrored, job.Status)
	require.Equal(t, 5, job.CompletedItems)
}

func TestRunResilientResumePreservesStartedAt(t *testing.T) {
	jobs := newMemJobStore()
	deps := batch.RunnerDeps{Store: jobs}

	startedAt := time.Now().Add(-time.Hour)
	total := 3
	seeded, err := jobs.Create(context.Background(), model.Job{
		ID:               uuid.New(),
		UserID:           "user1",
		JobType:          model.JobTypeMirror,
		Status:           model.JobStatusMirroring,
		TotalItems:       &total,
		ItemIDs:          []string{"a", "b", "c"},
		CompletedItemIDs: []string{"a"},
		CompletedItems:   1,
		InProgress:       true,
		StartedAt:        &startedAt,
	})
	require.NoError(t, err)

	_, job, err := batch.RunResilient(context.Background(), deps, []string{"a", "b", "c"}, func(_ context.Context, item string) (string, error) {
		return item, nil
	}, repoOpts(&seeded.ID))

	require.NoError(t, err)
	// the original start keeps counting toward the staleness ceiling
	require.NotNil(t, job.StartedAt)
	require.WithinDuration(t, startedAt, *job.StartedAt, time.Second)
}

func TestRunResilientFinalizesFailedWhenReloadFails(t *testing.T) {
	jobs := newMemJobStore()
	deps := batch.RunnerDeps{Store: jobs}
	jobs.getErr = errors.New("db down")

	results, job, err := batch.RunResilient(context.Background(), deps, []string{"a", "b"}, func(_ context.Context, item string) (string, error) {
		return item, nil
	}, repoOpts(nil))

	require.Error(t, err)
	require.Len(t, results, 2)

	// the record must not be left in progress
	require.False(t, job.InProgress)
	require.Equal(t, model.JobStatusFailed, job.Status)

	jobs.mu.Lock()
	stored := jobs.jobs[job.ID]
	jobs.mu.Unlock()
	require.False(t, stored.InProgress)
	require.NotNil(t, stored.CompletedAt)
}

func TestRunResilientResumeFullyCompletedIsNoOp(t *testing.T) {
	jobs := newMemJobStore()
	deps := batch.RunnerDeps{Store: jobs}

	total := 2
	seeded, err := jobs.Create(context.Background(), model.Job{
		ID:               uuid.New(),
		UserID:           "user1",
		JobType:          model.JobTypeMirror,
		Status:           model.JobStatusMirroring,
		TotalItems:       &total,
		ItemIDs:          []string{"a", "b"},
		CompletedItemIDs: []string{"a", "b"},
		CompletedItems:   2,
		InProgress:       true,
	})
	require.NoError(t, err)

	var calls atomic.Int64
	results, job, err := batch.RunResilient(context.Background(), deps, []string{"a", "b"}, func(_ context.Context, item string) (string, error) {
		calls.Add(1)
		return item, nil
	}, repoOpts(&seeded.ID))

	require.NoError(t, err)
	require.Empty(t, results)
	require.Equal(t, int64(0), calls.Load())
	require.False(t, job.InProgress)
	require.Equal(t, model.JobStatusMirrored, job.Status)
}

func TestRunResilientShutdownLeavesJobInProgress(t *testing.T) {
	jobs := newMemJobStore()
	gate := batch.NewShutdownGate()
	gate.Begin()
	deps := batch.RunnerDeps{Store: jobs, Gate: gate}

	var calls atomic.Int64
	results, job, err := batch.RunResilient(context.Background(), deps, []string{"a", "b", "c"}, func(_ context.Context, item string) (string, error) {
		calls.Add(1)
		return item, nil
	}, repoOpts(nil))

	require.NoError(t, err)
	require.Empty(t, results)
	require.Equal(t, int64(0), calls.Load())

	saved, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, saved.InProgress)
	require.Nil(t, saved.CompletedAt)
}

func TestRunResilientRetriesTransientFailures(t *testing.T) {
	jobs := newMemJobStore()
	deps := batch.RunnerDeps{Store: jobs}

	var attempts atomic.Int64
	results, job, err := batch.RunResilient(context.Background(), deps, []string{"a"}, func(_ context.Context, item string) (string, error) {
		if attempts.Add(1) == 1 {
			return "", errors.New("transient")
		}
		return item, nil
	}, repoOpts(nil))

	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, int64(2), attempts.Load())
	require.Equal(t, model.JobStatusMirrored, job.Status)
}

func TestRunResilientEmptyBatch(t *testing.T) {
	jobs := newMemJobStore()
	deps := batch.RunnerDeps{Store: jobs}

	results, job, err := batch.RunResilient(context.Background(), deps, []string{}, func(_ context.Context, item string) (string, error) {
		return item, nil
	}, repoOpts(nil))

	require.NoError(t, err)
	require.Empty(t, results)
	require.False(t, job.InProgress)
	require.Equal(t, model.JobStatusMirrored, job.Status)
}
