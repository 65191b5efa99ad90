package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/forgemirror/forgemirror/internal/store/model"
)

type Job interface {
	Create(ctx context.Context, job model.Job) (*model.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Job, error)
	List(ctx context.Context, filter *JobQueryFilter) (model.JobList, error)
	Update(ctx context.Context, job model.Job) (*model.Job, error)
	AddCompletedItems(ctx context.Context, id uuid.UUID, itemIDs []string) (*model.Job, error)
	Finalize(ctx context.Context, id uuid.UUID, status model.JobStatus, message string) (*model.Job, error)
}

// JobStore serializes writes to a single job record through a store-level
// mutex. The process owns its job records exclusively (single-instance
// deployment), so a single-writer discipline is enough to keep
// completed_item_ids and completed_items consistent without row locks.
type JobStore struct {
	db *gorm.DB
	mu sync.Mutex
}

// Make sure we conform to Job interface
var _ Job = (*JobStore)(nil)

func NewJobStore(db *gorm.DB) Job {
	return &JobStore{db: db}
}

func (s *JobStore) Create(ctx context.Context, job model.Job) (*model.Job, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	result := s.getDB(ctx).Clauses(clause.Returning{}).Create(&job)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, result.Error
	}
	return &job, nil
}

func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	var job model.Job
	result := s.getDB(ctx).First(&job, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, result.Error
	}
	return &job, nil
}

func (s *JobStore) List(ctx context.Context, filter *JobQueryFilter) (model.JobList, error) {
	var jobs model.JobList
	tx := s.getDB(ctx).Model(&jobs).Order("created_at DESC")

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}

	result := tx.Find(&jobs)
	if result.Error != nil {
		return nil, result.Error
	}
	return jobs, nil
}

func (s *JobStore) Update(ctx context.Context, job model.Job) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.getDB(ctx).Model(&model.Job{}).Where("id = ?", job.ID).Updates(&job)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrRecordNotFound
	}
	return s.Get(ctx, job.ID)
}

// AddCompletedItems checkpoints the given item IDs against the job record.
// Re-adding an already-present ID is a no-op; completed_items is kept equal
// to len(completed_item_ids) and last_checkpoint always advances, even when
// every ID was already recorded.
func (s *JobStore) AddCompletedItems(ctx context.Context, id uuid.UUID, itemIDs []string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job *model.Job
	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		var current model.Job
		if err := tx.First(&current, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRecordNotFound
			}
			return err
		}

		seen := make(map[string]struct{}, len(current.CompletedItemIDs))
		for _, existing := range current.CompletedItemIDs {
			seen[existing] = struct{}{}
		}
		for _, itemID := range itemIDs {
			if _, ok := seen[itemID]; ok {
				continue
			}
			seen[itemID] = struct{}{}
			current.CompletedItemIDs = append(current.CompletedItemIDs, itemID)
		}

		now := time.Now()
		current.CompletedItems = len(current.CompletedItemIDs)
		current.LastCheckpoint = &now

		if err := tx.Model(&model.Job{}).Where("id = ?", id).Updates(map[string]interface{}{
			"completed_item_ids": current.CompletedItemIDs,
			"completed_items":    current.CompletedItems,
			"last_checkpoint":    current.LastCheckpoint,
		}).Error; err != nil {
			return err
		}

		job = &current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Finalize moves a job out of in-progress exactly once. Finalizing an
// already-finalized job returns the record unchanged.
func (s *JobStore) Finalize(ctx context.Context, id uuid.UUID, status model.JobStatus, message string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job *model.Job
	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		var current model.Job
		if err := tx.First(&current, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRecordNotFound
			}
			return err
		}

		if !current.InProgress && current.CompletedAt != nil {
			job = &current
			return nil
		}

		now := time.Now()
		current.InProgress = false
		current.CompletedAt = &now
		current.Status = status
		current.Message = message

		if err := tx.Model(&model.Job{}).Where("id = ?", id).Updates(map[string]interface{}{
			"in_progress":  false,
			"completed_at": current.CompletedAt,
			"status":       status,
			"message":      message,
		}).Error; err != nil {
			return err
		}

		job = &current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *JobStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}
