package store

import (
	"time"

	"gorm.io/gorm"

	"github.com/forgemirror/forgemirror/internal/store/model"
)

type BaseQuerier struct {
	QueryFn []func(tx *gorm.DB) *gorm.DB
}

type JobQueryFilter BaseQuerier

func NewJobQueryFilter() *JobQueryFilter {
	return &JobQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *JobQueryFilter) ByUserID(userID string) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("user_id = ?", userID)
	})
	return qf
}

func (qf *JobQueryFilter) ByJobType(jobType model.JobType) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("job_type = ?", jobType)
	})
	return qf
}

func (qf *JobQueryFilter) ByInProgress() *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("in_progress = ?", true)
	})
	return qf
}

func (qf *JobQueryFilter) ByStartedBefore(threshold time.Time) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("started_at < ?", threshold)
	})
	return qf
}

func (qf *JobQueryFilter) ByBatchID(batchID string) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("batch_id = ?", batchID)
	})
	return qf
}
