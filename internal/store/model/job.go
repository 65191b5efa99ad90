package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type JobType string

const (
	JobTypeMirror JobType = "mirror"
	JobTypeSync   JobType = "sync"
	JobTypeRetry  JobType = "retry"
)

type JobStatus string

const (
	JobStatusMirroring JobStatus = "mirroring"
	JobStatusSyncing   JobStatus = "syncing"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusMirrored  JobStatus = "mirrored"
	JobStatusSynced    JobStatus = "synced"
	JobStatusFailed    JobStatus = "failed"
)

// RunningStatus returns the in-progress status marker for a job type.
func (t JobType) RunningStatus() JobStatus {
	switch t {
	case JobTypeSync:
		return JobStatusSyncing
	case JobTypeRetry:
		return JobStatusRetrying
	default:
		return JobStatusMirroring
	}
}

// SuccessStatus returns the terminal success status for a job type.
func (t JobType) SuccessStatus() JobStatus {
	if t == JobTypeSync {
		return JobStatusSynced
	}
	return JobStatusMirrored
}

// Job is the durable record of one batch mirror/sync/retry operation.
// completed_item_ids is the checkpointed subset of item_ids; resume
// filtering depends on the two staying consistent.
type Job struct {
	ID               uuid.UUID `gorm:"primaryKey;type:VARCHAR(255)"`
	UserID           string    `gorm:"not null;index:jobs_user_id_idx"`
	JobType          JobType   `gorm:"not null;type:VARCHAR(32);index:jobs_job_type_idx"`
	Status           JobStatus `gorm:"not null;type:VARCHAR(32)"`
	Message          string
	Details          *string
	BatchID          *string `gorm:"type:VARCHAR(255)"`
	TotalItems       *int
	CompletedItems   int                          `gorm:"not null;default:0"`
	ItemIDs          datatypes.JSONSlice[string]  `gorm:"type:jsonb"`
	CompletedItemIDs datatypes.JSONSlice[string]  `gorm:"type:jsonb"`
	InProgress       bool                         `gorm:"not null;default:false;index:jobs_in_progress_idx"`
	StartedAt        *time.Time
	CompletedAt      *time.Time
	LastCheckpoint   *time.Time
	CreatedAt        time.Time `gorm:"not null"`
}

type JobList []Job

func (Job) TableName() string {
	return "jobs"
}

func (j Job) String() string {
	val, _ := json.Marshal(j)
	return string(val)
}

// HasItemTracking reports whether the record carries enough data to
// compute remaining work on resume.
func (j *Job) HasItemTracking() bool {
	return len(j.ItemIDs) > 0 || len(j.CompletedItemIDs) > 0
}

// RemainingItemIDs returns item_ids minus completed_item_ids, preserving
// the original item order.
func (j *Job) RemainingItemIDs() []string {
	if len(j.ItemIDs) == 0 {
		return nil
	}
	done := make(map[string]struct{}, len(j.CompletedItemIDs))
	for _, id := range j.CompletedItemIDs {
		done[id] = struct{}{}
	}
	remaining := make([]string, 0, len(j.ItemIDs))
	for _, id := range j.ItemIDs {
		if _, ok := done[id]; !ok {
			remaining = append(remaining, id)
		}
	}
	return remaining
}
