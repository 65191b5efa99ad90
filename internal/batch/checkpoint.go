package batch

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/forgemirror/forgemirror/internal/store/model"
)

// CheckpointStore is the slice of the job store the checkpointer needs.
type CheckpointStore interface {
	AddCompletedItems(ctx context.Context, id uuid.UUID, itemIDs []string) (*model.Job, error)
}

// JobCheckpointer durably records completed item IDs against a job
// record. With interval > 1 it buffers IDs and writes every interval
// completions; Flush must be called after the batch settles so buffered
// progress is never lost. A buffered-but-unflushed item that dies with the
// process is simply re-processed on resume.
type JobCheckpointer struct {
	store    CheckpointStore
	jobID    uuid.UUID
	interval int

	mu      sync.Mutex
	pending []string
}

func NewJobCheckpointer(store CheckpointStore, jobID uuid.UUID, interval int) *JobCheckpointer {
	if interval < 1 {
		interval = 1
	}
	return &JobCheckpointer{
		store:    store,
		jobID:    jobID,
		interval: interval,
	}
}

// Mark records itemID as completed. The write is durable before Mark
// returns whenever the buffer reaches the checkpoint interval.
func (c *JobCheckpointer) Mark(ctx context.Context, itemID string) error {
	c.mu.Lock()
	c.pending = append(c.pending, itemID)
	if len(c.pending) < c.interval {
		c.mu.Unlock()
		return nil
	}
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	_, err := c.store.AddCompletedItems(ctx, c.jobID, batch)
	return err
}

// Flush writes any buffered item IDs. Safe to call with nothing pending.
func (c *JobCheckpointer) Flush(ctx context.Context) error {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	_, err := c.store.AddCompletedItems(ctx, c.jobID, batch)
	return err
}
