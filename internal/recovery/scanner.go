package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/forgemirror/forgemirror/internal/store"
	"github.com/forgemirror/forgemirror/internal/store/model"
	"github.com/forgemirror/forgemirror/pkg/metrics"
)

// Config carries the staleness windows and top-level retry policy of the
// scanner. The three windows overlap deliberately: a job can be considered
// interrupted purely by age even with fresh checkpoints.
type Config struct {
	Cooldown            time.Duration
	InactivityThreshold time.Duration
	StalenessThreshold  time.Duration
	HardCeiling         time.Duration
	ScanAttempts        int
	ScanRetryDelay      time.Duration
}

// Scanner finds job records left in progress by a crashed or restarted
// process and dispatches them to the per-kind resume handlers.
type Scanner struct {
	jobs     store.Job
	registry *HandlerRegistry
	state    *State
	cfg      Config
	clock    clockwork.Clock
	logger   *zap.SugaredLogger
}

func NewScanner(jobs store.Job, registry *HandlerRegistry, state *State, cfg Config, clock clockwork.Clock) *Scanner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.ScanAttempts < 1 {
		cfg.ScanAttempts = 1
	}
	return &Scanner{
		jobs:     jobs,
		registry: registry,
		state:    state,
		cfg:      cfg,
		clock:    clock,
		logger:   zap.S().Named("recovery"),
	}
}

func (s *Scanner) Status() Status {
	return s.state.Status()
}

// Run executes one recovery scan. It returns true when a scan ran to
// completion (possibly with individual jobs failing to resume) and false
// when the scan was skipped or every top-level attempt failed. Per-job
// failures never abort the scan; only store unavailability does, and that
// is retried up to ScanAttempts times.
func (s *Scanner) Run(ctx context.Context, force bool) bool {
	now := s.clock.Now()
	if !s.state.TryBegin(now, s.cfg.Cooldown, force) {
		s.logger.Debugw("recovery scan skipped", "force", force)
		metrics.IncRecoveryScan("skipped")
		return false
	}
	defer func() {
		s.state.End(s.clock.Now())
	}()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.ScanAttempts; attempt++ {
		if err := s.scan(ctx); err != nil {
			lastErr = err
			s.logger.Warnw("recovery scan attempt failed", "attempt", attempt, "error", err)
			if attempt < s.cfg.ScanAttempts && s.cfg.ScanRetryDelay > 0 {
				select {
				case <-ctx.Done():
					metrics.IncRecoveryScan("failure")
					return false
				case <-s.clock.After(s.cfg.ScanRetryDelay):
				}
			}
			continue
		}
		metrics.IncRecoveryScan("success")
		return true
	}

	s.logger.Errorw("recovery scan exhausted all attempts", "attempts", s.cfg.ScanAttempts, "error", lastErr)
	metrics.IncRecoveryScan("failure")
	return false
}

func (s *Scanner) scan(ctx context.Context) error {
	now := s.clock.Now()

	if err := s.cleanupStale(ctx, now); err != nil {
		return err
	}

	jobs, err := s.jobs.List(ctx, store.NewJobQueryFilter().ByInProgress())
	if err != nil {
		return fmt.Errorf("listing in-progress jobs: %w", err)
	}

	if len(jobs) == 0 {
		s.logger.Info("no interrupted jobs found")
		return nil
	}
	s.logger.Infow("found in-progress jobs", "count", len(jobs))

	for i := range jobs {
		job := jobs[i]

		if s.pastHardCeiling(&job, now) {
			continue
		}

		if !s.interrupted(&job, now) {
			continue
		}

		s.resume(ctx, &job)
	}

	return nil
}

// cleanupStale gives up on jobs started before the hard ceiling. They are
// finalized as failed instead of resumed, so a job that keeps crashing
// cannot be resurrected forever.
func (s *Scanner) cleanupStale(ctx context.Context, now time.Time) error {
	stale, err := s.jobs.List(ctx, store.NewJobQueryFilter().
		ByInProgress().
		ByStartedBefore(now.Add(-s.cfg.HardCeiling)))
	if err != nil {
		return fmt.Errorf("listing stale jobs: %w", err)
	}

	for i := range stale {
		job := stale[i]
		if !s.pastHardCeiling(&job, now) {
			continue
		}
		s.finalize(ctx, &job, model.JobStatusFailed,
			fmt.Sprintf("job stale for more than %s, giving up", s.cfg.HardCeiling))
		metrics.IncJobResumed("stale")
	}
	return nil
}

// pastHardCeiling reports whether the job is too old to be worth resuming
// at all.
func (s *Scanner) pastHardCeiling(job *model.Job, now time.Time) bool {
	return job.StartedAt != nil && now.Sub(*job.StartedAt) > s.cfg.HardCeiling
}

// interrupted applies the two overlapping detection windows: no checkpoint
// within the inactivity threshold, or absolute age beyond the staleness
// threshold.
func (s *Scanner) interrupted(job *model.Job, now time.Time) bool {
	inactive := job.LastCheckpoint == nil || now.Sub(*job.LastCheckpoint) > s.cfg.InactivityThreshold
	aged := job.StartedAt != nil && now.Sub(*job.StartedAt) > s.cfg.StalenessThreshold
	return inactive || aged
}

func (s *Scanner) resume(ctx context.Context, job *model.Job) {
	if !job.HasItemTracking() {
		s.finalize(ctx, job, model.JobStatusFailed, "job could not be resumed: no item tracking data")
		metrics.IncJobResumed("unresumable")
		return
	}

	if len(job.RemainingItemIDs()) == 0 {
		s.finalize(ctx, job, job.JobType.SuccessStatus(),
			fmt.Sprintf("completed %d of %d items", job.CompletedItems, len(job.ItemIDs)))
		metrics.IncJobResumed("already_complete")
		return
	}

	handler, ok := s.registry.Lookup(job.JobType)
	if !ok {
		s.finalize(ctx, job, model.JobStatusFailed,
			fmt.Sprintf("job could not be resumed: no handler for job type %q", job.JobType))
		metrics.IncJobResumed("unresumable")
		return
	}

	s.logger.Infow("resuming interrupted job",
		"job_id", job.ID, "job_type", job.JobType,
		"remaining", len(job.RemainingItemIDs()), "completed", job.CompletedItems)

	if err := handler.Resume(ctx, job); err != nil {
		s.finalize(ctx, job, model.JobStatusFailed, fmt.Sprintf("recovery failed: %s", err))
		metrics.IncJobResumed("failure")
		return
	}
	metrics.IncJobResumed("success")
}

func (s *Scanner) finalize(ctx context.Context, job *model.Job, status model.JobStatus, message string) {
	if _, err := s.jobs.Finalize(ctx, job.ID, status, message); err != nil {
		s.logger.Errorw("failed to finalize job", "job_id", job.ID, "error", err)
	}
}
