package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/forgemirror/forgemirror/internal/batch"
	"github.com/forgemirror/forgemirror/internal/config"
	"github.com/forgemirror/forgemirror/internal/recovery"
	"github.com/forgemirror/forgemirror/internal/store"
	"github.com/forgemirror/forgemirror/internal/store/model"
)

// Repository is the projection of a repository the job subsystem needs:
// a stable identifier and a display name. Everything else lives with the
// operator.
type Repository struct {
	ID       string
	FullName string
}

// RepoOperator performs the actual per-repository mirror and sync calls
// against the mirror target.
type RepoOperator interface {
	Mirror(ctx context.Context, repo Repository) error
	Sync(ctx context.Context, repo Repository) error
}

// RepoCatalog reconstructs repositories from persisted item IDs when a job
// is resumed.
type RepoCatalog interface {
	ReposByIDs(ctx context.Context, ids []string) ([]Repository, error)
}

// IdentityCatalog maps item IDs straight back to repositories; it serves
// deployments where the item ID is the repository full name.
type IdentityCatalog struct{}

func (IdentityCatalog) ReposByIDs(_ context.Context, ids []string) ([]Repository, error) {
	repos := make([]Repository, len(ids))
	for i, id := range ids {
		repos[i] = Repository{ID: id, FullName: id}
	}
	return repos, nil
}

type MirrorService struct {
	store    store.Store
	operator RepoOperator
	catalog  RepoCatalog
	gate     *batch.ShutdownGate
	clock    clockwork.Clock
	jobs     *config.JobsConfig
	recovery *config.RecoveryConfig
}

func NewMirrorService(st store.Store, operator RepoOperator, catalog RepoCatalog, gate *batch.ShutdownGate, clock clockwork.Clock, cfg *config.Config) *MirrorService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if catalog == nil {
		catalog = IdentityCatalog{}
	}
	return &MirrorService{
		store:    st,
		operator: operator,
		catalog:  catalog,
		gate:     gate,
		clock:    clock,
		jobs:     cfg.Jobs,
		recovery: cfg.Recovery,
	}
}

// MirrorRepos mirrors the given repositories as one resilient batch job.
func (s *MirrorService) MirrorRepos(ctx context.Context, userID string, repos []Repository, batchID *string) (*model.Job, error) {
	return s.run(ctx, userID, model.JobTypeMirror, repos, batchID, nil)
}

// SyncRepos refreshes already-mirrored repositories as one batch job.
func (s *MirrorService) SyncRepos(ctx context.Context, userID string, repos []Repository, batchID *string) (*model.Job, error) {
	return s.run(ctx, userID, model.JobTypeSync, repos, batchID, nil)
}

// RetryRepos re-mirrors repositories whose previous mirror attempt failed.
func (s *MirrorService) RetryRepos(ctx context.Context, userID string, repos []Repository, batchID *string) (*model.Job, error) {
	return s.run(ctx, userID, model.JobTypeRetry, repos, batchID, nil)
}

func (s *MirrorService) GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	job, err := s.store.Job().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrJobNotFound(id)
		}
		return nil, err
	}
	return job, nil
}

func (s *MirrorService) ListJobs(ctx context.Context, userID string) (model.JobList, error) {
	return s.store.Job().List(ctx, store.NewJobQueryFilter().ByUserID(userID))
}

// ListBatchJobs returns a user's jobs belonging to one client batch.
func (s *MirrorService) ListBatchJobs(ctx context.Context, userID string, batchID string) (model.JobList, error) {
	return s.store.Job().List(ctx, store.NewJobQueryFilter().ByUserID(userID).ByBatchID(batchID))
}

// ResumeHandlers returns one typed resume handler per job kind, for
// registration with the recovery scanner at startup.
func (s *MirrorService) ResumeHandlers() []recovery.ResumeHandler {
	return []recovery.ResumeHandler{
		&resumeHandler{svc: s, kind: model.JobTypeMirror},
		&resumeHandler{svc: s, kind: model.JobTypeSync},
		&resumeHandler{svc: s, kind: model.JobTypeRetry},
	}
}

func (s *MirrorService) run(ctx context.Context, userID string, jobType model.JobType, repos []Repository, batchID *string, resumeFrom *uuid.UUID) (*model.Job, error) {
	worker := s.workerFor(jobType)

	opts := batch.RunnerOptions[Repository]{
		UserID:             userID,
		JobType:            jobType,
		BatchID:            batchID,
		GetItemID:          func(r Repository) string { return r.ID },
		GetItemName:        func(r Repository) string { return r.FullName },
		Concurrency:        s.jobs.Concurrency,
		MaxRetries:         s.jobs.MaxRetries,
		RetryDelay:         s.jobs.RetryDelay,
		CheckpointInterval: s.jobs.CheckpointInterval,
		ResumeFromJobID:    resumeFrom,
	}

	if resumeFrom != nil {
		// recovery favors reliability over speed after an unknown failure
		opts.Concurrency = s.recovery.Concurrency
		opts.MaxRetries = s.recovery.MaxRetries
		opts.RetryDelay = s.recovery.RetryDelay
	}

	_, job, err := batch.RunResilient(ctx, s.runnerDeps(), repos, worker, opts)
	return job, err
}

func (s *MirrorService) workerFor(jobType model.JobType) batch.Worker[Repository, Repository] {
	return func(ctx context.Context, repo Repository) (Repository, error) {
		var err error
		switch jobType {
		case model.JobTypeSync:
			err = s.operator.Sync(ctx, repo)
		default:
			// mirror and retry both (re-)mirror the repository
			err = s.operator.Mirror(ctx, repo)
		}
		return repo, err
	}
}

func (s *MirrorService) runnerDeps() batch.RunnerDeps {
	return batch.RunnerDeps{
		Store: s.store.Job(),
		Tx:    s.store,
		Clock: s.clock,
		Gate:  s.gate,
	}
}

type resumeHandler struct {
	svc  *MirrorService
	kind model.JobType
}

func (h *resumeHandler) Kind() model.JobType {
	return h.kind
}

func (h *resumeHandler) Resume(ctx context.Context, job *model.Job) error {
	repos, err := h.svc.catalog.ReposByIDs(ctx, job.RemainingItemIDs())
	if err != nil {
		return NewErrJobNotResumable(job.ID, err.Error())
	}

	_, _, err = batch.RunResilient(ctx, h.svc.runnerDeps(), repos, h.svc.workerFor(h.kind), batch.RunnerOptions[Repository]{
		UserID:             job.UserID,
		JobType:            h.kind,
		GetItemID:          func(r Repository) string { return r.ID },
		GetItemName:        func(r Repository) string { return r.FullName },
		Concurrency:        h.svc.recovery.Concurrency,
		MaxRetries:         h.svc.recovery.MaxRetries,
		RetryDelay:         h.svc.recovery.RetryDelay,
		CheckpointInterval: h.svc.jobs.CheckpointInterval,
		ResumeFromJobID:    &job.ID,
	})
	return err
}
