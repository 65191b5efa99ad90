package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"github.com/forgemirror/forgemirror/internal/batch"
	"github.com/forgemirror/forgemirror/internal/config"
	"github.com/forgemirror/forgemirror/internal/recovery"
	"github.com/forgemirror/forgemirror/internal/service"
	"github.com/forgemirror/forgemirror/internal/store"
	"github.com/forgemirror/forgemirror/internal/store/model"
)

func TestService(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Service Suite")
}

type fakeOperator struct {
	mu      sync.Mutex
	mirrors []string
	syncs   []string
	failFor map[string]error
}

func newFakeOperator() *fakeOperator {
	return &fakeOperator{failFor: make(map[string]error)}
}

func (o *fakeOperator) Mirror(_ context.Context, repo service.Repository) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err, ok := o.failFor[repo.ID]; ok {
		return err
	}
	o.mirrors = append(o.mirrors, repo.ID)
	return nil
}

func (o *fakeOperator) Sync(_ context.Context, repo service.Repository) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err, ok := o.failFor[repo.ID]; ok {
		return err
	}
	o.syncs = append(o.syncs, repo.ID)
	return nil
}

func (o *fakeOperator) mirrored() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.mirrors...)
}

func (o *fakeOperator) synced() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.syncs...)
}

func testServiceConfig() *config.Config {
	return &config.Config{
		Jobs: &config.JobsConfig{
			Concurrency:        2,
			MaxRetries:         1,
			RetryDelay:         0,
			CheckpointInterval: 1,
		},
		Recovery: &config.RecoveryConfig{
			Concurrency: 1,
			MaxRetries:  1,
			RetryDelay:  0,
		},
	}
}

func repos(names ...string) []service.Repository {
	out := make([]service.Repository, len(names))
	for i, n := range names {
		out[i] = service.Repository{ID: n, FullName: n}
	}
	return out
}

var _ = Describe("mirror service", Ordered, func() {
	var (
		s      store.Store
		gormdb *gorm.DB
	)

	BeforeAll(func() {
		cfg := &config.Config{
			Database: &config.DatabaseConfig{
				Type: "sqlite",
				Name: "file:mirrorservicetest?mode=memory&cache=shared",
			},
		}
		db, err := store.InitDB(cfg)
		Expect(err).To(BeNil())

		s = store.NewStore(db)
		gormdb = db
		Expect(s.InitialMigration()).To(Succeed())
	})

	AfterAll(func() {
		s.Close()
	})

	AfterEach(func() {
		gormdb.Exec("DELETE FROM jobs;")
	})

	Context("mirror", func() {
		It("mirrors every repository and finalizes the job", func() {
			operator := newFakeOperator()
			svc := service.NewMirrorService(s, operator, nil, nil, nil, testServiceConfig())

			job, err := svc.MirrorRepos(context.TODO(), "user1", repos("org/a", "org/b", "org/c", "org/d", "org/e"), nil)
			Expect(err).To(BeNil())
			Expect(operator.mirrored()).To(ConsistOf("org/a", "org/b", "org/c", "org/d", "org/e"))

			Expect(job.InProgress).To(BeFalse())
			Expect(job.Status).To(Equal(model.JobStatusMirrored))
			Expect(job.CompletedItems).To(Equal(5))
			Expect([]string(job.CompletedItemIDs)).To(ConsistOf("org/a", "org/b", "org/c", "org/d", "org/e"))
		})

		It("marks the job failed when items exhaust their retries", func() {
			operator := newFakeOperator()
			operator.failFor["org/bad"] = errors.New("upstream rejected")
			svc := service.NewMirrorService(s, operator, nil, nil, nil, testServiceConfig())

			job, err := svc.MirrorRepos(context.TODO(), "user1", repos("org/a", "org/bad", "org/c"), nil)
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.JobStatusFailed))
			Expect(job.Message).To(ContainSubstring("1 of 3"))

			saved, err := svc.GetJob(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect([]string(saved.CompletedItemIDs)).To(ConsistOf("org/a", "org/c"))
		})
	})

	Context("sync", func() {
		It("uses the sync operation", func() {
			operator := newFakeOperator()
			svc := service.NewMirrorService(s, operator, nil, nil, nil, testServiceConfig())

			job, err := svc.SyncRepos(context.TODO(), "user1", repos("org/a", "org/b"), nil)
			Expect(err).To(BeNil())
			Expect(operator.synced()).To(ConsistOf("org/a", "org/b"))
			Expect(operator.mirrored()).To(BeEmpty())
			Expect(job.Status).To(Equal(model.JobStatusSynced))
		})
	})

	Context("shutdown", func() {
		It("leaves the job in progress when the gate is closed", func() {
			operator := newFakeOperator()
			gate := batch.NewShutdownGate()
			gate.Begin()
			svc := service.NewMirrorService(s, operator, nil, gate, nil, testServiceConfig())

			job, err := svc.MirrorRepos(context.TODO(), "user1", repos("org/a", "org/b"), nil)
			Expect(err).To(BeNil())
			Expect(operator.mirrored()).To(BeEmpty())

			saved, err := svc.GetJob(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(saved.InProgress).To(BeTrue())
			Expect(saved.CompletedAt).To(BeNil())
		})
	})

	Context("resume handlers", func() {
		seedInterrupted := func(kind model.JobType, itemIDs, completed []string) *model.Job {
			now := time.Now().Add(-time.Hour)
			total := len(itemIDs)
			job, err := s.Job().Create(context.TODO(), model.Job{
				ID:               uuid.New(),
				UserID:           "user1",
				JobType:          kind,
				Status:           kind.RunningStatus(),
				TotalItems:       &total,
				ItemIDs:          itemIDs,
				CompletedItemIDs: completed,
				CompletedItems:   len(completed),
				InProgress:       true,
				StartedAt:        &now,
				CreatedAt:        now,
			})
			Expect(err).To(BeNil())
			return job
		}

		It("registers one handler per job kind", func() {
			svc := service.NewMirrorService(s, newFakeOperator(), nil, nil, nil, testServiceConfig())

			handlers := svc.ResumeHandlers()
			Expect(handlers).To(HaveLen(3))

			kinds := make([]model.JobType, 0, len(handlers))
			for _, h := range handlers {
				kinds = append(kinds, h.Kind())
			}
			Expect(kinds).To(ConsistOf(model.JobTypeMirror, model.JobTypeSync, model.JobTypeRetry))
		})

		It("resumes only the remaining items", func() {
			operator := newFakeOperator()
			svc := service.NewMirrorService(s, operator, nil, nil, nil, testServiceConfig())
			job := seedInterrupted(model.JobTypeMirror, []string{"org/a", "org/b", "org/c"}, []string{"org/a"})

			registry := recovery.NewHandlerRegistry(svc.ResumeHandlers()...)
			handler, ok := registry.Lookup(model.JobTypeMirror)
			Expect(ok).To(BeTrue())

			Expect(handler.Resume(context.TODO(), job)).To(Succeed())
			Expect(operator.mirrored()).To(ConsistOf("org/b", "org/c"))

			saved, err := svc.GetJob(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(saved.InProgress).To(BeFalse())
			Expect(saved.Status).To(Equal(model.JobStatusMirrored))
			Expect(saved.CompletedItems).To(Equal(3))
		})

		It("is a no-op for a fully completed job", func() {
			operator := newFakeOperator()
			svc := service.NewMirrorService(s, operator, nil, nil, nil, testServiceConfig())
			job := seedInterrupted(model.JobTypeSync, []string{"org/a"}, []string{"org/a"})

			registry := recovery.NewHandlerRegistry(svc.ResumeHandlers()...)
			handler, ok := registry.Lookup(model.JobTypeSync)
			Expect(ok).To(BeTrue())

			Expect(handler.Resume(context.TODO(), job)).To(Succeed())
			Expect(operator.synced()).To(BeEmpty())

			saved, err := svc.GetJob(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(saved.InProgress).To(BeFalse())
			Expect(saved.Status).To(Equal(model.JobStatusSynced))
		})
	})

	Context("job queries", func() {
		It("returns a typed error for a missing job", func() {
			svc := service.NewMirrorService(s, newFakeOperator(), nil, nil, nil, testServiceConfig())

			_, err := svc.GetJob(context.TODO(), uuid.New())
			Expect(err).To(BeAssignableToTypeOf(&service.ErrJobNotFound{}))
		})

		It("lists jobs for a user", func() {
			operator := newFakeOperator()
			svc := service.NewMirrorService(s, operator, nil, nil, nil, testServiceConfig())

			_, err := svc.MirrorRepos(context.TODO(), "user1", repos("org/a"), nil)
			Expect(err).To(BeNil())
			_, err = svc.SyncRepos(context.TODO(), "user2", repos("org/b"), nil)
			Expect(err).To(BeNil())

			jobs, err := svc.ListJobs(context.TODO(), "user1")
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].UserID).To(Equal("user1"))
		})

		It("lists jobs for a batch", func() {
			operator := newFakeOperator()
			svc := service.NewMirrorService(s, operator, nil, nil, nil, testServiceConfig())

			batchID := "batch-1"
			_, err := svc.MirrorRepos(context.TODO(), "user1", repos("org/a"), &batchID)
			Expect(err).To(BeNil())
			_, err = svc.MirrorRepos(context.TODO(), "user1", repos("org/b"), nil)
			Expect(err).To(BeNil())

			jobs, err := svc.ListBatchJobs(context.TODO(), "user1", batchID)
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
			Expect(*jobs[0].BatchID).To(Equal(batchID))
		})
	})
})
