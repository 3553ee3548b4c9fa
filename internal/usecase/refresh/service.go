// Package refresh coordinates the data refresh pipeline: replication,
// index building, validation and alias cutover, one job per dataset at a
// time.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kailas-cloud/datarefresh/internal/domain"
	"github.com/kailas-cloud/datarefresh/internal/domain/dataset"
	"github.com/kailas-cloud/datarefresh/internal/indexer"
	"github.com/kailas-cloud/datarefresh/internal/metrics"
)

// Replicator copies the upstream table into the production staging table.
type Replicator interface {
	Replicate(ctx context.Context, ds *dataset.Dataset) (domain.StagingTableRef, error)
}

// Builder produces and validates index generations.
type Builder interface {
	Populate(ctx context.Context, ds *dataset.Dataset) (indexer.Result, error)
	Validate(ctx context.Context, res *indexer.Result) error
	BuildQA(ctx context.Context, ds *dataset.Dataset) (indexer.Result, error)
	Abandon(ctx context.Context, gen domain.Generation)
}

// Promoter performs alias cutover and retention pruning.
type Promoter interface {
	Cutover(ctx context.Context, gen domain.Generation) error
	Prune(ctx context.Context, dataset string) (int, error)
}

// Invalidator clears dataset-scoped caches after a cutover.
type Invalidator interface {
	Invalidate(ctx context.Context, dataset string) error
}

// StageTimeouts bounds each stage's wall clock.
type StageTimeouts struct {
	Replicate time.Duration
	Index     time.Duration
	Validate  time.Duration
	Alias     time.Duration
}

// Service is the pipeline coordinator. It admits at most one non-terminal
// job per dataset; the lease is an in-process mutex over the job table.
type Service struct {
	replicator  Replicator
	builder     Builder
	promoter    Promoter
	invalidator Invalidator
	timeouts    StageTimeouts
	logger      *zap.Logger

	mu   sync.Mutex
	jobs map[string]*jobEntry
}

type jobEntry struct {
	job    domain.Job
	cancel context.CancelFunc
	// cancelDeferred marks a cancel request received past replication; the
	// build runs to its validation decision and the result is discarded.
	cancelDeferred bool
}

// New creates the coordinator.
func New(r Replicator, b Builder, p Promoter, inv Invalidator, t StageTimeouts, logger *zap.Logger) *Service {
	return &Service{
		replicator:  r,
		builder:     b,
		promoter:    p,
		invalidator: inv,
		timeouts:    t,
		logger:      logger,
		jobs:        make(map[string]*jobEntry),
	}
}

// Submit starts a job for the dataset and returns immediately with its
// initial snapshot. A dataset with a non-terminal job rejects new
// submissions with ErrBusy.
func (s *Service) Submit(dsName string, action domain.Action) (domain.Job, error) {
	ds, err := dataset.Lookup(dsName)
	if err != nil {
		return domain.Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.jobs[ds.Name]; ok && !entry.job.State.Terminal() {
		return domain.Job{}, fmt.Errorf("dataset %s has job %s in state %s: %w",
			ds.Name, entry.job.ID, entry.job.State, domain.ErrBusy)
	}

	// The job outlives the submitting request; it is cancelled only through
	// Cancel or shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	entry := &jobEntry{
		job: domain.Job{
			ID:        uuid.NewString(),
			Dataset:   ds.Name,
			Action:    action,
			State:     domain.JobQueued,
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
	}
	s.jobs[ds.Name] = entry

	go s.run(ctx, entry, ds)

	return entry.job, nil
}

// Status returns the latest job snapshot for a dataset. It is side-effect
// free and safe to poll.
func (s *Service) Status(dsName string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.jobs[dsName]
	if !ok {
		return domain.Job{}, fmt.Errorf("dataset %s: %w", dsName, domain.ErrJobNotFound)
	}
	return entry.job, nil
}

// Cancel aborts the dataset's running job. Jobs still queued or replicating
// stop immediately; once indexing has begun the build runs to its validation
// decision and the generation is then discarded. Jobs at or past aliasing
// are not cancellable.
func (s *Service) Cancel(dsName string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.jobs[dsName]
	if !ok {
		return domain.Job{}, fmt.Errorf("dataset %s: %w", dsName, domain.ErrJobNotFound)
	}

	switch {
	case entry.job.State.Terminal(), entry.job.State == domain.JobAliasing:
		return entry.job, fmt.Errorf("job %s in state %s: %w",
			entry.job.ID, entry.job.State, domain.ErrNotCancellable)
	case entry.job.State.Cancellable():
		entry.cancel()
	default:
		entry.cancelDeferred = true
	}
	return entry.job, nil
}

// Shutdown cancels every running job. Used on process exit.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.jobs {
		if !entry.job.State.Terminal() {
			entry.cancel()
		}
	}
}

func (s *Service) run(ctx context.Context, entry *jobEntry, ds *dataset.Dataset) {
	log := s.logger.With(
		zap.String("dataset", ds.Name),
		zap.String("job", entry.job.ID),
		zap.String("action", string(entry.job.Action)),
	)
	log.Info("job started")

	var err error
	switch entry.job.Action {
	case domain.ActionLoadTestData:
		err = s.runLoadTestData(ctx, entry, ds)
	default:
		err = s.runFullReindex(ctx, entry, ds, log)
	}
	s.finish(ctx, entry, err, log)
}

func (s *Service) runFullReindex(ctx context.Context, entry *jobEntry, ds *dataset.Dataset, log *zap.Logger) error {
	var ref domain.StagingTableRef
	err := s.stage(ctx, entry, domain.JobReplicating, s.timeouts.Replicate, func(ctx context.Context) error {
		var err error
		ref, err = s.replicator.Replicate(ctx, ds)
		return err
	})
	if err != nil {
		return err
	}
	metrics.RowsCopied.WithLabelValues(ds.Name).Add(float64(ref.RowCount))

	var res indexer.Result
	err = s.stage(ctx, entry, domain.JobIndexing, s.timeouts.Index, func(ctx context.Context) error {
		var err error
		res, err = s.builder.Populate(ctx, ds)
		return err
	})
	if err != nil {
		return err
	}

	err = s.stage(ctx, entry, domain.JobValidating, s.timeouts.Validate, func(ctx context.Context) error {
		return s.builder.Validate(ctx, &res)
	})

	// A cancel that arrived during the build takes effect only now, after
	// the validation decision. The generation is discarded either way; the
	// live alias was never touched.
	if s.cancelRequested(entry) {
		if res.Generation.State == domain.GenValidated {
			s.builder.Abandon(context.WithoutCancel(ctx), res.Generation)
		}
		return domain.ErrCancelled
	}
	if err != nil {
		return err
	}

	err = s.stage(ctx, entry, domain.JobAliasing, s.timeouts.Alias, func(ctx context.Context) error {
		return s.promoter.Cutover(ctx, res.Generation)
	})
	if err != nil {
		return err
	}

	s.setJob(entry, func(j *domain.Job) { j.LiveGeneration = res.Generation.ID })

	// Post-cutover housekeeping is best effort: the refresh itself already
	// succeeded.
	if err := s.invalidator.Invalidate(context.WithoutCancel(ctx), ds.Name); err != nil {
		log.Warn("cache invalidation failed", zap.Error(err))
	}
	if n, err := s.promoter.Prune(context.WithoutCancel(ctx), ds.Name); err != nil {
		log.Warn("retention pruning failed", zap.Error(err))
	} else if n > 0 {
		log.Info("pruned stale generations", zap.Int("count", n))
	}
	return nil
}

func (s *Service) runLoadTestData(ctx context.Context, entry *jobEntry, ds *dataset.Dataset) error {
	var res indexer.Result
	err := s.stage(ctx, entry, domain.JobIndexing, s.timeouts.Index, func(ctx context.Context) error {
		var err error
		res, err = s.builder.BuildQA(ctx, ds)
		return err
	})
	if err != nil {
		return err
	}
	if s.cancelRequested(entry) {
		s.builder.Abandon(context.WithoutCancel(ctx), res.Generation)
		return domain.ErrCancelled
	}
	return nil
}

// stage runs one pipeline step under its wall-clock budget, recording the
// job state transition and the stage duration.
func (s *Service) stage(ctx context.Context, entry *jobEntry, state domain.JobState, timeout time.Duration, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return domain.ErrCancelled
	}
	s.setJob(entry, func(j *domain.Job) { j.State = state })

	stageCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	start := time.Now()
	err := fn(stageCtx)
	metrics.ObserveStage(entry.job.Dataset, string(state), time.Since(start))

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return domain.ErrCancelled
	case errors.Is(stageCtx.Err(), context.DeadlineExceeded):
		return domain.NewStageError(string(state), fmt.Errorf("%w after %s", domain.ErrStageTimeout, timeout))
	default:
		return domain.NewStageError(string(state), err)
	}
}

func (s *Service) setJob(entry *jobEntry, mutate func(*domain.Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&entry.job)
}

func (s *Service) cancelRequested(entry *jobEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return entry.cancelDeferred
}

func (s *Service) finish(ctx context.Context, entry *jobEntry, err error, log *zap.Logger) {
	if ctx.Err() != nil && err == nil {
		err = domain.ErrCancelled
	}

	outcome := "success"
	s.mu.Lock()
	entry.job.EndedAt = time.Now().UTC()
	if err != nil {
		entry.job.State = domain.JobError
		entry.job.ErrorKind = domain.ErrorKind(err)
		entry.job.ErrorMsg = err.Error()
		outcome = entry.job.ErrorKind
	} else {
		entry.job.State = domain.JobDone
	}
	job := entry.job
	s.mu.Unlock()

	metrics.JobsCompleted.WithLabelValues(job.Dataset, outcome).Inc()
	if err != nil {
		log.Error("job failed",
			zap.String("error_kind", job.ErrorKind),
			zap.Duration("elapsed", job.EndedAt.Sub(job.StartedAt)),
			zap.Error(err),
		)
		return
	}
	log.Info("job done",
		zap.String("live_generation", job.LiveGeneration),
		zap.Duration("elapsed", job.EndedAt.Sub(job.StartedAt)),
	)
}
