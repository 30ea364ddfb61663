package worker

import (
	"context"
	"errors"
	"time"

	"chatimport/internal/failure"
	"chatimport/internal/importer"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultJobTimeout = 5 * time.Minute

// Runner executes accepted imports.
type Runner interface {
	Run(ctx context.Context, art *importer.Artifact) (*importer.Summary, error)
	Discard(art *importer.Artifact)
}

// Manager queues imports behind a bounded worker pool. Imports into the
// same chat run one after another.
type Manager struct {
	runner     Runner
	statuses   StatusStore
	dispatcher *Dispatcher
	timeout    time.Duration
	log        *zap.Logger
}

func NewManager(runner Runner, statuses StatusStore, cfg DispatcherConfig, timeout time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if statuses == nil {
		statuses = NewMemoryStatusStore(0)
	}
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	m := &Manager{
		runner:   runner,
		statuses: statuses,
		timeout:  timeout,
		log:      logger.Named("worker"),
	}
	m.dispatcher = NewDispatcher(cfg, m.execute, m.log)
	return m
}

// Submit queues art and returns the job ID to poll. A full queue
// discards the artifact and reports Busy.
func (m *Manager) Submit(ctx context.Context, art *importer.Artifact) (string, error) {
	job := Job{ID: uuid.NewString(), Artifact: art}
	if err := m.saveStatus(ctx, job, JobQueued, nil, nil); err != nil {
		m.runner.Discard(art)
		return "", failure.Wrap(failure.KindInternal, "job status unavailable", err)
	}
	if err := m.dispatcher.Submit(job); err != nil {
		m.runner.Discard(art)
		m.saveStatus(ctx, job, JobFailed, nil, m.busy(err))
		return "", m.busy(err)
	}
	m.log.Info("import queued", zap.String("job_id", job.ID), zap.Int64("chat_id", art.ChatID))
	return job.ID, nil
}

// Run queues art and waits for it to finish. If ctx ends first the job
// keeps running and the returned ImportPending error carries its ID.
func (m *Manager) Run(ctx context.Context, art *importer.Artifact) (*importer.Summary, error) {
	job := Job{ID: uuid.NewString(), Artifact: art, resultCh: make(chan jobResult, 1)}
	m.saveStatus(ctx, job, JobQueued, nil, nil)
	if err := m.dispatcher.Submit(job); err != nil {
		m.runner.Discard(art)
		m.saveStatus(context.Background(), job, JobFailed, nil, m.busy(err))
		return nil, m.busy(err)
	}
	select {
	case res := <-job.resultCh:
		return res.summary, res.err
	case <-ctx.Done():
		m.log.Info("import outlived its request", zap.String("job_id", job.ID), zap.Int64("chat_id", art.ChatID))
		return nil, failure.Wrap(failure.KindImportPending,
			"the import is still running; poll its job for the outcome",
			&PendingError{JobID: job.ID, Err: ctx.Err()})
	}
}

// PendingError names the job a synchronous import left running.
type PendingError struct {
	JobID string
	Err   error
}

func (e *PendingError) Error() string {
	return "import job " + e.JobID + " still running: " + e.Err.Error()
}

func (e *PendingError) Unwrap() error { return e.Err }

// PendingJobID returns the job ID carried by err, if any.
func PendingJobID(err error) (string, bool) {
	var pending *PendingError
	if errors.As(err, &pending) {
		return pending.JobID, true
	}
	return "", false
}

// Status reports the progress of a submitted job.
func (m *Manager) Status(ctx context.Context, jobID string) (JobStatus, error) {
	st, err := m.statuses.Load(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrStatusNotFound) {
			return JobStatus{}, failure.New(failure.KindJobNotFound, "no such import job")
		}
		return JobStatus{}, failure.Wrap(failure.KindInternal, "job status unavailable", err)
	}
	return st, nil
}

// Stop drains the pool. Queued jobs that never ran are failed and their
// artifacts discarded.
func (m *Manager) Stop() {
	for _, job := range m.dispatcher.Stop() {
		err := failure.New(failure.KindBusy, "the service shut down before the import started")
		m.runner.Discard(job.Artifact)
		m.saveStatus(context.Background(), job, JobFailed, nil, err)
		if job.resultCh != nil {
			job.resultCh <- jobResult{err: err}
		}
	}
}

func (m *Manager) execute(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.saveStatus(ctx, job, JobRunning, nil, nil)
	started := time.Now()
	summary, err := m.runner.Run(ctx, job.Artifact)
	if err != nil {
		m.log.Warn("import job failed", zap.String("job_id", job.ID), zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		m.saveStatus(ctx, job, JobFailed, nil, err)
	} else {
		m.log.Info("import job finished", zap.String("job_id", job.ID), zap.Duration("elapsed", time.Since(started)))
		m.saveStatus(ctx, job, JobSucceeded, summary, nil)
	}
	if job.resultCh != nil {
		job.resultCh <- jobResult{summary: summary, err: err}
	}
}

// saveStatus records job progress.
func (m *Manager) saveStatus(ctx context.Context, job Job, state JobState, summary *importer.Summary, jobErr error) error {
	if job.Artifact == nil {
		return nil
	}
	st := JobStatus{
		ID:         job.ID,
		ChatID:     job.Artifact.ChatID,
		UploaderID: job.Artifact.UploaderID,
		State:      state,
		Summary:    summary,
		UpdatedAt:  time.Now().UTC(),
	}
	if jobErr != nil {
		st.Error = failure.KindOf(jobErr)
		st.Details = failure.DetailsOf(jobErr)
	}
	if err := m.statuses.Save(ctx, st); err != nil {
		m.log.Warn("save job status failed", zap.String("job_id", job.ID), zap.Error(err))
		return err
	}
	return nil
}

func (m *Manager) busy(err error) error {
	if errors.Is(err, ErrDispatcherStopped) {
		return failure.Wrap(failure.KindBusy, "the import service is shutting down", err)
	}
	return failure.Wrap(failure.KindBusy, "too many imports are waiting; try again later", err)
}
