// Package pipeline is the queue manager: the single writer of job and
// task state. It materializes jobs from paid packages, hands claim
// batches to polling workers, applies reported outcomes with the retry
// policy, and rolls job status up from its tasks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"submission-pipeline/internal/config"
	"submission-pipeline/internal/models"
	"submission-pipeline/internal/store"
	"submission-pipeline/internal/telemetry"
)

var (
	// ErrInvalidTier rejects intake events naming a tier we do not sell.
	ErrInvalidTier = errors.New("unknown package tier")
	// ErrInvalidOutcome rejects reports with an unknown outcome string.
	ErrInvalidOutcome = errors.New("unknown outcome")
)

// Archiver stores submission proof supplied in a worker's result payload
// and returns a reference to it. ok is false when the payload carried
// nothing to archive.
type Archiver interface {
	Archive(ctx context.Context, jobID, taskID string, payload map[string]any) (ref string, ok bool, err error)
}

// Manager owns all job/task state transitions.
type Manager struct {
	cfg      config.Config
	store    store.Store
	catalog  store.Catalog
	archiver Archiver
	log      *slog.Logger
}

// New constructs the queue manager. archiver may be nil.
func New(cfg config.Config, st store.Store, cat store.Catalog, archiver Archiver, log *slog.Logger) *Manager {
	return &Manager{cfg: cfg, store: st, catalog: cat, archiver: archiver, log: log}
}

// CreateJobParams is one confirmed payment event.
type CreateJobParams struct {
	CustomerID     string
	PackageTier    string
	BusinessData   map[string]any
	PaymentEventID string
}

// CreateJob materializes a campaign from a payment event: selects the
// tier's directories, snapshots the business profile, and persists the
// job with one pending task per directory, atomically. A tier that
// matches no catalog entries produces a failed job with no tasks rather
// than an empty pending one. Duplicate payment events return the
// existing job with duplicate=true.
func (m *Manager) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.CustomerID == "" {
		return models.Job{}, false, errors.New("customer_id is required")
	}
	if !models.ValidTier(p.PackageTier) {
		return models.Job{}, false, fmt.Errorf("%w: %q", ErrInvalidTier, p.PackageTier)
	}

	if p.PaymentEventID != "" {
		if existing, found, err := m.store.GetJobByPaymentEvent(ctx, p.PaymentEventID); err != nil {
			return models.Job{}, false, err
		} else if found {
			telemetry.DuplicateIntakes.Inc()
			return existing, true, nil
		}
	}

	quota := m.cfg.QuotaFor(p.PackageTier)
	dirs, err := m.catalog.SelectDirectories(ctx, models.TierRank(p.PackageTier), quota)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("select directories: %w", err)
	}

	now := time.Now().UTC()
	job := models.Job{
		ID:           uuid.New().String(),
		CustomerID:   p.CustomerID,
		PackageTier:  p.PackageTier,
		BusinessData: p.BusinessData,
		Status:       models.JobPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if p.PaymentEventID != "" {
		evt := p.PaymentEventID
		job.PaymentEventID = &evt
	}

	var tasks []models.SubmissionTask
	if len(dirs) == 0 {
		job.Status = models.JobFailed
	} else {
		tasks = make([]models.SubmissionTask, 0, len(dirs))
		for _, d := range dirs {
			tasks = append(tasks, models.SubmissionTask{
				ID:          uuid.New().String(),
				JobID:       job.ID,
				DirectoryID: d.ID,
				Status:      models.TaskPending,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		}
	}
	job.DirectoriesTotal = len(tasks)

	if err := m.store.InsertJobWithTasks(ctx, job, tasks); err != nil {
		if errors.Is(err, store.ErrDuplicateEvent) && p.PaymentEventID != "" {
			// Lost the race with a concurrent delivery of the same event.
			existing, found, lookupErr := m.store.GetJobByPaymentEvent(ctx, p.PaymentEventID)
			if lookupErr != nil {
				return models.Job{}, false, lookupErr
			}
			if found {
				telemetry.DuplicateIntakes.Inc()
				return existing, true, nil
			}
		}
		return models.Job{}, false, err
	}

	if job.Status == models.JobFailed {
		telemetry.JobsFailedEmpty.Inc()
		m.log.Warn("job failed at creation, no eligible directories",
			"job_id", job.ID, "customer_id", p.CustomerID, "tier", p.PackageTier)
	} else {
		telemetry.JobsCreated.Inc()
		m.log.Info("job created",
			"job_id", job.ID, "customer_id", p.CustomerID, "tier", p.PackageTier, "tasks", len(tasks))
	}
	return job, false, nil
}

// TaskAssignment pairs a claimed task with its directory metadata.
type TaskAssignment struct {
	Task      models.SubmissionTask
	Directory models.Directory
}

// WorkBatch is one poll's worth of work: claimed tasks from one job.
type WorkBatch struct {
	Job   models.Job
	Tasks []TaskAssignment
}

// ClaimBatch claims up to the configured batch of pending tasks for a
// worker. Returns nil when no work is available; workers back off and
// poll again.
func (m *Manager) ClaimBatch(ctx context.Context, workerID string) (*WorkBatch, error) {
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}

	job, tasks, err := m.store.ClaimNextTasks(ctx, workerID, m.cfg.ClaimBatchSize)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.DirectoryID)
	}
	dirs, err := m.catalog.DirectoriesByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load directories: %w", err)
	}

	batch := &WorkBatch{Job: job, Tasks: make([]TaskAssignment, 0, len(tasks))}
	for _, t := range tasks {
		batch.Tasks = append(batch.Tasks, TaskAssignment{Task: t, Directory: dirs[t.DirectoryID]})
	}

	telemetry.TasksClaimed.Add(float64(len(tasks)))
	telemetry.ClaimedGauge.Add(float64(len(tasks)))
	m.log.Debug("batch claimed", "job_id", job.ID, "worker_id", workerID, "tasks", len(tasks))
	return batch, nil
}

// ReportResultParams is one worker-reported task outcome. JobID, when
// set, must match the task's owning job.
type ReportResultParams struct {
	TaskID        string
	JobID         string
	WorkerID      string
	Outcome       string
	ResultPayload map[string]any
	ErrorMessage  string
}

// ReportResult applies one reported outcome. Protocol violations (wrong
// claimant, terminal task, cancelled job) come back as typed errors and
// never mutate state.
func (m *Manager) ReportResult(ctx context.Context, p ReportResultParams) (models.SubmissionTask, models.Job, error) {
	if !models.ValidOutcome(p.Outcome) {
		return models.SubmissionTask{}, models.Job{}, fmt.Errorf("%w: %q", ErrInvalidOutcome, p.Outcome)
	}

	task, job, err := m.store.ResolveTask(ctx, store.ResolveTaskParams{
		TaskID:        p.TaskID,
		JobID:         p.JobID,
		WorkerID:      p.WorkerID,
		Outcome:       p.Outcome,
		ResultPayload: p.ResultPayload,
		ErrorMessage:  p.ErrorMessage,
		MaxAttempts:   m.cfg.MaxAttempts,
	})
	if err != nil {
		if isProtocolViolation(err) {
			telemetry.ReportsRejected.Inc()
		}
		return models.SubmissionTask{}, models.Job{}, err
	}

	telemetry.ClaimedGauge.Dec()
	switch task.Status {
	case models.TaskSubmitted:
		telemetry.TasksSubmitted.Inc()
		m.archiveProof(ctx, task)
	case models.TaskPending:
		telemetry.TasksRetried.Inc()
	case models.TaskFailed:
		telemetry.TasksFailed.Inc()
		m.log.Warn("task exhausted retries",
			"task_id", task.ID, "job_id", task.JobID, "attempts", task.AttemptCount, "error", p.ErrorMessage)
	}
	if job.Status == models.JobComplete {
		telemetry.JobsCompleted.Inc()
		m.log.Info("job complete",
			"job_id", job.ID, "completed", job.DirectoriesCompleted, "failed", job.DirectoriesFailed)
	}
	return task, job, nil
}

// archiveProof stores submission proof from the result payload. Best
// effort: an archiving failure is logged, never surfaced to the worker.
func (m *Manager) archiveProof(ctx context.Context, task models.SubmissionTask) {
	if m.archiver == nil || len(task.ResultPayload) == 0 {
		return
	}
	ref, ok, err := m.archiver.Archive(ctx, task.JobID, task.ID, task.ResultPayload)
	if err != nil {
		m.log.Warn("archive submission proof failed", "task_id", task.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	if err := m.store.SetTaskArtifact(ctx, task.ID, ref); err != nil {
		m.log.Warn("record artifact ref failed", "task_id", task.ID, "error", err)
	}
}

// CancelJob handles the refund path: the job and all its non-terminal
// tasks move to cancelled atomically, and any in-flight worker reports
// against the job are rejected from then on.
func (m *Manager) CancelJob(ctx context.Context, jobID string) (models.Job, error) {
	job, err := m.store.CancelJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsCancelled.Inc()
	m.log.Info("job cancelled", "job_id", jobID)
	return job, nil
}

// JobStatus returns the authoritative job record. Counters are only ever
// written under the same transaction as task transitions, so this is the
// rollup, not a worker's claim about it.
func (m *Manager) JobStatus(ctx context.Context, jobID string) (models.Job, error) {
	return m.store.GetJob(ctx, jobID)
}

// JobTasks returns every task owned by a job, for support tooling.
func (m *Manager) JobTasks(ctx context.Context, jobID string) ([]models.SubmissionTask, error) {
	if _, err := m.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return m.store.ListTasks(ctx, jobID)
}

func isProtocolViolation(err error) bool {
	return errors.Is(err, store.ErrNotClaimant) ||
		errors.Is(err, store.ErrTaskTerminal) ||
		errors.Is(err, store.ErrTaskNotClaimed) ||
		errors.Is(err, store.ErrTaskNotInJob) ||
		errors.Is(err, store.ErrJobCancelled)
}
