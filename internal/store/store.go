// Package store defines the persistence contract for jobs, submission
// tasks, and the directory catalog. Implementations must provide the
// conditional-update semantics the claim path depends on: a task moves
// out of pending only via a compare-and-set on its status, never a
// read-then-write pair.
package store

import (
	"context"
	"errors"
	"time"

	"submission-pipeline/internal/models"
)

var (
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrTaskNotFound is returned when a task id does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskTerminal rejects a report against an already-terminal task.
	ErrTaskTerminal = errors.New("task already terminal")
	// ErrTaskNotClaimed rejects a report against a task no worker holds.
	ErrTaskNotClaimed = errors.New("task not claimed")
	// ErrNotClaimant rejects a report from a worker that does not hold
	// the task's claim.
	ErrNotClaimant = errors.New("worker does not hold this task")
	// ErrJobCancelled rejects reports against a cancelled job so a late
	// worker cannot resurrect it.
	ErrJobCancelled = errors.New("job cancelled")
	// ErrJobTerminal rejects cancellation of a completed or failed job.
	ErrJobTerminal = errors.New("job already terminal")
	// ErrTaskNotInJob rejects a report naming a task under the wrong job.
	ErrTaskNotInJob = errors.New("task does not belong to job")
	// ErrDuplicateEvent signals a payment event id that already produced
	// a job.
	ErrDuplicateEvent = errors.New("payment event already processed")
)

// ResolveTaskParams carries one worker-reported outcome into the store.
// JobID, when set, must match the task's owning job.
type ResolveTaskParams struct {
	TaskID        string
	JobID         string
	WorkerID      string
	Outcome       string // models.OutcomeSubmitted or models.OutcomeFailed
	ResultPayload map[string]any
	ErrorMessage  string
	MaxAttempts   int
}

// Store is the durable record of jobs and their submission tasks. All
// mutations happen through these operations; nothing else writes the
// rows.
type Store interface {
	// InsertJobWithTasks persists a job and its task set atomically.
	// Returns ErrDuplicateEvent if the job carries a payment event id
	// another job already owns.
	InsertJobWithTasks(ctx context.Context, job models.Job, tasks []models.SubmissionTask) error

	GetJob(ctx context.Context, id string) (models.Job, error)

	// GetJobByPaymentEvent looks up the job created for a payment event.
	GetJobByPaymentEvent(ctx context.Context, eventID string) (models.Job, bool, error)

	ListTasks(ctx context.Context, jobID string) ([]models.SubmissionTask, error)

	// ClaimNextTasks atomically claims up to limit pending tasks, all
	// belonging to the single best-ordered eligible job (higher tier
	// first, then earliest job, then easiest directory). It increments
	// attempt counts, stamps the claim, and moves the job to
	// in_progress on its first claim. Returns an empty task slice when
	// no work is available.
	ClaimNextTasks(ctx context.Context, workerID string, limit int) (models.Job, []models.SubmissionTask, error)

	// ResolveTask applies one reported outcome under a single
	// transaction: claimant and status validation, the retry-or-fail
	// transition, counter recomputation from the task rollup, and the
	// job's promotion to complete when no non-terminal tasks remain.
	ResolveTask(ctx context.Context, p ResolveTaskParams) (models.SubmissionTask, models.Job, error)

	// SetTaskArtifact records where submission proof was archived.
	SetTaskArtifact(ctx context.Context, taskID, ref string) error

	// CancelJob moves the job and every non-terminal task to cancelled.
	CancelJob(ctx context.Context, jobID string) (models.Job, error)

	// StaleClaims lists tasks whose claim predates the cutoff.
	StaleClaims(ctx context.Context, cutoff time.Time, limit int) ([]models.SubmissionTask, error)
}

// Catalog is the read-only directory catalog interface. The pipeline
// never mutates it.
type Catalog interface {
	// SelectDirectories returns active directories a tier may submit to,
	// highest domain authority first, capped at quota.
	SelectDirectories(ctx context.Context, tierRank, quota int) ([]models.Directory, error)

	// DirectoriesByID fetches directory metadata for the given ids.
	DirectoriesByID(ctx context.Context, ids []string) (map[string]models.Directory, error)
}
