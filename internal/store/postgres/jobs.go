package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"submission-pipeline/internal/models"
	"submission-pipeline/internal/store"
)

const jobColumns = `id, customer_id, package_tier, business_data, status,
	directories_total, directories_completed, directories_failed,
	payment_event_id, created_at, updated_at`

// InsertJobWithTasks persists a job and its task set in one transaction.
func (s *Store) InsertJobWithTasks(ctx context.Context, job models.Job, tasks []models.SubmissionTask) error {
	businessJSON, err := json.Marshal(job.BusinessData)
	if err != nil {
		return fmt.Errorf("marshal business data: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, customer_id, package_tier, tier_rank, business_data, status,
			directories_total, directories_completed, directories_failed,
			payment_event_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, $8, $9, $9)
	`, job.ID, job.CustomerID, job.PackageTier, models.TierRank(job.PackageTier), businessJSON,
		job.Status, len(tasks), job.PaymentEventID, job.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateEvent
		}
		return fmt.Errorf("insert job: %w", err)
	}

	for _, t := range tasks {
		_, err = tx.Exec(ctx, `
			INSERT INTO submission_tasks (id, job_id, directory_id, status, attempt_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 0, $5, $5)
		`, t.ID, job.ID, t.DirectoryID, t.Status, t.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert task for directory %s: %w", t.DirectoryID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetJobByPaymentEvent looks up the job created for a payment event.
func (s *Store) GetJobByPaymentEvent(ctx context.Context, eventID string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE payment_event_id = $1`, eventID)
	job, err := scanJob(row)
	if errors.Is(err, store.ErrJobNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// CancelJob moves the job and every non-terminal task to cancelled in
// one transaction. Cancelling an already-cancelled job is a no-op;
// cancelling a complete or failed job is rejected.
func (s *Store) CancelJob(ctx context.Context, jobID string) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status == models.JobCancelled {
		return job, nil
	}
	if job.Terminal() {
		return models.Job{}, store.ErrJobTerminal
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE submission_tasks
		SET status = $2, completed_at = $3, updated_at = $3
		WHERE job_id = $1 AND status NOT IN ($4, $5, $6)
	`, jobID, models.TaskCancelled, now, models.TaskSubmitted, models.TaskFailed, models.TaskCancelled)
	if err != nil {
		return models.Job{}, fmt.Errorf("cancel tasks: %w", err)
	}

	job, err = rollupJob(ctx, tx, jobID, models.JobCancelled)
	if err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// rollupJob recomputes the job's derived counters from its tasks inside
// the caller's transaction. forceStatus, when non-empty, overrides the
// completion check (used by cancellation). Otherwise the job is promoted
// to complete once no non-terminal tasks remain.
func rollupJob(ctx context.Context, tx pgx.Tx, jobID, forceStatus string) (models.Job, error) {
	row := tx.QueryRow(ctx, `
		WITH rollup AS (
			SELECT
				COUNT(*) FILTER (WHERE status = 'submitted')                    AS completed,
				COUNT(*) FILTER (WHERE status IN ('failed', 'cancelled'))       AS failed,
				COUNT(*) FILTER (WHERE status NOT IN ('submitted', 'failed', 'cancelled')) AS open
			FROM submission_tasks WHERE job_id = $1
		)
		UPDATE jobs j
		SET directories_completed = rollup.completed,
			directories_failed    = rollup.failed,
			status = CASE
				WHEN $2 <> '' THEN $2
				WHEN rollup.open = 0 AND j.status IN ('pending', 'in_progress') THEN 'complete'
				ELSE j.status
			END,
			updated_at = NOW()
		FROM rollup
		WHERE j.id = $1
		RETURNING `+prefixedJobColumns("j")+`
	`, jobID, forceStatus)
	return scanJob(row)
}

func prefixedJobColumns(alias string) string {
	return alias + `.id, ` + alias + `.customer_id, ` + alias + `.package_tier, ` +
		alias + `.business_data, ` + alias + `.status, ` +
		alias + `.directories_total, ` + alias + `.directories_completed, ` + alias + `.directories_failed, ` +
		alias + `.payment_event_id, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var businessJSON []byte
	var paymentEvent pgtype.Text

	err := row.Scan(&job.ID, &job.CustomerID, &job.PackageTier, &businessJSON, &job.Status,
		&job.DirectoriesTotal, &job.DirectoriesCompleted, &job.DirectoriesFailed,
		&paymentEvent, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, store.ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(businessJSON, &job.BusinessData); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal business data: %w", err)
	}
	job.PaymentEventID = textPtr(paymentEvent)
	return job, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
