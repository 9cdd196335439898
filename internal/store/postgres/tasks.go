package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"submission-pipeline/internal/models"
	"submission-pipeline/internal/store"
)

const taskColumns = `id, job_id, directory_id, status, attempt_count, last_error,
	result_payload, artifact_ref, claimed_by, claimed_at, completed_at, created_at, updated_at`

// difficultyRankSQL mirrors models.DifficultyRank for in-query ordering.
const difficultyRankSQL = `CASE d.difficulty
	WHEN 'easy' THEN 1 WHEN 'medium' THEN 2 WHEN 'hard' THEN 3 ELSE 4 END`

// ListTasks returns every task owned by a job, creation order.
func (s *Store) ListTasks(ctx context.Context, jobID string) ([]models.SubmissionTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM submission_tasks WHERE job_id = $1 ORDER BY created_at, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.SubmissionTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimNextTasks picks the best-ordered eligible job, claims up to limit
// of its pending tasks under row locks, and moves the job to in_progress
// if this is its first claim. SKIP LOCKED keeps concurrent claimants off
// each other's rows; the status filter in the UPDATE is the
// compare-and-set that makes a double claim impossible.
func (s *Store) ClaimNextTasks(ctx context.Context, workerID string, limit int) (models.Job, []models.SubmissionTask, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var jobID string
	err = tx.QueryRow(ctx, `
		SELECT t.job_id
		FROM submission_tasks t
		JOIN jobs j ON j.id = t.job_id
		JOIN directories d ON d.id = t.directory_id
		WHERE t.status = 'pending' AND j.status IN ('pending', 'in_progress')
		ORDER BY j.tier_rank DESC, j.created_at ASC, `+difficultyRankSQL+` ASC, t.id
		LIMIT 1
		FOR UPDATE OF t SKIP LOCKED
	`).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, nil, nil
	}
	if err != nil {
		return models.Job{}, nil, fmt.Errorf("select claimable job: %w", err)
	}

	rows, err := tx.Query(ctx, `
		WITH picked AS (
			SELECT t.id
			FROM submission_tasks t
			JOIN directories d ON d.id = t.directory_id
			WHERE t.job_id = $1 AND t.status = 'pending'
			ORDER BY `+difficultyRankSQL+` ASC, t.id
			LIMIT $2
			FOR UPDATE OF t SKIP LOCKED
		)
		UPDATE submission_tasks t
		SET status = 'claimed', claimed_by = $3, claimed_at = $4,
			attempt_count = attempt_count + 1, updated_at = $4
		FROM picked
		WHERE t.id = picked.id AND t.status = 'pending'
		RETURNING `+prefixedTaskColumns("t"), jobID, limit, workerID, time.Now().UTC())
	if err != nil {
		return models.Job{}, nil, fmt.Errorf("claim tasks: %w", err)
	}

	var tasks []models.SubmissionTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return models.Job{}, nil, err
		}
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.Job{}, nil, fmt.Errorf("claim tasks rows: %w", err)
	}
	if len(tasks) == 0 {
		return models.Job{}, nil, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE jobs SET status = 'in_progress', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, jobID)
	if err != nil {
		return models.Job{}, nil, fmt.Errorf("mark job in_progress: %w", err)
	}

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if err != nil {
		return models.Job{}, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, nil, fmt.Errorf("commit claim: %w", err)
	}
	return job, tasks, nil
}

// ResolveTask applies one reported outcome: claimant validation, the
// retry-or-fail transition, and the owning job's counter rollup, all
// under one transaction.
func (s *Store) ResolveTask(ctx context.Context, p store.ResolveTaskParams) (models.SubmissionTask, models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.SubmissionTask{}, models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	task, err := scanTask(tx.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM submission_tasks WHERE id = $1 FOR UPDATE
	`, p.TaskID))
	if errors.Is(err, store.ErrTaskNotFound) {
		return models.SubmissionTask{}, models.Job{}, store.ErrTaskNotFound
	}
	if err != nil {
		return models.SubmissionTask{}, models.Job{}, err
	}
	if p.JobID != "" && task.JobID != p.JobID {
		return models.SubmissionTask{}, models.Job{}, store.ErrTaskNotInJob
	}

	var jobStatus string
	if err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, task.JobID).Scan(&jobStatus); err != nil {
		return models.SubmissionTask{}, models.Job{}, fmt.Errorf("lock job: %w", err)
	}
	if jobStatus == models.JobCancelled {
		return models.SubmissionTask{}, models.Job{}, store.ErrJobCancelled
	}
	if task.Terminal() {
		return models.SubmissionTask{}, models.Job{}, store.ErrTaskTerminal
	}
	if task.Status != models.TaskClaimed && task.Status != models.TaskSubmitting {
		return models.SubmissionTask{}, models.Job{}, store.ErrTaskNotClaimed
	}
	if task.ClaimedBy == nil || *task.ClaimedBy != p.WorkerID {
		return models.SubmissionTask{}, models.Job{}, store.ErrNotClaimant
	}

	now := time.Now().UTC()
	if p.Outcome == models.OutcomeSubmitted {
		payloadJSON, err := json.Marshal(p.ResultPayload)
		if err != nil {
			return models.SubmissionTask{}, models.Job{}, fmt.Errorf("marshal result payload: %w", err)
		}
		task, err = scanTask(tx.QueryRow(ctx, `
			UPDATE submission_tasks
			SET status = 'submitted', result_payload = $2, last_error = NULL,
				completed_at = $3, updated_at = $3
			WHERE id = $1
			RETURNING `+taskColumns, p.TaskID, payloadJSON, now))
		if err != nil {
			return models.SubmissionTask{}, models.Job{}, err
		}
	} else {
		next := models.RetryDecision(task.AttemptCount, p.MaxAttempts)
		if next == models.TaskPending {
			task, err = scanTask(tx.QueryRow(ctx, `
				UPDATE submission_tasks
				SET status = 'pending', last_error = $2, claimed_by = NULL,
					claimed_at = NULL, updated_at = $3
				WHERE id = $1
				RETURNING `+taskColumns, p.TaskID, p.ErrorMessage, now))
		} else {
			task, err = scanTask(tx.QueryRow(ctx, `
				UPDATE submission_tasks
				SET status = 'failed', last_error = $2, completed_at = $3, updated_at = $3
				WHERE id = $1
				RETURNING `+taskColumns, p.TaskID, p.ErrorMessage, now))
		}
		if err != nil {
			return models.SubmissionTask{}, models.Job{}, err
		}
	}

	job, err := rollupJob(ctx, tx, task.JobID, "")
	if err != nil {
		return models.SubmissionTask{}, models.Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.SubmissionTask{}, models.Job{}, fmt.Errorf("commit resolve: %w", err)
	}
	return task, job, nil
}

// SetTaskArtifact records where submission proof was archived.
func (s *Store) SetTaskArtifact(ctx context.Context, taskID, ref string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE submission_tasks SET artifact_ref = $2, updated_at = NOW() WHERE id = $1
	`, taskID, ref)
	if err != nil {
		return fmt.Errorf("set artifact ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrTaskNotFound
	}
	return nil
}

// StaleClaims lists tasks whose claim predates the cutoff, oldest first.
func (s *Store) StaleClaims(ctx context.Context, cutoff time.Time, limit int) ([]models.SubmissionTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM submission_tasks
		WHERE status IN ('claimed', 'submitting') AND claimed_at < $1
		ORDER BY claimed_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale claims: %w", err)
	}
	defer rows.Close()

	var tasks []models.SubmissionTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func prefixedTaskColumns(alias string) string {
	return alias + `.id, ` + alias + `.job_id, ` + alias + `.directory_id, ` + alias + `.status, ` +
		alias + `.attempt_count, ` + alias + `.last_error, ` + alias + `.result_payload, ` +
		alias + `.artifact_ref, ` + alias + `.claimed_by, ` + alias + `.claimed_at, ` +
		alias + `.completed_at, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func scanTask(row pgx.Row) (models.SubmissionTask, error) {
	var t models.SubmissionTask
	var lastErr, artifact, claimedBy pgtype.Text
	var claimedAt, completedAt pgtype.Timestamptz
	var payloadJSON []byte

	err := row.Scan(&t.ID, &t.JobID, &t.DirectoryID, &t.Status, &t.AttemptCount,
		&lastErr, &payloadJSON, &artifact, &claimedBy, &claimedAt, &completedAt,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SubmissionTask{}, store.ErrTaskNotFound
	}
	if err != nil {
		return models.SubmissionTask{}, fmt.Errorf("scan task: %w", err)
	}

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &t.ResultPayload); err != nil {
			return models.SubmissionTask{}, fmt.Errorf("unmarshal result payload: %w", err)
		}
	}
	t.LastError = textPtr(lastErr)
	t.ArtifactRef = textPtr(artifact)
	t.ClaimedBy = textPtr(claimedBy)
	t.ClaimedAt = tsPtr(claimedAt)
	t.CompletedAt = tsPtr(completedAt)
	return t, nil
}

func tsPtr(ts pgtype.Timestamptz) *time.Time {
	if ts.Valid {
		v := ts.Time
		return &v
	}
	return nil
}
