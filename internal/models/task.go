package models

import (
	"time"
)

// SubmissionTask statuses. A failed task re-enters pending while retry
// budget remains; submitted, cancelled, and exhausted failed are terminal.
const (
	TaskPending    = "pending"
	TaskClaimed    = "claimed"
	TaskSubmitting = "submitting"
	TaskSubmitted  = "submitted"
	TaskFailed     = "failed"
	TaskCancelled  = "cancelled"
)

// SubmissionTask is one attempt to push a business profile into one
// directory, owned by exactly one Job.
type SubmissionTask struct {
	ID            string         `json:"id"`
	JobID         string         `json:"job_id"`
	DirectoryID   string         `json:"directory_id"`
	Status        string         `json:"status"`
	AttemptCount  int            `json:"attempt_count"`
	LastError     *string        `json:"last_error,omitempty"`
	ResultPayload map[string]any `json:"result_payload,omitempty"`
	ArtifactRef   *string        `json:"artifact_ref,omitempty"`
	ClaimedBy     *string        `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time     `json:"claimed_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Terminal reports whether the task can no longer change state.
func (t SubmissionTask) Terminal() bool {
	return TaskStatusTerminal(t.Status)
}

// TaskStatusTerminal reports whether a task status is terminal.
func TaskStatusTerminal(status string) bool {
	switch status {
	case TaskSubmitted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// RetryDecision returns the status a claimed task moves to after a failed
// attempt: back to pending while budget remains, terminally failed once
// attemptCount has reached maxAttempts. attemptCount is the count
// including the attempt that just failed.
func RetryDecision(attemptCount, maxAttempts int) string {
	if attemptCount < maxAttempts {
		return TaskPending
	}
	return TaskFailed
}

// Outcome values a worker may report for a task.
const (
	OutcomeSubmitted = "submitted"
	OutcomeFailed    = "failed"
)

// ValidOutcome reports whether a worker-supplied outcome string is known.
func ValidOutcome(outcome string) bool {
	return outcome == OutcomeSubmitted || outcome == OutcomeFailed
}
