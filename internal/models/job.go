package models

import (
	"time"
)

// JobStatus enumerates campaign lifecycle states persisted in Postgres.
const (
	JobPending    = "pending"
	JobInProgress = "in_progress"
	JobComplete   = "complete"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
)

// Job is one customer's directory-submission campaign, created from a
// single package purchase. BusinessData is snapshotted at creation time
// and never updated afterwards, so every submission in the campaign uses
// the same profile even if the customer record changes later.
type Job struct {
	ID                   string         `json:"id"`
	CustomerID           string         `json:"customer_id"`
	PackageTier          string         `json:"package_tier"`
	BusinessData         map[string]any `json:"business_data"`
	Status               string         `json:"status"`
	DirectoriesTotal     int            `json:"directories_total"`
	DirectoriesCompleted int            `json:"directories_completed"`
	DirectoriesFailed    int            `json:"directories_failed"`
	PaymentEventID       *string        `json:"payment_event_id,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Terminal reports whether the job can no longer change state.
func (j Job) Terminal() bool {
	return JobStatusTerminal(j.Status)
}

// JobStatusTerminal reports whether a job status is terminal.
func JobStatusTerminal(status string) bool {
	switch status {
	case JobComplete, JobFailed, JobCancelled:
		return true
	}
	return false
}
