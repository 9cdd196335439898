// Package memory is an in-memory implementation of the store contract,
// used by unit tests and local development. A single mutex serializes
// every mutation, which gives the same at-most-one-claim guarantee the
// Postgres implementation gets from conditional updates.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"submission-pipeline/internal/models"
	"submission-pipeline/internal/store"
)

// Store keeps jobs, tasks, and the catalog in maps guarded by one mutex.
type Store struct {
	mu          sync.Mutex
	jobs        map[string]*models.Job
	tasks       map[string]*models.SubmissionTask
	directories map[string]models.Directory
	byEvent     map[string]string // payment_event_id -> job id
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		jobs:        make(map[string]*models.Job),
		tasks:       make(map[string]*models.SubmissionTask),
		directories: make(map[string]models.Directory),
		byEvent:     make(map[string]string),
	}
}

// SeedDirectories loads catalog entries, replacing any with the same id.
func (s *Store) SeedDirectories(dirs ...models.Directory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range dirs {
		s.directories[d.ID] = d
	}
}

func (s *Store) InsertJobWithTasks(_ context.Context, job models.Job, tasks []models.SubmissionTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.PaymentEventID != nil {
		if _, exists := s.byEvent[*job.PaymentEventID]; exists {
			return store.ErrDuplicateEvent
		}
	}

	job.DirectoriesTotal = len(tasks)
	j := job
	s.jobs[job.ID] = &j
	for _, t := range tasks {
		t.JobID = job.ID
		tc := t
		s.tasks[t.ID] = &tc
	}
	if job.PaymentEventID != nil {
		s.byEvent[*job.PaymentEventID] = job.ID
	}
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, store.ErrJobNotFound
	}
	return *j, nil
}

func (s *Store) GetJobByPaymentEvent(_ context.Context, eventID string) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEvent[eventID]
	if !ok {
		return models.Job{}, false, nil
	}
	return *s.jobs[id], true, nil
}

func (s *Store) ListTasks(_ context.Context, jobID string) ([]models.SubmissionTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []models.SubmissionTask
	for _, t := range s.tasks {
		if t.JobID == jobID {
			tasks = append(tasks, *t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (s *Store) ClaimNextTasks(_ context.Context, workerID string, limit int) (models.Job, []models.SubmissionTask, error) {
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*models.SubmissionTask
	for _, t := range s.tasks {
		if t.Status != models.TaskPending {
			continue
		}
		j := s.jobs[t.JobID]
		if j == nil || (j.Status != models.JobPending && j.Status != models.JobInProgress) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return models.Job{}, nil, nil
	}

	// Higher tier first, then earliest job, then easiest directory.
	sort.Slice(candidates, func(i, j int) bool {
		ji, jj := s.jobs[candidates[i].JobID], s.jobs[candidates[j].JobID]
		ri, rj := models.TierRank(ji.PackageTier), models.TierRank(jj.PackageTier)
		if ri != rj {
			return ri > rj
		}
		if !ji.CreatedAt.Equal(jj.CreatedAt) {
			return ji.CreatedAt.Before(jj.CreatedAt)
		}
		di := models.DifficultyRank(s.directories[candidates[i].DirectoryID].Difficulty)
		dj := models.DifficultyRank(s.directories[candidates[j].DirectoryID].Difficulty)
		if di != dj {
			return di < dj
		}
		return candidates[i].ID < candidates[j].ID
	})

	jobID := candidates[0].JobID
	now := time.Now().UTC()
	var claimed []models.SubmissionTask
	for _, t := range candidates {
		if t.JobID != jobID || len(claimed) == limit {
			continue
		}
		worker := workerID
		t.Status = models.TaskClaimed
		t.ClaimedBy = &worker
		t.ClaimedAt = &now
		t.AttemptCount++
		t.UpdatedAt = now
		claimed = append(claimed, *t)
	}

	job := s.jobs[jobID]
	if job.Status == models.JobPending {
		job.Status = models.JobInProgress
		job.UpdatedAt = now
	}
	return *job, claimed, nil
}

func (s *Store) ResolveTask(_ context.Context, p store.ResolveTaskParams) (models.SubmissionTask, models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[p.TaskID]
	if !ok {
		return models.SubmissionTask{}, models.Job{}, store.ErrTaskNotFound
	}
	if p.JobID != "" && t.JobID != p.JobID {
		return models.SubmissionTask{}, models.Job{}, store.ErrTaskNotInJob
	}
	job := s.jobs[t.JobID]
	if job.Status == models.JobCancelled {
		return models.SubmissionTask{}, models.Job{}, store.ErrJobCancelled
	}
	if t.Terminal() {
		return models.SubmissionTask{}, models.Job{}, store.ErrTaskTerminal
	}
	if t.Status != models.TaskClaimed && t.Status != models.TaskSubmitting {
		return models.SubmissionTask{}, models.Job{}, store.ErrTaskNotClaimed
	}
	if t.ClaimedBy == nil || *t.ClaimedBy != p.WorkerID {
		return models.SubmissionTask{}, models.Job{}, store.ErrNotClaimant
	}

	now := time.Now().UTC()
	if p.Outcome == models.OutcomeSubmitted {
		t.Status = models.TaskSubmitted
		t.ResultPayload = p.ResultPayload
		t.LastError = nil
		t.CompletedAt = &now
	} else {
		msg := p.ErrorMessage
		t.LastError = &msg
		if models.RetryDecision(t.AttemptCount, p.MaxAttempts) == models.TaskPending {
			t.Status = models.TaskPending
			t.ClaimedBy = nil
			t.ClaimedAt = nil
		} else {
			t.Status = models.TaskFailed
			t.CompletedAt = &now
		}
	}
	t.UpdatedAt = now

	s.rollupLocked(job)
	return *t, *job, nil
}

// rollupLocked recomputes derived counters and promotes the job to
// complete when no non-terminal tasks remain. Caller holds the mutex.
func (s *Store) rollupLocked(job *models.Job) {
	completed, failed, open := 0, 0, 0
	for _, t := range s.tasks {
		if t.JobID != job.ID {
			continue
		}
		switch t.Status {
		case models.TaskSubmitted:
			completed++
		case models.TaskFailed, models.TaskCancelled:
			failed++
		default:
			open++
		}
	}
	job.DirectoriesCompleted = completed
	job.DirectoriesFailed = failed
	if open == 0 && (job.Status == models.JobPending || job.Status == models.JobInProgress) {
		job.Status = models.JobComplete
	}
	job.UpdatedAt = time.Now().UTC()
}

func (s *Store) SetTaskArtifact(_ context.Context, taskID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrTaskNotFound
	}
	r := ref
	t.ArtifactRef = &r
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) CancelJob(_ context.Context, jobID string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return models.Job{}, store.ErrJobNotFound
	}
	if job.Status == models.JobCancelled {
		return *job, nil
	}
	if job.Terminal() {
		return models.Job{}, store.ErrJobTerminal
	}

	now := time.Now().UTC()
	for _, t := range s.tasks {
		if t.JobID == jobID && !t.Terminal() {
			t.Status = models.TaskCancelled
			t.CompletedAt = &now
			t.UpdatedAt = now
		}
	}
	job.Status = models.JobCancelled
	s.rollupLocked(job)
	return *job, nil
}

// SetClaimedAt rewrites a task's claim timestamp. Test hook for
// exercising the stale-claim sweep without waiting out the timeout.
func (s *Store) SetClaimedAt(taskID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok && t.ClaimedAt != nil {
		t.ClaimedAt = &at
	}
}

func (s *Store) StaleClaims(_ context.Context, cutoff time.Time, limit int) ([]models.SubmissionTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []models.SubmissionTask
	for _, t := range s.tasks {
		if (t.Status == models.TaskClaimed || t.Status == models.TaskSubmitting) &&
			t.ClaimedAt != nil && t.ClaimedAt.Before(cutoff) {
			stale = append(stale, *t)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ClaimedAt.Before(*stale[j].ClaimedAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *Store) SelectDirectories(_ context.Context, tierRank, quota int) ([]models.Directory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dirs []models.Directory
	for _, d := range s.directories {
		if d.Active && d.TierRequired <= tierRank {
			dirs = append(dirs, d)
		}
	}
	sort.Slice(dirs, func(i, j int) bool {
		if dirs[i].DomainAuthority != dirs[j].DomainAuthority {
			return dirs[i].DomainAuthority > dirs[j].DomainAuthority
		}
		return dirs[i].ID < dirs[j].ID
	})
	if len(dirs) > quota {
		dirs = dirs[:quota]
	}
	return dirs, nil
}

func (s *Store) DirectoriesByID(_ context.Context, ids []string) (map[string]models.Directory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.Directory, len(ids))
	for _, id := range ids {
		if d, ok := s.directories[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}
