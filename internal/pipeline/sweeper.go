package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"submission-pipeline/internal/models"
	"submission-pipeline/internal/store"
	"submission-pipeline/internal/telemetry"
)

// ReclaimStale converts claims older than the stale-claim timeout into
// ordinary failures, so a crashed worker cannot stall a job forever. The
// failure goes through the same retry-or-terminal path as a reported
// failure. Returns how many claims were reclaimed.
func (m *Manager) ReclaimStale(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-m.cfg.StaleClaimTimeout)
	stale, err := m.store.StaleClaims(ctx, cutoff, m.cfg.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale claims: %w", err)
	}

	reclaimed := 0
	for _, t := range stale {
		if t.ClaimedBy == nil {
			continue
		}
		_, _, err := m.store.ResolveTask(ctx, store.ResolveTaskParams{
			TaskID:       t.ID,
			WorkerID:     *t.ClaimedBy,
			Outcome:      models.OutcomeFailed,
			ErrorMessage: fmt.Sprintf("claim expired: worker %s did not report within %s", *t.ClaimedBy, m.cfg.StaleClaimTimeout),
			MaxAttempts:  m.cfg.MaxAttempts,
		})
		if err != nil {
			// The worker may have reported, or the job may have been
			// cancelled, between the sweep read and the resolve.
			if isProtocolViolation(err) || errors.Is(err, store.ErrTaskNotFound) {
				continue
			}
			return reclaimed, fmt.Errorf("reclaim task %s: %w", t.ID, err)
		}
		reclaimed++
		telemetry.TasksReclaimed.Inc()
		telemetry.ClaimedGauge.Dec()
		m.log.Info("stale claim reclaimed", "task_id", t.ID, "worker_id", *t.ClaimedBy)
	}
	return reclaimed, nil
}

// RunSweeper runs the reclaim sweep on an interval until the context is
// cancelled.
func (m *Manager) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.ReclaimStale(ctx); err != nil {
				m.log.Error("reclaim sweep failed", "error", err)
			}
		}
	}
}
