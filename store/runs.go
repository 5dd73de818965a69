package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewRunID generates a run identifier.
func NewRunID() string {
	return "run_" + uuid.New().String()[:12]
}

func runTenant(r *Run) string { return r.TenantID }

// PersistRun writes the final record of a run. Terminal statuses also set
// the completion timestamp.
func (s *Store) PersistRun(ctx context.Context, run *Run) error {
	if run.RunID == "" || run.TenantID == "" {
		return fmt.Errorf("run id and tenant id are required")
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	switch run.Status {
	case RunStatusPublished, RunStatusFailed, RunStatusTimeout, RunStatusReviewOK:
		if run.CompletedAt == nil {
			run.CompletedAt = &now
		}
	}
	return put(ctx, s.runs, run.TenantID, run.RunID, run)
}

// GetRun loads a run scoped to the tenant.
func (s *Store) GetRun(ctx context.Context, tenantID, runID string) (*Run, error) {
	return getChecked[Run](ctx, s.runs, tenantID, runID, runTenant)
}

// ListRuns returns the tenant's runs, newest first, up to limit.
func (s *Store) ListRuns(ctx context.Context, tenantID string, limit int) ([]*Run, error) {
	runs, err := listTenant[Run](ctx, s.runs, tenantID, runTenant)
	if err != nil {
		return nil, err
	}
	sortByTimeDesc(runs, func(r *Run) int64 { return r.CreatedAt.UnixNano() })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// UpdateRunStatus loads, mutates and stores the run status.
func (s *Store) UpdateRunStatus(ctx context.Context, tenantID, runID string, status RunStatus) error {
	run, err := s.GetRun(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	run.Status = status
	return s.PersistRun(ctx, run)
}

// PersistSpecSnapshot saves the serialized pipeline state of a run paused
// after spec generation, with status spec_review.
func (s *Store) PersistSpecSnapshot(ctx context.Context, run *Run, snapshot json.RawMessage) error {
	run.Status = RunStatusSpecReview
	run.Snapshot = snapshot
	return s.PersistRun(ctx, run)
}

// LoadSnapshot returns the paused state of a run, or ErrNotFound when the
// run does not exist or is not awaiting spec review.
func (s *Store) LoadSnapshot(ctx context.Context, tenantID, runID string) (json.RawMessage, error) {
	run, err := s.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != RunStatusSpecReview || len(run.Snapshot) == 0 {
		return nil, ErrNotFound
	}
	return run.Snapshot, nil
}

// ClearSnapshot drops the paused state after a successful resume.
func (s *Store) ClearSnapshot(ctx context.Context, tenantID, runID string) error {
	run, err := s.GetRun(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	run.Snapshot = nil
	return s.PersistRun(ctx, run)
}
