package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// failureScanLimit caps how many recent failures the aggregation scans.
const failureScanLimit = 500

// NewTaskID generates a task identifier.
func NewTaskID() string {
	return "task_" + uuid.New().String()[:12]
}

func taskTenant(t *Task) string { return t.TenantID }

// CreateTask inserts a new task in planning state.
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	if task.TenantID == "" || task.Description == "" {
		return fmt.Errorf("tenant id and description are required")
	}
	if task.TaskID == "" {
		task.TaskID = NewTaskID()
	}
	now := time.Now().UTC()
	task.Status = TaskStatusPlanning
	task.CreatedAt = now
	task.UpdatedAt = now
	return put(ctx, s.tasks, task.TenantID, task.TaskID, task)
}

// GetTask loads a task scoped to the tenant.
func (s *Store) GetTask(ctx context.Context, tenantID, taskID string) (*Task, error) {
	return getChecked[Task](ctx, s.tasks, tenantID, taskID, taskTenant)
}

// ListTasks returns the tenant's tasks, newest first, optionally filtered
// by status, up to limit.
func (s *Store) ListTasks(ctx context.Context, tenantID string, status TaskStatus, limit int) ([]*Task, error) {
	tasks, err := listTenant[Task](ctx, s.tasks, tenantID, taskTenant)
	if err != nil {
		return nil, err
	}
	if status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.Status == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	sortByTimeDesc(tasks, func(t *Task) int64 { return t.CreatedAt.UnixNano() })
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// UpdateTask stores a modified task row.
func (s *Store) UpdateTask(ctx context.Context, task *Task) error {
	task.UpdatedAt = time.Now().UTC()
	return put(ctx, s.tasks, task.TenantID, task.TaskID, task)
}

// SavePlan freezes the planned operations on the task and moves it to
// awaiting_approval. Frozen operations are what execution later runs,
// regardless of any re-planning in memory.
func (s *Store) SavePlan(ctx context.Context, tenantID, taskID, planMarkdown string, operations []Operation) error {
	task, err := s.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return err
	}
	task.PlanMarkdown = planMarkdown
	task.Operations = operations
	task.OperationCount = len(operations)
	task.Status = TaskStatusAwaitingApproval
	return s.UpdateTask(ctx, task)
}

// ApproveTask transitions an awaiting task to executing.
func (s *Store) ApproveTask(ctx context.Context, tenantID, taskID string) (*Task, error) {
	task, err := s.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != TaskStatusAwaitingApproval {
		return nil, fmt.Errorf("%w: task %s is %s, not awaiting approval", ErrInvalidState, taskID, task.Status)
	}
	now := time.Now().UTC()
	task.Status = TaskStatusExecuting
	task.ApprovedAt = &now
	if err := s.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// RejectTask marks a task rejected.
func (s *Store) RejectTask(ctx context.Context, tenantID, taskID string) error {
	task, err := s.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return err
	}
	task.Status = TaskStatusRejected
	return s.UpdateTask(ctx, task)
}

// SaveResult records the execution outcome on the task.
func (s *Store) SaveResult(ctx context.Context, tenantID, taskID string, summary *ResultSummary, report string, durationMs int64, status TaskStatus) error {
	task, err := s.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	task.Summary = summary
	task.ReportMarkdown = report
	task.DurationMs = durationMs
	task.Status = status
	task.CompletedAt = &now
	return s.UpdateTask(ctx, task)
}

// RecordFailure marks a task failed with a categorized reason. The learning
// loop aggregates over these rows.
func (s *Store) RecordFailure(ctx context.Context, tenantID, taskID, reason, category, detail string) error {
	task, err := s.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	task.Status = TaskStatusFailed
	task.FailureReason = reason
	task.FailureCategory = category
	task.FailureDetail = detail
	task.CompletedAt = &now
	return s.UpdateTask(ctx, task)
}

// ResetForRetry moves a failed task back to planning so it can be
// re-planned, clearing the previous plan and outcome.
func (s *Store) ResetForRetry(ctx context.Context, tenantID, taskID string) (*Task, error) {
	task, err := s.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != TaskStatusFailed {
		return nil, fmt.Errorf("%w: task %s is %s, only failed tasks can be retried", ErrInvalidState, taskID, task.Status)
	}
	task.Status = TaskStatusPlanning
	task.PlanMarkdown = ""
	task.Operations = nil
	task.OperationCount = 0
	task.Summary = nil
	task.ReportMarkdown = ""
	task.ApprovedAt = nil
	task.CompletedAt = nil
	if err := s.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// DeleteTask removes a task. Executing tasks cannot be deleted.
func (s *Store) DeleteTask(ctx context.Context, tenantID, taskID string) error {
	task, err := s.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return err
	}
	if task.Status == TaskStatusExecuting {
		return fmt.Errorf("%w: task %s is executing and cannot be deleted", ErrInvalidState, taskID)
	}
	if err := s.tasks.Delete(ctx, tenantKey(tenantID, taskID)); err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	return nil
}

// GetSimilarFailures returns recent failures for a SaaS (optionally one
// genre) to warn the planner about.
func (s *Store) GetSimilarFailures(ctx context.Context, saasName, genre string, limit int) ([]*Task, error) {
	all, err := listAll[Task](ctx, s.tasks)
	if err != nil {
		return nil, err
	}

	var failures []*Task
	for _, t := range all {
		if t.FailureReason == "" || t.SaaSName != saasName {
			continue
		}
		if genre != "" && t.Genre != genre {
			continue
		}
		failures = append(failures, t)
	}
	sortByTimeDesc(failures, func(t *Task) int64 { return t.CreatedAt.UnixNano() })
	if limit > 0 && len(failures) > limit {
		failures = failures[:limit]
	}
	return failures, nil
}

// GetFailurePatterns aggregates recent failures by (saas, category,
// normalized reason) and returns patterns that occurred at least minCount
// times, most frequent first.
func (s *Store) GetFailurePatterns(ctx context.Context, saasName string, minCount int) ([]FailurePattern, error) {
	all, err := listAll[Task](ctx, s.tasks)
	if err != nil {
		return nil, err
	}

	var failures []*Task
	for _, t := range all {
		if t.FailureReason == "" {
			continue
		}
		if saasName != "" && t.SaaSName != saasName {
			continue
		}
		failures = append(failures, t)
	}
	sortByTimeDesc(failures, func(t *Task) int64 { return t.CreatedAt.UnixNano() })
	if len(failures) > failureScanLimit {
		failures = failures[:failureScanLimit]
	}

	type key struct{ saas, category, reason string }
	counts := make(map[key]int)
	genres := make(map[key]string)
	for _, t := range failures {
		k := key{t.SaaSName, t.FailureCategory, NormalizeFailureReason(t.FailureReason)}
		counts[k]++
		if _, seen := genres[k]; !seen {
			genres[k] = t.Genre
		}
	}

	var patterns []FailurePattern
	for k, count := range counts {
		if count < minCount {
			continue
		}
		patterns = append(patterns, FailurePattern{
			SaaSName:        k.saas,
			FailureCategory: k.category,
			FailureReason:   k.reason,
			Count:           count,
			Genre:           genres[k],
		})
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].FailureReason < patterns[j].FailureReason
	})
	return patterns, nil
}

// DashboardSummary counts a tenant's tasks by status.
type DashboardSummary struct {
	Total            int `json:"total"`
	AwaitingApproval int `json:"awaiting_approval"`
	Executing        int `json:"executing"`
	Completed        int `json:"completed"`
	Failed           int `json:"failed"`
}

// GetDashboardSummary aggregates the tenant's recent task statuses.
func (s *Store) GetDashboardSummary(ctx context.Context, tenantID string) (*DashboardSummary, error) {
	tasks, err := s.ListTasks(ctx, tenantID, "", 200)
	if err != nil {
		return nil, err
	}
	summary := &DashboardSummary{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case TaskStatusAwaitingApproval:
			summary.AwaitingApproval++
		case TaskStatusExecuting:
			summary.Executing++
		case TaskStatusCompleted:
			summary.Completed++
		case TaskStatusFailed:
			summary.Failed++
		}
	}
	return summary, nil
}
