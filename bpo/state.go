// Package bpo plans and executes SaaS back-office tasks. A task moves
// through plan, approval, and execution: the planner turns a natural
// language instruction into a frozen operation list, a human approves it,
// and the executor replays it against the SaaS through a registered
// adapter. Raw SaaS payloads are never persisted; only per-operation
// outcomes and an aggregate summary survive the run.
package bpo

import (
	"github.com/atelierhq/atelier/store"
)

// State is the task pipeline state. Stages return deltas that Merge folds
// into the accumulated state, same as the development pipeline.
type State struct {
	TaskID       string `json:"task_id"`
	TenantID     string `json:"tenant_id"`
	ConnectionID string `json:"connection_id"`
	SaaSName     string `json:"saas_name"`
	Genre        string `json:"genre,omitempty"`
	Description  string `json:"task_description"`
	DryRun       bool   `json:"dry_run,omitempty"`

	AvailableTools []ToolInfo `json:"available_tools,omitempty"`

	PlanMarkdown   string                  `json:"plan_markdown,omitempty"`
	Operations     []store.Operation       `json:"operations,omitempty"`
	Results        []store.OperationResult `json:"results,omitempty"`
	Summary        *store.ResultSummary    `json:"summary,omitempty"`
	ReportMarkdown string                  `json:"report_markdown,omitempty"`

	Status          store.TaskStatus `json:"status,omitempty"`
	FailureReason   string           `json:"failure_reason,omitempty"`
	FailureCategory string           `json:"failure_category,omitempty"`
	ErrorLogs       []string         `json:"error_logs,omitempty"`

	Audit []store.AuditRecord `json:"audit,omitempty"`
}

// Merge folds a stage delta into the state. Scalars overwrite when set,
// error logs append, and list fields replace wholesale when the delta
// carries them.
func (s State) Merge(delta State) State {
	out := s
	if delta.TaskID != "" {
		out.TaskID = delta.TaskID
	}
	if delta.TenantID != "" {
		out.TenantID = delta.TenantID
	}
	if delta.ConnectionID != "" {
		out.ConnectionID = delta.ConnectionID
	}
	if delta.SaaSName != "" {
		out.SaaSName = delta.SaaSName
	}
	if delta.Genre != "" {
		out.Genre = delta.Genre
	}
	if delta.Description != "" {
		out.Description = delta.Description
	}
	if delta.DryRun {
		out.DryRun = true
	}
	if delta.AvailableTools != nil {
		out.AvailableTools = delta.AvailableTools
	}
	if delta.PlanMarkdown != "" {
		out.PlanMarkdown = delta.PlanMarkdown
	}
	if delta.Operations != nil {
		out.Operations = delta.Operations
	}
	if delta.Results != nil {
		out.Results = delta.Results
	}
	if delta.Summary != nil {
		out.Summary = delta.Summary
	}
	if delta.ReportMarkdown != "" {
		out.ReportMarkdown = delta.ReportMarkdown
	}
	if delta.Status != "" {
		out.Status = delta.Status
	}
	if delta.FailureReason != "" {
		out.FailureReason = delta.FailureReason
	}
	if delta.FailureCategory != "" {
		out.FailureCategory = delta.FailureCategory
	}
	out.ErrorLogs = append(out.ErrorLogs, delta.ErrorLogs...)
	if delta.Audit != nil {
		out.Audit = delta.Audit
	}
	return out
}

// stateFromTask seeds pipeline state from a persisted task row.
func stateFromTask(task *store.Task) State {
	return State{
		TaskID:       task.TaskID,
		TenantID:     task.TenantID,
		ConnectionID: task.ConnectionID,
		SaaSName:     task.SaaSName,
		Genre:        task.Genre,
		Description:  task.Description,
		DryRun:       task.DryRun,
		PlanMarkdown: task.PlanMarkdown,
		Operations:   task.Operations,
		Status:       task.Status,
	}
}
