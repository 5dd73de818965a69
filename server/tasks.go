package server

import (
	"context"
	"net/http"

	"github.com/atelierhq/atelier/store"
)

// ----------------------------------------------------------------------------
// POST /api/tasks
// ----------------------------------------------------------------------------

// CreateTaskRequest is the request body for POST /api/tasks.
type CreateTaskRequest struct {
	// ConnectionID names the SaaS connection the task operates on.
	ConnectionID string `json:"connection_id"`

	// Description is the natural-language task instruction.
	Description string `json:"description"`

	Genre  string `json:"genre,omitempty"`
	DryRun bool   `json:"dry_run,omitempty"`
}

// handleCreateTask plans a SaaS task. Planning runs synchronously so the
// response carries the plan awaiting approval; with auto-execute enabled
// the approved plan runs in the background immediately.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req CreateTaskRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Description == "" {
		http.Error(w, "description is required", http.StatusBadRequest)
		return
	}
	if req.ConnectionID == "" {
		http.Error(w, "connection_id is required", http.StatusBadRequest)
		return
	}

	conn, err := s.entities.GetConnection(r.Context(), tenant, req.ConnectionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	task := &store.Task{
		TenantID:     tenant,
		ConnectionID: conn.ConnectionID,
		SaaSName:     conn.SaaSName,
		Description:  req.Description,
		Genre:        req.Genre,
		DryRun:       req.DryRun,
	}
	planned, err := s.tasks.Plan(r.Context(), task)
	if err != nil {
		s.logger.Error("Task planning failed", "tenant_id", tenant, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if planned.Status == store.TaskStatusAwaitingApproval && s.autoExecute(r.Context(), tenant) {
		taskID := planned.TaskID
		s.background(func(ctx context.Context) {
			s.executeTask(ctx, tenant, taskID)
		})
	}

	writeJSON(w, http.StatusCreated, planned)
}

// autoExecute reports whether the tenant has opted into unattended
// execution: runs implement straight through and task plans skip manual
// approval.
func (s *Server) autoExecute(ctx context.Context, tenant string) bool {
	settings, err := s.entities.GetSettings(ctx, tenant)
	if err != nil {
		s.logger.Warn("Failed to load settings", "tenant_id", tenant, "error", err)
		return false
	}
	return settings.AutoExecute
}

func (s *Server) executeTask(ctx context.Context, tenant, taskID string) {
	final, err := s.tasks.Execute(ctx, tenant, taskID)
	if err != nil {
		s.logger.Error("Task execution failed", "task_id", taskID, "error", err)
	}
	if s.metrics != nil && final != nil {
		s.metrics.RecordTask(string(final.Status))
	}
}

// ----------------------------------------------------------------------------
// GET /api/tasks, GET /api/tasks/{id}
// ----------------------------------------------------------------------------

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	status := store.TaskStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 50)
	tasks, err := s.entities.ListTasks(r.Context(), tenant, status, limit)
	if err != nil {
		s.logger.Error("Failed to list tasks", "tenant_id", tenant, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	task, err := s.entities.GetTask(r.Context(), tenant, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ----------------------------------------------------------------------------
// POST /api/tasks/{id}/approve, /reject, /retry; DELETE /api/tasks/{id}
// ----------------------------------------------------------------------------

// handleApproveTask transitions the plan to executing and runs it in the
// background.
func (s *Server) handleApproveTask(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	taskID := r.PathValue("id")

	// Validate the transition up front so approval of a missing or
	// already-decided task fails in-band instead of in the background.
	task, err := s.entities.GetTask(r.Context(), tenant, taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if task.Status != store.TaskStatusAwaitingApproval {
		http.Error(w, "task is not awaiting approval", http.StatusConflict)
		return
	}

	s.background(func(ctx context.Context) {
		s.executeTask(ctx, tenant, taskID)
	})
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
		"status":  string(store.TaskStatusExecuting),
	})
}

func (s *Server) handleRejectTask(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	taskID := r.PathValue("id")
	if err := s.tasks.Reject(r.Context(), tenant, taskID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": taskID,
		"status":  string(store.TaskStatusRejected),
	})
}

// handleRetryTask re-plans a failed task; the fresh plan goes back
// through approval.
func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	task, err := s.tasks.Retry(r.Context(), tenant, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	taskID := r.PathValue("id")
	if err := s.tasks.Delete(r.Context(), tenant, taskID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "deleted": "true"})
}
