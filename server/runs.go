package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/atelierhq/atelier/agent"
	"github.com/atelierhq/atelier/store"
)

// ----------------------------------------------------------------------------
// POST /api/runs
// ----------------------------------------------------------------------------

// CreateRunRequest is the request body for POST /api/runs.
type CreateRunRequest struct {
	// Requirement is the natural-language development request.
	Requirement string `json:"requirement"`

	// Genre optionally pins the classifier's genre decision.
	Genre string `json:"genre,omitempty"`

	// TwoPhase parks the run for spec review after drafting instead of
	// implementing straight through.
	TwoPhase bool `json:"two_phase,omitempty"`

	// ImproveRules enables rule improvement drafts on success.
	ImproveRules bool `json:"improve_rules,omitempty"`
}

// CreateRunResponse is the response body for POST /api/runs.
type CreateRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// handleCreateRun accepts a development request, records the run, and
// executes the pipeline in the background.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req CreateRunRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Requirement == "" {
		http.Error(w, "requirement is required", http.StatusBadRequest)
		return
	}

	var stateOpts []agent.StateOption
	if req.Genre != "" {
		stateOpts = append(stateOpts, agent.WithGenre(req.Genre))
	}
	if req.ImproveRules {
		stateOpts = append(stateOpts, agent.WithImproveRules())
	}
	initial := agent.NewState(tenant, req.Requirement, s.workspaceRoot, stateOpts...)

	// Record the run before the pipeline starts so GET sees it
	// immediately.
	run := &store.Run{
		RunID:       initial.RunID,
		TenantID:    tenant,
		Requirement: req.Requirement,
		Genre:       req.Genre,
		Status:      store.RunStatusStarted,
	}
	if err := s.entities.PersistRun(r.Context(), run); err != nil {
		s.logger.Error("Failed to persist run", "run_id", initial.RunID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// A tenant that turned auto_execute off reviews every drafted spec;
	// two_phase forces the pause for a single run.
	twoPhase := req.TwoPhase || !s.autoExecute(r.Context(), tenant)
	s.background(func(ctx context.Context) {
		s.executeRun(ctx, initial, twoPhase)
	})

	writeJSON(w, http.StatusAccepted, CreateRunResponse{
		RunID:  initial.RunID,
		Status: string(store.RunStatusStarted),
	})
}

func (s *Server) executeRun(ctx context.Context, initial agent.State, twoPhase bool) {
	started := time.Now()
	var final agent.State
	var err error
	if twoPhase {
		final, err = s.runs.ExecuteSpecPhase(ctx, initial)
	} else {
		final, err = s.runs.Execute(ctx, initial)
	}
	if err != nil {
		s.logger.Error("Run failed", "run_id", initial.RunID, "error", err)
	}
	s.recordRunMetrics(final.Status, started)
}

func (s *Server) recordRunMetrics(status store.RunStatus, started time.Time) {
	if s.metrics == nil {
		return
	}
	// Parked spec-review runs are not terminal yet.
	if status == store.RunStatusSpecReview {
		return
	}
	s.metrics.RecordRun(string(status), time.Since(started).Seconds())
}

// ----------------------------------------------------------------------------
// GET /api/runs, GET /api/runs/{id}
// ----------------------------------------------------------------------------

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 50)
	runs, err := s.entities.ListRuns(r.Context(), tenant, limit)
	if err != nil {
		s.logger.Error("Failed to list runs", "tenant_id", tenant, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	run, err := s.entities.GetRun(r.Context(), tenant, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ----------------------------------------------------------------------------
// POST /api/runs/{id}/approve
// ----------------------------------------------------------------------------

// ApproveRunRequest is the request body for POST /api/runs/{id}/approve.
type ApproveRunRequest struct {
	// SpecMarkdown, when non-empty, replaces the drafted spec before the
	// implementation phase.
	SpecMarkdown string `json:"spec_markdown,omitempty"`
}

// handleApproveRun resumes a run parked for spec review.
func (s *Server) handleApproveRun(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	runID := r.PathValue("id")

	var req ApproveRunRequest
	if !readJSON(w, r, &req) {
		return
	}

	run, err := s.entities.GetRun(r.Context(), tenant, runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if run.Status != store.RunStatusSpecReview {
		http.Error(w, "run is not awaiting spec review", http.StatusConflict)
		return
	}

	specOverride := req.SpecMarkdown
	s.background(func(ctx context.Context) {
		started := time.Now()
		final, err := s.runs.Resume(ctx, tenant, runID, specOverride)
		if err != nil {
			s.logger.Error("Resume failed", "run_id", runID, "error", err)
		}
		s.recordRunMetrics(final.Status, started)
	})

	writeJSON(w, http.StatusAccepted, CreateRunResponse{
		RunID:  runID,
		Status: string(store.RunStatusCoding),
	})
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
