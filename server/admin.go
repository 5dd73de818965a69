package server

import (
	"net/http"
	"time"

	"github.com/atelierhq/atelier/store"
)

// ----------------------------------------------------------------------------
// GET /api/connections, POST /api/connections/{id}/refresh
// ----------------------------------------------------------------------------

// connectionView is a Connection with the token material stripped.
type connectionView struct {
	ConnectionID  string                 `json:"connection_id"`
	SaaSName      string                 `json:"saas_name"`
	AuthType      store.AuthType         `json:"auth_type"`
	InstanceURL   string                 `json:"instance_url,omitempty"`
	Status        store.ConnectionStatus `json:"status"`
	StatusReason  string                 `json:"status_reason,omitempty"`
	ExpiresAt     *time.Time             `json:"token_expires_at,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	LastUsedAt    *time.Time             `json:"last_used_at,omitempty"`
	LastRefreshAt *time.Time             `json:"last_refresh_at,omitempty"`
}

func toConnectionView(c *store.Connection) connectionView {
	return connectionView{
		ConnectionID:  c.ConnectionID,
		SaaSName:      c.SaaSName,
		AuthType:      c.AuthType,
		InstanceURL:   c.InstanceURL,
		Status:        c.Status,
		StatusReason:  c.StatusReason,
		ExpiresAt:     c.TokenExpiresAt,
		CreatedAt:     c.CreatedAt,
		LastUsedAt:    c.LastUsedAt,
		LastRefreshAt: c.LastRefreshAt,
	}
}

// handleListConnections lists the tenant's connections. Token material
// never leaves the store, encrypted or not.
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	conns, err := s.entities.ListConnections(r.Context(), tenant)
	if err != nil {
		s.logger.Error("Failed to list connections", "tenant_id", tenant, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	views := make([]connectionView, 0, len(conns))
	for _, c := range conns {
		views = append(views, toConnectionView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": views})
}

// handleRefreshConnection forces a token refresh on one connection.
func (s *Server) handleRefreshConnection(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if s.refresher == nil {
		http.Error(w, "token refresh is not configured", http.StatusNotImplemented)
		return
	}
	connID := r.PathValue("id")
	if err := s.refresher.RefreshOne(r.Context(), tenant, connID); err != nil {
		s.logger.Error("Manual refresh failed", "connection_id", connID, "error", err)
		writeStoreError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordRefresh("refreshed")
	}
	conn, err := s.entities.GetConnection(r.Context(), tenant, connID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConnectionView(conn))
}

// ----------------------------------------------------------------------------
// Rule changes
// ----------------------------------------------------------------------------

// decisionRequest is the body for rule change approve/reject.
type decisionRequest struct {
	Reviewer string `json:"reviewer"`
}

func (s *Server) handleListRuleChanges(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	status := store.RuleChangeStatus(r.URL.Query().Get("status"))
	changes, err := s.entities.ListRuleChanges(r.Context(), tenant, status)
	if err != nil {
		s.logger.Error("Failed to list rule changes", "tenant_id", tenant, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rule_changes": changes})
}

func (s *Server) handleApproveRuleChange(w http.ResponseWriter, r *http.Request) {
	s.decideRuleChange(w, r, true)
}

func (s *Server) handleRejectRuleChange(w http.ResponseWriter, r *http.Request) {
	s.decideRuleChange(w, r, false)
}

func (s *Server) decideRuleChange(w http.ResponseWriter, r *http.Request, approve bool) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Reviewer == "" {
		http.Error(w, "reviewer is required", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	var rc *store.RuleChange
	var err error
	if approve {
		rc, err = s.tasks.ApproveRuleChange(r.Context(), tenant, id, req.Reviewer)
	} else {
		rc, err = s.tasks.RejectRuleChange(r.Context(), tenant, id, req.Reviewer)
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

// ----------------------------------------------------------------------------
// Settings and dashboard
// ----------------------------------------------------------------------------

// UpdateSettingsRequest is the request body for PUT /api/settings.
type UpdateSettingsRequest struct {
	AutoExecute bool `json:"auto_execute"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	settings, err := s.entities.GetSettings(r.Context(), tenant)
	if err != nil {
		s.logger.Error("Failed to load settings", "tenant_id", tenant, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req UpdateSettingsRequest
	if !readJSON(w, r, &req) {
		return
	}
	settings := &store.Settings{
		TenantID:    tenant,
		AutoExecute: req.AutoExecute,
	}
	if err := s.entities.UpdateSettings(r.Context(), settings); err != nil {
		s.logger.Error("Failed to update settings", "tenant_id", tenant, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	summary, err := s.entities.GetDashboardSummary(r.Context(), tenant)
	if err != nil {
		s.logger.Error("Failed to build dashboard summary", "tenant_id", tenant, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
