// Package server exposes the platform's control API: runs, tasks,
// connections, rule changes, settings, and the webhook ingress, all
// tenant-scoped through the X-Tenant-ID header.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atelierhq/atelier/agent"
	"github.com/atelierhq/atelier/metrics"
	"github.com/atelierhq/atelier/store"
	"github.com/atelierhq/atelier/webhook"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// defaultBackgroundTimeout bounds one background run or task execution
// started from the API.
const defaultBackgroundTimeout = 15 * time.Minute

// defaultMaxBackgroundJobs bounds concurrent background executions.
const defaultMaxBackgroundJobs = 8

// RunController is the code-generation pipeline surface.
// *agent.Controller satisfies it.
type RunController interface {
	Execute(ctx context.Context, initial agent.State) (agent.State, error)
	ExecuteSpecPhase(ctx context.Context, initial agent.State) (agent.State, error)
	Resume(ctx context.Context, tenantID, runID, specOverride string) (agent.State, error)
}

// TaskController is the SaaS task track surface. *bpo.Controller
// satisfies it.
type TaskController interface {
	Plan(ctx context.Context, task *store.Task) (*store.Task, error)
	Execute(ctx context.Context, tenantID, taskID string) (*store.Task, error)
	Reject(ctx context.Context, tenantID, taskID string) error
	Retry(ctx context.Context, tenantID, taskID string) (*store.Task, error)
	Delete(ctx context.Context, tenantID, taskID string) error
	ApproveRuleChange(ctx context.Context, tenantID, id, reviewer string) (*store.RuleChange, error)
	RejectRuleChange(ctx context.Context, tenantID, id, reviewer string) (*store.RuleChange, error)
}

// ConnectionRefresher refreshes one OAuth connection on demand.
// *refresher.Refresher satisfies it.
type ConnectionRefresher interface {
	RefreshOne(ctx context.Context, tenantID, connectionID string) error
}

// Server is the control API. Construct with New, mount with
// RegisterRoutes, and call Wait on shutdown to drain background jobs.
type Server struct {
	entities  *store.Store
	runs      RunController
	tasks     TaskController
	refresher ConnectionRefresher
	webhooks  *webhook.Handler
	metrics   *metrics.Metrics
	logger    *slog.Logger

	workspaceRoot string

	group             *errgroup.Group
	baseCtx           context.Context
	backgroundTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRefresher enables the manual connection-refresh endpoint.
func WithRefresher(r ConnectionRefresher) Option {
	return func(s *Server) { s.refresher = r }
}

// WithWebhookHandler mounts the webhook ingress routes.
func WithWebhookHandler(h *webhook.Handler) Option {
	return func(s *Server) { s.webhooks = h }
}

// WithMetrics enables the /metrics endpoint and outcome counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithBackgroundTimeout bounds background run and task executions.
func WithBackgroundTimeout(d time.Duration) Option {
	return func(s *Server) { s.backgroundTimeout = d }
}

// New creates the control API server. Background executions inherit
// ctx; cancel it and call Wait to drain them on shutdown.
func New(
	ctx context.Context,
	entities *store.Store,
	runs RunController,
	tasks TaskController,
	workspaceRoot string,
	opts ...Option,
) *Server {
	// Not errgroup.WithContext: Wait must be callable repeatedly without
	// cancelling later background jobs.
	group := &errgroup.Group{}
	group.SetLimit(defaultMaxBackgroundJobs)
	s := &Server{
		entities:          entities,
		runs:              runs,
		tasks:             tasks,
		logger:            slog.Default(),
		workspaceRoot:     workspaceRoot,
		group:             group,
		baseCtx:           ctx,
		backgroundTimeout: defaultBackgroundTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoutes mounts all API handlers on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.HandleFunc("POST /api/runs", s.handleCreateRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/approve", s.handleApproveRun)

	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/approve", s.handleApproveTask)
	mux.HandleFunc("POST /api/tasks/{id}/reject", s.handleRejectTask)
	mux.HandleFunc("POST /api/tasks/{id}/retry", s.handleRetryTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)

	mux.HandleFunc("GET /api/connections", s.handleListConnections)
	mux.HandleFunc("POST /api/connections/{id}/refresh", s.handleRefreshConnection)

	mux.HandleFunc("GET /api/rule-changes", s.handleListRuleChanges)
	mux.HandleFunc("POST /api/rule-changes/{id}/approve", s.handleApproveRuleChange)
	mux.HandleFunc("POST /api/rule-changes/{id}/reject", s.handleRejectRuleChange)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handleUpdateSettings)
	mux.HandleFunc("GET /api/dashboard", s.handleDashboard)

	if s.webhooks != nil {
		s.webhooks.RegisterRoutes(mux)
	}
}

// Wait blocks until all background executions finish.
func (s *Server) Wait() error {
	return s.group.Wait()
}

// background queues fn on the bounded group with the job timeout.
func (s *Server) background(fn func(ctx context.Context)) {
	s.group.Go(func() error {
		ctx, cancel := context.WithTimeout(s.baseCtx, s.backgroundTimeout)
		defer cancel()
		fn(ctx)
		return nil
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

// requireTenant extracts the X-Tenant-ID header, writing a 400 when it
// is absent.
func requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := r.Header.Get("X-Tenant-ID")
	if tenant == "" {
		http.Error(w, "X-Tenant-ID header is required", http.StatusBadRequest)
		return "", false
	}
	return tenant, true
}

// readJSON decodes the capped request body into v.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// writeJSON marshals v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("Failed to encode response", "error", err)
	}
}

// writeStoreError maps store errors onto HTTP status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
