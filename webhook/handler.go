package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultDispatchTimeout bounds one background run started from a
// webhook event.
const DefaultDispatchTimeout = 15 * time.Minute

// defaultMaxConcurrentDispatches bounds parallel webhook-triggered runs.
const defaultMaxConcurrentDispatches = 8

// Dispatcher starts a run for a normalized webhook message and reports
// its outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, tenantID string, msg *Message) (runID, status, detail string, err error)
}

// EventRecorder counts webhook event outcomes. *metrics.Metrics
// satisfies it.
type EventRecorder interface {
	RecordWebhookEvent(channel, outcome string)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, tenantID string, msg *Message) (string, string, string, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, tenantID string, msg *Message) (string, string, string, error) {
	return f(ctx, tenantID, msg)
}

// Handler routes POST /webhook/{channel}/{tenant} requests to the
// registered channel adapters. Verified events are acknowledged
// immediately and the run happens on a bounded background group;
// channel notifications are best-effort and never change the run
// outcome.
type Handler struct {
	adapters   map[string]Adapter
	dispatcher Dispatcher
	recorder   EventRecorder
	logger     *slog.Logger

	group           *errgroup.Group
	baseCtx         context.Context
	dispatchTimeout time.Duration
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// WithEventRecorder counts event outcomes per channel.
func WithEventRecorder(r EventRecorder) HandlerOption {
	return func(h *Handler) { h.recorder = r }
}

// WithDispatchTimeout bounds each background run.
func WithDispatchTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) { h.dispatchTimeout = d }
}

// WithMaxConcurrentDispatches bounds parallel background runs.
func WithMaxConcurrentDispatches(n int) HandlerOption {
	return func(h *Handler) { h.group.SetLimit(n) }
}

// NewHandler creates the webhook ingress handler. Background dispatches
// inherit ctx; cancel it and call Wait to drain them on shutdown.
func NewHandler(ctx context.Context, dispatcher Dispatcher, opts ...HandlerOption) *Handler {
	// Not errgroup.WithContext: Wait must be callable repeatedly without
	// cancelling later dispatches.
	group := &errgroup.Group{}
	group.SetLimit(defaultMaxConcurrentDispatches)
	h := &Handler{
		adapters:        make(map[string]Adapter),
		dispatcher:      dispatcher,
		logger:          slog.Default(),
		group:           group,
		baseCtx:         ctx,
		dispatchTimeout: DefaultDispatchTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds a channel adapter under its Name.
func (h *Handler) Register(adapter Adapter) {
	h.adapters[adapter.Name()] = adapter
}

// RegisterRoutes mounts the webhook route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook/{channel}/{tenant}", h.handleWebhook)
}

// Wait blocks until all in-flight background dispatches finish.
func (h *Handler) Wait() error {
	return h.group.Wait()
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	tenantID := r.PathValue("tenant")

	adapter, ok := h.adapters[channel]
	if !ok {
		http.Error(w, "unknown webhook channel", http.StatusNotFound)
		return
	}
	if tenantID == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}

	msg, err := adapter.Parse(r)
	if err != nil {
		h.record(channel, "rejected")
		switch {
		case errors.Is(err, ErrUnauthorized):
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		case errors.Is(err, ErrBadRequest):
			http.Error(w, "bad request", http.StatusBadRequest)
		default:
			h.logger.Error("Webhook parse failed", "channel", channel, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	if msg == nil {
		// Event verified but not actionable.
		h.record(channel, "ignored")
		w.WriteHeader(http.StatusOK)
		return
	}

	if msg.Challenge != "" {
		h.record(channel, "ignored")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"challenge": msg.Challenge})
		return
	}
	h.record(channel, "dispatched")

	// Queue the run and acknowledge right away so the channel does not
	// retry. Go blocks only when the dispatch limit is saturated.
	h.group.Go(func() error {
		h.dispatch(adapter, tenantID, msg)
		return nil
	})
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) record(channel, outcome string) {
	if h.recorder != nil {
		h.recorder.RecordWebhookEvent(channel, outcome)
	}
}

func (h *Handler) dispatch(adapter Adapter, tenantID string, msg *Message) {
	ctx, cancel := context.WithTimeout(h.baseCtx, h.dispatchTimeout)
	defer cancel()

	logger := h.logger.With("channel", msg.Source, "tenant_id", tenantID, "sender_id", msg.SenderID)

	if msg.ReplyTo != nil {
		if err := adapter.SendProgress(ctx, msg.ReplyTo, "Working on it..."); err != nil {
			logger.Warn("Progress notification failed", "error", err)
		}
	}

	runID, status, detail, err := h.dispatcher.Dispatch(ctx, tenantID, msg)
	if err != nil {
		logger.Error("Webhook run failed", "run_id", runID, "error", err)
		if status == "" {
			status = "failed"
		}
		if detail == "" {
			detail = err.Error()
		}
	} else {
		logger.Info("Webhook run finished", "run_id", runID, "status", status)
	}

	if msg.ReplyTo != nil {
		if err := adapter.SendResult(ctx, msg.ReplyTo, runID, status, detail); err != nil {
			logger.Warn("Result notification failed", "error", err)
		}
	}
}
