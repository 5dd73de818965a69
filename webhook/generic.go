package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// GenericConfig configures the shared-token HTTP adapter.
type GenericConfig struct {
	// Token is the shared secret expected in X-Webhook-Token.
	Token string `yaml:"token"`
}

// GenericAdapter accepts plain JSON run requests authenticated with a
// shared token header. It has no reply channel, so progress and result
// notifications are only logged.
type GenericAdapter struct {
	cfg    GenericConfig
	logger *slog.Logger
}

// GenericOption configures a GenericAdapter.
type GenericOption func(*GenericAdapter)

// WithGenericLogger sets the logger.
func WithGenericLogger(logger *slog.Logger) GenericOption {
	return func(a *GenericAdapter) { a.logger = logger }
}

// NewGenericAdapter creates the generic HTTP channel adapter.
func NewGenericAdapter(cfg GenericConfig, opts ...GenericOption) *GenericAdapter {
	a := &GenericAdapter{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *GenericAdapter) Name() string { return "generic" }

// Parse checks the shared token and extracts the request fields.
func (a *GenericAdapter) Parse(r *http.Request) (*Message, error) {
	if a.cfg.Token == "" {
		return nil, unauthorized("no shared token configured")
	}
	provided := r.Header.Get("X-Webhook-Token")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(a.cfg.Token)) != 1 {
		return nil, unauthorized("invalid shared token")
	}

	var payload struct {
		Requirement string `json:"requirement"`
		Genre       string `json:"genre"`
		SenderID    string `json:"sender_id"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&payload); err != nil {
		return nil, badRequest("invalid JSON body")
	}
	requirement := strings.TrimSpace(payload.Requirement)
	if requirement == "" {
		return nil, badRequest("requirement is required")
	}

	return &Message{
		Source:      "generic",
		Requirement: requirement,
		SenderID:    payload.SenderID,
		Genre:       payload.Genre,
	}, nil
}

func (a *GenericAdapter) SendProgress(_ context.Context, _ map[string]string, text string) error {
	a.logger.Info("Webhook progress", "channel", "generic", "text", text)
	return nil
}

func (a *GenericAdapter) SendResult(_ context.Context, _ map[string]string, runID, status, detail string) error {
	a.logger.Info("Webhook result", "channel", "generic", "run_id", runID, "status", status, "detail", detail)
	return nil
}
