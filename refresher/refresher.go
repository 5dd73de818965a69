// Package refresher keeps OAuth access tokens on SaaS connections fresh.
// A background loop sweeps active connections and refreshes any token
// close to expiry, so task execution almost never hits a cold token.
package refresher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/atelierhq/atelier/credstore"
	"github.com/atelierhq/atelier/store"
)

const (
	// DefaultInterval is how often the sweep runs.
	DefaultInterval = 15 * time.Minute

	// DefaultBuffer is how close to expiry a token must be to refresh.
	DefaultBuffer = 5 * time.Minute

	// refreshTimeout bounds a single token endpoint round trip.
	refreshTimeout = 10 * time.Second
)

// Fixed token endpoints per SaaS. Instance-scoped services (kintone,
// smarthr) build theirs from the connection's instance URL.
var tokenEndpoints = map[string]string{
	"salesforce":       "https://login.salesforce.com/services/oauth2/token",
	"freee":            "https://accounts.secure.freee.co.jp/public_api/token",
	"google_workspace": "https://oauth2.googleapis.com/token",
}

// TokenEndpoint returns the OAuth token endpoint for a SaaS, or "" when
// the service is unknown or needs an instance URL it does not have.
func TokenEndpoint(saasName, instanceURL string) string {
	if url, ok := tokenEndpoints[saasName]; ok {
		return url
	}
	if instanceURL == "" {
		return ""
	}
	instanceURL = strings.TrimSuffix(instanceURL, "/")
	switch saasName {
	case "kintone":
		return instanceURL + "/oauth2/token"
	case "smarthr":
		return instanceURL + "/oauth/token"
	}
	return ""
}

// ClientCredentials is the OAuth app registration for one SaaS.
type ClientCredentials struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Refresher sweeps OAuth connections and refreshes expiring tokens.
type Refresher struct {
	entities *store.Store
	creds    *credstore.Store
	clients  map[string]ClientCredentials

	interval   time.Duration
	buffer     time.Duration
	httpClient *http.Client
	logger     *slog.Logger

	// endpointFor is swappable for tests.
	endpointFor func(saasName, instanceURL string) string
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithInterval sets the sweep interval.
func WithInterval(d time.Duration) Option {
	return func(r *Refresher) { r.interval = d }
}

// WithBuffer sets the expiry buffer.
func WithBuffer(d time.Duration) Option {
	return func(r *Refresher) { r.buffer = d }
}

// WithHTTPClient sets the HTTP client used for token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Refresher) { r.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Refresher) { r.logger = logger }
}

// WithEndpointFunc overrides token endpoint resolution.
func WithEndpointFunc(fn func(saasName, instanceURL string) string) Option {
	return func(r *Refresher) { r.endpointFor = fn }
}

// New creates a Refresher. clients maps SaaS names to their OAuth app
// registrations; connections to services without one are skipped.
func New(entities *store.Store, creds *credstore.Store, clients map[string]ClientCredentials, opts ...Option) *Refresher {
	r := &Refresher{
		entities:    entities,
		creds:       creds,
		clients:     clients,
		interval:    DefaultInterval,
		buffer:      DefaultBuffer,
		httpClient:  &http.Client{Timeout: refreshTimeout},
		logger:      slog.Default(),
		endpointFor: TokenEndpoint,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps immediately, then on every interval tick until ctx is
// cancelled. Sweep errors are logged, never fatal.
func (r *Refresher) Run(ctx context.Context) {
	r.logger.Info("Token refresher started", "interval", r.interval, "buffer", r.buffer)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.Sweep(ctx); err != nil {
			r.logger.Error("Token refresh sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("Token refresher stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep checks every active OAuth connection across tenants and refreshes
// those within the expiry buffer. Per-connection failures mark the
// connection and continue.
func (r *Refresher) Sweep(ctx context.Context) error {
	conns, err := r.entities.ListActiveOAuthConnections(ctx)
	if err != nil {
		return fmt.Errorf("list connections: %w", err)
	}

	var refreshed, failed int
	for _, conn := range conns {
		ok, err := r.refreshIfNeeded(ctx, conn)
		if err != nil {
			failed++
			r.logger.Warn("Token refresh failed",
				"saas", conn.SaaSName,
				"tenant", conn.TenantID,
				"error", err)
			continue
		}
		if ok {
			refreshed++
		}
	}

	if refreshed > 0 || failed > 0 {
		r.logger.Info("Token refresh sweep complete", "refreshed", refreshed, "failed", failed)
	}
	return nil
}

// RefreshOne refreshes a single connection on demand, regardless of how
// close to expiry its token is.
func (r *Refresher) RefreshOne(ctx context.Context, tenantID, connectionID string) error {
	conn, err := r.entities.GetConnection(ctx, tenantID, connectionID)
	if err != nil {
		return err
	}
	creds, err := r.creds.Get(ctx, tenantID, connectionID)
	if err != nil {
		return err
	}
	if creds.RefreshToken == "" {
		return fmt.Errorf("connection %s has no refresh token", connectionID)
	}
	return r.refresh(ctx, conn, creds.RefreshToken)
}

// refreshIfNeeded reports whether a refresh was performed.
func (r *Refresher) refreshIfNeeded(ctx context.Context, conn *store.Connection) (bool, error) {
	creds, err := r.creds.Get(ctx, conn.TenantID, conn.ConnectionID)
	if err != nil {
		return false, err
	}

	// Tokens without an expiry are assumed long-lived.
	if creds.ExpiresAt == nil || !creds.IsExpired(r.buffer) {
		return false, nil
	}

	if creds.RefreshToken == "" {
		_ = r.entities.UpdateConnectionStatus(ctx, conn.TenantID, conn.ConnectionID,
			store.ConnectionStatusTokenExpired, "no refresh token")
		return false, fmt.Errorf("no refresh token for %s", conn.SaaSName)
	}

	if err := r.refresh(ctx, conn, creds.RefreshToken); err != nil {
		return false, err
	}
	return true, nil
}

// refresh performs the refresh grant and persists the new token material.
func (r *Refresher) refresh(ctx context.Context, conn *store.Connection, refreshToken string) error {
	client, ok := r.clients[conn.SaaSName]
	if !ok || client.ClientID == "" || client.ClientSecret == "" {
		return fmt.Errorf("no OAuth client registered for %s", conn.SaaSName)
	}

	tokenURL := r.endpointFor(conn.SaaSName, conn.InstanceURL)
	if tokenURL == "" {
		return fmt.Errorf("no token endpoint for %s", conn.SaaSName)
	}

	cfg := oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	reqCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	reqCtx = context.WithValue(reqCtx, oauth2.HTTPClient, r.httpClient)

	tok, err := cfg.TokenSource(reqCtx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		_ = r.entities.UpdateConnectionStatus(ctx, conn.TenantID, conn.ConnectionID,
			store.ConnectionStatusTokenExpired, "refresh rejected")
		return fmt.Errorf("refresh grant for %s: %w", conn.SaaSName, err)
	}

	creds := credstore.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken, // empty keeps the previous one
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		creds.ExpiresAt = &expiry
	}

	if err := r.creds.Update(ctx, conn, creds); err != nil {
		_ = r.entities.UpdateConnectionStatus(ctx, conn.TenantID, conn.ConnectionID,
			store.ConnectionStatusError, "refresh_failed")
		return fmt.Errorf("store refreshed token for %s: %w", conn.SaaSName, err)
	}

	r.logger.Info("Token refreshed", "saas", conn.SaaSName, "tenant", conn.TenantID)
	return nil
}
