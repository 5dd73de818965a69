package credstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/atelierhq/atelier/store"
)

// DefaultExpiryBuffer is how early a token counts as expired, absorbing
// clock skew and in-flight request time.
const DefaultExpiryBuffer = 5 * time.Minute

// Credentials is the decrypted token material for one connection.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	APIKey       string
	ExpiresAt    *time.Time
	Scope        string
}

// IsExpired reports whether the access token is within buffer of its
// expiry. Credentials without an expiry never expire.
func (c Credentials) IsExpired(buffer time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !time.Now().Add(buffer).Before(*c.ExpiresAt)
}

// Store handles credential persistence on top of the connection rows.
type Store struct {
	entities *store.Store
	box      *cipherBox
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a credential store. encodedKey is the base64 AES-256 key;
// empty enables plaintext fallback for local development.
func New(entities *store.Store, encodedKey string, opts ...Option) (*Store, error) {
	s := &Store{entities: entities, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	box, err := newCipherBox(encodedKey, s.logger)
	if err != nil {
		return nil, err
	}
	s.box = box
	return s, nil
}

// Save encrypts and stores credentials on the tenant's connection for the
// given SaaS, creating the connection row if needed. One row per
// (tenant, SaaS).
func (s *Store) Save(ctx context.Context, tenantID, saasName string, creds Credentials) (*store.Connection, error) {
	conn, err := s.entities.GetConnectionByService(ctx, tenantID, saasName)
	if err != nil {
		conn = &store.Connection{
			TenantID: tenantID,
			SaaSName: saasName,
			AuthType: store.AuthTypeOAuth,
		}
		if creds.APIKey != "" && creds.AccessToken == "" {
			conn.AuthType = store.AuthTypeAPIKey
		}
		if err := s.entities.CreateConnection(ctx, conn); err != nil {
			return nil, fmt.Errorf("create connection: %w", err)
		}
	}

	if err := s.apply(conn, creds); err != nil {
		return nil, err
	}
	conn.Status = store.ConnectionStatusActive
	conn.StatusReason = ""
	if err := s.entities.UpdateConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("store credentials: %w", err)
	}
	return conn, nil
}

// Update re-encrypts fresh credentials onto an existing connection. An
// empty refresh token keeps the previous one; providers are allowed to
// omit it on rotation.
func (s *Store) Update(ctx context.Context, conn *store.Connection, creds Credentials) error {
	if creds.RefreshToken == "" {
		prev, err := s.Get(ctx, conn.TenantID, conn.ConnectionID)
		if err == nil {
			creds.RefreshToken = prev.RefreshToken
		}
	}
	if err := s.apply(conn, creds); err != nil {
		return err
	}
	now := time.Now().UTC()
	conn.LastRefreshAt = &now
	conn.Status = store.ConnectionStatusActive
	conn.StatusReason = ""
	if err := s.entities.UpdateConnection(ctx, conn); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	return nil
}

func (s *Store) apply(conn *store.Connection, creds Credentials) error {
	var err error
	if conn.AccessTokenEnc, err = s.box.Encrypt(creds.AccessToken); err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	if creds.RefreshToken != "" {
		if conn.RefreshTokenEnc, err = s.box.Encrypt(creds.RefreshToken); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	if creds.APIKey != "" {
		if conn.APIKeyEnc, err = s.box.Encrypt(creds.APIKey); err != nil {
			return fmt.Errorf("encrypt api key: %w", err)
		}
	}
	conn.TokenExpiresAt = creds.ExpiresAt
	if creds.Scope != "" {
		conn.Scope = creds.Scope
	}
	return nil
}

// Get loads and decrypts the credentials for a connection.
func (s *Store) Get(ctx context.Context, tenantID, connectionID string) (Credentials, error) {
	conn, err := s.entities.GetConnection(ctx, tenantID, connectionID)
	if err != nil {
		return Credentials{}, err
	}
	return s.decrypt(conn)
}

// GetForService loads and decrypts the credentials for the tenant's
// connection to a SaaS.
func (s *Store) GetForService(ctx context.Context, tenantID, saasName string) (Credentials, *store.Connection, error) {
	conn, err := s.entities.GetConnectionByService(ctx, tenantID, saasName)
	if err != nil {
		return Credentials{}, nil, err
	}
	creds, err := s.decrypt(conn)
	return creds, conn, err
}

func (s *Store) decrypt(conn *store.Connection) (Credentials, error) {
	creds := Credentials{ExpiresAt: conn.TokenExpiresAt, Scope: conn.Scope}
	var err error
	if creds.AccessToken, err = s.box.Decrypt(conn.AccessTokenEnc); err != nil {
		return Credentials{}, fmt.Errorf("decrypt access token: %w", err)
	}
	if creds.RefreshToken, err = s.box.Decrypt(conn.RefreshTokenEnc); err != nil {
		return Credentials{}, fmt.Errorf("decrypt refresh token: %w", err)
	}
	if creds.APIKey, err = s.box.Decrypt(conn.APIKeyEnc); err != nil {
		return Credentials{}, fmt.Errorf("decrypt api key: %w", err)
	}
	return creds, nil
}

// Delete removes the connection and its token material.
func (s *Store) Delete(ctx context.Context, tenantID, connectionID string) error {
	return s.entities.DeleteConnection(ctx, tenantID, connectionID)
}
