package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewConnectionID generates a connection identifier.
func NewConnectionID() string {
	return "conn_" + uuid.New().String()[:12]
}

func connectionTenant(c *Connection) string { return c.TenantID }

// CreateConnection inserts a connection row. A tenant holds at most one
// connection per SaaS; creating a second one replaces the first.
func (s *Store) CreateConnection(ctx context.Context, conn *Connection) error {
	if conn.TenantID == "" || conn.SaaSName == "" {
		return fmt.Errorf("tenant id and saas name are required")
	}
	if existing, err := s.GetConnectionByService(ctx, conn.TenantID, conn.SaaSName); err == nil {
		conn.ConnectionID = existing.ConnectionID
		conn.CreatedAt = existing.CreatedAt
	}
	if conn.ConnectionID == "" {
		conn.ConnectionID = NewConnectionID()
	}
	now := time.Now().UTC()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now
	if conn.Status == "" {
		conn.Status = ConnectionStatusPending
	}
	return put(ctx, s.connections, conn.TenantID, conn.ConnectionID, conn)
}

// GetConnection loads a connection scoped to the tenant.
func (s *Store) GetConnection(ctx context.Context, tenantID, connectionID string) (*Connection, error) {
	return getChecked[Connection](ctx, s.connections, tenantID, connectionID, connectionTenant)
}

// GetConnectionByService looks a connection up by SaaS name.
func (s *Store) GetConnectionByService(ctx context.Context, tenantID, saasName string) (*Connection, error) {
	conns, err := listTenant[Connection](ctx, s.connections, tenantID, connectionTenant)
	if err != nil {
		return nil, err
	}
	for _, c := range conns {
		if c.SaaSName == saasName {
			return c, nil
		}
	}
	return nil, ErrNotFound
}

// ListConnections returns the tenant's connections.
func (s *Store) ListConnections(ctx context.Context, tenantID string) ([]*Connection, error) {
	conns, err := listTenant[Connection](ctx, s.connections, tenantID, connectionTenant)
	if err != nil {
		return nil, err
	}
	sortByTimeDesc(conns, func(c *Connection) int64 { return c.CreatedAt.UnixNano() })
	return conns, nil
}

// UpdateConnection stores a modified connection row.
func (s *Store) UpdateConnection(ctx context.Context, conn *Connection) error {
	conn.UpdatedAt = time.Now().UTC()
	return put(ctx, s.connections, conn.TenantID, conn.ConnectionID, conn)
}

// UpdateConnectionStatus sets the connection status with a reason.
func (s *Store) UpdateConnectionStatus(ctx context.Context, tenantID, connectionID string, status ConnectionStatus, reason string) error {
	conn, err := s.GetConnection(ctx, tenantID, connectionID)
	if err != nil {
		return err
	}
	conn.Status = status
	conn.StatusReason = reason
	return s.UpdateConnection(ctx, conn)
}

// TouchLastUsed stamps the connection's last-used time. Best effort.
func (s *Store) TouchLastUsed(ctx context.Context, tenantID, connectionID string) {
	conn, err := s.GetConnection(ctx, tenantID, connectionID)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	conn.LastUsedAt = &now
	if err := s.UpdateConnection(ctx, conn); err != nil {
		s.logger.Debug("touch last used failed", "connection_id", connectionID, "error", err)
	}
}

// DeleteConnection removes a connection and its token material.
func (s *Store) DeleteConnection(ctx context.Context, tenantID, connectionID string) error {
	if _, err := s.GetConnection(ctx, tenantID, connectionID); err != nil {
		return err
	}
	if err := s.connections.Delete(ctx, tenantKey(tenantID, connectionID)); err != nil {
		return fmt.Errorf("delete connection %s: %w", connectionID, err)
	}
	return nil
}

// ListActiveOAuthConnections returns every active or token-expired OAuth
// connection across tenants. The background refresher iterates over these.
func (s *Store) ListActiveOAuthConnections(ctx context.Context) ([]*Connection, error) {
	all, err := listAll[Connection](ctx, s.connections)
	if err != nil {
		return nil, err
	}
	var oauth []*Connection
	for _, c := range all {
		if c.AuthType != AuthTypeOAuth {
			continue
		}
		if c.Status == ConnectionStatusActive || c.Status == ConnectionStatusTokenExpired {
			oauth = append(oauth, c)
		}
	}
	return oauth, nil
}
