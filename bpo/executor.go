package bpo

import (
	"context"
	"fmt"
	"time"

	"github.com/atelierhq/atelier/credstore"
	"github.com/atelierhq/atelier/store"
)

// tokenFreshWindow is how close to expiry a token may be before the
// executor refreshes it ahead of the run.
const tokenFreshWindow = 5 * time.Minute

// opTimeout bounds one operation against the SaaS.
const opTimeout = 60 * time.Second

// executorStage replays the frozen operation list against the SaaS. Each
// operation's outcome is recorded individually; a failure never stops the
// remaining operations. Connection-level failures surface as a single
// failed "connect" result so the reporter categorizes them like any other
// failure.
func (c *Controller) executorStage(ctx context.Context, state State) (State, error) {
	if len(state.Operations) == 0 {
		return State{}, nil
	}

	if state.DryRun {
		return c.dryRunDelta(state), nil
	}

	sess, err := c.openSession(ctx, state)
	if err != nil {
		return State{
			Results:   []store.OperationResult{{Tool: "connect", Success: false, Error: err.Error()}},
			ErrorLogs: []string{fmt.Sprintf("saas connect: %v", err)},
		}, nil
	}
	defer sess.adapter.Disconnect()

	results := make([]store.OperationResult, 0, len(state.Operations))
	audit := make([]store.AuditRecord, 0, len(state.Operations))
	for _, op := range state.Operations {
		res := executeOperation(ctx, sess.adapter, op)
		results = append(results, res)
		audit = append(audit, store.AuditRecord{
			Timestamp: time.Now().UTC(),
			Tool:      op.Tool,
			Arguments: op.Arguments,
			Success:   res.Success,
			Error:     res.Error,
		})
	}
	return State{Results: results, Audit: audit}, nil
}

// dryRunDelta records the planned operations without touching the SaaS.
func (c *Controller) dryRunDelta(state State) State {
	results := make([]store.OperationResult, 0, len(state.Operations))
	audit := make([]store.AuditRecord, 0, len(state.Operations))
	now := time.Now().UTC()
	for _, op := range state.Operations {
		results = append(results, store.OperationResult{
			Tool:    op.Tool,
			Success: true,
			Summary: "dry run, not executed",
		})
		audit = append(audit, store.AuditRecord{
			Timestamp: now,
			Tool:      op.Tool,
			Arguments: op.Arguments,
			Success:   true,
		})
	}
	return State{Results: results, Audit: audit}
}

type session struct {
	adapter Adapter
	conn    *store.Connection
}

// openSession loads the connection, refreshes an expiring token, connects
// the adapter, and health-checks the session. An unhealthy session gets
// one refresh-and-reconnect attempt; if that fails too, the connection is
// marked token_expired for the dashboard.
func (c *Controller) openSession(ctx context.Context, state State) (*session, error) {
	conn, err := c.entities.GetConnection(ctx, state.TenantID, state.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection %s: %w", state.ConnectionID, err)
	}

	adapter, err := c.adapters(conn.SaaSName)
	if err != nil {
		return nil, err
	}

	creds, err := c.creds.Get(ctx, state.TenantID, conn.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	if creds.IsExpired(tokenFreshWindow) {
		if refreshed, newCreds, newConn := c.tryRefresh(ctx, state.TenantID, conn.ConnectionID); refreshed {
			creds, conn = newCreds, newConn
		}
	}

	if err := adapter.Connect(ctx, conn, creds); err != nil {
		return nil, fmt.Errorf("%s connect: %w", conn.SaaSName, err)
	}

	if !adapter.HealthCheck(ctx) {
		c.logger.Warn("Health check failed, refreshing token", "saas", conn.SaaSName, "connection_id", conn.ConnectionID)
		healthy := false
		if refreshed, newCreds, newConn := c.tryRefresh(ctx, state.TenantID, conn.ConnectionID); refreshed {
			creds, conn = newCreds, newConn
			if err := adapter.Connect(ctx, conn, creds); err == nil {
				healthy = adapter.HealthCheck(ctx)
			}
		}
		if !healthy {
			if err := c.entities.UpdateConnectionStatus(ctx, state.TenantID, conn.ConnectionID, store.ConnectionStatusTokenExpired, "health check failed"); err != nil {
				c.logger.Warn("Failed to update connection status", "connection_id", conn.ConnectionID, "error", err)
			}
			return nil, fmt.Errorf("%s token is invalid, reauthorize the connection", conn.SaaSName)
		}
	}

	c.entities.TouchLastUsed(ctx, state.TenantID, conn.ConnectionID)
	return &session{adapter: adapter, conn: conn}, nil
}

// tryRefresh refreshes the connection's token and reloads the row. False
// when no refresher is wired or the refresh failed.
func (c *Controller) tryRefresh(ctx context.Context, tenantID, connectionID string) (bool, credstore.Credentials, *store.Connection) {
	if c.refresher == nil {
		return false, credstore.Credentials{}, nil
	}
	if err := c.refresher.RefreshOne(ctx, tenantID, connectionID); err != nil {
		c.logger.Warn("Token refresh failed", "connection_id", connectionID, "error", err)
		return false, credstore.Credentials{}, nil
	}
	creds, err := c.creds.Get(ctx, tenantID, connectionID)
	if err != nil {
		return false, credstore.Credentials{}, nil
	}
	conn, err := c.entities.GetConnection(ctx, tenantID, connectionID)
	if err != nil {
		return false, credstore.Credentials{}, nil
	}
	return true, creds, conn
}

// executeOperation runs one operation and condenses its outcome. The raw
// SaaS payload is inspected for an application-level failure and then
// dropped; only success, error text, and the tool name survive.
func executeOperation(ctx context.Context, adapter Adapter, op store.Operation) store.OperationResult {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	result, err := adapter.ExecuteTool(opCtx, op.Tool, op.Arguments)
	if err != nil {
		return store.OperationResult{Tool: op.Tool, Success: false, Error: err.Error()}
	}

	success := true
	if v, ok := result["success"].(bool); ok {
		success = v
	}
	if success {
		return store.OperationResult{Tool: op.Tool, Success: true}
	}

	errMsg := "unknown error"
	if e, ok := result["error"].(string); ok && e != "" {
		errMsg = e
	}
	return store.OperationResult{Tool: op.Tool, Success: false, Error: errMsg}
}
