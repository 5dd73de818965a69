package refresher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/credstore"
	"github.com/atelierhq/atelier/store"
)

func newTestStores(t *testing.T) (*store.Store, *credstore.Store) {
	t.Helper()

	opts := &natsserver.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}
	ns, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second), "embedded NATS server failed to start")
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	js, err := jetstream.New(conn)
	require.NoError(t, err)

	entities, err := store.New(context.Background(), js)
	require.NoError(t, err)

	creds, err := credstore.New(entities, "")
	require.NoError(t, err)

	return entities, creds
}

// tokenServer fakes an OAuth token endpoint for the refresh grant.
func tokenServer(t *testing.T, handler func(r *http.Request) map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		resp := handler(r)
		if resp == nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error": "invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func seedConnection(t *testing.T, entities *store.Store, creds *credstore.Store, expiresIn time.Duration, refreshToken string) *store.Connection {
	t.Helper()
	ctx := context.Background()

	expiry := time.Now().Add(expiresIn).UTC()
	conn, err := creds.Save(ctx, "tenant-a", "salesforce", credstore.Credentials{
		AccessToken:  "old-access",
		RefreshToken: refreshToken,
		ExpiresAt:    &expiry,
	})
	require.NoError(t, err)
	return conn
}

func clients() map[string]ClientCredentials {
	return map[string]ClientCredentials{
		"salesforce": {ClientID: "cid", ClientSecret: "csecret"},
	}
}

func TestTokenEndpoint(t *testing.T) {
	tests := []struct {
		saas     string
		instance string
		want     string
	}{
		{"salesforce", "", "https://login.salesforce.com/services/oauth2/token"},
		{"freee", "", "https://accounts.secure.freee.co.jp/public_api/token"},
		{"google_workspace", "", "https://oauth2.googleapis.com/token"},
		{"kintone", "https://acme.cybozu.com", "https://acme.cybozu.com/oauth2/token"},
		{"kintone", "https://acme.cybozu.com/", "https://acme.cybozu.com/oauth2/token"},
		{"smarthr", "https://acme.smarthr.jp", "https://acme.smarthr.jp/oauth/token"},
		{"kintone", "", ""},
		{"unknown_saas", "https://x.test", ""},
	}

	for _, tt := range tests {
		if got := TokenEndpoint(tt.saas, tt.instance); got != tt.want {
			t.Errorf("TokenEndpoint(%q, %q) = %q, want %q", tt.saas, tt.instance, got, tt.want)
		}
	}
}

func TestSweepRefreshesExpiringToken(t *testing.T) {
	entities, credStore := newTestStores(t)
	ctx := context.Background()

	var gotGrant, gotRefreshToken, gotClientID string
	srv := tokenServer(t, func(r *http.Request) map[string]any {
		gotGrant = r.FormValue("grant_type")
		gotRefreshToken = r.FormValue("refresh_token")
		gotClientID = r.FormValue("client_id")
		return map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		}
	})
	defer srv.Close()

	conn := seedConnection(t, entities, credStore, time.Minute, "old-refresh")

	r := New(entities, credStore, clients(),
		WithEndpointFunc(func(_, _ string) string { return srv.URL }))
	require.NoError(t, r.Sweep(ctx))

	require.Equal(t, "refresh_token", gotGrant)
	require.Equal(t, "old-refresh", gotRefreshToken)
	require.Equal(t, "cid", gotClientID)

	creds, err := credStore.Get(ctx, "tenant-a", conn.ConnectionID)
	require.NoError(t, err)
	require.Equal(t, "new-access", creds.AccessToken)
	require.Equal(t, "new-refresh", creds.RefreshToken)
	require.NotNil(t, creds.ExpiresAt)
	require.True(t, creds.ExpiresAt.After(time.Now().Add(30*time.Minute)))

	fresh, err := entities.GetConnection(ctx, "tenant-a", conn.ConnectionID)
	require.NoError(t, err)
	require.Equal(t, store.ConnectionStatusActive, fresh.Status)
	require.NotNil(t, fresh.LastRefreshAt)
}

func TestSweepSkipsFreshToken(t *testing.T) {
	entities, credStore := newTestStores(t)
	ctx := context.Background()

	called := false
	srv := tokenServer(t, func(r *http.Request) map[string]any {
		called = true
		return map[string]any{"access_token": "x"}
	})
	defer srv.Close()

	seedConnection(t, entities, credStore, time.Hour, "rt")

	r := New(entities, credStore, clients(),
		WithEndpointFunc(func(_, _ string) string { return srv.URL }))
	require.NoError(t, r.Sweep(ctx))
	require.False(t, called, "fresh token should not be refreshed")
}

func TestSweepKeepsRefreshTokenWhenOmitted(t *testing.T) {
	entities, credStore := newTestStores(t)
	ctx := context.Background()

	srv := tokenServer(t, func(r *http.Request) map[string]any {
		// Provider rotates the access token but omits refresh_token.
		return map[string]any{"access_token": "rotated", "expires_in": 3600}
	})
	defer srv.Close()

	conn := seedConnection(t, entities, credStore, time.Minute, "keep-me")

	r := New(entities, credStore, clients(),
		WithEndpointFunc(func(_, _ string) string { return srv.URL }))
	require.NoError(t, r.Sweep(ctx))

	creds, err := credStore.Get(ctx, "tenant-a", conn.ConnectionID)
	require.NoError(t, err)
	require.Equal(t, "rotated", creds.AccessToken)
	require.Equal(t, "keep-me", creds.RefreshToken)
}

func TestSweepMarksExpiredOnRejectedGrant(t *testing.T) {
	entities, credStore := newTestStores(t)
	ctx := context.Background()

	srv := tokenServer(t, func(r *http.Request) map[string]any {
		return nil // 400 invalid_grant
	})
	defer srv.Close()

	conn := seedConnection(t, entities, credStore, time.Minute, "revoked")

	r := New(entities, credStore, clients(),
		WithEndpointFunc(func(_, _ string) string { return srv.URL }))
	require.NoError(t, r.Sweep(ctx), "sweep isolates per-connection failures")

	fresh, err := entities.GetConnection(ctx, "tenant-a", conn.ConnectionID)
	require.NoError(t, err)
	require.Equal(t, store.ConnectionStatusTokenExpired, fresh.Status)
}

func TestSweepMarksExpiredWithoutRefreshToken(t *testing.T) {
	entities, credStore := newTestStores(t)
	ctx := context.Background()

	conn := seedConnection(t, entities, credStore, time.Minute, "")

	r := New(entities, credStore, clients())
	require.NoError(t, r.Sweep(ctx))

	fresh, err := entities.GetConnection(ctx, "tenant-a", conn.ConnectionID)
	require.NoError(t, err)
	require.Equal(t, store.ConnectionStatusTokenExpired, fresh.Status)
}

func TestRefreshOneIgnoresExpiry(t *testing.T) {
	entities, credStore := newTestStores(t)
	ctx := context.Background()

	srv := tokenServer(t, func(r *http.Request) map[string]any {
		return map[string]any{"access_token": "forced", "expires_in": 3600}
	})
	defer srv.Close()

	// Token is nowhere near expiry; manual refresh still goes through.
	conn := seedConnection(t, entities, credStore, 24*time.Hour, "rt")

	r := New(entities, credStore, clients(),
		WithEndpointFunc(func(_, _ string) string { return srv.URL }))
	require.NoError(t, r.RefreshOne(ctx, "tenant-a", conn.ConnectionID))

	creds, err := credStore.Get(ctx, "tenant-a", conn.ConnectionID)
	require.NoError(t, err)
	require.Equal(t, "forced", creds.AccessToken)
}

func TestRefreshOneUnknownConnection(t *testing.T) {
	entities, credStore := newTestStores(t)

	r := New(entities, credStore, clients())
	err := r.RefreshOne(context.Background(), "tenant-a", "conn_missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}
