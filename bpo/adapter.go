package bpo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/atelierhq/atelier/credstore"
	"github.com/atelierhq/atelier/store"
)

// ErrUnsupportedSaaS means no adapter is registered for the SaaS name.
var ErrUnsupportedSaaS = errors.New("unsupported saas")

// ToolInfo describes one operation an adapter exposes to the planner.
type ToolInfo struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// Adapter is one SaaS integration. An adapter instance serves a single
// connection at a time; the registry hands out a fresh instance per task.
//
// Adding a SaaS means implementing this interface and calling
// RegisterAdapter from an init function.
type Adapter interface {
	// Name is the SaaS identifier, e.g. "salesforce".
	Name() string

	// Connect authenticates against the SaaS and verifies the session.
	Connect(ctx context.Context, conn *store.Connection, creds credstore.Credentials) error

	// Disconnect drops the session. Safe to call when not connected.
	Disconnect()

	// HealthCheck reports whether the current session is still valid.
	// False usually means the token expired.
	HealthCheck(ctx context.Context) bool

	// AvailableTools lists the operations the planner may schedule.
	// Callable before Connect.
	AvailableTools() []ToolInfo

	// ExecuteTool runs one operation. A result map with "success": false
	// signals an application-level failure without an error.
	ExecuteTool(ctx context.Context, tool string, args map[string]any) (map[string]any, error)

	// Schema describes the SaaS data model for structure learning.
	Schema(ctx context.Context) (map[string]any, error)
}

var (
	adaptersMu       sync.RWMutex
	adapterFactories = make(map[string]func() Adapter)
)

// RegisterAdapter registers an adapter factory under a SaaS name.
// Typically called from an adapter's init function.
func RegisterAdapter(name string, factory func() Adapter) {
	adaptersMu.Lock()
	defer adaptersMu.Unlock()
	adapterFactories[name] = factory
}

// NewAdapter returns a fresh adapter instance for the SaaS name.
func NewAdapter(name string) (Adapter, error) {
	adaptersMu.RLock()
	factory, ok := adapterFactories[name]
	adaptersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSaaS, name)
	}
	return factory(), nil
}

// RegisteredAdapters lists the registered SaaS names, sorted.
func RegisteredAdapters() []string {
	adaptersMu.RLock()
	defer adaptersMu.RUnlock()
	names := make([]string, 0, len(adapterFactories))
	for name := range adapterFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// apiTimeout bounds a single SaaS API call inside an adapter.
const apiTimeout = 30 * time.Second

// apiSession is a bearer-authenticated JSON HTTP helper shared by the
// REST adapters.
type apiSession struct {
	httpClient *http.Client
	token      string
}

func newAPISession(httpClient *http.Client, token string) *apiSession {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: apiTimeout}
	}
	return &apiSession{httpClient: httpClient, token: token}
}

// request sends one JSON API call and decodes the response body into a
// map. 204 responses decode as {"success": true}; non-2xx responses
// return an error carrying the status and a clipped body.
func (s *apiSession) request(ctx context.Context, method, rawURL string, query url.Values, body any) (map[string]any, error) {
	if len(query) > 0 {
		rawURL = rawURL + "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(respBody)
		if len(msg) > 300 {
			msg = msg[:300]
		}
		return nil, fmt.Errorf("api error (status %d): %s", resp.StatusCode, msg)
	}
	if resp.StatusCode == http.StatusNoContent || len(respBody) == 0 {
		return map[string]any{"success": true}, nil
	}

	var decoded any
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if m, ok := decoded.(map[string]any); ok {
		return m, nil
	}
	// Arrays and scalars wrap so callers always get a map.
	return map[string]any{"data": decoded}, nil
}
