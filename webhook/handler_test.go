package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubAdapter returns canned parse results and records notifications.
type stubAdapter struct {
	name     string
	msg      *Message
	parseErr error

	mu       sync.Mutex
	progress []string
	results  []string
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Parse(*http.Request) (*Message, error) {
	return s.msg, s.parseErr
}

func (s *stubAdapter) SendProgress(_ context.Context, _ map[string]string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, text)
	return nil
}

func (s *stubAdapter) SendResult(_ context.Context, _ map[string]string, runID, status, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, runID+"/"+status+"/"+detail)
	return nil
}

type recordedDispatch struct {
	tenantID string
	msg      *Message
}

func newTestHandler(t *testing.T, adapter Adapter, dispatch DispatcherFunc) (*Handler, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := NewHandler(ctx, dispatch, WithDispatchTimeout(5*time.Second))
	h.Register(adapter)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return h, srv
}

func postWebhook(t *testing.T, srv *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandlerDispatchesVerifiedMessage(t *testing.T) {
	adapter := &stubAdapter{
		name: "slack",
		msg: &Message{
			Source:      "slack",
			Requirement: "refresh the dashboard",
			ReplyTo:     map[string]string{"channel": "C1"},
		},
	}
	var mu sync.Mutex
	var dispatched []recordedDispatch
	h, srv := newTestHandler(t, adapter, func(_ context.Context, tenantID string, msg *Message) (string, string, string, error) {
		mu.Lock()
		defer mu.Unlock()
		dispatched = append(dispatched, recordedDispatch{tenantID, msg})
		return "run-1", "completed", "", nil
	})

	resp := postWebhook(t, srv, "/webhook/slack/tenant-a")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, h.Wait())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dispatched, 1)
	require.Equal(t, "tenant-a", dispatched[0].tenantID)
	require.Equal(t, "refresh the dashboard", dispatched[0].msg.Requirement)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	require.Len(t, adapter.progress, 1)
	require.Equal(t, []string{"run-1/completed/"}, adapter.results)
}

func TestHandlerReportsDispatchFailure(t *testing.T) {
	adapter := &stubAdapter{
		name: "slack",
		msg: &Message{
			Source:  "slack",
			ReplyTo: map[string]string{"channel": "C1"},
		},
	}
	h, srv := newTestHandler(t, adapter, func(context.Context, string, *Message) (string, string, string, error) {
		return "run-2", "", "", context.DeadlineExceeded
	})

	resp := postWebhook(t, srv, "/webhook/slack/tenant-a")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, h.Wait())

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	require.Len(t, adapter.results, 1)
	require.Contains(t, adapter.results[0], "run-2/failed/")
	require.Contains(t, adapter.results[0], "deadline exceeded")
}

func TestHandlerAnswersChallengeInBand(t *testing.T) {
	adapter := &stubAdapter{
		name: "slack",
		msg:  &Message{Source: "slack", Challenge: "ch-42"},
	}
	dispatched := false
	h, srv := newTestHandler(t, adapter, func(context.Context, string, *Message) (string, string, string, error) {
		dispatched = true
		return "", "", "", nil
	})

	resp := postWebhook(t, srv, "/webhook/slack/tenant-a")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ch-42", body["challenge"])

	require.NoError(t, h.Wait())
	require.False(t, dispatched)
}

func TestHandlerIgnoredEventReturnsOKWithoutDispatch(t *testing.T) {
	adapter := &stubAdapter{name: "slack", msg: nil}
	dispatched := false
	h, srv := newTestHandler(t, adapter, func(context.Context, string, *Message) (string, string, string, error) {
		dispatched = true
		return "", "", "", nil
	})

	resp := postWebhook(t, srv, "/webhook/slack/tenant-a")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, h.Wait())
	require.False(t, dispatched)
}

func TestHandlerStatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		adapter  *stubAdapter
		path     string
		wantCode int
	}{
		{
			name:     "unknown channel",
			adapter:  &stubAdapter{name: "slack"},
			path:     "/webhook/teams/tenant-a",
			wantCode: http.StatusNotFound,
		},
		{
			name:     "signature failure",
			adapter:  &stubAdapter{name: "slack", parseErr: unauthorized("bad signature")},
			path:     "/webhook/slack/tenant-a",
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "malformed payload",
			adapter:  &stubAdapter{name: "slack", parseErr: badRequest("not json")},
			path:     "/webhook/slack/tenant-a",
			wantCode: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dispatched := false
			h, srv := newTestHandler(t, tt.adapter, func(context.Context, string, *Message) (string, string, string, error) {
				dispatched = true
				return "", "", "", nil
			})
			resp := postWebhook(t, srv, tt.path)
			require.Equal(t, tt.wantCode, resp.StatusCode)
			require.NoError(t, h.Wait())
			require.False(t, dispatched)
		})
	}
}

func TestGenericAdapterParse(t *testing.T) {
	adapter := NewGenericAdapter(GenericConfig{Token: "shared-secret"})

	body := `{"requirement": "sync the CRM", "genre": "crm", "sender_id": "svc-1"}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/generic/tenant-a", strings.NewReader(body))
	req.Header.Set("X-Webhook-Token", "shared-secret")
	msg, err := adapter.Parse(req)
	require.NoError(t, err)
	require.Equal(t, "generic", msg.Source)
	require.Equal(t, "sync the CRM", msg.Requirement)
	require.Equal(t, "crm", msg.Genre)
	require.Equal(t, "svc-1", msg.SenderID)

	req = httptest.NewRequest(http.MethodPost, "/webhook/generic/tenant-a", strings.NewReader(body))
	req.Header.Set("X-Webhook-Token", "wrong")
	_, err = adapter.Parse(req)
	require.ErrorIs(t, err, ErrUnauthorized)

	req = httptest.NewRequest(http.MethodPost, "/webhook/generic/tenant-a", strings.NewReader(`{"requirement": "  "}`))
	req.Header.Set("X-Webhook-Token", "shared-secret")
	_, err = adapter.Parse(req)
	require.ErrorIs(t, err, ErrBadRequest)
}

func TestGenericAdapterRejectsWhenUnconfigured(t *testing.T) {
	adapter := NewGenericAdapter(GenericConfig{})
	req := httptest.NewRequest(http.MethodPost, "/webhook/generic/tenant-a", strings.NewReader(`{"requirement": "x"}`))
	req.Header.Set("X-Webhook-Token", "")
	_, err := adapter.Parse(req)
	require.ErrorIs(t, err, ErrUnauthorized)
}
