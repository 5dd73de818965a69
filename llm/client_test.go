package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// echoProvider is a minimal provider for exercising the client loop.
type echoProvider struct{}

func (e *echoProvider) Name() string                { return "echo" }
func (e *echoProvider) URL(baseURL string) string   { return baseURL + "/complete" }
func (e *echoProvider) Authorize(req *http.Request) {}

func (e *echoProvider) EncodeRequest(ep Endpoint, req Request) ([]byte, error) {
	return json.Marshal(map[string]any{"model": ep.Model, "messages": req.Messages})
}

func (e *echoProvider) DecodeResponse(body []byte, ep Endpoint) (*Response, error) {
	var resp struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse echo response: %w", err)
	}
	return &Response{Content: resp.Content, Model: ep.Model}, nil
}

func init() {
	RegisterProvider(&echoProvider{})
}

// fastRetry keeps test backoff negligible.
func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        5 * time.Millisecond,
	}
}

func newTestClient(chain []Endpoint) *Client {
	return NewClient(
		map[Profile][]Endpoint{ProfileFast: chain},
		WithRetryConfig(fastRetry()),
	)
}

func TestCompleteValidation(t *testing.T) {
	c := newTestClient(nil)

	if _, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}}); err == nil {
		t.Error("expected error for missing profile")
	}
	if _, err := c.Complete(context.Background(), Request{Profile: ProfileFast}); err == nil {
		t.Error("expected error for empty messages")
	}
	if _, err := c.Complete(context.Background(), Request{Profile: ProfileQuality, Messages: []Message{{Role: "user", Content: "hi"}}}); err == nil {
		t.Error("expected error for unconfigured profile")
	}
}

func TestCompleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/complete" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"content": "hello"}`)
	}))
	defer srv.Close()

	c := newTestClient([]Endpoint{{Provider: "echo", Model: "echo-1", BaseURL: srv.URL}})

	resp, err := c.Complete(context.Background(), Request{
		Profile:  ProfileFast,
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q, want %q", resp.Content, "hello")
	}
	if resp.Model != "echo-1" {
		t.Errorf("Model = %q, want %q", resp.Model, "echo-1")
	}
}

func TestCompleteRetriesTransient(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"content": "recovered"}`)
	}))
	defer srv.Close()

	c := newTestClient([]Endpoint{{Provider: "echo", Model: "echo-1", BaseURL: srv.URL}})

	resp, err := c.Complete(context.Background(), Request{
		Profile:  ProfileFast,
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("Content = %q, want %q", resp.Content, "recovered")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestCompleteFallsBackToSecondEndpoint(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content": "from fallback"}`)
	}))
	defer good.Close()

	c := newTestClient([]Endpoint{
		{Provider: "echo", Model: "primary", BaseURL: bad.URL},
		{Provider: "echo", Model: "fallback", BaseURL: good.URL},
	})

	resp, err := c.Complete(context.Background(), Request{
		Profile:  ProfileFast,
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Model != "fallback" {
		t.Errorf("Model = %q, want fallback endpoint", resp.Model)
	}
}

func TestCompleteFatalSkipsFallback(t *testing.T) {
	var primaryCalls, fallbackCalls int
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer primary.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackCalls++
		fmt.Fprint(w, `{"content": "unused"}`)
	}))
	defer fallback.Close()

	c := newTestClient([]Endpoint{
		{Provider: "echo", Model: "primary", BaseURL: primary.URL},
		{Provider: "echo", Model: "fallback", BaseURL: fallback.URL},
	})

	_, err := c.Complete(context.Background(), Request{
		Profile:  ProfileFast,
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for auth failure")
	}
	if !IsFatal(err) {
		t.Errorf("expected fatal error, got %v", err)
	}
	if primaryCalls != 1 {
		t.Errorf("primaryCalls = %d, want 1 (no retry on fatal)", primaryCalls)
	}
	if fallbackCalls != 0 {
		t.Errorf("fallbackCalls = %d, want 0 (no fallback on fatal)", fallbackCalls)
	}
}

func TestCompleteUnknownProvider(t *testing.T) {
	c := newTestClient([]Endpoint{{Provider: "nonexistent", Model: "x"}})

	_, err := c.Complete(context.Background(), Request{
		Profile:  ProfileFast,
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if !IsFatal(err) {
		t.Errorf("expected fatal error, got %v", err)
	}
}

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusUnauthorized, false},
		{http.StatusForbidden, false},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
	}

	for _, tt := range tests {
		err := classifyHTTPError(tt.status, []byte("boom"))
		if IsTransient(err) != tt.transient {
			t.Errorf("status %d: IsTransient = %v, want %v", tt.status, IsTransient(err), tt.transient)
		}
	}
}

func TestClassifyHTTPErrorTruncatesBody(t *testing.T) {
	err := classifyHTTPError(http.StatusBadRequest, []byte(strings.Repeat("x", 1000)))
	if len(err.Error()) > 300 {
		t.Errorf("error message not truncated: %d chars", len(err.Error()))
	}
}

func TestRetryBackoff(t *testing.T) {
	rc := RetryConfig{
		MaxAttempts:       5,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Second,
	}

	// With +/- 25% jitter, attempt 1 lands in [0.75s, 1.25s].
	for i := 0; i < 20; i++ {
		b := rc.Backoff(1)
		if b < 750*time.Millisecond || b > 1250*time.Millisecond {
			t.Errorf("attempt 1 backoff %v out of range", b)
		}
	}

	// High attempts never exceed cap plus jitter.
	for i := 0; i < 20; i++ {
		b := rc.Backoff(10)
		if b > 12500*time.Millisecond {
			t.Errorf("capped backoff %v exceeds max plus jitter", b)
		}
	}
}

func TestRetryConfigDefaultsFillZeroFields(t *testing.T) {
	rc := RetryConfig{MaxAttempts: 7}.withDefaults()
	if rc.MaxAttempts != 7 {
		t.Errorf("explicit MaxAttempts overwritten: %d", rc.MaxAttempts)
	}
	if rc.BackoffBase != DefaultRetryConfig().BackoffBase {
		t.Errorf("zero BackoffBase not defaulted: %v", rc.BackoffBase)
	}
	if rc.MaxBackoff != DefaultRetryConfig().MaxBackoff {
		t.Errorf("zero MaxBackoff not defaulted: %v", rc.MaxBackoff)
	}
}

func TestClassify(t *testing.T) {
	if got := Classify(NewFatalError(errors.New("bad key"))); got != ClassFatal {
		t.Errorf("fatal error classified as %v", got)
	}
	if got := Classify(NewTransientError(errors.New("flaky"))); got != ClassTransient {
		t.Errorf("transient error classified as %v", got)
	}
	// Unclassified errors are worth handing to the next endpoint.
	if got := Classify(errors.New("plain")); got != ClassTransient {
		t.Errorf("unclassified error classified as %v", got)
	}
	wrapped := fmt.Errorf("endpoint: %w", NewFatalError(errors.New("bad key")))
	if !IsFatal(wrapped) {
		t.Error("wrapped fatal error not detected")
	}
}
