// Package llm provides a provider-agnostic LLM client with retry and
// fallback support. Callers ask for a named profile (quality or fast);
// the client resolves it to a configured endpoint chain.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Profile names a quality/latency tradeoff rather than a concrete model.
type Profile string

const (
	// ProfileQuality is for specification and planning work.
	ProfileQuality Profile = "quality"
	// ProfileFast is for code generation and classification.
	ProfileFast Profile = "fast"
)

// Endpoint is one concrete (provider, model) target for a profile.
type Endpoint struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url,omitempty"`
	MaxTokens int    `yaml:"max_tokens,omitempty"`
}

// Client is a provider-agnostic LLM client with retry and fallback support.
type Client struct {
	profiles    map[Profile][]Endpoint
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
	usageHook   func(profile string, usage TokenUsage)
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines an LLM completion request.
type Request struct {
	// Profile selects the endpoint chain.
	Profile Profile

	// Messages is the chat history to send to the LLM.
	Messages []Message

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses endpoint default.
	MaxTokens int
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the LLM completion result.
type Response struct {
	// Content is the generated text.
	Content string

	// Model is the actual model that was used.
	Model string

	// Usage contains token consumption metrics.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithUsageHook reports token usage for each successful completion.
func WithUsageHook(fn func(profile string, usage TokenUsage)) ClientOption {
	return func(client *Client) {
		client.usageHook = fn
	}
}

// NewClient creates a new LLM client with the given profile chains. The
// first endpoint in a chain is primary; the rest are fallbacks.
func NewClient(profiles map[Profile][]Endpoint, opts ...ClientOption) *Client {
	c := &Client{
		profiles:    profiles,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for LLM responses
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}
	c.retryConfig = c.retryConfig.withDefaults()

	return c
}

// Complete sends a completion request, handling retry and fallback logic.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Profile == "" {
		return nil, fmt.Errorf("profile is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	chain := c.profiles[req.Profile]
	if len(chain) == 0 {
		return nil, fmt.Errorf("no endpoints configured for profile %s", req.Profile)
	}

	var lastErr error
	for _, ep := range chain {
		resp, err := c.tryEndpointWithRetry(ctx, ep, req)
		if err == nil {
			if c.usageHook != nil {
				c.usageHook(string(req.Profile), resp.Usage)
			}
			return resp, nil
		}
		lastErr = err

		// Fatal errors indicate config or request problems that a
		// fallback endpoint will not fix.
		if IsFatal(err) {
			c.logger.Warn("Fatal LLM error, not trying fallbacks",
				"provider", ep.Provider, "model", ep.Model, "error", err)
			return nil, err
		}

		c.logger.Warn("Endpoint failed, trying fallback",
			"provider", ep.Provider, "model", ep.Model, "error", err)
	}

	return nil, fmt.Errorf("all endpoints failed for profile %s: %w", req.Profile, lastErr)
}

// tryEndpointWithRetry attempts a request with retry logic.
func (c *Client) tryEndpointWithRetry(ctx context.Context, ep Endpoint, req Request) (*Response, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, ep, req)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		if IsFatal(err) {
			return nil, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.retryConfig.Backoff(attempt)
			c.logger.Debug("Request failed, retrying",
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				// Continue to retry
			}
		}
	}

	return nil, lastErr
}

// doRequest executes a single HTTP request to the LLM endpoint.
func (c *Client) doRequest(ctx context.Context, ep Endpoint, req Request) (*Response, error) {
	provider, ok := LookupProvider(ep.Provider)
	if !ok {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	url := provider.URL(ep.BaseURL)

	body, err := provider.EncodeRequest(ep, req)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("encode request: %w", err))
	}

	c.logger.Debug("Sending LLM request",
		"provider", ep.Provider,
		"model", ep.Model,
		"url", url,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.Authorize(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	// Read response body with size limit to prevent memory exhaustion
	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	return provider.DecodeResponse(respBody, ep)
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		// Rate limiting is transient
		return NewTransientError(err)
	case statusCode >= 500:
		// Server errors are transient
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		// Auth errors are fatal
		return NewFatalError(err)
	case statusCode == http.StatusBadRequest:
		// Bad requests are fatal
		return NewFatalError(err)
	default:
		// Unknown errors default to fatal
		return NewFatalError(err)
	}
}
