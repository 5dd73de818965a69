// Package providers implements the provider adapters the llm client
// selects through Endpoint.Provider. Importing the package registers
// them.
package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/atelierhq/atelier/llm"
)

const (
	anthropicVersion = "2023-06-01"
	// anthropicMaxTokens applies when neither the request nor the
	// endpoint sets a ceiling; the messages API requires one.
	anthropicMaxTokens = 4096
)

func init() {
	llm.RegisterProvider(&AnthropicProvider{})
}

// AnthropicProvider targets the Anthropic messages API.
type AnthropicProvider struct{}

func (a *AnthropicProvider) Name() string { return "anthropic" }

// URL resolves the messages endpoint.
func (a *AnthropicProvider) URL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return strings.TrimSuffix(baseURL, "/") + "/v1/messages"
}

// Authorize sets the API key and version headers.
func (a *AnthropicProvider) Authorize(req *http.Request) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		req.Header.Set("x-api-key", key)
	}
	req.Header.Set("anthropic-version", anthropicVersion)
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

// EncodeRequest renders req for the messages API. System messages are
// lifted into the top-level system field; several are joined in order.
func (a *AnthropicProvider) EncodeRequest(ep llm.Endpoint, req llm.Request) ([]byte, error) {
	var system []string
	turns := make([]anthropicMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			system = append(system, msg.Content)
			continue
		}
		turns = append(turns, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}

	return json.Marshal(anthropicRequest{
		Model:       ep.Model,
		MaxTokens:   ep.MaxTokensFor(req, anthropicMaxTokens),
		Messages:    turns,
		System:      strings.Join(system, "\n\n"),
		Temperature: req.Temperature, // nil = use default, 0 = deterministic
	})
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// DecodeResponse concatenates the text blocks of a messages response.
func (a *AnthropicProvider) DecodeResponse(body []byte, ep llm.Endpoint) (*llm.Response, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	model := resp.Model
	if model == "" {
		model = ep.Model
	}

	return &llm.Response{
		Content: content.String(),
		Model:   model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		FinishReason: resp.StopReason,
	}, nil
}
