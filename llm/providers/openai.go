package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/atelierhq/atelier/llm"
)

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

// OpenAIProvider targets the chat completions API. It also covers
// OpenAI-compatible gateways (OpenRouter, local inference servers) via
// the endpoint's base URL.
type OpenAIProvider struct{}

func (o *OpenAIProvider) Name() string { return "openai" }

// URL resolves the chat completions endpoint. A base URL that already
// names it is used as-is.
func (o *OpenAIProvider) URL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

// Authorize sets the bearer token plus the OpenRouter attribution
// headers when they are configured.
func (o *OpenAIProvider) Authorize(req *http.Request) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if siteURL := os.Getenv("OPENROUTER_SITE_URL"); siteURL != "" {
		req.Header.Set("HTTP-Referer", siteURL)
	}
	if siteName := os.Getenv("OPENROUTER_SITE_NAME"); siteName != "" {
		req.Header.Set("X-Title", siteName)
	}
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

// EncodeRequest renders req for the chat completions API. The roles map
// straight through; max_tokens is omitted when no ceiling is set.
func (o *OpenAIProvider) EncodeRequest(ep llm.Endpoint, req llm.Request) ([]byte, error) {
	turns := make([]openaiMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		turns = append(turns, openaiMessage{Role: msg.Role, Content: msg.Content})
	}

	return json.Marshal(openaiRequest{
		Model:       ep.Model,
		Messages:    turns,
		Temperature: req.Temperature,
		MaxTokens:   ep.MaxTokensFor(req, 0),
	})
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// DecodeResponse extracts the first choice of a chat completions
// response.
func (o *OpenAIProvider) DecodeResponse(body []byte, ep llm.Endpoint) (*llm.Response, error) {
	var resp openaiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai response contains no choices")
	}

	model := resp.Model
	if model == "" {
		model = ep.Model
	}

	return &llm.Response{
		Content: resp.Choices[0].Message.Content,
		Model:   model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: resp.Choices[0].FinishReason,
	}, nil
}
