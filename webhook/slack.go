package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// slackReplayWindow is how old a signed request may be before it is
// treated as a replay.
const slackReplayWindow = 5 * time.Minute

// maxWebhookBody caps inbound webhook payloads.
const maxWebhookBody = 1 << 20

// SlackConfig configures the Slack Events API adapter.
type SlackConfig struct {
	SigningSecret string `yaml:"signing_secret"`
	BotToken      string `yaml:"bot_token"`
	// APIBaseURL overrides the Slack API host, mainly for tests.
	APIBaseURL string `yaml:"api_base_url,omitempty"`
}

// SlackAdapter handles the Slack Events API: HMAC signature
// verification, URL verification challenges, and threaded replies via
// chat.postMessage.
type SlackAdapter struct {
	cfg        SlackConfig
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// SlackOption configures a SlackAdapter.
type SlackOption func(*SlackAdapter)

// WithSlackHTTPClient sets the outbound HTTP client.
func WithSlackHTTPClient(c *http.Client) SlackOption {
	return func(a *SlackAdapter) { a.httpClient = c }
}

// WithSlackLogger sets the logger.
func WithSlackLogger(logger *slog.Logger) SlackOption {
	return func(a *SlackAdapter) { a.logger = logger }
}

// NewSlackAdapter creates the Slack channel adapter.
func NewSlackAdapter(cfg SlackConfig, opts ...SlackOption) *SlackAdapter {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://slack.com/api"
	}
	a := &SlackAdapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *SlackAdapter) Name() string { return "slack" }

type slackEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	EventID   string `json:"event_id"`
	Event     struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		BotID   string `json:"bot_id"`
		Text    string `json:"text"`
		User    string `json:"user"`
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	} `json:"event"`
}

// Parse verifies the request signature and normalizes a message event.
// URL verification challenges short-circuit before signature checks the
// way Slack's setup flow expects; bot messages and non-message events
// are ignored.
func (a *SlackAdapter) Parse(r *http.Request) (*Message, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return nil, badRequest("unreadable body")
	}

	var envelope slackEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, badRequest("invalid JSON body")
	}

	if envelope.Type == "url_verification" {
		return &Message{Source: "slack", Challenge: envelope.Challenge}, nil
	}

	timestamp := r.Header.Get("X-Slack-Request-Timestamp")
	signature := r.Header.Get("X-Slack-Signature")
	if !verifySlackSignature(body, timestamp, signature, a.cfg.SigningSecret, a.now()) {
		return nil, unauthorized("invalid Slack signature")
	}

	event := envelope.Event
	// Never react to the bot's own messages.
	if event.BotID != "" || event.Subtype == "bot_message" {
		return nil, nil
	}
	if event.Type != "message" {
		return nil, nil
	}
	text := strings.TrimSpace(event.Text)
	if text == "" {
		return nil, nil
	}

	return &Message{
		Source:      "slack",
		Requirement: text,
		SenderID:    event.User,
		EventID:     envelope.EventID,
		ReplyTo: map[string]string{
			"channel":   event.Channel,
			"thread_ts": event.TS,
		},
	}, nil
}

// verifySlackSignature checks the v0 HMAC-SHA256 request signature and
// rejects timestamps outside the replay window.
func verifySlackSignature(body []byte, timestamp, signature, secret string, now time.Time) bool {
	if secret == "" || timestamp == "" || signature == "" {
		return false
	}
	ts, err := strconv.ParseFloat(timestamp, 64)
	if err != nil {
		return false
	}
	if math.Abs(float64(now.Unix())-ts) > slackReplayWindow.Seconds() {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:%s", timestamp, body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (a *SlackAdapter) SendProgress(ctx context.Context, replyTo map[string]string, text string) error {
	return a.postMessage(ctx, replyTo, text)
}

func (a *SlackAdapter) SendResult(ctx context.Context, replyTo map[string]string, runID, status, detail string) error {
	text := fmt.Sprintf("*Run completed*\n- Run ID: `%s`\n- Status: `%s`", runID, status)
	if detail != "" {
		if len(detail) > 500 {
			detail = detail[:500]
		}
		text += "\n- Detail: " + detail
	}
	return a.postMessage(ctx, replyTo, text)
}

func (a *SlackAdapter) postMessage(ctx context.Context, replyTo map[string]string, text string) error {
	if a.cfg.BotToken == "" {
		a.logger.Warn("No Slack bot token configured, dropping message")
		return nil
	}
	payload := map[string]string{
		"channel": replyTo["channel"],
		"text":    text,
	}
	if ts := replyTo["thread_ts"]; ts != "" {
		payload["thread_ts"] = ts
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIBaseURL+"/chat.postMessage", bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.BotToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxWebhookBody)).Decode(&result); err != nil {
		return fmt.Errorf("decode Slack response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("slack API error: %s", result.Error)
	}
	return nil
}
