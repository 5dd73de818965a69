package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var chatworkMentionRE = regexp.MustCompile(`\[To:\d+\]\s*`)

// ChatworkConfig configures the Chatwork webhook adapter.
type ChatworkConfig struct {
	// WebhookToken is the base64 secret Chatwork signs webhook bodies with.
	WebhookToken string `yaml:"webhook_token"`
	APIToken     string `yaml:"api_token"`
	// BotAccountID filters inbound messages to ones mentioning the bot.
	BotAccountID string `yaml:"bot_account_id,omitempty"`
	// APIBaseURL overrides the Chatwork API host, mainly for tests.
	APIBaseURL string `yaml:"api_base_url,omitempty"`
}

// ChatworkAdapter handles Chatwork webhooks: base64 HMAC-SHA256 body
// signatures, bot mention filtering, and room replies.
type ChatworkAdapter struct {
	cfg        ChatworkConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// ChatworkOption configures a ChatworkAdapter.
type ChatworkOption func(*ChatworkAdapter)

// WithChatworkHTTPClient sets the outbound HTTP client.
func WithChatworkHTTPClient(c *http.Client) ChatworkOption {
	return func(a *ChatworkAdapter) { a.httpClient = c }
}

// WithChatworkLogger sets the logger.
func WithChatworkLogger(logger *slog.Logger) ChatworkOption {
	return func(a *ChatworkAdapter) { a.logger = logger }
}

// NewChatworkAdapter creates the Chatwork channel adapter.
func NewChatworkAdapter(cfg ChatworkConfig, opts ...ChatworkOption) *ChatworkAdapter {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.chatwork.com/v2"
	}
	a := &ChatworkAdapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *ChatworkAdapter) Name() string { return "chatwork" }

type chatworkEnvelope struct {
	WebhookEvent struct {
		MessageID json.Number `json:"message_id"`
		RoomID    json.Number `json:"room_id"`
		Body      string      `json:"body"`
		Account   struct {
			AccountID json.Number `json:"account_id"`
		} `json:"account"`
	} `json:"webhook_event"`
}

// Parse verifies the body signature and extracts the instruction text.
// Messages without a bot mention are ignored when a bot account is
// configured.
func (a *ChatworkAdapter) Parse(r *http.Request) (*Message, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return nil, badRequest("unreadable body")
	}

	if !verifyChatworkSignature(body, r.Header.Get("X-ChatWorkWebhookSignature"), a.cfg.WebhookToken) {
		return nil, unauthorized("invalid Chatwork webhook signature")
	}

	var envelope chatworkEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, badRequest("invalid JSON body")
	}

	event := envelope.WebhookEvent
	text := strings.TrimSpace(event.Body)
	roomID := event.RoomID.String()
	if text == "" || roomID == "" || roomID == "0" {
		return nil, nil
	}

	if a.cfg.BotAccountID != "" && !strings.Contains(text, "[To:"+a.cfg.BotAccountID+"]") {
		return nil, nil
	}

	clean := strings.TrimSpace(chatworkMentionRE.ReplaceAllString(text, ""))
	if clean == "" {
		return nil, nil
	}

	return &Message{
		Source:      "chatwork",
		Requirement: clean,
		SenderID:    event.Account.AccountID.String(),
		EventID:     event.MessageID.String(),
		ReplyTo: map[string]string{
			"room_id":    roomID,
			"message_id": event.MessageID.String(),
		},
	}, nil
}

// verifyChatworkSignature checks the base64 HMAC-SHA256 body digest.
// The webhook token is itself base64, per Chatwork's scheme.
func verifyChatworkSignature(body []byte, signature, token string) bool {
	if token == "" || signature == "" {
		return false
	}
	key, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (a *ChatworkAdapter) SendProgress(ctx context.Context, replyTo map[string]string, text string) error {
	return a.postMessage(ctx, replyTo["room_id"], text)
}

func (a *ChatworkAdapter) SendResult(ctx context.Context, replyTo map[string]string, runID, status, detail string) error {
	body := fmt.Sprintf("[info][title]Run Complete[/title]Run ID: %s\nStatus: %s", runID, status)
	if detail != "" {
		if len(detail) > 500 {
			detail = detail[:500]
		}
		body += "\nDetail: " + detail
	}
	body += "[/info]"
	return a.postMessage(ctx, replyTo["room_id"], body)
}

func (a *ChatworkAdapter) postMessage(ctx context.Context, roomID, body string) error {
	if roomID == "" {
		return nil
	}
	if a.cfg.APIToken == "" {
		a.logger.Warn("No Chatwork API token configured, dropping message")
		return nil
	}

	form := url.Values{"body": {body}}
	endpoint := a.cfg.APIBaseURL + "/rooms/" + roomID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("X-ChatWorkToken", a.cfg.APIToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("chatwork API error %s: %s", strconv.Itoa(resp.StatusCode), msg)
	}
	return nil
}
