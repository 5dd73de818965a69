// Package webhook normalizes inbound channel webhooks (Slack, Chatwork,
// generic HTTP) into run requests and reports results back to the
// channel. Every adapter verifies its channel's signature scheme before
// a payload is trusted.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Message is the channel-independent form of one inbound request.
type Message struct {
	// Source is the channel name, e.g. "slack".
	Source string

	// Requirement is the extracted instruction text.
	Requirement string

	// SenderID is the channel-specific author identifier.
	SenderID string

	// ReplyTo carries the channel-specific reply coordinates.
	ReplyTo map[string]string

	// Genre is an optional genre hint from the payload.
	Genre string

	// EventID is the channel's event identifier when it has one, used
	// for duplicate suppression.
	EventID string

	// Challenge, when set, must be echoed back in-band instead of
	// dispatching a run (Slack URL verification).
	Challenge string
}

// Adapter is one inbound channel.
type Adapter interface {
	// Name is the channel identifier used in the webhook route.
	Name() string

	// Parse verifies and normalizes a webhook request. A nil message
	// with a nil error means the event should be ignored.
	Parse(r *http.Request) (*Message, error)

	// SendProgress posts an in-progress note to the reply target.
	SendProgress(ctx context.Context, replyTo map[string]string, text string) error

	// SendResult posts the final run outcome to the reply target.
	SendResult(ctx context.Context, replyTo map[string]string, runID, status, detail string) error
}

// Verification failures map onto HTTP status codes.
var (
	ErrUnauthorized = errors.New("webhook signature verification failed")
	ErrBadRequest   = errors.New("malformed webhook payload")
)

func unauthorized(msg string) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
}

func badRequest(msg string) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, msg)
}
