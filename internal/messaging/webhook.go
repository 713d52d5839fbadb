// Package messaging defines the chat platform boundary for DialScribe.
//
// This file implements the webhook relay client: DialScribe posts each
// notification as JSON to a configured relay endpoint, and the relay owns the
// actual chat platform session. A 4xx from the relay is a rejection; anything
// else that fails is transient and eligible for retry.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DefaultSendTimeout bounds one relay round trip.
const DefaultSendTimeout = 10 * time.Second

// WebhookChatService delivers messages through an HTTP relay endpoint.
type WebhookChatService struct {
	endpoint string
	client   *http.Client
}

var _ ChatService = (*WebhookChatService)(nil)

// NewWebhookChatService creates a relay-backed chat service posting to endpoint.
func NewWebhookChatService(endpoint string) (*WebhookChatService, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("chat relay endpoint must be provided")
	}
	return &WebhookChatService{
		endpoint: endpoint,
		client:   &http.Client{Timeout: DefaultSendTimeout},
	}, nil
}

// relayRequest is the JSON body posted to the relay.
type relayRequest struct {
	ChatID   string   `json:"chat_id"`
	Text     string   `json:"text"`
	ThreadID string   `json:"thread_id,omitempty"`
	Buttons  []Button `json:"buttons,omitempty"`
}

// relayResponse is the JSON body the relay answers with.
type relayResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// Send posts the message to the relay and returns the platform message id it
// reports.
func (s *WebhookChatService) Send(ctx context.Context, chatID, text string, opts SendOptions) (string, error) {
	body, err := json.Marshal(relayRequest{
		ChatID:   chatID,
		Text:     text,
		ThreadID: opts.ThreadID,
		Buttons:  opts.Buttons,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal relay request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	var parsed relayResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&parsed); decodeErr != nil && resp.StatusCode < 300 {
		return "", fmt.Errorf("relay response decode failed: %w", decodeErr)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		slog.Debug("WebhookChatService.Send: delivered", "chatID", chatID, "messageID", parsed.MessageID)
		return parsed.MessageID, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", &RejectedError{Cause: fmt.Errorf("relay returned %d: %s", resp.StatusCode, parsed.Error)}
	default:
		return "", fmt.Errorf("relay returned %d: %s", resp.StatusCode, parsed.Error)
	}
}
