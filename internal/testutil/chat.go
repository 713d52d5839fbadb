// Package testutil provides shared test doubles for DialScribe tests.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/dialscribe/DialScribe/internal/messaging"
)

// SentMessage records one MockChatService.Send call.
type SentMessage struct {
	ChatID   string
	Text     string
	ThreadID string
}

// MockChatService implements messaging.ChatService for tests. Sends are
// recorded in order; failures and rejections can be scripted per text.
type MockChatService struct {
	mu       sync.Mutex
	sent     []SentMessage
	nextID   int
	failing  map[string]error
	rejected map[string]bool
}

var _ messaging.ChatService = (*MockChatService)(nil)

// NewMockChatService creates an empty mock chat service.
func NewMockChatService() *MockChatService {
	return &MockChatService{
		failing:  make(map[string]error),
		rejected: make(map[string]bool),
	}
}

// FailWith makes Send return err whenever the message text equals text.
func (m *MockChatService) FailWith(text string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[text] = err
}

// RejectText makes Send return a platform rejection for the given text.
func (m *MockChatService) RejectText(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[text] = true
}

// ClearFailures removes all scripted failures and rejections.
func (m *MockChatService) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = make(map[string]error)
	m.rejected = make(map[string]bool)
}

// Send records the message and returns a synthetic platform message id.
func (m *MockChatService) Send(ctx context.Context, chatID, text string, opts messaging.SendOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejected[text] {
		return "", &messaging.RejectedError{Cause: fmt.Errorf("scripted rejection")}
	}
	if err, ok := m.failing[text]; ok {
		return "", err
	}
	m.nextID++
	m.sent = append(m.sent, SentMessage{ChatID: chatID, Text: text, ThreadID: opts.ThreadID})
	return fmt.Sprintf("msg-%d", m.nextID), nil
}

// Sent returns a copy of all successfully sent messages in order.
func (m *MockChatService) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Texts returns just the text of each sent message in order.
func (m *MockChatService) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		out = append(out, s.Text)
	}
	return out
}
