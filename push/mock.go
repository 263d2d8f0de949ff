package push

import (
	"context"
	"log/slog"
	"sync"
)

// MockProvider is a mock push provider for local development.
type MockProvider struct {
	logger *slog.Logger
	sent   []Message
	mu     sync.Mutex
}

// NewMockProvider creates a new mock push provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the push instead of sending it.
func (m *MockProvider) Send(ctx context.Context, msg Message) error {
	m.logger.Info("MOCK PUSH",
		"token", redact(msg.Token),
		"title", msg.Title,
		"body_length", len(msg.Body))
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	return nil
}

// Sent returns the messages logged so far.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

func redact(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
