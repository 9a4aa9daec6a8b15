package sink

import (
	"context"
	"sync"
)

// MockTransport is a mock implementation of publisher.Transport for testing
type MockTransport struct {
	Messages   []MockMessage
	PublishErr error
	FailCount  int // Publishes failing with PublishErr before succeeding, 0 = always fail
	Closed     bool
	mu         sync.Mutex
	failures   int
}

// MockMessage represents a published message for testing
type MockMessage struct {
	Subject string
	Key     string
	Payload []byte
}

// Publish records a message for later inspection in tests
func (m *MockTransport) Publish(_ context.Context, subject, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil && (m.FailCount == 0 || m.failures < m.FailCount) {
		m.failures++
		return m.PublishErr
	}

	m.Messages = append(m.Messages, MockMessage{
		Subject: subject,
		Key:     key,
		Payload: payload,
	})

	return nil
}

// Close marks the transport closed
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// Published returns a copy of the recorded messages
func (m *MockTransport) Published() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.Messages))
	copy(out, m.Messages)
	return out
}

// Reset clears all recorded messages
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}
