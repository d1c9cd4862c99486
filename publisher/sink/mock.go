package sink

import (
	"context"
	"sync"

	"github.com/maxpert/tidemark/cfg"
	"github.com/maxpert/tidemark/publisher"
)

func init() {
	publisher.RegisterSink("memory", func(cfg.PublisherSinkConfiguration) (publisher.Sink, error) {
		return &MockSink{}, nil
	})
}

// MockSink keeps published messages in memory. It backs the "memory" sink
// type and tests.
type MockSink struct {
	Messages   []publisher.Message
	PublishErr error
	mu         sync.Mutex
}

// Publish records a message for later inspection
func (m *MockSink) Publish(_ context.Context, msg publisher.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Messages = append(m.Messages, msg)
	return nil
}

// Snapshot returns a copy of the recorded messages
func (m *MockSink) Snapshot() []publisher.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]publisher.Message, len(m.Messages))
	copy(out, m.Messages)
	return out
}

// Close is a no-op for MockSink
func (m *MockSink) Close() error {
	return nil
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}
