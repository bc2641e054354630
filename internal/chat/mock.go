package chat

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Reply is one recorded Reply call.
type Reply struct {
	Token    string
	Messages []Message
}

// MockAdapter implements Adapter for testing. It records replies and
// allows simulating inbound updates via SimulateUpdate.
type MockAdapter struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan Update
	replies   []Reply
	replyErr  error
}

// NewMockAdapter creates a MockAdapter with a buffered inbound channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{inbound: make(chan Update, 100)}
}

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound update channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// Reply records the messages, or returns the configured error. Replies do
// not require Connect so the mock also stands in for webhook transports.
func (m *MockAdapter) Reply(ctx context.Context, token string, msgs ...Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replyErr != nil {
		return m.replyErr
	}
	cp := make([]Message, len(msgs))
	copy(cp, msgs)
	m.replies = append(m.replies, Reply{Token: token, Messages: cp})
	return nil
}

// Close shuts down the mock adapter and closes the inbound channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// --- Test helpers ---

// SimulateUpdate sends an update into the inbound channel as if it came
// from the chat platform. Safe to call from any goroutine.
func (m *MockAdapter) SimulateUpdate(u Update) {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}
	m.inbound <- u
}

// SetReplyError makes every subsequent Reply fail with err.
func (m *MockAdapter) SetReplyError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replyErr = err
}

// LastReply returns the most recent reply.
// Returns zero value and false if nothing has been replied.
func (m *MockAdapter) LastReply() (Reply, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replies) == 0 {
		return Reply{}, false
	}
	return m.replies[len(m.replies)-1], true
}

// ReplyCount returns the number of Reply calls recorded.
func (m *MockAdapter) ReplyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.replies)
}

// AllReplies returns a copy of all recorded replies.
func (m *MockAdapter) AllReplies() []Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Reply, len(m.replies))
	copy(out, m.replies)
	return out
}
