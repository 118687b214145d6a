package mocks

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/notify"
)

// SentMessage is one recorded notification.
type SentMessage struct {
	OwnerID uuid.UUID
	Message notify.Message
}

// MockNotifier implements notify.Notifier and records every message
type MockNotifier struct {
	// NotifyFn allows test cases to mock the Notify behavior
	NotifyFn func(ctx context.Context, ownerID uuid.UUID, msg notify.Message) error

	mu       sync.Mutex
	messages []SentMessage
}

// Notify implements notify.Notifier
func (m *MockNotifier) Notify(ctx context.Context, ownerID uuid.UUID, msg notify.Message) error {
	m.mu.Lock()
	m.messages = append(m.messages, SentMessage{OwnerID: ownerID, Message: msg})
	m.mu.Unlock()

	if m.NotifyFn != nil {
		return m.NotifyFn(ctx, ownerID, msg)
	}
	return nil
}

// Messages returns a copy of the recorded messages
func (m *MockNotifier) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.messages...)
}

// CountFor returns how many messages of type t were sent for taskID
func (m *MockNotifier) CountFor(taskID uuid.UUID, t notify.MessageType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sm := range m.messages {
		if sm.Message.TaskID == taskID && sm.Message.Type == t {
			n++
		}
	}
	return n
}
