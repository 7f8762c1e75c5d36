// Package storage provides reference implementations of the engine's
// local state writer contract: an in-memory store for tests and
// embedding, and a SQLite-backed store for durable clients.
package storage

import (
	"context"
	"sync"

	"github.com/opd-ai/msgsync/interfaces"
	"github.com/opd-ai/msgsync/messaging"
)

var _ interfaces.StateWriter = (*Memory)(nil)

// Memory is a map-backed StateWriter. Safe for concurrent use.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]messaging.Conversation
	messages      map[string]messaging.Message
	unread        map[string]bool
	consent       map[string]messaging.ConsentState
	exploded      map[string]string // conversation id -> applied directive id
}

// NewMemory creates an empty in-memory state writer.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]messaging.Conversation),
		messages:      make(map[string]messaging.Message),
		unread:        make(map[string]bool),
		consent:       make(map[string]messaging.ConsentState),
		exploded:      make(map[string]string),
	}
}

// StoreConversation upserts a conversation keyed by id.
func (m *Memory) StoreConversation(_ context.Context, conv messaging.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[conv.ID] = conv
	return nil
}

// StoreMessage upserts a message keyed by id.
func (m *Memory) StoreMessage(_ context.Context, msg messaging.Message) (interfaces.StoredMessage, error) {
	if err := msg.Validate(); err != nil {
		return interfaces.StoredMessage{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
	return interfaces.StoredMessage{ContentKind: msg.Kind}, nil
}

// SetUnread sets or clears a conversation's unread flag.
func (m *Memory) SetUnread(_ context.Context, conversationID string, unread bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unread[conversationID] = unread
	return nil
}

// SetConsent records a consent decision.
func (m *Memory) SetConsent(_ context.Context, conversationID string, state messaging.ConsentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consent[conversationID] = state
	return nil
}

// Consent reads a consent decision; unknown ids report ConsentUnknown.
func (m *Memory) Consent(_ context.Context, conversationID string) (messaging.ConsentState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consent[conversationID], nil
}

// ApplyExplodeSettings deletes the conversation's messages. A directive
// is applied at most once per directive id.
func (m *Memory) ApplyExplodeSettings(_ context.Context, settings messaging.ExplodeSettings) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, known := m.conversations[settings.ConversationID]; !known {
		return false, nil
	}
	if m.exploded[settings.ConversationID] == settings.DirectiveID && settings.DirectiveID != "" {
		return false, nil
	}

	for id, msg := range m.messages {
		if msg.ConversationID == settings.ConversationID {
			delete(m.messages, id)
		}
	}
	m.exploded[settings.ConversationID] = settings.DirectiveID
	return true, nil
}

// Unread reports a conversation's unread flag.
func (m *Memory) Unread(conversationID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unread[conversationID]
}

// Conversation returns a stored conversation, or nil.
func (m *Memory) Conversation(conversationID string) *messaging.Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if conv, ok := m.conversations[conversationID]; ok {
		return &conv
	}
	return nil
}

// MessageCount reports how many messages are stored for a conversation.
func (m *Memory) MessageCount(conversationID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			count++
		}
	}
	return count
}
