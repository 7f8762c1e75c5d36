package interfaces

import (
	"context"

	"github.com/opd-ai/msgsync/messaging"
)

// StoredMessage is the result of persisting a message; the writer
// reports the content kind it decoded so the engine can decide whether
// the message surfaces as unread.
type StoredMessage struct {
	ContentKind messaging.ContentKind
}

// StateWriter is the local persistence contract. Every write must be an
// idempotent upsert keyed by stable identifiers: the network delivers
// at least once, and the engine reprocesses events freely.
type StateWriter interface {
	// StoreConversation upserts a conversation.
	StoreConversation(ctx context.Context, conv messaging.Conversation) error

	// StoreMessage upserts a message and reports its content kind.
	StoreMessage(ctx context.Context, msg messaging.Message) (StoredMessage, error)

	// SetUnread sets or clears a conversation's unread flag.
	SetUnread(ctx context.Context, conversationID string, unread bool) error

	// SetConsent records the local consent decision for a conversation.
	SetConsent(ctx context.Context, conversationID string, state messaging.ConsentState) error

	// Consent reads the local consent state; unknown conversations
	// report ConsentUnknown.
	Consent(ctx context.Context, conversationID string) (messaging.ConsentState, error)

	// ApplyExplodeSettings applies an ephemeral-content directive,
	// expiring the referenced conversation's content. Returns true when
	// the directive was applied and false when it was ignored (already
	// applied, or the conversation is unknown).
	ApplyExplodeSettings(ctx context.Context, settings messaging.ExplodeSettings) (bool, error)
}
