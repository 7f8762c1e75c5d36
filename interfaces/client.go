package interfaces

import (
	"context"
	"errors"

	"github.com/opd-ai/msgsync/crypto"
	"github.com/opd-ai/msgsync/messaging"
)

// ErrStreamClosed is returned by a stream's Next when the subscription
// was closed in an orderly fashion by the remote end.
var ErrStreamClosed = errors.New("stream closed")

// Session binds one identity to its network client for a single
// lifecycle run. Immutable once created; the engine holds at most one
// current session at a time.
type Session struct {
	InboxID string
	Client  NetworkClient
}

// ConversationStream delivers conversation events in arrival order.
type ConversationStream interface {
	// Next blocks until the next event, a stream close, or context
	// cancellation.
	Next(ctx context.Context) (messaging.ConversationEvent, error)

	// Close cancels the subscription.
	Close() error
}

// MessageStream delivers message events in arrival order.
type MessageStream interface {
	Next(ctx context.Context) (messaging.MessageEvent, error)
	Close() error
}

// NetworkClient is the capability surface the engine consumes from the
// decentralized messaging network, scoped to one identity.
type NetworkClient interface {
	// SubscribeConversations opens the long-lived conversation stream.
	SubscribeConversations(ctx context.Context) (ConversationStream, error)

	// SubscribeMessages opens the long-lived message stream, filtered
	// to the given content kinds (nil means all) and consent states.
	SubscribeMessages(ctx context.Context, kinds []messaging.ContentKind, consent []messaging.ConsentState) (MessageStream, error)

	// FullResync performs a one-shot full catch-up sync.
	FullResync(ctx context.Context, consent []messaging.ConsentState) error

	// FindConversation resolves a conversation by id, consulting the
	// network if it is not cached locally. Returns nil when unknown.
	FindConversation(ctx context.Context, id string) (*messaging.Conversation, error)

	// ConversationMembers lists the member inbox ids of a conversation.
	ConversationMembers(ctx context.Context, conversationID string) ([]string, error)

	// ListConversations lists conversations of one kind whose consent
	// state is in the given set.
	ListConversations(ctx context.Context, kind messaging.ConversationKind, consent []messaging.ConsentState) ([]messaging.Conversation, error)

	// RecentMessages returns up to limit most recent messages of a
	// conversation, newest last.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]messaging.Message, error)

	// LastOutgoingMessage returns the most recent message this identity
	// sent in a conversation, or nil if there is none.
	LastOutgoingMessage(ctx context.Context, conversationID string) (*messaging.Message, error)

	// AddMember adds an inbox id as a member of a group conversation.
	AddMember(ctx context.Context, conversationID, inboxID string) error

	// SetInviteTag records the stable invite correlation tag on a group
	// this identity created. Idempotent.
	SetInviteTag(ctx context.Context, conversationID, tag string) error

	// SetOpenMembership sets the "anyone may add members" permission on
	// a group this identity created. Idempotent.
	SetOpenMembership(ctx context.Context, conversationID string) error

	// ConsentState reads the network-side consent state.
	ConsentState(ctx context.Context, conversationID string) (messaging.ConsentState, error)

	// UpdateConsentState writes the network-side consent state.
	UpdateConsentState(ctx context.Context, conversationID string, state messaging.ConsentState) error

	// SendMessage sends a message into a conversation.
	SendMessage(ctx context.Context, conversationID, text string, kind messaging.ContentKind) error

	// SubscribePushTopic registers a push-notification topic.
	SubscribePushTopic(ctx context.Context, topic string) error
}

// Identity is the key material backing one inbox id. Never exposed
// outside the engine.
type Identity struct {
	InboxID  string
	ClientID string
	Keys     *crypto.KeyPair
}

// IdentityStore resolves inbox ids to their local key material.
type IdentityStore interface {
	Identity(inboxID string) (*Identity, error)
}
