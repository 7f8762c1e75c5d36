// Package messaging defines the domain model for the msgsync engine:
// conversations, messages, consent, and the stream events delivered by
// the decentralized messaging network.
package messaging

import (
	"errors"
	"time"
)

// ConsentState is the per-conversation tri-state flag gating whether the
// engine processes and persists events for that conversation.
type ConsentState uint8

const (
	// ConsentUnknown means no consent decision has been recorded yet.
	ConsentUnknown ConsentState = iota
	// ConsentAllowed means events for the conversation are processed.
	ConsentAllowed
	// ConsentDenied means the conversation is blocked.
	ConsentDenied
)

// String returns a string representation of the consent state.
func (c ConsentState) String() string {
	switch c {
	case ConsentUnknown:
		return "unknown"
	case ConsentAllowed:
		return "allowed"
	case ConsentDenied:
		return "denied"
	default:
		return "invalid"
	}
}

// ConversationKind distinguishes group conversations from one-to-one
// direct-message conversations.
type ConversationKind uint8

const (
	// KindGroup is a multi-member group conversation.
	KindGroup ConversationKind = iota
	// KindDirect is a one-to-one direct-message conversation.
	KindDirect
)

// String returns a string representation of the conversation kind.
func (k ConversationKind) String() string {
	switch k {
	case KindGroup:
		return "group"
	case KindDirect:
		return "direct"
	default:
		return "invalid"
	}
}

// ContentKind represents the type of content a message carries.
type ContentKind uint8

const (
	// ContentUnknown is content the engine does not recognize.
	ContentUnknown ContentKind = iota
	// ContentText is a regular text message.
	ContentText
	// ContentAttachment is a media or file attachment.
	ContentAttachment
	// ContentReaction is an emoji reaction to another message.
	ContentReaction
	// ContentReadReceipt is a read receipt.
	ContentReadReceipt
	// ContentExplodeSettings is an ephemeral-content directive causing
	// the conversation's content to expire.
	ContentExplodeSettings
	// ContentJoinError is a typed error reply to a failed join request.
	ContentJoinError
)

// String returns a string representation of the content kind.
func (k ContentKind) String() string {
	switch k {
	case ContentText:
		return "text"
	case ContentAttachment:
		return "attachment"
	case ContentReaction:
		return "reaction"
	case ContentReadReceipt:
		return "read_receipt"
	case ContentExplodeSettings:
		return "explode_settings"
	case ContentJoinError:
		return "join_error"
	default:
		return "unknown"
	}
}

// SurfacesAsUnread reports whether a message of this kind should mark
// its conversation unread. Reactions and receipts never do.
func (k ContentKind) SurfacesAsUnread() bool {
	switch k {
	case ContentText, ContentAttachment:
		return true
	default:
		return false
	}
}

// Conversation represents a conversation as observed from the network.
type Conversation struct {
	ID             string
	Kind           ConversationKind
	Name           string
	CreatorInboxID string
	InviteTag      string
	PushTopic      string
	CreatedAt      time.Time
	ExpiresAt      time.Time // zero means the conversation never expires
}

// Expired reports whether the conversation's own expiry has passed.
func (c *Conversation) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Message represents a single message as observed from the network.
type Message struct {
	ID             string
	ConversationID string
	SenderInboxID  string
	Kind           ContentKind
	Text           string
	SentAt         time.Time
}

// Validate checks the fields every stored message must carry.
func (m *Message) Validate() error {
	if m.ID == "" {
		return errors.New("message missing id")
	}
	if m.ConversationID == "" {
		return errors.New("message missing conversation id")
	}
	return nil
}

// ConversationEvent is one decoded event from the conversation stream:
// a newly observed or updated conversation.
type ConversationEvent struct {
	Conversation Conversation
}

// MessageEvent is one decoded event from the message stream.
type MessageEvent struct {
	Message Message
}

// ExplodeSettings is the decoded form of an ephemeral-content directive.
type ExplodeSettings struct {
	ConversationID string        `json:"conversation_id"`
	ExpireAfter    time.Duration `json:"expire_after"`
	DirectiveID    string        `json:"directive_id"`
}
