// Package stream processes decoded network events for the msgsync
// engine: conversation updates, inbound messages, and the join-request
// handshake carried over direct messages.
//
// The processors are tolerant by construction. A malformed or
// unexpected event is logged and dropped; it never aborts the stream
// that delivered it.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgsync/interfaces"
	"github.com/opd-ai/msgsync/messaging"
)

// recentMessageLimit bounds how many messages are backfilled when a
// conversation is first persisted.
const recentMessageLimit = 20

// JoinErrorHandler receives typed join-error replies observed on the
// direct-message stream.
type JoinErrorHandler func(conversationID string, joinErr messaging.JoinError)

// ExplodeHandler receives a local notification after an explode
// directive has been applied.
type ExplodeHandler func(conversationID string)

// Processor applies consent policy to stream events and persists their
// effects through the local state writers. It also owns the
// join-request pipeline (join.go).
type Processor struct {
	writer     interfaces.StateWriter
	identities interfaces.IdentityStore

	mu          sync.RWMutex
	onJoinError JoinErrorHandler
	onExplode   ExplodeHandler

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewProcessor creates a stream processor backed by the given state
// writer and identity storage.
func NewProcessor(writer interfaces.StateWriter, identities interfaces.IdentityStore) (*Processor, error) {
	if writer == nil {
		return nil, fmt.Errorf("state writer cannot be nil")
	}
	if identities == nil {
		return nil, fmt.Errorf("identity store cannot be nil")
	}

	return &Processor{
		writer:     writer,
		identities: identities,
		now:        time.Now,
	}, nil
}

// OnJoinError sets the handler for typed join-error replies.
func (p *Processor) OnJoinError(handler JoinErrorHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onJoinError = handler
}

// OnExplode sets the handler notified after an explode directive is
// applied locally.
func (p *Processor) OnExplode(handler ExplodeHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExplode = handler
}

func (p *Processor) joinErrorHandler() JoinErrorHandler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.onJoinError
}

func (p *Processor) explodeHandler() ExplodeHandler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.onExplode
}

// ProcessConversation handles one newly observed or updated
// conversation from the conversation stream.
func (p *Processor) ProcessConversation(ctx context.Context, ev messaging.ConversationEvent, session *interfaces.Session) error {
	conv := ev.Conversation
	log := logrus.WithFields(logrus.Fields{
		"function":        "ProcessConversation",
		"conversation_id": conv.ID,
	})

	allowed, err := p.consentAllowed(ctx, &conv, session)
	if err != nil {
		return fmt.Errorf("consent check failed: %w", err)
	}
	if !allowed {
		log.Debug("Dropping conversation without consent")
		return nil
	}

	if conv.Kind == messaging.KindGroup && conv.CreatorInboxID == session.InboxID {
		if err := p.provisionOwnGroup(ctx, &conv, session); err != nil {
			// Provisioning is idempotent and retried on the next
			// conversation update, so a failure is not fatal here.
			log.WithField("error", err.Error()).Warn("Failed to provision own group")
		}
	}

	if err := p.writer.StoreConversation(ctx, conv); err != nil {
		return fmt.Errorf("failed to store conversation: %w", err)
	}

	p.backfillRecentMessages(ctx, &conv, session)

	if conv.PushTopic != "" {
		if err := session.Client.SubscribePushTopic(ctx, conv.PushTopic); err != nil {
			log.WithField("error", err.Error()).Warn("Push topic subscription failed")
		}
	}

	return nil
}

// ProcessMessage handles one message event from the message stream.
// activeConversationID is the conversation currently on screen; it is
// never marked unread.
func (p *Processor) ProcessMessage(ctx context.Context, ev messaging.MessageEvent, session *interfaces.Session, activeConversationID string) error {
	msg := ev.Message
	if err := msg.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ProcessMessage",
			"error":    err.Error(),
		}).Debug("Dropping invalid message event")
		return nil
	}

	log := logrus.WithFields(logrus.Fields{
		"function":        "ProcessMessage",
		"conversation_id": msg.ConversationID,
		"message_id":      msg.ID,
	})

	// A message can arrive before its conversation's initial sync has
	// completed; re-derive the conversation from the network on demand.
	conv, err := session.Client.FindConversation(ctx, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to resolve conversation: %w", err)
	}
	if conv == nil {
		log.Debug("Dropping message for unknown conversation")
		return nil
	}

	if conv.Kind == messaging.KindDirect {
		return p.processDirectMessage(ctx, msg, session)
	}

	allowed, err := p.consentAllowed(ctx, conv, session)
	if err != nil {
		return fmt.Errorf("consent check failed: %w", err)
	}
	if !allowed {
		log.Debug("Dropping message without consent")
		return nil
	}

	if err := p.writer.StoreConversation(ctx, *conv); err != nil {
		return fmt.Errorf("failed to store conversation: %w", err)
	}

	if msg.Kind == messaging.ContentExplodeSettings {
		return p.applyExplode(ctx, msg)
	}

	stored, err := p.writer.StoreMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}

	if stored.ContentKind.SurfacesAsUnread() &&
		msg.ConversationID != activeConversationID &&
		msg.SenderInboxID != session.InboxID {
		if err := p.writer.SetUnread(ctx, msg.ConversationID, true); err != nil {
			return fmt.Errorf("failed to mark unread: %w", err)
		}
	}

	return nil
}

// processDirectMessage routes a direct message: typed join-error
// replies go to the registered handler, everything else is a potential
// join request.
func (p *Processor) processDirectMessage(ctx context.Context, msg messaging.Message, session *interfaces.Session) error {
	if joinErr, ok := messaging.ParseJoinError(msg.Text); ok {
		if handler := p.joinErrorHandler(); handler != nil {
			handler(msg.ConversationID, *joinErr)
		}
		return nil
	}

	_, err := p.ProcessJoinRequest(ctx, msg, session)
	return err
}

// applyExplode applies an ephemeral-content directive instead of
// storing a normal message, raising the local notification on success.
func (p *Processor) applyExplode(ctx context.Context, msg messaging.Message) error {
	settings, err := messaging.ParseExplodeSettings(msg.Text)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "applyExplode",
			"conversation_id": msg.ConversationID,
			"error":           err.Error(),
		}).Warn("Malformed explode directive ignored")
		return nil
	}

	applied, err := p.writer.ApplyExplodeSettings(ctx, *settings)
	if err != nil {
		return fmt.Errorf("failed to apply explode settings: %w", err)
	}

	if applied {
		if handler := p.explodeHandler(); handler != nil {
			handler(settings.ConversationID)
		}
	}
	return nil
}

// consentAllowed applies the consent gate. Unknown consent is
// auto-allowed only when this identity created the conversation or has
// an outstanding matching outgoing join request; the promotion is
// persisted so it is decided once.
func (p *Processor) consentAllowed(ctx context.Context, conv *messaging.Conversation, session *interfaces.Session) (bool, error) {
	state, err := p.writer.Consent(ctx, conv.ID)
	if err != nil {
		return false, err
	}

	switch state {
	case messaging.ConsentAllowed:
		return true, nil
	case messaging.ConsentDenied:
		return false, nil
	}

	if conv.CreatorInboxID == session.InboxID || p.HasOutgoingJoinRequest(ctx, conv, session) {
		if err := p.writer.SetConsent(ctx, conv.ID, messaging.ConsentAllowed); err != nil {
			return false, err
		}
		return true, nil
	}

	return false, nil
}

// provisionOwnGroup ensures a group this identity created carries a
// stable invite tag and open membership. Both operations are idempotent.
func (p *Processor) provisionOwnGroup(ctx context.Context, conv *messaging.Conversation, session *interfaces.Session) error {
	if conv.InviteTag == "" {
		tag := uuid.NewString()
		if err := session.Client.SetInviteTag(ctx, conv.ID, tag); err != nil {
			return fmt.Errorf("failed to set invite tag: %w", err)
		}
		conv.InviteTag = tag
	}

	if err := session.Client.SetOpenMembership(ctx, conv.ID); err != nil {
		return fmt.Errorf("failed to set open membership: %w", err)
	}
	return nil
}

// backfillRecentMessages stores the conversation's most recent messages.
// Individual failures are logged; the conversation itself is already
// persisted.
func (p *Processor) backfillRecentMessages(ctx context.Context, conv *messaging.Conversation, session *interfaces.Session) {
	msgs, err := session.Client.RecentMessages(ctx, conv.ID, recentMessageLimit)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "backfillRecentMessages",
			"conversation_id": conv.ID,
			"error":           err.Error(),
		}).Warn("Failed to fetch recent messages")
		return
	}

	for i := range msgs {
		if _, err := p.writer.StoreMessage(ctx, msgs[i]); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":        "backfillRecentMessages",
				"conversation_id": conv.ID,
				"message_id":      msgs[i].ID,
				"error":           err.Error(),
			}).Warn("Failed to store backfilled message")
		}
	}
}
