package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgsync/interfaces"
	"github.com/opd-ai/msgsync/invite"
	"github.com/opd-ai/msgsync/messaging"
)

// catchUpMessageLimit bounds how far back the catch-up sweep looks in
// each direct-message conversation.
const catchUpMessageLimit = 50

// JoinResult is the outcome of a successfully processed join request.
type JoinResult struct {
	ConversationID   string
	ConversationName string
}

// ProcessJoinRequest runs one inbound direct message through the invite
// verification pipeline and, on success, adds the sender to the target
// group.
//
// A nil result with a nil error means the message was not a valid join
// attempt: irrelevant text is ignored, expired invites are rejected
// without consequences, and security violations (forged signature,
// mismatched creator, undecryptable token) additionally block the
// direct-message conversation. Failures that could leak validity
// information to an attacker are never acknowledged to the sender;
// non-adversarial staleness (conversation expired or gone) is answered
// with a typed error reply.
func (p *Processor) ProcessJoinRequest(ctx context.Context, msg messaging.Message, session *interfaces.Session) (*JoinResult, error) {
	log := logrus.WithFields(logrus.Fields{
		"function":        "ProcessJoinRequest",
		"conversation_id": msg.ConversationID,
		"sender":          msg.SenderInboxID,
	})

	// Own outgoing messages in the DM are not join attempts.
	if msg.SenderInboxID == session.InboxID {
		return nil, nil
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		log.Debug("Blocking direct message without text content")
		p.blockConversation(ctx, msg.ConversationID, session)
		return nil, nil
	}

	inv, err := invite.Parse(text)
	if err != nil {
		// Not every direct message is a join attempt.
		return nil, nil
	}

	now := p.now()
	if inv.Payload.Expired(now) {
		log.WithField("tag", inv.Payload.Tag).Debug("Ignoring expired invite")
		return nil, nil
	}

	if inv.Payload.CreatorInboxID == "" {
		log.Warn("Blocking invite with empty creator inbox id")
		p.blockConversation(ctx, msg.ConversationID, session)
		return nil, nil
	}

	if inv.Payload.CreatorInboxID != session.InboxID {
		// Someone replayed another creator's invite at the wrong
		// recipient.
		log.WithField("claimed_creator", inv.Payload.CreatorInboxID).
			Warn("Blocking invite with mismatched creator")
		p.blockConversation(ctx, msg.ConversationID, session)
		return nil, nil
	}

	identity, err := p.identities.Identity(session.InboxID)
	if err != nil || identity == nil || identity.Keys == nil {
		return nil, fmt.Errorf("failed to load identity %q: %w", session.InboxID, err)
	}

	ok, err := inv.Verify(identity.Keys.Public)
	if err != nil {
		log.WithField("error", err.Error()).Warn("Blocking invite with invalid signature material")
		p.blockConversation(ctx, msg.ConversationID, session)
		return nil, nil
	}
	if !ok {
		log.Warn("Blocking invite with forged signature")
		p.blockConversation(ctx, msg.ConversationID, session)
		return nil, nil
	}

	conversationID, err := inv.DecodeConversationToken(identity.Keys.Private)
	if err != nil {
		log.WithField("error", err.Error()).Warn("Blocking invite with undecryptable token")
		p.blockConversation(ctx, msg.ConversationID, session)
		return nil, nil
	}

	conv, err := p.lookupAllowedConversation(ctx, conversationID, session, now)
	if err != nil {
		var stale *staleConversationError
		if errors.As(err, &stale) {
			log.WithField("code", string(stale.code)).Debug("Rejecting join for stale conversation")
			p.replyJoinError(ctx, msg.ConversationID, inv.Payload.Tag, stale.code, session)
			return nil, nil
		}
		return nil, err
	}

	if err := session.Client.AddMember(ctx, conversationID, msg.SenderInboxID); err != nil {
		return nil, fmt.Errorf("failed to add member: %w", err)
	}

	// Mark the DM allowed so the same request is not reprocessed.
	p.allowConversation(ctx, msg.ConversationID, session)

	log.WithFields(logrus.Fields{
		"target_conversation": conversationID,
		"tag":                 inv.Payload.Tag,
	}).Info("Join request accepted")

	return &JoinResult{
		ConversationID:   conversationID,
		ConversationName: conv.Name,
	}, nil
}

// staleConversationError carries the non-adversarial rejection class
// that may be acknowledged to the joiner.
type staleConversationError struct {
	code messaging.JoinErrorCode
}

func (e *staleConversationError) Error() string {
	return "stale conversation: " + string(e.code)
}

// lookupAllowedConversation resolves the invite's target conversation
// and checks it is joinable from this identity's perspective. A group
// this identity created but has not yet recorded consent for is
// promoted to allowed rather than rejected.
func (p *Processor) lookupAllowedConversation(ctx context.Context, conversationID string, session *interfaces.Session, now time.Time) (*messaging.Conversation, error) {
	conv, err := session.Client.FindConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up conversation: %w", err)
	}
	if conv == nil {
		return nil, &staleConversationError{code: messaging.JoinErrorConversationUnavailable}
	}
	if conv.Expired(now) {
		return nil, &staleConversationError{code: messaging.JoinErrorConversationExpired}
	}

	state, err := p.writer.Consent(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	switch state {
	case messaging.ConsentAllowed:
		return conv, nil
	case messaging.ConsentUnknown:
		if conv.CreatorInboxID == session.InboxID {
			if err := p.writer.SetConsent(ctx, conversationID, messaging.ConsentAllowed); err != nil {
				return nil, err
			}
			return conv, nil
		}
	}
	return nil, &staleConversationError{code: messaging.JoinErrorConversationUnavailable}
}

// replyJoinError sends a typed join-error reply over the same
// direct-message conversation. Best effort; the rejection stands either
// way.
func (p *Processor) replyJoinError(ctx context.Context, conversationID, tag string, code messaging.JoinErrorCode, session *interfaces.Session) {
	text, err := messaging.JoinError{Code: code, Tag: tag}.Encode()
	if err != nil {
		return
	}
	if err := session.Client.SendMessage(ctx, conversationID, text, messaging.ContentJoinError); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "replyJoinError",
			"conversation_id": conversationID,
			"error":           err.Error(),
		}).Warn("Failed to send join error reply")
	}
}

// blockConversation denies consent for a direct-message conversation,
// locally and on the network, stopping further spam from the sender.
func (p *Processor) blockConversation(ctx context.Context, conversationID string, session *interfaces.Session) {
	p.setConsent(ctx, conversationID, messaging.ConsentDenied, session)
}

// allowConversation marks a direct-message conversation allowed so it
// is not rescanned for join requests.
func (p *Processor) allowConversation(ctx context.Context, conversationID string, session *interfaces.Session) {
	p.setConsent(ctx, conversationID, messaging.ConsentAllowed, session)
}

func (p *Processor) setConsent(ctx context.Context, conversationID string, state messaging.ConsentState, session *interfaces.Session) {
	if err := p.writer.SetConsent(ctx, conversationID, state); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "setConsent",
			"conversation_id": conversationID,
			"state":           state.String(),
			"error":           err.Error(),
		}).Error("Failed to persist consent state")
	}
	if err := session.Client.UpdateConsentState(ctx, conversationID, state); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "setConsent",
			"conversation_id": conversationID,
			"state":           state.String(),
			"error":           err.Error(),
		}).Warn("Failed to update network consent state")
	}
}

// HasOutgoingJoinRequest reports whether this identity already solicited
// membership in the given conversation: an allowed direct-message
// conversation whose last outgoing message is an invite with a matching
// tag.
func (p *Processor) HasOutgoingJoinRequest(ctx context.Context, conv *messaging.Conversation, session *interfaces.Session) bool {
	if conv.InviteTag == "" {
		return false
	}

	dms, err := session.Client.ListConversations(ctx, messaging.KindDirect, []messaging.ConsentState{messaging.ConsentAllowed})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HasOutgoingJoinRequest",
			"error":    err.Error(),
		}).Warn("Failed to list direct conversations")
		return false
	}

	for i := range dms {
		last, err := session.Client.LastOutgoingMessage(ctx, dms[i].ID)
		if err != nil || last == nil {
			continue
		}
		sent, err := invite.Parse(last.Text)
		if err != nil {
			continue
		}
		if sent.Payload.Tag == conv.InviteTag {
			return true
		}
	}
	return false
}

// ProcessJoinRequests sweeps all direct-message conversations with
// unknown consent for join attempts that arrived while the engine was
// not streaming, processing messages sent at or after since. Each
// conversation is marked allowed once a match is found so it is not
// rescanned.
func (p *Processor) ProcessJoinRequests(ctx context.Context, since time.Time, session *interfaces.Session) []JoinResult {
	dms, err := session.Client.ListConversations(ctx, messaging.KindDirect, []messaging.ConsentState{messaging.ConsentUnknown})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ProcessJoinRequests",
			"error":    err.Error(),
		}).Warn("Failed to list direct conversations for catch-up")
		return nil
	}

	var results []JoinResult
	for i := range dms {
		msgs, err := session.Client.RecentMessages(ctx, dms[i].ID, catchUpMessageLimit)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":        "ProcessJoinRequests",
				"conversation_id": dms[i].ID,
				"error":           err.Error(),
			}).Warn("Failed to fetch messages for catch-up")
			continue
		}

		for j := range msgs {
			if msgs[j].SenderInboxID == session.InboxID || msgs[j].SentAt.Before(since) {
				continue
			}
			result, err := p.ProcessJoinRequest(ctx, msgs[j], session)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function":        "ProcessJoinRequests",
					"conversation_id": dms[i].ID,
					"message_id":      msgs[j].ID,
					"error":           err.Error(),
				}).Warn("Catch-up join processing failed")
				continue
			}
			if result != nil {
				results = append(results, *result)
				break
			}
		}
	}
	return results
}
