package msgsync

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgsync/interfaces"
	"github.com/opd-ai/msgsync/messaging"
)

// consentFilter is the consent set the engine syncs: allowed
// conversations plus unknown ones, which the stream processor gates
// individually. Denied conversations are never fetched.
func consentFilter() []messaging.ConsentState {
	return []messaging.ConsentState{messaging.ConsentAllowed, messaging.ConsentUnknown}
}

// newBackOff builds the resubscription backoff from the engine config.
func (e *Engine) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BackoffInitial
	bo.MaxInterval = e.cfg.BackoffMax
	bo.Multiplier = e.cfg.BackoffMultiplier
	bo.RandomizationFactor = e.cfg.BackoffJitter
	bo.Reset()
	return bo
}

// sleepBackoff waits out the next backoff delay. Returns false when the
// context was cancelled first.
func sleepBackoff(ctx context.Context, bo *backoff.ExponentialBackOff) bool {
	timer := time.NewTimer(bo.NextBackOff())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// conversationLoop supervises the conversation stream: subscribe,
// drain, and resubscribe with exponential backoff on termination. The
// backoff resets after the first event delivered on a resubscription,
// so a momentary blip does not slow future recovery.
func (e *Engine) conversationLoop(ctx context.Context, session *interfaces.Session) {
	log := logrus.WithFields(logrus.Fields{
		"function": "conversationLoop",
		"inbox_id": session.InboxID,
	})
	bo := e.newBackOff()

	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := session.Client.SubscribeConversations(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithField("error", err.Error()).Warn("Conversation subscription failed")
			if !sleepBackoff(ctx, bo) {
				return
			}
			continue
		}

		delivered := false
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				_ = sub.Close()
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, interfaces.ErrStreamClosed) {
					log.WithField("error", err.Error()).Warn("Conversation stream terminated")
				}
				break
			}
			if !delivered {
				bo.Reset()
				delivered = true
			}
			if perr := e.processor.ProcessConversation(ctx, ev, session); perr != nil {
				log.WithFields(logrus.Fields{
					"conversation_id": ev.Conversation.ID,
					"error":           perr.Error(),
				}).Warn("Conversation event processing failed")
			}
		}

		if !sleepBackoff(ctx, bo) {
			return
		}
	}
}

// messageLoop supervises the message stream with the same retry
// discipline as conversationLoop.
func (e *Engine) messageLoop(ctx context.Context, session *interfaces.Session) {
	log := logrus.WithFields(logrus.Fields{
		"function": "messageLoop",
		"inbox_id": session.InboxID,
	})
	bo := e.newBackOff()

	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := session.Client.SubscribeMessages(ctx, nil, consentFilter())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithField("error", err.Error()).Warn("Message subscription failed")
			if !sleepBackoff(ctx, bo) {
				return
			}
			continue
		}

		delivered := false
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				_ = sub.Close()
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, interfaces.ErrStreamClosed) {
					log.WithField("error", err.Error()).Warn("Message stream terminated")
				}
				break
			}
			if !delivered {
				bo.Reset()
				delivered = true
			}
			if perr := e.processor.ProcessMessage(ctx, ev, session, e.activeConversation()); perr != nil {
				log.WithFields(logrus.Fields{
					"message_id": ev.Message.ID,
					"error":      perr.Error(),
				}).Warn("Message event processing failed")
			}
		}

		if !sleepBackoff(ctx, bo) {
			return
		}
	}
}
