// Package msgsync implements the client-side synchronization and
// invitation-protocol engine of a peer-to-peer encrypted messaging
// application.
//
// The engine keeps a local store of conversations and messages
// consistent with a decentralized messaging network, and implements a
// server-less invite/join handshake so that a conversation's creator
// decides who may join a private group.
//
// Example:
//
//	engine, err := msgsync.New(msgsync.Options{
//	    Writer:     writer,
//	    Identities: identities,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	engine.OnJoinError(func(conversationID string, joinErr messaging.JoinError) {
//	    fmt.Printf("join rejected: %s\n", joinErr.Code)
//	})
//
//	engine.Start(&interfaces.Session{InboxID: inboxID, Client: client})
//	for !engine.IsReady() {
//	    time.Sleep(100 * time.Millisecond)
//	}
package msgsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgsync/config"
	"github.com/opd-ai/msgsync/interfaces"
	"github.com/opd-ai/msgsync/stream"
)

// actionQueueSize bounds the lifecycle command queue. Commands beyond
// it are dropped with an error log rather than blocking the caller.
const actionQueueSize = 64

// Options configures a new engine.
type Options struct {
	// Writer receives all persistent effects. Required.
	Writer interfaces.StateWriter

	// Identities resolves inbox ids to local key material. Required.
	Identities interfaces.IdentityStore

	// Config overrides the engine tuning; nil loads config.Load().
	Config *config.Config
}

// Engine is the sync orchestrator: a long-lived state machine owning
// two network stream subscriptions and a one-shot resync per session.
//
// All lifecycle commands are serialized through a single-consumer
// action queue; no two transitions ever run concurrently.
type Engine struct {
	cfg        config.Config
	writer     interfaces.StateWriter
	identities interfaces.IdentityStore
	processor  *stream.Processor

	actions  chan lifecycleAction
	quit     chan struct{}
	loopDone chan struct{}

	// state is owned by the run goroutine.
	state syncState

	// phase mirrors state.phase for IsReady and Stop's poll-wait.
	phaseMu sync.RWMutex
	phase   syncPhase

	// active is the conversation currently on screen; single writer
	// (the UI layer), multiple readers.
	activeMu sync.RWMutex
	active   string

	// Per-session task handles, owned by the run goroutine.
	runCtx       context.Context
	runCancel    context.CancelFunc
	runWG        *sync.WaitGroup
	streamCancel context.CancelFunc
	streamWG     *sync.WaitGroup

	closeOnce sync.Once
}

// New creates an engine. It does not touch the network until Start.
func New(opts Options) (*Engine, error) {
	if opts.Writer == nil {
		return nil, errors.New("state writer cannot be nil")
	}
	if opts.Identities == nil {
		return nil, errors.New("identity store cannot be nil")
	}

	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}

	processor, err := stream.NewProcessor(opts.Writer, opts.Identities)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        *cfg,
		writer:     opts.Writer,
		identities: opts.Identities,
		processor:  processor,
		actions:    make(chan lifecycleAction, actionQueueSize),
		quit:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	go e.run()
	return e, nil
}

// Start begins syncing the given session. Non-blocking and
// fire-and-forget; failures surface through the engine state, not
// through Start.
func (e *Engine) Start(session *interfaces.Session) {
	if session == nil || session.Client == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Start",
		}).Error("Ignoring start with nil session")
		return
	}
	e.enqueue(lifecycleAction{kind: actionStart, session: session})
}

// Pause suspends both event streams without discarding the session.
// Non-blocking.
func (e *Engine) Pause() {
	e.enqueue(lifecycleAction{kind: actionPause})
}

// Resume restarts the event streams after a Pause. Non-blocking.
func (e *Engine) Resume() {
	e.enqueue(lifecycleAction{kind: actionResume})
}

// Stop cancels all tasks and blocks until its own stop action has been
// handled and the session is torn down, or until the configured stop
// timeout elapses. The acknowledgment rides the action itself, so a
// Stop issued right after Start still waits out the queued Start
// instead of observing the stale pre-Start phase. On timeout it logs
// and returns; the background cancellation continues regardless.
func (e *Engine) Stop() {
	done := make(chan struct{})
	if !e.enqueue(lifecycleAction{kind: actionStop, done: done}) {
		return
	}

	select {
	case <-done:
	case <-e.loopDone:
	case <-time.After(e.cfg.StopTimeout):
		logrus.WithFields(logrus.Fields{
			"function": "Stop",
			"timeout":  e.cfg.StopTimeout,
			"phase":    e.currentPhase().String(),
		}).Warn("Gave up waiting for engine to stop")
	}
}

// IsReady reports whether the engine is in steady-state streaming.
func (e *Engine) IsReady() bool {
	return e.currentPhase() == phaseReady
}

// SetActiveConversation tells the engine which conversation is
// currently being viewed; it is never marked unread. An empty id means
// none.
func (e *Engine) SetActiveConversation(conversationID string) {
	e.activeMu.Lock()
	e.active = conversationID
	e.activeMu.Unlock()
}

// OnJoinError registers a handler for typed join-error replies observed
// on the direct-message stream.
func (e *Engine) OnJoinError(handler stream.JoinErrorHandler) {
	e.processor.OnJoinError(handler)
}

// OnExplode registers a handler notified after an ephemeral-content
// directive has been applied locally.
func (e *Engine) OnExplode(handler stream.ExplodeHandler) {
	e.processor.OnExplode(handler)
}

// Close stops the engine and terminates its action loop. Safe to call
// more than once; lifecycle calls after Close are ignored.
func (e *Engine) Close() {
	e.Stop()
	e.closeOnce.Do(func() {
		close(e.quit)
	})
	<-e.loopDone
}

// Processor exposes the engine's stream processor for direct use, e.g.
// running a catch-up join sweep outside the normal lifecycle.
func (e *Engine) Processor() *stream.Processor {
	return e.processor
}

func (e *Engine) activeConversation() string {
	e.activeMu.RLock()
	defer e.activeMu.RUnlock()
	return e.active
}

func (e *Engine) currentPhase() syncPhase {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()
	return e.phase
}

func (e *Engine) setPhase(p syncPhase) {
	e.phaseMu.Lock()
	e.phase = p
	e.phaseMu.Unlock()
}

// enqueue submits a lifecycle action without blocking the caller and
// reports whether it was accepted. A full queue indicates a runaway
// caller; the action is dropped and logged rather than wedging the
// process.
func (e *Engine) enqueue(action lifecycleAction) bool {
	select {
	case e.actions <- action:
		return true
	default:
		logrus.WithFields(logrus.Fields{
			"function": "enqueue",
			"action":   action.kind.String(),
		}).Error("Lifecycle action queue full, dropping action")
		return false
	}
}
