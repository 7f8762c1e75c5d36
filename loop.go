package msgsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgsync/interfaces"
)

// run is the engine's single-consumer command loop. It alone reads and
// writes e.state, which makes the transition table safe to reason about
// as sequential.
func (e *Engine) run() {
	defer close(e.loopDone)
	for {
		select {
		case <-e.quit:
			// Loop shutdown: make sure no session outlives the engine.
			e.teardownSession()
			return
		case action := <-e.actions:
			e.apply(action)
		}
	}
}

// apply executes one lifecycle transition. A panic during a transition
// cancels all in-flight tasks and moves the engine to the error phase;
// it never crashes the process.
func (e *Engine) apply(action lifecycleAction) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "apply",
				"action":   action.kind.String(),
				"panic":    fmt.Sprintf("%v", r),
			}).Error("Lifecycle transition failed")
			e.cancelTasks()
			e.transition(syncState{phase: phaseError, cause: fmt.Errorf("transition %s panicked: %v", action.kind, r)})
		}
	}()

	switch action.kind {
	case actionStart:
		e.handleStart(action.session)
	case actionSyncComplete:
		e.handleSyncComplete(action.session)
	case actionPause:
		e.handlePause()
	case actionResume:
		e.handleResume()
	case actionStop:
		e.handleStop(action.done)
	}
}

// transition replaces the loop-owned state and refreshes the phase
// mirror read by IsReady and Stop.
func (e *Engine) transition(next syncState) {
	if e.state.phase != next.phase {
		logrus.WithFields(logrus.Fields{
			"function": "transition",
			"from":     e.state.phase.String(),
			"to":       next.phase.String(),
		}).Debug("Engine state transition")
	}
	e.state = next
	e.setPhase(next.phase)
}

func (e *Engine) ignore(action actionKind) {
	logrus.WithFields(logrus.Fields{
		"function": "apply",
		"action":   action.String(),
		"phase":    e.state.phase.String(),
	}).Debug("Ignoring lifecycle action in current phase")
}

func (e *Engine) handleStart(session *interfaces.Session) {
	switch e.state.phase {
	case phaseIdle, phaseError:
		e.beginSession(session)

	case phaseStarting:
		// Duplicate start while already starting.
		e.ignore(actionStart)

	case phaseReady:
		if e.state.session != nil && e.state.session.InboxID == session.InboxID {
			e.ignore(actionStart)
			return
		}
		// Starting with a different identity always fully stops the
		// previous session first.
		e.teardownSession()
		e.beginSession(session)

	case phasePaused:
		e.teardownSession()
		e.beginSession(session)

	default:
		e.ignore(actionStart)
	}
}

func (e *Engine) handleSyncComplete(session *interfaces.Session) {
	if e.state.phase != phaseStarting || e.state.session != session {
		// A stale completion from a superseded start.
		e.ignore(actionSyncComplete)
		return
	}

	if e.state.pauseRequested {
		e.stopStreams()
		e.transition(syncState{phase: phasePaused, session: e.state.session})
		return
	}
	e.transition(syncState{phase: phaseReady, session: e.state.session})
}

func (e *Engine) handlePause() {
	switch e.state.phase {
	case phaseStarting:
		next := e.state
		next.pauseRequested = true
		e.transition(next)

	case phaseReady:
		e.stopStreams()
		e.transition(syncState{phase: phasePaused, session: e.state.session})

	default:
		e.ignore(actionPause)
	}
}

func (e *Engine) handleResume() {
	switch e.state.phase {
	case phaseStarting:
		if e.state.pauseRequested {
			next := e.state
			next.pauseRequested = false
			e.transition(next)
			return
		}
		e.ignore(actionResume)

	case phasePaused:
		e.launchStreams(e.state.session)
		e.transition(syncState{phase: phaseReady, session: e.state.session})

	default:
		e.ignore(actionResume)
	}
}

// handleStop tears down the current session. The done channel, when
// set, is closed on return so the caller's Stop can stop waiting; the
// deferred close also runs if the teardown panics.
func (e *Engine) handleStop(done chan struct{}) {
	if done != nil {
		defer close(done)
	}

	if e.state.phase == phaseIdle {
		e.ignore(actionStop)
		return
	}
	e.transition(syncState{phase: phaseStopping, session: e.state.session})
	e.teardownSession()
}

// beginSession creates the per-session task context, launches the two
// stream supervisors and the one-shot resync task, and enters Starting.
func (e *Engine) beginSession(session *interfaces.Session) {
	e.runCtx, e.runCancel = context.WithCancel(context.Background())
	e.runWG = &sync.WaitGroup{}

	e.launchStreams(session)

	e.runWG.Add(1)
	go e.resyncTask(e.runCtx, session)

	e.transition(syncState{phase: phaseStarting, session: session})
}

// launchStreams starts the conversation and message supervisors under a
// cancel scope nested in the session scope, so Pause can stop them
// without discarding the session.
func (e *Engine) launchStreams(session *interfaces.Session) {
	ctx, cancel := context.WithCancel(e.runCtx)
	e.streamCancel = cancel

	wg := &sync.WaitGroup{}
	e.streamWG = wg
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.conversationLoop(ctx, session)
	}()
	go func() {
		defer wg.Done()
		e.messageLoop(ctx, session)
	}()
}

// stopStreams cancels both stream supervisors and awaits their exit.
func (e *Engine) stopStreams() {
	if e.streamCancel != nil {
		e.streamCancel()
		e.streamCancel = nil
	}
	if e.streamWG != nil {
		e.streamWG.Wait()
		e.streamWG = nil
	}
}

// cancelTasks cancels everything without waiting; used on the panic
// path where a blocked wait must not wedge the loop.
func (e *Engine) cancelTasks() {
	if e.streamCancel != nil {
		e.streamCancel()
		e.streamCancel = nil
	}
	if e.runCancel != nil {
		e.runCancel()
		e.runCancel = nil
	}
}

// teardownSession cancels all per-session tasks, awaits their
// completion, and returns the engine to Idle.
func (e *Engine) teardownSession() {
	e.stopStreams()
	if e.runCancel != nil {
		e.runCancel()
		e.runCancel = nil
	}
	if e.runWG != nil {
		e.runWG.Wait()
		e.runWG = nil
	}
	e.runCtx = nil
	e.transition(syncState{phase: phaseIdle})
}

// resyncTask performs the one-shot full catch-up sync and the join
// request sweep, then reports completion back into the action queue.
// Resync failure is not fatal: the event streams are independently live
// and will converge state, so the engine proceeds to Ready regardless.
func (e *Engine) resyncTask(ctx context.Context, session *interfaces.Session) {
	defer e.runWG.Done()

	if err := session.Client.FullResync(ctx, consentFilter()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "resyncTask",
			"inbox_id": session.InboxID,
			"error":    err.Error(),
		}).Warn("Full resync failed, proceeding to ready")
	}

	if ctx.Err() == nil {
		since := time.Now().Add(-e.cfg.JoinCatchUpWindow)
		if results := e.processor.ProcessJoinRequests(ctx, since, session); len(results) > 0 {
			logrus.WithFields(logrus.Fields{
				"function": "resyncTask",
				"accepted": len(results),
			}).Info("Catch-up join sweep accepted members")
		}
	}

	select {
	case e.actions <- lifecycleAction{kind: actionSyncComplete, session: session}:
	case <-ctx.Done():
	}
}
