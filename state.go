package msgsync

import "github.com/opd-ai/msgsync/interfaces"

// syncPhase is the engine's lifecycle phase.
type syncPhase uint8

const (
	phaseIdle syncPhase = iota
	phaseStarting
	phaseReady
	phasePaused
	phaseStopping
	phaseError
)

// String returns a string representation of the phase.
func (p syncPhase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseStarting:
		return "starting"
	case phaseReady:
		return "ready"
	case phasePaused:
		return "paused"
	case phaseStopping:
		return "stopping"
	case phaseError:
		return "error"
	default:
		return "invalid"
	}
}

// syncState is the engine's full lifecycle state. Owned exclusively by
// the action-processing goroutine; never mutated from outside it.
type syncState struct {
	phase   syncPhase
	session *interfaces.Session

	// pauseRequested remembers a Pause that arrived while Starting; it
	// is honored when the startup sync completes.
	pauseRequested bool

	// cause is the failure that moved the engine to phaseError.
	cause error
}

// actionKind identifies a lifecycle command.
type actionKind uint8

const (
	actionStart actionKind = iota
	actionSyncComplete
	actionPause
	actionResume
	actionStop
)

// String returns a string representation of the action kind.
func (k actionKind) String() string {
	switch k {
	case actionStart:
		return "start"
	case actionSyncComplete:
		return "sync_complete"
	case actionPause:
		return "pause"
	case actionResume:
		return "resume"
	case actionStop:
		return "stop"
	default:
		return "invalid"
	}
}

// lifecycleAction is one command value consumed by the engine's action
// loop, strictly FIFO, one at a time.
type lifecycleAction struct {
	kind    actionKind
	session *interfaces.Session

	// done, set on stop actions, is closed once the action has been
	// handled and all session tasks are torn down.
	done chan struct{}
}
