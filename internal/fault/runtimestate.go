package fault

import "sync/atomic"

// RuntimeState is the scheduler's lifecycle state, per spec.md §3:
//
//	Stopped -> Initializing -> Running -> {Faulted, Stopping} -> Stopped
//
// Only the scheduler goroutine mutates it; observers read snapshots via
// Load. Unlike the teacher's FastState (which trades transition validation
// for raw CAS speed on a hot microtask path), this state machine validates
// every transition: lifecycle changes here happen a handful of times per
// run, not millions of times per second, so there is no performance reason
// to skip the check, and skipping it would silently hide the
// InvalidStateTransition fault spec.md §3 requires.
type RuntimeState uint32

const (
	Stopped RuntimeState = iota
	Initializing
	Running
	Faulted
	Stopping
)

func (s RuntimeState) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Initializing:
		return "Initializing"
	case Running:
		return "Running"
	case Faulted:
		return "Faulted"
	case Stopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// edges enumerates the permitted forward transitions of the lifecycle
// graph. Faulted and Stopping both only ever return to Stopped.
var edges = map[RuntimeState][]RuntimeState{
	Stopped:      {Initializing},
	Initializing: {Running, Faulted},
	Running:      {Faulted, Stopping},
	Faulted:      {Stopped},
	Stopping:     {Stopped},
}

// StateMachine is a single-writer/many-reader runtime-state slot. The
// scheduler goroutine is the sole writer (via Transition); any goroutine
// may read the current state (via Load).
type StateMachine struct {
	v atomic.Uint32
}

// NewStateMachine returns a state machine initialized to Stopped.
func NewStateMachine() *StateMachine {
	sm := &StateMachine{}
	sm.v.Store(uint32(Stopped))
	return sm
}

// Load returns the current state.
func (sm *StateMachine) Load() RuntimeState {
	return RuntimeState(sm.v.Load())
}

// Transition moves the machine from its current state to to, provided the
// lattice permits it. On success it returns true; on an illegal request it
// leaves the state untouched and returns an *InvalidStateTransition error
// along with false, for the caller to raise as a fault.
func (sm *StateMachine) Transition(to RuntimeState) (bool, error) {
	from := sm.Load()
	for _, candidate := range edges[from] {
		if candidate == to {
			sm.v.Store(uint32(to))
			return true, nil
		}
	}
	return false, &InvalidStateTransition{From: from.String(), To: to.String()}
}
