// Package coordinator implements the top-level lifecycle state machine
// that owns every other subsystem and supervises their liveness.
package coordinator

import "fmt"

// State is the coordinator's FSM state.
type State int

const (
	Boot State = iota
	Init
	Idle
	Running
	Finished
	Aborting
	Error
)

func (s State) String() string {
	switch s {
	case Boot:
		return "Boot"
	case Init:
		return "Init"
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Finished:
		return "Finished"
	case Aborting:
		return "Aborting"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitions enumerates every edge the FSM permits; System.transition
// rejects anything not listed here, so every externally observed
// transition is one of these.
var transitions = map[State]map[State]bool{
	Boot:     {Init: true, Error: true},
	Init:     {Idle: true, Error: true},
	Idle:     {Running: true, Error: true},
	Running:  {Finished: true, Aborting: true, Error: true},
	Aborting: {Idle: true, Error: true},
	Finished: {Idle: true},
	Error:    {Idle: true},
}

// Allowed reports whether a transition from 'from' to 'to' is in the FSM's
// transition table.
func Allowed(from, to State) bool {
	return transitions[from][to]
}
