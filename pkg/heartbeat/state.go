// Package heartbeat implements the scheduler that gives an agent its
// pulse. One background worker wakes on a timer or on demand, drains
// queued input, runs the model, dispatches requested skills, and
// returns to idle. Cycles are strictly sequential; everything else
// talks to the worker through thread-safe handles.
package heartbeat

// State is the scheduler's lifecycle phase.
type State string

const (
	// StateInitializing is the phase before Start.
	StateInitializing State = "INITIALIZING"
	// StateIdle means the worker is waiting for a tick or a wake.
	StateIdle State = "IDLE"
	// StateHeartbeat means a cycle is draining input and building context.
	StateHeartbeat State = "HEARTBEAT"
	// StateThinking means the model call is in flight.
	StateThinking State = "THINKING"
	// StateExecuting means requested skills are being dispatched.
	StateExecuting State = "EXECUTING"
	// StateError means repeated consecutive cycle failures; the loop
	// keeps running degraded.
	StateError State = "ERROR"
	// StateShutdown is terminal.
	StateShutdown State = "SHUTDOWN"
)

func (s State) String() string { return string(s) }
