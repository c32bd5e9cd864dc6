package session

// State is a session lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	// StateStopping is the termination-in-progress state. No further
	// mutating transitions are accepted until the session settles.
	StateStopping State = "stopping"

	// Terminal states.
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
	StateFailed    State = "failed"
)

// transitions is the full lifecycle edge set. Terminal states have no
// outgoing edges.
var transitions = map[State][]State{
	StateCreated:  {StateStarting, StateCancelled},
	StateStarting: {StateRunning, StateStopping, StateFailed},
	StateRunning:  {StatePaused, StateStopping},
	StatePaused:   {StateRunning, StateStopping},
	StateStopping: {StateCompleted, StateStopped, StateCancelled, StateTimedOut, StateFailed},
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateStopped, StateCancelled, StateTimedOut, StateFailed:
		return true
	}
	return false
}

// Active reports whether s counts against the concurrency gate
// (admitted into the running/paused population, or on its way there).
func (s State) Active() bool {
	switch s {
	case StateStarting, StateRunning, StatePaused, StateStopping:
		return true
	}
	return false
}

// canTransition reports whether from→to is a valid lifecycle edge.
func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
