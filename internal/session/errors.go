package session

import "errors"

// Lifecycle error sentinels. Callers branch on these with errors.Is.
var (
	// ErrInvalidTransition is returned for a lifecycle move not present in
	// the transition table. The session's state is left unchanged.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrAlreadyTerminating is returned when termination is requested while
	// a previous termination is still settling. Exactly one concurrent
	// cancel wins; the rest get this.
	ErrAlreadyTerminating = errors.New("session already terminating")

	// ErrAlreadyTerminal is returned for mutating requests against a
	// session that has reached a terminal state.
	ErrAlreadyTerminal = errors.New("session already terminal")
)
