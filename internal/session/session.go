// Package session owns one managed subprocess run: its lifecycle state
// machine, append-only record history, and counters. All mutation funnels
// through the session's own lock; the only cross-session state in the system
// is the concurrency gate's permit counter.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/runmux/runmux/internal/binary"
	"github.com/runmux/runmux/internal/record"
)

// Metrics counts per-session stream and processing activity. No error is
// silently dropped: every absorbed failure increments one of these.
type Metrics struct {
	BytesIn       int64 `json:"bytes_in"`
	RecordsParsed int64 `json:"records_parsed"`
	ParseErrors   int64 `json:"parse_errors"`
	HandlerErrors int64 `json:"handler_errors"`
	Restarts      int64 `json:"restarts"`
}

// Session is one managed run of an external subprocess from creation to a
// terminal outcome.
type Session struct {
	id            string
	createdAt     time.Time
	executable    binary.Info
	params        map[string]any
	checkpointRef string

	mu       sync.Mutex
	state    State
	pending  State // terminal target while stopping
	reason   string
	deadline time.Time
	history  []record.Record
	metrics  Metrics
	pid      int
	exitCode *int
	sawEnd   bool
	done     chan struct{}
}

// New creates a session in the created state. A zero deadline means the
// session never times out.
func New(id string, exe binary.Info, params map[string]any, deadline time.Time) *Session {
	return &Session{
		id:         id,
		createdAt:  time.Now().UTC(),
		executable: exe,
		params:     params,
		state:      StateCreated,
		deadline:   deadline,
		done:       make(chan struct{}),
	}
}

// ID returns the session's opaque stable identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the creation timestamp.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Executable returns the resolved executable descriptor.
func (s *Session) Executable() binary.Info { return s.executable }

// Params returns the opaque model/config parameters supplied at creation.
func (s *Session) Params() map[string]any { return s.params }

// CheckpointRef returns the checkpoint this session was restored from, if any.
func (s *Session) CheckpointRef() string { return s.checkpointRef }

// SetCheckpointRef records the checkpoint a restored session came from.
func (s *Session) SetCheckpointRef(ref string) { s.checkpointRef = ref }

// Deadline returns the absolute deadline, or the zero time for none.
func (s *Session) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done returns a channel closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason returns a bounded description of the latest terminal reason or
// last error.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// PID returns the backing process id, or zero before spawn.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// SetPID records the spawned process id.
func (s *Session) SetPID(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pid = pid
}

// ExitCode returns the resolved exit code and whether one has been observed.
func (s *Session) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitCode == nil {
		return 0, false
	}
	return *s.exitCode, true
}

// Transition moves the session along one lifecycle edge. Exactly one
// transition proceeds at a time; an illegal move returns ErrInvalidTransition
// (wrapping ErrAlreadyTerminal when the session has settled) and changes
// nothing.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to State) error {
	if s.state.Terminal() {
		return fmt.Errorf("%w: %s -> %s: %w", ErrInvalidTransition, s.state, to, ErrAlreadyTerminal)
	}
	if !canTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	if to.Terminal() {
		close(s.done)
	}
	return nil
}

// BeginTermination enters the stopping state with a recorded terminal target.
// Exactly one caller wins; concurrent attempts receive ErrAlreadyTerminating
// while settling and ErrAlreadyTerminal afterwards. A created session that
// never started settles immediately.
func (s *Session) BeginTermination(target State, reason string) error {
	if !target.Terminal() {
		return fmt.Errorf("%w: termination target %s is not terminal", ErrInvalidTransition, target)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state.Terminal():
		return ErrAlreadyTerminal
	case s.state == StateStopping:
		return ErrAlreadyTerminating
	case s.state == StateCreated:
		// No process to tear down; settle in place.
		if !canTransition(StateCreated, target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, target)
		}
		s.reason = reason
		return s.transitionLocked(target)
	}

	if err := s.transitionLocked(StateStopping); err != nil {
		return err
	}
	s.pending = target
	s.reason = reason
	return nil
}

// PendingTarget returns the terminal state recorded by BeginTermination, or
// empty when the session is not stopping.
func (s *Session) PendingTarget() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopping {
		return ""
	}
	return s.pending
}

// Settle finalizes a session into a terminal state, recording the exit code.
// When a termination target is pending it wins over the resolved outcome,
// except that a crash during cooperative shutdown still surfaces as the
// pending target (the caller asked for it). Settle on an already-terminal
// session is a no-op returning ErrAlreadyTerminal.
func (s *Session) Settle(outcome State, exitCode *int, reason string) error {
	if !outcome.Terminal() {
		return fmt.Errorf("%w: settle target %s is not terminal", ErrInvalidTransition, outcome)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return ErrAlreadyTerminal
	}

	final := outcome
	finalReason := reason
	if s.state == StateStopping && s.pending != "" {
		final = s.pending
		if s.reason != "" {
			finalReason = s.reason
		}
	}

	if s.state != StateStopping {
		// Direct settle (spawn failure from starting, crash from running).
		if !canTransition(s.state, StateStopping) && !canTransition(s.state, final) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, final)
		}
		if canTransition(s.state, StateStopping) && !canTransition(s.state, final) {
			if err := s.transitionLocked(StateStopping); err != nil {
				return err
			}
		}
	}

	s.exitCode = exitCode
	s.reason = finalReason
	return s.transitionLocked(final)
}

// AppendRecord appends one record to the history and bumps parse counters.
// History never loses, duplicates, or reorders records.
func (s *Session) AppendRecord(rec record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, rec)
	s.metrics.RecordsParsed++
	if rec.IsParseError() {
		s.metrics.ParseErrors++
	}
	if rec.Type == record.TypeEnd {
		s.sawEnd = true
	}
}

// PreloadHistory installs history on a restored session before it starts.
func (s *Session) PreloadHistory(recs []record.Record, metrics Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append([]record.Record(nil), recs...)
	s.metrics = metrics
}

// History returns a copy of the record history.
func (s *Session) History() []record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]record.Record(nil), s.history...)
}

// SawEnd reports whether an end record has been observed on this run.
func (s *Session) SawEnd() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sawEnd
}

// Metrics returns a snapshot of the counters.
func (s *Session) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// AddBytesIn counts raw bytes consumed from the output pipe.
func (s *Session) AddBytesIn(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.BytesIn += int64(n)
}

// AddHandlerErrors counts handler failures absorbed by the router.
func (s *Session) AddHandlerErrors(n int) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.HandlerErrors += int64(n)
}

// SetRestarts records the restart counter (carried across restores).
func (s *Session) SetRestarts(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.Restarts = n
}
