// Package orchestrator composes the session engine: one state machine,
// framer, backpressure controller, router, and process monitor per session,
// bounded by a shared concurrency gate. It is the only component external
// collaborators call.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runmux/runmux/internal/binary"
	"github.com/runmux/runmux/internal/buffer"
	"github.com/runmux/runmux/internal/config"
	"github.com/runmux/runmux/internal/events"
	"github.com/runmux/runmux/internal/gate"
	"github.com/runmux/runmux/internal/procmon"
	"github.com/runmux/runmux/internal/router"
	"github.com/runmux/runmux/internal/session"
	"github.com/runmux/runmux/internal/snapshot"
)

var (
	// ErrSessionNotFound is returned for operations on unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotRunning is returned by SendInput outside the running state.
	ErrNotRunning = errors.New("session not running")

	// ErrAwaitTimeout is returned by AwaitCompletion when the session has
	// not settled within the given timeout.
	ErrAwaitTimeout = errors.New("await completion timed out")

	// ErrClosed is returned once the orchestrator has been shut down.
	ErrClosed = errors.New("orchestrator closed")
)

// CreateOptions describes a new session.
type CreateOptions struct {
	// Executable is resolved through the binary collaborator at creation.
	Executable string
	Args       []string
	Env        map[string]string
	Dir        string

	// Params are opaque model/config parameters carried on the session.
	Params map[string]any

	// Deadline, when set, overrides the configured default session deadline.
	Deadline time.Time
}

// Status is the externally visible view of one session.
type Status struct {
	ID            string          `json:"id"`
	State         session.State   `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
	Deadline      time.Time       `json:"deadline,omitzero"`
	PID           int             `json:"pid,omitempty"`
	ExitCode      *int            `json:"exit_code,omitempty"`
	Metrics       session.Metrics `json:"metrics"`
	LastError     string          `json:"last_error,omitempty"`
	CheckpointRef string          `json:"checkpoint_ref,omitempty"`
}

// Filter selects sessions for ListSessions. A zero filter matches everything.
type Filter struct {
	States []session.State
}

func (f Filter) matches(st session.State) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if s == st {
			return true
		}
	}
	return false
}

// managed bundles one session with its per-session plumbing.
type managed struct {
	sess   *session.Session
	router *router.Router
	spec   procmon.Spec
	pause  *pauseGate

	mu         sync.Mutex
	proc       *procmon.Proc
	buf        *buffer.Controller
	cancelPump context.CancelFunc
	pumpDone   chan struct{}

	permitHeld bool
	finishOnce sync.Once
}

// Orchestrator owns the session registry. Sessions are keyed by id; all
// mutation funnels through each session's own lock, and the gate's permit
// counter is the only process-wide shared state.
type Orchestrator struct {
	cfg      *config.Config
	logger   *slog.Logger
	resolver binary.Resolver
	store    snapshot.Store
	bus      *events.Bus
	gate     *gate.Gate
	pids     *procmon.Registry

	mu       sync.Mutex
	sessions map[string]*managed
	closed   bool

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// New creates an orchestrator and starts its reaper loop. The config must
// have been validated.
func New(cfg *config.Config, resolver binary.Resolver, store snapshot.Store, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		resolver:   resolver,
		store:      store,
		bus:        events.NewBus(cfg.EventBufferSize, logger),
		gate:       gate.New(cfg.MaxConcurrentSessions),
		pids:       procmon.NewRegistry(logger),
		sessions:   make(map[string]*managed),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	go o.reaperLoop()
	return o
}

// Events returns the lifecycle event bus for observability subscribers.
func (o *Orchestrator) Events() *events.Bus { return o.bus }

// Create resolves the executable and registers a new session in the created
// state. No permit is taken and no process is spawned yet.
func (o *Orchestrator) Create(ctx context.Context, opts CreateOptions) (string, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	info, err := o.resolver.Resolve(ctx, opts.Executable)
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable: %w", err)
	}

	deadline := opts.Deadline
	if deadline.IsZero() && o.cfg.DefaultSessionDeadline() > 0 {
		deadline = time.Now().UTC().Add(o.cfg.DefaultSessionDeadline())
	}

	id := uuid.New().String()
	m := &managed{
		sess:   session.New(id, info, opts.Params, deadline),
		router: router.New(o.logger),
		pause:  newPauseGate(),
		spec: procmon.Spec{
			Path: info.Path,
			Args: opts.Args,
			Env:  opts.Env,
			Dir:  opts.Dir,
		},
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}
	o.sessions[id] = m
	o.mu.Unlock()

	o.logger.Info("session created", "session_id", id, "executable", info.Path)
	return id, nil
}

// RegisterHandler adds a record handler for a session. Handlers run in
// ascending priority order for their record type.
func (o *Orchestrator) RegisterHandler(id, recordType string, priority int, h router.Handler) error {
	m, err := o.get(id)
	if err != nil {
		return err
	}
	m.router.Register(recordType, priority, h)
	return nil
}

// SetDefaultHandler installs the handler for record types with no
// registrations.
func (o *Orchestrator) SetDefaultHandler(id string, h router.Handler) error {
	m, err := o.get(id)
	if err != nil {
		return err
	}
	m.router.SetDefault(h)
	return nil
}

// Start acquires a gate permit, blocking until one is free, then spawns the
// session's subprocess and starts its pump.
func (o *Orchestrator) Start(ctx context.Context, id string) error {
	m, err := o.get(id)
	if err != nil {
		return err
	}
	if err := o.gate.Acquire(ctx); err != nil {
		return err
	}
	return o.startWithPermit(m)
}

// TryStart is the non-blocking form of Start: it fails fast with
// ErrResourceExhausted when the gate is at capacity, leaving the session in
// the created state.
func (o *Orchestrator) TryStart(id string) error {
	m, err := o.get(id)
	if err != nil {
		return err
	}
	if err := o.gate.TryAcquire(); err != nil {
		return err
	}
	return o.startWithPermit(m)
}

// Pause suspends record dispatch for a running session. Pipe reads stop once
// the backpressure controller fills to its high watermark.
func (o *Orchestrator) Pause(id string) error {
	m, err := o.get(id)
	if err != nil {
		return err
	}
	if err := m.sess.Transition(session.StatePaused); err != nil {
		return err
	}
	m.pause.Pause()
	o.logger.Info("session paused", "session_id", id)
	return nil
}

// Resume restarts record dispatch for a paused session.
func (o *Orchestrator) Resume(id string) error {
	m, err := o.get(id)
	if err != nil {
		return err
	}
	if err := m.sess.Transition(session.StateRunning); err != nil {
		return err
	}
	m.pause.Resume()
	o.logger.Info("session resumed", "session_id", id)
	return nil
}

// SendInput writes bytes to the subprocess's input channel. Valid only while
// the session is running; the write blocks until the subprocess accepts it.
func (o *Orchestrator) SendInput(id string, data []byte) error {
	m, err := o.get(id)
	if err != nil {
		return err
	}
	if st := m.sess.State(); st != session.StateRunning {
		return fmt.Errorf("%w: state %s", ErrNotRunning, st)
	}

	m.mu.Lock()
	proc := m.proc
	m.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("%w: no process", ErrNotRunning)
	}

	if _, err := proc.Stdin().Write(data); err != nil {
		return fmt.Errorf("failed to write input: %w", err)
	}
	return nil
}

// Cancel requests cooperative termination. Exactly one concurrent cancel
// wins; the rest receive ErrAlreadyTerminating or ErrAlreadyTerminal. The
// in-flight read is not aborted, but no further records are dispatched.
func (o *Orchestrator) Cancel(id, reason string) error {
	return o.terminate(id, session.StateCancelled, reason)
}

// Stop gracefully stops a session, settling in the stopped state.
func (o *Orchestrator) Stop(id string) error {
	return o.terminate(id, session.StateStopped, "stop requested")
}

func (o *Orchestrator) terminate(id string, target session.State, reason string) error {
	m, err := o.get(id)
	if err != nil {
		return err
	}
	if err := m.sess.BeginTermination(target, reason); err != nil {
		return err
	}

	o.logger.Info("session terminating",
		"session_id", id,
		"target", target,
		"reason", reason)

	if m.sess.State().Terminal() {
		// Never started; settled in place.
		o.finishTerminal(m)
		return nil
	}

	o.teardown(m)
	return nil
}

// AwaitCompletion suspends until the session reaches a terminal state or the
// timeout elapses, returning the state it observed. A non-positive timeout
// waits until terminal or ctx cancellation.
func (o *Orchestrator) AwaitCompletion(ctx context.Context, id string, timeout time.Duration) (session.State, error) {
	m, err := o.get(id)
	if err != nil {
		return "", err
	}

	if timeout <= 0 {
		select {
		case <-m.sess.Done():
			return m.sess.State(), nil
		case <-ctx.Done():
			return m.sess.State(), ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.sess.Done():
		return m.sess.State(), nil
	case <-timer.C:
		return m.sess.State(), fmt.Errorf("%w: after %s", ErrAwaitTimeout, timeout)
	case <-ctx.Done():
		return m.sess.State(), ctx.Err()
	}
}

// CaptureState snapshots the session's history and persists it through the
// checkpoint store, returning the stored snapshot.
func (o *Orchestrator) CaptureState(id string) (*snapshot.Snapshot, error) {
	m, err := o.get(id)
	if err != nil {
		return nil, err
	}

	snap, err := snapshot.Capture(m.sess, snapshot.Command{
		Args: m.spec.Args,
		Env:  m.spec.Env,
		Dir:  m.spec.Dir,
	})
	if err != nil {
		return nil, err
	}

	if _, err := o.store.Store(snap); err != nil {
		return nil, fmt.Errorf("failed to store snapshot: %w", err)
	}

	o.logger.Info("session state captured", "session_id", id, "snapshot_id", snap.SnapshotID)
	return snap, nil
}

// RestoreFrom creates a new session preloaded with a snapshot's history. The
// session is not started; its restart counter carries forward.
func (o *Orchestrator) RestoreFrom(snap *snapshot.Snapshot) (string, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	deadline := time.Time{}
	if o.cfg.DefaultSessionDeadline() > 0 {
		deadline = time.Now().UTC().Add(o.cfg.DefaultSessionDeadline())
	}

	id := uuid.New().String()
	sess := session.New(id, snap.Executable, snap.Params, deadline)
	metrics := snap.Metrics
	metrics.Restarts++
	sess.PreloadHistory(snap.Records, metrics)
	sess.SetCheckpointRef(snap.SnapshotID)

	m := &managed{
		sess:   sess,
		router: router.New(o.logger),
		pause:  newPauseGate(),
		spec: procmon.Spec{
			Path: snap.Executable.Path,
			Args: snap.Command.Args,
			Env:  snap.Command.Env,
			Dir:  snap.Command.Dir,
		},
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}
	o.sessions[id] = m
	o.mu.Unlock()

	o.logger.Info("session restored",
		"session_id", id,
		"snapshot_id", snap.SnapshotID,
		"records", len(snap.Records))
	return id, nil
}

// RestoreFromCheckpoint loads a checkpoint id from the store and restores it.
func (o *Orchestrator) RestoreFromCheckpoint(checkpointID string) (string, error) {
	snap, err := o.store.Load(checkpointID)
	if err != nil {
		return "", err
	}
	return o.RestoreFrom(snap)
}

// SampleResources reads a point-in-time CPU and memory sample for the
// session's backing process.
func (o *Orchestrator) SampleResources(id string) (procmon.Sample, error) {
	m, err := o.get(id)
	if err != nil {
		return procmon.Sample{}, err
	}

	m.mu.Lock()
	proc := m.proc
	m.mu.Unlock()
	if proc == nil {
		return procmon.Sample{}, fmt.Errorf("%w: no process", ErrNotRunning)
	}
	return proc.Sample()
}

// GetStatus reports the session's state, metrics, and latest error.
func (o *Orchestrator) GetStatus(id string) (Status, error) {
	m, err := o.get(id)
	if err != nil {
		return Status{}, err
	}
	return o.statusOf(m), nil
}

func (o *Orchestrator) statusOf(m *managed) Status {
	st := Status{
		ID:            m.sess.ID(),
		State:         m.sess.State(),
		CreatedAt:     m.sess.CreatedAt(),
		Deadline:      m.sess.Deadline(),
		PID:           m.sess.PID(),
		Metrics:       m.sess.Metrics(),
		LastError:     m.sess.Reason(),
		CheckpointRef: m.sess.CheckpointRef(),
	}
	if code, ok := m.sess.ExitCode(); ok {
		st.ExitCode = &code
	}
	return st
}

// ListSessions returns summaries for sessions matching the filter, ordered
// by creation time.
func (o *Orchestrator) ListSessions(filter Filter) []Status {
	o.mu.Lock()
	all := make([]*managed, 0, len(o.sessions))
	for _, m := range o.sessions {
		all = append(all, m)
	}
	o.mu.Unlock()

	var out []Status
	for _, m := range all {
		if filter.matches(m.sess.State()) {
			out = append(out, o.statusOf(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Remove drops a terminal session from the registry. Its process, if any
// still lingers, becomes eligible for the orphan reaper.
func (o *Orchestrator) Remove(id string) error {
	m, err := o.get(id)
	if err != nil {
		return err
	}
	if !m.sess.State().Terminal() {
		return fmt.Errorf("%w: session %s is %s", session.ErrInvalidTransition, id, m.sess.State())
	}

	o.mu.Lock()
	delete(o.sessions, id)
	o.mu.Unlock()
	return nil
}

// GateInUse reports held permits; exposed for observability.
func (o *Orchestrator) GateInUse() int { return o.gate.InUse() }

// Reclaimed reports the total orphaned processes reaped.
func (o *Orchestrator) Reclaimed() int64 { return o.pids.Reclaimed() }

// Close stops the reaper and terminates every non-terminal session, waiting
// up to ctx for them to settle.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	all := make([]*managed, 0, len(o.sessions))
	for _, m := range o.sessions {
		all = append(all, m)
	}
	o.mu.Unlock()

	close(o.stopReaper)
	<-o.reaperDone

	for _, m := range all {
		if err := m.sess.BeginTermination(session.StateStopped, "orchestrator shutdown"); err != nil {
			continue
		}
		if m.sess.State().Terminal() {
			o.finishTerminal(m)
			continue
		}
		o.teardown(m)
	}

	for _, m := range all {
		select {
		case <-m.sess.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (o *Orchestrator) get(id string) (*managed, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return m, nil
}

func (o *Orchestrator) sessionExists(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.sessions[id]
	return ok
}
