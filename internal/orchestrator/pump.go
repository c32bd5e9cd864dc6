package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/runmux/runmux/internal/buffer"
	"github.com/runmux/runmux/internal/events"
	"github.com/runmux/runmux/internal/ndjson"
	"github.com/runmux/runmux/internal/procmon"
	"github.com/runmux/runmux/internal/record"
	"github.com/runmux/runmux/internal/session"
)

// startWithPermit spawns the process and wires the pump. The caller has
// already taken a gate permit; every path out of here either hands the permit
// to the session or releases it on failure.
func (o *Orchestrator) startWithPermit(m *managed) error {
	if err := m.sess.Transition(session.StateStarting); err != nil {
		o.gate.Release()
		return err
	}
	m.mu.Lock()
	m.permitHeld = true
	m.mu.Unlock()

	o.publish(events.TypeSessionStarting, m)

	proc, err := procmon.Spawn(m.spec, o.cfg.StderrTailBytes, o.logger)
	if err != nil {
		_ = m.sess.Settle(session.StateFailed, nil, err.Error())
		o.finishTerminal(m)
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.proc = proc
	m.buf = buffer.New(o.cfg.Buffer.HighWatermark, o.cfg.Buffer.LowWatermark, o.cfg.Buffer.MaxSize)
	m.cancelPump = cancel
	m.pumpDone = make(chan struct{})
	m.mu.Unlock()

	m.sess.SetPID(proc.PID())
	o.pids.Track(proc.PID(), m.sess.ID())

	go o.readLoop(pumpCtx, m)
	go o.dispatchLoop(pumpCtx, m)
	go o.watchExit(m)

	// A cancel may have raced the spawn and found nothing to tear down;
	// re-check now that the process and pump exist.
	if st := m.sess.State(); st == session.StateStopping || st.Terminal() {
		o.teardown(m)
	}

	return nil
}

// readLoop moves bytes from the subprocess's output pipe into the
// backpressure controller. It checks the controller's pause signal before
// every pipe read, so buffered bytes never grow past the high watermark by
// more than one chunk and never past the absolute maximum at all.
func (o *Orchestrator) readLoop(ctx context.Context, m *managed) {
	defer m.buf.Close()

	stdout := m.proc.Stdout()
	chunk := make([]byte, o.cfg.ReadChunkBytes)
	first := true

	for {
		if err := m.buf.WaitWritable(ctx); err != nil {
			return
		}

		n, err := stdout.Read(chunk)
		if n > 0 {
			if first {
				first = false
				// Process healthy, first output observed.
				if terr := m.sess.Transition(session.StateRunning); terr == nil {
					o.publish(events.TypeSessionRunning, m)
				}
			}

			m.sess.AddBytesIn(n)
			if werr := m.buf.Write(chunk[:n]); werr != nil {
				if errors.Is(werr, buffer.ErrOverflow) {
					o.failOverflow(m, werr)
				}
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				o.logger.Debug("stdout read ended",
					"session_id", m.sess.ID(),
					"error", err)
			}
			return
		}
	}
}

// dispatchLoop drains the controller, frames records, and routes them. It
// runs until the buffer is fully drained after pipe close, or until
// cancellation stops further dispatch. Pause is honored both before and
// after fetching from the buffer: a pause that lands while the loop is
// parked in Next holds the fetched chunk undispatched until resume. Once
// the process has exited there is nothing left to pace, so the pause gate
// no longer blocks the drain and the session can settle.
func (o *Orchestrator) dispatchLoop(ctx context.Context, m *managed) {
	defer close(m.pumpDone)

	exited := m.proc.Done()
	framer := ndjson.NewFramer()
	for {
		if err := m.pause.Wait(ctx, exited); err != nil {
			return
		}

		data, err := m.buf.Next(ctx, o.cfg.ReadChunkBytes)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if m.pause.Wait(ctx, exited) == nil {
					if rec, ok := framer.Flush(); ok {
						o.deliver(m, rec)
					}
				}
			}
			return
		}

		if err := m.pause.Wait(ctx, exited); err != nil {
			return
		}

		for _, rec := range framer.Push(data) {
			o.deliver(m, rec)
		}
	}
}

// deliver routes one record and appends it to history. Handler failures are
// absorbed: recorded on the record, counted, and never allowed to halt the
// session.
func (o *Orchestrator) deliver(m *managed, rec record.Record) {
	res := m.router.Dispatch(&rec)
	m.sess.AppendRecord(rec)
	m.sess.AddHandlerErrors(len(res.Errors))

	if rec.IsParseError() {
		o.logger.Warn("malformed output line",
			"session_id", m.sess.ID(),
			"offset", rec.RawOffset,
			"preview", rec.Payload["preview"])
	}
}

// watchExit resolves the process's exit into the session's terminal state.
func (o *Orchestrator) watchExit(m *managed) {
	exit := m.proc.Wait()

	// Let the dispatch loop finish draining buffered output first so the
	// history is complete before the outcome is resolved.
	<-m.pumpDone

	outcome, reason := procmon.ResolveOutcome(exit, m.sess.SawEnd())

	var codePtr *int
	code := exit.Code
	codePtr = &code

	if err := m.sess.Settle(outcome, codePtr, reason); err != nil {
		o.logger.Warn("failed to settle session",
			"session_id", m.sess.ID(),
			"outcome", outcome,
			"error", err)
	}
	o.finishTerminal(m)
}

// failOverflow terminates a session whose producer outpaced its consumer
// past the absolute buffer maximum. Only this session is affected.
func (o *Orchestrator) failOverflow(m *managed, cause error) {
	if err := m.sess.BeginTermination(session.StateFailed, cause.Error()); err != nil {
		return
	}
	o.logger.Error("buffer overflow, killing session",
		"session_id", m.sess.ID(),
		"error", cause)
	o.teardown(m)
}

// teardown stops dispatch and terminates the process; watchExit settles the
// session once the exit resolves.
func (o *Orchestrator) teardown(m *managed) {
	m.mu.Lock()
	cancel := m.cancelPump
	proc := m.proc
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Resume a paused session so nothing blocks the wind-down.
	m.pause.Resume()

	if proc != nil {
		go proc.Terminate(o.cfg.GracePeriod())
	}
}

// finishTerminal releases the session's resources exactly once: its gate
// permit, its pid registration, and a terminal lifecycle event.
func (o *Orchestrator) finishTerminal(m *managed) {
	m.finishOnce.Do(func() {
		m.mu.Lock()
		held := m.permitHeld
		m.permitHeld = false
		proc := m.proc
		m.mu.Unlock()

		if held {
			o.gate.Release()
		}
		if proc != nil {
			o.pids.Release(proc.PID())
		}

		o.publish(events.TypeSessionTerminal, m)

		o.logger.Info("session terminal",
			"session_id", m.sess.ID(),
			"state", m.sess.State(),
			"reason", m.sess.Reason())
	})
}

// publish emits one lifecycle event; delivery is best-effort.
func (o *Orchestrator) publish(eventType string, m *managed) {
	evt := events.Event{
		Type:      eventType,
		SessionID: m.sess.ID(),
		State:     string(m.sess.State()),
		Reason:    m.sess.Reason(),
	}
	if eventType == events.TypeSessionTerminal {
		if code, ok := m.sess.ExitCode(); ok {
			evt.ExitCode = &code
		}
	}
	o.bus.Publish(evt)
}

// reaperLoop periodically enforces deadlines and reconciles the pid registry
// against the OS process table.
func (o *Orchestrator) reaperLoop() {
	defer close(o.reaperDone)

	ticker := time.NewTicker(o.cfg.ReaperInterval())
	defer ticker.Stop()

	for {
		select {
		case <-o.stopReaper:
			return
		case <-ticker.C:
			o.reapDeadlines(time.Now().UTC())
			o.pids.Reconcile(o.sessionExists)
		}
	}
}

// reapDeadlines times out every non-terminal session past its deadline.
// Sessions without a deadline never time out.
func (o *Orchestrator) reapDeadlines(now time.Time) {
	o.mu.Lock()
	all := make([]*managed, 0, len(o.sessions))
	for _, m := range o.sessions {
		all = append(all, m)
	}
	o.mu.Unlock()

	for _, m := range all {
		deadline := m.sess.Deadline()
		if deadline.IsZero() || now.Before(deadline) {
			continue
		}
		if err := m.sess.BeginTermination(session.StateTimedOut, "deadline exceeded"); err != nil {
			continue
		}

		o.logger.Warn("session deadline exceeded",
			"session_id", m.sess.ID(),
			"deadline", deadline)

		if m.sess.State().Terminal() {
			o.finishTerminal(m)
			continue
		}
		o.teardown(m)
	}
}

// pauseGate suspends the dispatch loop while a session is explicitly paused.
// Distinct from backpressure: pausing dispatch fills the controller, which
// then suspends pipe reads on its own.
type pauseGate struct {
	mu     sync.Mutex
	paused bool
	ch     chan struct{} // closed while unpaused
}

func newPauseGate() *pauseGate {
	ch := make(chan struct{})
	close(ch)
	return &pauseGate{ch: ch}
}

// Pause blocks subsequent Wait calls until Resume.
func (g *pauseGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.ch = make(chan struct{})
	}
}

// Resume releases waiting callers. Safe to call when not paused.
func (g *pauseGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.ch)
	}
}

// Wait blocks while paused. It also returns once release is closed: the
// release channel carries the backing process's exit, after which holding
// dispatch would only strand buffered output and block settlement.
func (g *pauseGate) Wait(ctx context.Context, release <-chan struct{}) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
