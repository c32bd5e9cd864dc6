// Package procmon spawns and supervises the OS process backing a session:
// pipes, exit resolution, resource samples, graceful termination, and the
// reaping of orphaned processes.
package procmon

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrSpawn is wrapped by spawn failures (missing or unexecutable binary).
var ErrSpawn = errors.New("spawn failed")

// Spec describes the subprocess to launch.
type Spec struct {
	Path string
	Args []string
	Env  map[string]string
	Dir  string
}

// ExitResult is the resolved outcome of a process exit.
type ExitResult struct {
	Code       int    // -1 when killed by a signal
	Signal     string // non-empty when killed by a signal
	StderrTail string // bounded tail of the error stream
	Err        error  // non-exit errors from Wait
}

// Proc is one spawned subprocess under supervision.
type Proc struct {
	logger *slog.Logger

	cmd       *exec.Cmd
	pid       int
	startTime time.Time
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	tail      *tailBuffer

	done chan struct{} // closed by waitLoop once the exit is resolved
	exit ExitResult

	mu       sync.Mutex
	lastCPU  cpuTimes
	termOnce sync.Once
}

// Spawn launches the executable described by spec with stdin/stdout pipes
// and a bounded stderr tail capture. The environment inherits the parent's,
// extended with spec.Env.
func Spawn(spec Spec, stderrTailBytes int, logger *slog.Logger) (*Proc, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create stdin pipe: %w", ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: failed to create stdout pipe: %w", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("%w: failed to create stderr pipe: %w", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	p := &Proc{
		logger:    logger,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startTime: time.Now().UTC(),
		stdin:     stdin,
		stdout:    stdout,
		tail:      newTailBuffer(stderrTailBytes),
		done:      make(chan struct{}),
	}

	logger.Info("process started", "path", spec.Path, "pid", p.pid)

	go p.drainStderr(stderr)
	go p.waitLoop()

	return p, nil
}

// PID returns the process id.
func (p *Proc) PID() int { return p.pid }

// StartTime returns when the process was spawned.
func (p *Proc) StartTime() time.Time { return p.startTime }

// Stdout returns the subprocess's output pipe.
func (p *Proc) Stdout() io.ReadCloser { return p.stdout }

// Stdin returns the subprocess's input pipe.
func (p *Proc) Stdin() io.WriteCloser { return p.stdin }

// StderrTail returns the captured tail of the error stream.
func (p *Proc) StderrTail() string { return p.tail.String() }

// Done returns a channel closed once the exit outcome is resolved.
func (p *Proc) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits and returns the resolved outcome.
func (p *Proc) Wait() ExitResult {
	<-p.done
	return p.exit
}

// Exited reports whether the process has exited.
func (p *Proc) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Alive reports liveness against the OS process table.
func (p *Proc) Alive() bool {
	if p.Exited() {
		return false
	}
	return pidAlive(p.pid)
}

// Terminate shuts the process down: close stdin, send SIGTERM, and escalate
// to SIGKILL if it has not exited within grace. Safe to call multiple times;
// every call blocks until the exit is resolved.
func (p *Proc) Terminate(grace time.Duration) ExitResult {
	p.termOnce.Do(func() {
		_ = p.stdin.Close() // best effort, pipe may already be closed

		if err := signalProcess(p.cmd.Process, unix.SIGTERM); err != nil {
			p.logger.Warn("failed to signal process", "pid", p.pid, "error", err)
		}

		select {
		case <-p.done:
		case <-time.After(grace):
			p.logger.Warn("process did not stop gracefully, killing", "pid", p.pid)
			_ = signalProcess(p.cmd.Process, unix.SIGKILL)
		}
	})

	return p.Wait()
}

// waitLoop resolves the exit outcome exactly once.
func (p *Proc) waitLoop() {
	err := p.cmd.Wait()
	p.exit = resolveExit(err, p.tail.String())
	close(p.done)

	if p.exit.Signal != "" {
		p.logger.Warn("process killed by signal", "pid", p.pid, "signal", p.exit.Signal)
	} else if p.exit.Code != 0 {
		p.logger.Warn("process exited", "pid", p.pid, "code", p.exit.Code)
	} else {
		p.logger.Info("process exited cleanly", "pid", p.pid)
	}
}

func (p *Proc) drainStderr(stderr io.ReadCloser) {
	_, _ = io.Copy(p.tail, stderr)
}

// resolveExit converts the error from cmd.Wait into an ExitResult.
func resolveExit(err error, stderrTail string) ExitResult {
	res := ExitResult{StderrTail: stderrTail}
	if err == nil {
		return res
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		res.Code = -1
		res.Err = err
		return res
	}

	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		res.Code = -1
		res.Signal = unix.SignalName(status.Signal())
		return res
	}

	res.Code = exitErr.ExitCode()
	return res
}

// signalProcess sends sig, treating an already-exited process as success.
func signalProcess(proc *os.Process, sig os.Signal) error {
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// pidAlive probes the OS process table. EPERM means the process exists but
// belongs to someone else.
func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = 4096
	}
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = append(t.buf[:0:0], t.buf[len(t.buf)-t.limit:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
