package procmon

import (
	"fmt"
	"strings"

	"github.com/runmux/runmux/internal/session"
)

// ResolveOutcome maps a process exit to a terminal session outcome. Exit code
// zero plus a previously observed end record means the run completed; a clean
// exit without one is a premature failure. Nonzero and signal exits fail with
// a diagnostic built from the stderr tail.
func ResolveOutcome(exit ExitResult, sawEnd bool) (session.State, string) {
	switch {
	case exit.Err != nil:
		return session.StateFailed, fmt.Sprintf("process wait failed: %v", exit.Err)

	case exit.Signal != "":
		return session.StateFailed, withTail(fmt.Sprintf("process killed by %s", exit.Signal), exit.StderrTail)

	case exit.Code != 0:
		return session.StateFailed, withTail(fmt.Sprintf("process exited with code %d", exit.Code), exit.StderrTail)

	case !sawEnd:
		return session.StateFailed, "process exited cleanly before emitting an end record"

	default:
		return session.StateCompleted, ""
	}
}

func withTail(msg, tail string) string {
	tail = strings.TrimSpace(tail)
	if tail == "" {
		return msg
	}
	return msg + ": " + tail
}
