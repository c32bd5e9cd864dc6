package procmon

import (
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// Registry tracks every spawned pid alongside its owning session id so that
// processes whose session object is already gone can be reaped. The
// orchestrator's reaper loop drives Reconcile periodically.
type Registry struct {
	logger *slog.Logger

	mu        sync.Mutex
	owners    map[int]string // pid -> session id
	reclaimed int64
}

// NewRegistry creates an empty pid registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		owners: make(map[int]string),
	}
}

// Track records a spawned pid and its owning session.
func (r *Registry) Track(pid int, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[pid] = sessionID
}

// Release drops a pid whose session shut it down through the normal path.
func (r *Registry) Release(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owners, pid)
}

// Reconcile compares tracked pids against the OS process table. Dead pids
// are dropped; live pids whose owning session no longer exists are killed
// and counted as reclamations. Returns the number reclaimed in this pass.
func (r *Registry) Reconcile(ownerExists func(sessionID string) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	reclaimed := 0
	for pid, sid := range r.owners {
		if !pidAlive(pid) {
			delete(r.owners, pid)
			continue
		}
		if ownerExists(sid) {
			continue
		}

		r.logger.Warn("reaping orphaned process", "pid", pid, "session_id", sid)
		_ = unix.Kill(pid, unix.SIGKILL)
		delete(r.owners, pid)
		reclaimed++
	}

	r.reclaimed += int64(reclaimed)
	return reclaimed
}

// Reclaimed returns the total number of orphaned processes reaped.
func (r *Registry) Reclaimed() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reclaimed
}

// Tracked returns the number of pids currently tracked.
func (r *Registry) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.owners)
}
