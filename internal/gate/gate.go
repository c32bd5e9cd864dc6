// Package gate bounds the number of simultaneously active sessions with a
// counting permit pool.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrResourceExhausted is returned by TryAcquire when every permit is held.
// The requesting session stays in the created state.
var ErrResourceExhausted = errors.New("resource exhausted: no session permits available")

// Gate is a counting permit pool sized to the maximum number of concurrently
// active sessions. A permit is acquired when a session enters the starting
// state and released exactly once, when it reaches a terminal state.
type Gate struct {
	permits chan struct{}

	mu   sync.Mutex
	held int
}

// New creates a gate with the given capacity.
func New(capacity int) *Gate {
	if capacity < 1 {
		panic(fmt.Sprintf("gate: capacity must be positive, got %d", capacity))
	}
	return &Gate{permits: make(chan struct{}, capacity)}
}

// Acquire blocks until a permit is available or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.permits <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	g.mu.Lock()
	g.held++
	g.mu.Unlock()
	return nil
}

// TryAcquire takes a permit without blocking, failing fast with
// ErrResourceExhausted when the gate is at capacity.
func (g *Gate) TryAcquire() error {
	select {
	case g.permits <- struct{}{}:
	default:
		return ErrResourceExhausted
	}

	g.mu.Lock()
	g.held++
	g.mu.Unlock()
	return nil
}

// Release returns a permit. Double-release and release-without-acquire are
// programming errors guarded by the internal counter; they panic rather than
// silently widening the gate.
func (g *Gate) Release() {
	g.mu.Lock()
	if g.held <= 0 {
		g.mu.Unlock()
		panic("gate: release without matching acquire")
	}
	g.held--
	g.mu.Unlock()

	<-g.permits
}

// InUse returns the number of permits currently held.
func (g *Gate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// Capacity returns the total permit count.
func (g *Gate) Capacity() int {
	return cap(g.permits)
}
