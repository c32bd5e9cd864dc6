// Package events publishes best-effort session lifecycle notifications to
// observability subscribers. Delivery is fire-and-forget: a slow subscriber
// drops events and never stalls a session's pump.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types, emitted once per matching transition.
const (
	TypeSessionStarting = "session.starting"
	TypeSessionRunning  = "session.running"
	TypeSessionTerminal = "session.terminal"
)

// Event is one lifecycle notification.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

type subscriber struct {
	id int
	ch chan Event
}

// Bus fans lifecycle events out to subscribers over buffered channels.
type Bus struct {
	logger *slog.Logger
	buffer int

	mu     sync.Mutex
	subs   []subscriber
	nextID int
}

// NewBus creates a bus whose subscriber channels buffer up to buffer events.
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{logger: logger, buffer: buffer}
}

// Subscribe registers a new subscriber. The returned cancel function
// unregisters it and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := subscriber{id: b.nextID, ch: make(chan Event, b.buffer)}
	b.nextID++
	b.subs = append(b.subs, sub)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return sub.ch, cancel
}

// Publish delivers evt to every subscriber without blocking. A full
// subscriber channel drops the event.
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	b.mu.Lock()
	subs := append([]subscriber(nil), b.subs...)
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- evt:
		default:
			b.logger.Warn("subscriber channel full, dropping event",
				"event_type", evt.Type,
				"session_id", evt.SessionID)
		}
	}
}
