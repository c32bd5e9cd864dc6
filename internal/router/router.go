// Package router dispatches decoded records to type-specific handlers.
package router

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/runmux/runmux/internal/record"
)

// Disposition tells the router whether to keep walking the handler chain
// after a handler returns.
type Disposition int

const (
	// Continue passes the (possibly mutated) record to the next handler.
	Continue Disposition = iota
	// Final stops the chain; later handlers do not see the record.
	Final
)

// Handler consumes one record. Handlers may mutate the record in place;
// mutations are visible to later handlers in the same chain.
type Handler interface {
	Handle(rec *record.Record) (Disposition, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(rec *record.Record) (Disposition, error)

// Handle calls f.
func (f HandlerFunc) Handle(rec *record.Record) (Disposition, error) {
	return f(rec)
}

type registration struct {
	priority int
	seq      int // registration order, tie-break for equal priorities
	handler  Handler
}

// Router routes records to zero or more handlers registered for their type,
// in ascending priority order. Types with no registration fall through to a
// single default handler.
type Router struct {
	logger *slog.Logger

	mu       sync.RWMutex
	byType   map[string][]registration
	fallback Handler
	nextSeq  int
}

// Result summarizes one dispatch.
type Result struct {
	Handled int     // handlers that ran
	Errors  []error // one entry per failed handler
}

// New creates an empty router.
func New(logger *slog.Logger) *Router {
	return &Router{
		logger: logger,
		byType: make(map[string][]registration),
	}
}

// Register adds a handler for a record type. Handlers run in ascending
// priority order; equal priorities run in registration order.
func (r *Router) Register(recordType string, priority int, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := append(r.byType[recordType], registration{
		priority: priority,
		seq:      r.nextSeq,
		handler:  h,
	})
	r.nextSeq++

	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority < regs[j].priority
		}
		return regs[i].seq < regs[j].seq
	})
	r.byType[recordType] = regs
}

// SetDefault installs the handler that receives records whose type has no
// registrations.
func (r *Router) SetDefault(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// Dispatch runs the handler chain for rec's type. A handler error or panic
// is recorded against the record and counted in the result; the chain then
// continues with the next handler, so one misbehaving handler never halts
// processing for the session.
func (r *Router) Dispatch(rec *record.Record) Result {
	r.mu.RLock()
	regs := r.byType[rec.Type]
	fallback := r.fallback
	r.mu.RUnlock()

	var res Result

	if len(regs) == 0 {
		if fallback == nil {
			return res
		}
		res.Handled = 1
		if _, err := r.runHandler(fallback, rec); err != nil {
			rec.HandlerErrors = append(rec.HandlerErrors, err.Error())
			res.Errors = append(res.Errors, err)
		}
		return res
	}

	for _, reg := range regs {
		res.Handled++
		disp, err := r.runHandler(reg.handler, rec)
		if err != nil {
			rec.HandlerErrors = append(rec.HandlerErrors, err.Error())
			res.Errors = append(res.Errors, err)
			continue
		}
		if disp == Final {
			break
		}
	}
	return res
}

// runHandler invokes one handler with panic isolation.
func (r *Router) runHandler(h Handler, rec *record.Record) (disp Disposition, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
			disp = Continue
			r.logger.Error("handler panicked",
				"record_type", rec.Type,
				"panic", p)
		}
	}()
	return h.Handle(rec)
}
