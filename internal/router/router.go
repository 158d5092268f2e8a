// Package router fans inbound envelopes out to handlers registered by type.
//
// Registrations are tagged with the owner (a UI scope, a component) that made
// them, so an owner can drop every handler it holds in one call when it goes
// away, while many owners listen to the same message type side by side.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
)

var (
	ErrUnknownType = errors.New("router: unknown message type")
	ErrNilHandler  = errors.New("router: nil handler")
)

// Handler consumes one envelope. A returned error is logged and does not
// stop delivery to the remaining handlers.
type Handler func(env models.Envelope) error

// Owner identifies the scope a registration belongs to.
type Owner string

type entry struct {
	id      uint64
	owner   Owner
	handler Handler
}

// Router is a type-keyed dispatch table.
type Router struct {
	mu       sync.RWMutex
	handlers map[models.MessageType][]entry
	nextID   uint64
	logger   *slog.Logger
}

func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{handlers: make(map[models.MessageType][]entry), logger: logger}
}

// Registration is the token returned by Register.
type Registration struct {
	r    *Router
	t    models.MessageType
	id   uint64
	once sync.Once
}

// Dispose removes exactly this registration. Safe to call more than once.
func (reg *Registration) Dispose() {
	if reg == nil {
		return
	}
	reg.once.Do(func() { reg.r.remove(reg.t, reg.id) })
}

// Register appends handler to the list for t. Handlers for the same type run
// in registration order.
func (r *Router) Register(owner Owner, t models.MessageType, h Handler) (*Registration, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	if t != models.Wildcard && !t.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.handlers[t] = append(r.handlers[t], entry{id: id, owner: owner, handler: h})
	return &Registration{r: r, t: t, id: id}, nil
}

func (r *Router) remove(t models.MessageType, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[t]
	for i, e := range list {
		if e.id == id {
			r.setList(t, append(list[:i:i], list[i+1:]...))
			return
		}
	}
}

// ClearOwner removes every registration made by owner, across all types.
func (r *Router) ClearOwner(owner Owner) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for t, list := range r.handlers {
		kept := make([]entry, 0, len(list))
		for _, e := range list {
			if e.owner == owner {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		r.setList(t, kept)
	}
	return removed
}

// ClearAll resets the table.
func (r *Router) ClearAll() {
	r.mu.Lock()
	r.handlers = make(map[models.MessageType][]entry)
	r.mu.Unlock()
}

// must hold mu
func (r *Router) setList(t models.MessageType, list []entry) {
	if len(list) == 0 {
		delete(r.handlers, t)
		return
	}
	r.handlers[t] = list
}

// HandlerCount returns the number of handlers registered for t.
func (r *Router) HandlerCount(t models.MessageType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[t])
}

// OwnerCount returns the number of registrations held by owner.
func (r *Router) OwnerCount(owner Owner) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, list := range r.handlers {
		for _, e := range list {
			if e.owner == owner {
				n++
			}
		}
	}
	return n
}

// Len returns the total number of registrations.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, list := range r.handlers {
		n += len(list)
	}
	return n
}

// Dispatch delivers env to every handler of its type, then to wildcard
// handlers. It returns the number of handlers invoked.
func (r *Router) Dispatch(env models.Envelope) int {
	if !env.Type.Known() {
		observability.EnvelopesDropped.WithLabelValues("unknown_type").Inc()
		r.logger.Debug("dropping envelope of unknown type", "type", env.Type)
		return 0
	}

	// snapshot so handlers can register or dispose while we iterate
	r.mu.RLock()
	typed := append([]entry(nil), r.handlers[env.Type]...)
	wild := append([]entry(nil), r.handlers[models.Wildcard]...)
	r.mu.RUnlock()

	if len(typed) == 0 {
		observability.EnvelopesDropped.WithLabelValues("no_handler").Inc()
		r.logger.Debug("no handler for envelope", "type", env.Type)
	} else {
		observability.EnvelopesDispatched.WithLabelValues(string(env.Type)).Inc()
	}
	for _, e := range typed {
		r.invoke(e, env)
	}
	for _, e := range wild {
		r.invoke(e, env)
	}
	return len(typed) + len(wild)
}

func (r *Router) invoke(e entry, env models.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			observability.HandlerFailures.WithLabelValues(string(env.Type), "panic").Inc()
			r.logger.Error("handler panic recovered",
				"type", env.Type, "owner", e.owner, "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	if err := e.handler(env); err != nil {
		observability.HandlerFailures.WithLabelValues(string(env.Type), "error").Inc()
		r.logger.Warn("handler failed", "type", env.Type, "owner", e.owner, "error", err)
	}
}
