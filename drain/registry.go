// Package drain executes queued actions when the network allows, in
// priority order, with bounded concurrency and per-action retry. It
// performs no domain I/O itself: handlers supplied by the application
// do the actual work.
package drain

import (
	"context"
	"errors"
	"sync"

	"github.com/lumeo/syncbox"
)

// Handler executes one action. A nil error removes the action from the
// queue; an error counts against its retry budget. The context carries
// the per-action deadline and must be honored by the handler.
type Handler func(ctx context.Context, action syncbox.Action) error

// Registry maps action types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an action type, replacing any previous
// binding.
func (r *Registry) Register(actionType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = h
}

// Lookup returns the handler for an action type.
func (r *Registry) Lookup(actionType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}

// Types returns the registered action types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// ErrUnknownType is wrapped into the failure recorded for actions whose
// type has no registered handler.
var ErrUnknownType = errors.New("drain: no handler registered for action type")
