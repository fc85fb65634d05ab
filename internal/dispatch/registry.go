// Package dispatch routes decoded envelopes to handlers: tenant
// resolution, authorization, rate limiting and the interaction
// deferral deadline all happen here, so handlers only see events that
// are allowed to run.
package dispatch

import (
	"context"
	"sync"

	"github.com/arrakis/gateway/internal/broker"
	"github.com/arrakis/gateway/internal/envelope"
)

// Handler processes one event and reports how the delivery should be
// settled. The error, when present, is classified with errs and only
// feeds logs and metrics; the disposition alone decides the broker
// outcome.
type Handler func(ctx context.Context, env *envelope.Envelope) (broker.Disposition, error)

// Registry maps full event types to handlers. Keys carry the dynamic
// tail ("interaction.command.leaderboard", not "interaction.command.*");
// command names are authoritative here, not at the ingestor.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an event type, replacing any previous
// binding. Registration happens at process start; runtime mutation is
// legal but unusual.
func (r *Registry) Register(eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = h
}

// Lookup resolves the handler for an event type.
func (r *Registry) Lookup(eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[eventType]
	return h, ok
}

// Types lists the registered event types, for startup logging.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
