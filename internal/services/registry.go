package services

import (
	"context"
	"sync"
)

// ActionHandler executes one concrete action type against an external system.
// Implementations are registered by collaborators; the engine knows nothing
// about individual integrations. Execute must honor ctx cancellation where the
// underlying transport allows it.
type ActionHandler interface {
	Execute(ctx context.Context, token string, params map[string]any, payload map[string]any) (Result, error)
}

// ActionHandlerFunc adapts a function to the ActionHandler interface.
type ActionHandlerFunc func(ctx context.Context, token string, params map[string]any, payload map[string]any) (Result, error)

func (f ActionHandlerFunc) Execute(ctx context.Context, token string, params map[string]any, payload map[string]any) (Result, error) {
	return f(ctx, token, params, payload)
}

// Registry maps action types to handlers. Unknown types are rejected at rule
// creation where possible and again at dispatch time.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]ActionHandler)}
}

func (r *Registry) Register(actionType string, h ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = h
}

func (r *Registry) Resolve(actionType string) (ActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}

// Known reports whether a handler is registered for actionType.
func (r *Registry) Known(actionType string) bool {
	_, ok := r.Resolve(actionType)
	return ok
}

// Types returns the registered action types, for validation error messages.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}
