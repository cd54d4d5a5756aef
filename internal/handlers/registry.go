package handlers

import (
	"sort"
	"sync"

	"github.com/nvidal/stepwise/pkg/schema"
)

// Registry maps node types to their handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// NewDefaultRegistry creates a registry with every built-in handler
// registered: control flow, built-in data nodes, and one action handler per
// collaborator-backed node type.
func NewDefaultRegistry(collab Collaborator) *Registry {
	r := NewRegistry()
	builtins := []Handler{
		&startHandler{},
		&endHandler{},
		&conditionHandler{},
		&loopHandler{},
		&forEachHandler{},
		&tryCatchHandler{},
		&subflowHandler{},
		&logHandler{},
		&delayHandler{},
		&setVariableHandler{},
		&jsonQueryHandler{},
	}
	for _, h := range builtins {
		// Types are distinct constants, registration cannot collide.
		_ = r.Register(h)
	}
	for _, t := range schema.ActionNodeTypes {
		_ = r.Register(&actionHandler{nodeType: t, collab: collab})
	}
	return r
}

// Register adds a handler. Duplicate types are rejected.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Type()]; exists {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"handler for node type %q already registered", h.Type())
	}
	r.handlers[h.Type()] = h
	return nil
}

// Resolve returns the handler for a node type.
func (r *Registry) Resolve(nodeType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[nodeType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"no handler registered for node type %q", nodeType)
	}
	return h, nil
}

// Types returns the registered node types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
