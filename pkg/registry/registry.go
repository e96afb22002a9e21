// Package registry implements the handler-registry dispatch layer: a
// name-indexed map of handlers and an operation-to-handler-name index.
// Handlers are a capability set, not an inheritance hierarchy.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ssahani/guestkit-worker/pkg/job"
)

// ExecutionContext is handed to a Handler's Execute method. It carries
// the ambient concerns (cancellation, progress reporting) a handler needs
// without exposing the executor's internals.
type ExecutionContext struct {
	Context  context.Context
	JobID    string
	Progress func(phase, message string, percent float64)
}

// Handler is the capability set every operation handler implements:
// name, supported operations, a supports predicate, semantic validation,
// and execution. There is no base type to extend — any type with these
// methods satisfies the interface.
type Handler interface {
	Name() string
	SupportedOperations() []string
	Supports(operation string) bool
	Validate(doc *job.Document) error
	Execute(ec *ExecutionContext, doc *job.Document) (map[string]any, error)
}

// Registry holds the handler_name -> Handler map and the operation ->
// handler_name index described in spec.md §4.2.
type Registry struct {
	mu          sync.RWMutex
	byName      map[string]Handler
	byOperation map[string]string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byName:      make(map[string]Handler),
		byOperation: make(map[string]string),
	}
}

// Register inserts h. Registration is idempotent by name: re-registering
// the same name replaces its entry. Conflicting operation->handler
// bindings (a different handler already claiming one of h's operations)
// are rejected.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, op := range h.SupportedOperations() {
		if existing, ok := r.byOperation[op]; ok && existing != h.Name() {
			return fmt.Errorf("operation %q already bound to handler %q, cannot bind to %q", op, existing, h.Name())
		}
	}

	r.byName[h.Name()] = h
	for _, op := range h.SupportedOperations() {
		r.byOperation[op] = h.Name()
	}
	return nil
}

// GetByOperation returns the handler bound to operation, if any.
func (r *Registry) GetByOperation(operation string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.byOperation[operation]
	if !ok {
		return nil, false
	}
	h, ok := r.byName[name]
	return h, ok
}

// SupportedOperations returns the sorted set of every operation any
// registered handler supports.
func (r *Registry) SupportedOperations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ops := make([]string, 0, len(r.byOperation))
	for op := range r.byOperation {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
