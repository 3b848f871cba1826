// Package registry maps handler names to the backend that executes them.
//
// The registry is the single lookup surface for the dispatch hub. Each entry
// carries a Descriptor with provenance metadata and an Invoker that executes
// the task on whatever backend owns the handler.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sort"
	"sync"

	"github.com/experthub/experthub/internal/memory"
	"github.com/experthub/experthub/internal/task"
)

//go:generate mockgen -source=registry.go -destination=mocks/mock_invoker.go -package=mocks

var (
	// ErrDuplicateHandler is returned by Register when the name is taken.
	ErrDuplicateHandler = errors.New("handler already registered")
	// ErrHandlerNotFound is returned by Resolve and Deregister for unknown names.
	ErrHandlerNotFound = errors.New("handler not found")
)

// Backend identifies which execution path owns a handler.
type Backend string

const (
	BackendNative     Backend = "native"
	BackendPlugin     Backend = "plugin"
	BackendSubprocess Backend = "subprocess"
	BackendInterp     Backend = "interp"
	BackendModel      Backend = "model"
)

// Invoker executes a task payload and returns a terminal outcome.
// Implementations must not panic; the hub treats a panic that escapes an
// Invoker as an infrastructure fault.
type Invoker interface {
	Invoke(ctx context.Context, payload json.RawMessage, mem *memory.Store) task.Outcome
}

// Descriptor is one registered handler.
type Descriptor struct {
	Name         string
	Backend      Backend
	Capabilities []string
	// Source is where the handler came from: an artifact path for plugin
	// handlers, "builtin" for native ones, the config key for subprocess ones.
	Source string
	// Hash is the hex content hash of the backing artifact, when there is one.
	Hash string
	// Warning is set when the handler was admitted with verification disabled.
	Warning string
	Invoker Invoker
}

// Registry is a concurrency-safe handler table.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Descriptor
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Descriptor)}
}

// Register adds a handler. It fails with ErrDuplicateHandler if the name is
// already present; existing registrations are never silently clobbered.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return errors.New("handler name must not be empty")
	}
	if d.Invoker == nil {
		return errors.New("handler must carry an invoker")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[d.Name]; exists {
		return ErrDuplicateHandler
	}
	r.handlers[d.Name] = d
	return nil
}

// Replace installs a handler, overwriting any existing registration with the
// same name. The swap is atomic with respect to Resolve: a concurrent lookup
// sees either the old descriptor or the new one, never neither.
func (r *Registry) Replace(d Descriptor) error {
	if d.Name == "" {
		return errors.New("handler name must not be empty")
	}
	if d.Invoker == nil {
		return errors.New("handler must carry an invoker")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[d.Name] = d
	return nil
}

// Resolve looks up a handler by exact name.
func (r *Registry) Resolve(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.handlers[name]
	if !ok {
		return Descriptor{}, ErrHandlerNotFound
	}
	return d, nil
}

// Deregister removes a handler by name.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[name]; !ok {
		return ErrHandlerNotFound
	}
	delete(r.handlers, name)
	return nil
}

// Len reports the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// List yields a name-sorted snapshot of the registered handlers. The snapshot
// is taken when iteration starts, so mutations during iteration are not
// observed by the caller.
func (r *Registry) List() iter.Seq[Descriptor] {
	return func(yield func(Descriptor) bool) {
		r.mu.RLock()
		snapshot := make([]Descriptor, 0, len(r.handlers))
		for _, d := range r.handlers {
			snapshot = append(snapshot, d)
		}
		r.mu.RUnlock()

		sort.Slice(snapshot, func(i, j int) bool {
			return snapshot[i].Name < snapshot[j].Name
		})
		for _, d := range snapshot {
			if !yield(d) {
				return
			}
		}
	}
}
