package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a fresh task instance.
type Factory func() Task

// Registry maps task type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register installs a task factory. Returns an error if the type name already exists.
func (r *Registry) Register(typeName string, factory Factory) error {
	if typeName == "" {
		return fmt.Errorf("registry: type name is required")
	}
	if factory == nil {
		return fmt.Errorf("registry: factory is required for %s", typeName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typeName]; exists {
		return fmt.Errorf("registry: %s already registered", typeName)
	}
	r.factories[typeName] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(typeName string, factory Factory) {
	if err := r.Register(typeName, factory); err != nil {
		panic(err)
	}
}

// New constructs a task by type name.
func (r *Registry) New(typeName string) (Task, error) {
	r.mu.RLock()
	factory, ok := r.factories[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, NewResolutionError(fmt.Sprintf("unknown task type %q", typeName), nil).
			WithCode(ErrCodeUnknownTaskType)
	}
	task := factory()
	if task.Type() != typeName {
		return nil, fmt.Errorf("registry: factory for %s built a %s", typeName, task.Type())
	}
	return task, nil
}

// Has reports whether typeName is registered.
func (r *Registry) Has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typeName]
	return ok
}

// Types returns a sorted list of registered type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
