// Package work provides the capability table that maps task kinds to the
// functions performing them.
package work

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/pipeline/internal/config"
	"github.com/aristath/pipeline/internal/scheduler"
)

// Invoker performs one kind of task. Implementations must honor the context
// deadline and tolerate being called again with the same inputs.
type Invoker interface {
	Invoke(ctx context.Context, inputs map[string]any) (scheduler.Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, inputs map[string]any) (scheduler.Result, error)

func (f InvokerFunc) Invoke(ctx context.Context, inputs map[string]any) (scheduler.Result, error) {
	return f(ctx, inputs)
}

// UnknownKindError is returned when a task's kind has no registered invoker.
type UnknownKindError struct {
	Task string
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("task %q has unknown kind %q", e.Task, e.Kind)
}

// Registry maps task kinds to invokers.
type Registry struct {
	mu       sync.RWMutex
	invokers map[string]Invoker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{invokers: make(map[string]Invoker)}
}

// Register adds an invoker for kind. Registering a kind twice is an error.
func (r *Registry) Register(kind string, inv Invoker) error {
	if kind == "" || inv == nil {
		return fmt.Errorf("register: kind and invoker are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.invokers[kind]; exists {
		return fmt.Errorf("kind %q already registered", kind)
	}
	r.invokers[kind] = inv
	return nil
}

// Lookup returns the invoker registered for kind.
func (r *Registry) Lookup(kind string) (Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[kind]
	return inv, ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.invokers))
	for k := range r.invokers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Bind resolves every task's invoker once and returns a scheduler.WorkFunc
// dispatching on task ID. The first task with an unregistered kind yields an
// *UnknownKindError.
func (r *Registry) Bind(tasks []*scheduler.Task) (scheduler.WorkFunc, error) {
	bound := make(map[string]Invoker, len(tasks))
	for _, t := range tasks {
		inv, ok := r.Lookup(t.Kind)
		if !ok {
			return nil, &UnknownKindError{Task: t.ID, Kind: t.Kind}
		}
		bound[t.ID] = inv
	}

	return func(ctx context.Context, task *scheduler.Task, inputs map[string]any) (scheduler.Result, error) {
		inv, ok := bound[task.ID]
		if !ok {
			return scheduler.Result{}, &UnknownKindError{Task: task.ID, Kind: task.Kind}
		}
		return inv.Invoke(ctx, inputs)
	}, nil
}

// New creates an invoker from a kind configuration.
// This factory function switches on cfg.Type and returns the matching invoker.
func New(cfg config.KindConfig, pm *ProcessManager) (Invoker, error) {
	switch cfg.Type {
	case "command":
		return NewCommandInvoker(cfg, pm)
	case "static":
		return NewStaticInvoker(cfg.Data), nil
	default:
		return nil, fmt.Errorf("unknown kind type: %s", cfg.Type)
	}
}

// FromConfig builds a registry holding one invoker per configured kind.
func FromConfig(kinds map[string]config.KindConfig, pm *ProcessManager) (*Registry, error) {
	r := NewRegistry()

	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		inv, err := New(kinds[name], pm)
		if err != nil {
			return nil, fmt.Errorf("kind %q: %w", name, err)
		}
		if err := r.Register(name, inv); err != nil {
			return nil, err
		}
	}
	return r, nil
}
