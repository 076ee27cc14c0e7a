// Package registry provides the extension registry (C2) through which
// executors are discovered and instantiated, and the tool registry (C3)
// of tools looked up by name.
package registry

import (
	"fmt"
	"sync"

	"github.com/apflow/taskflow"
)

// Category groups extensions by concern, mirroring the teacher's
// ToolCategory grouping in ai/agent/registry/tool_registry.go.
type Category string

const (
	CategoryExecutor Category = "executor"
	CategoryStorage  Category = "storage"
	CategoryHook     Category = "hook"
)

// ExecutorFactory builds an Executor for a single task invocation. Unlike
// the Python original's "try keyword dispatch, fall back to **merged on
// TypeError" trick, the Go signature is fixed and explicit — there is no
// reflection-driven re-dispatch.
type ExecutorFactory func(inputs, params map[string]any, cancelCheck taskflow.CancelChecker) (taskflow.Executor, error)

// Extension describes one registered executor type.
type Extension struct {
	ID       string
	Category Category
	Type     string
	Factory  ExecutorFactory
}

// ExecutorRegistry is a concurrency-safe map of registered extensions,
// keyed by id; GetByType and ListByCategory scan every registration.
type ExecutorRegistry struct {
	mu   sync.RWMutex
	byID map[string]*Extension
}

// NewExecutorRegistry creates an empty registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{byID: make(map[string]*Extension)}
}

// Register adds an extension. A duplicate id is rejected; use
// RegisterOverride to replace an existing registration.
func (r *ExecutorRegistry) Register(ext *Extension) error {
	return r.register(ext, false)
}

// RegisterOverride adds an extension, replacing any existing registration
// under the same id.
func (r *ExecutorRegistry) RegisterOverride(ext *Extension) error {
	return r.register(ext, true)
}

func (r *ExecutorRegistry) register(ext *Extension, override bool) error {
	if ext == nil || ext.ID == "" {
		return fmt.Errorf("registry: extension must have a non-empty id")
	}
	if ext.Factory == nil {
		return fmt.Errorf("registry: extension %s has no factory", ext.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[ext.ID]; exists && !override {
		return fmt.Errorf("registry: extension %s already registered", ext.ID)
	}
	r.byID[ext.ID] = ext
	return nil
}

// Unregister removes an extension by id. Reports whether it existed.
func (r *ExecutorRegistry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	return true
}

// GetByID returns the extension registered under id, if any.
func (r *ExecutorRegistry) GetByID(id string) (*Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext, ok := r.byID[id]
	return ext, ok
}

// GetByType returns an extension registered for the given type name;
// when several share the type, which one is returned is not defined.
// CreateExecutorInstance falls back to this lookup when a method is not
// a registered id.
func (r *ExecutorRegistry) GetByType(typ string) (*Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ext := range r.byID {
		if ext.Type == typ {
			return ext, true
		}
	}
	return nil, false
}

// ListByCategory returns every extension registered under category, in
// no particular order.
func (r *ExecutorRegistry) ListByCategory(category Category) []*Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Extension
	for _, ext := range r.byID {
		if ext.Category == category {
			out = append(out, ext)
		}
	}
	return out
}

// CreateExecutorInstance resolves method — first as a registration id,
// then as a type tag — and invokes the extension's factory. Returns an
// error naming the unknown method rather than panicking — the manager
// surfaces this as a task failure, not a crash.
func (r *ExecutorRegistry) CreateExecutorInstance(method string, inputs, params map[string]any, cancelCheck taskflow.CancelChecker) (taskflow.Executor, error) {
	ext, ok := r.GetByID(method)
	if !ok {
		ext, ok = r.GetByType(method)
	}
	if !ok {
		return nil, fmt.Errorf("registry: no executor registered for %q", method)
	}
	return ext.Factory(inputs, params, cancelCheck)
}

// global is the process-wide default registry, mirroring the teacher's
// package-level singleton convention in ai/agent/registry.
var global = NewExecutorRegistry()

// Default returns the process-wide executor registry.
func Default() *ExecutorRegistry { return global }
