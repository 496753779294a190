package tool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/taskmesh/model"
)

// Registry is a concurrency safe collection of tools keyed by name. A single
// registry is typically shared by the scheduler, the executor and the step
// loop so every capability resolves through one place.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool to the registry. Registering a second tool under an
// already taken name is an error rather than a silent replacement.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("register: tool must not be nil")
	}
	if t.Name() == "" {
		return fmt.Errorf("register: tool name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("register: tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.tools)
}

// Definitions renders the registered tools as model tool definitions, ready
// to be attached to a generation request. When filter is non-empty only the
// named tools are included; unknown names are skipped.
func (r *Registry) Definitions(filter ...string) []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	if len(filter) > 0 {
		names = filter
	} else {
		for name := range r.tools {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	defs := make([]model.ToolDefinition, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}
