package tool

import (
	"sort"

	"github.com/hupe1980/agentloop/model"
)

// Registry resolves tools by name for one run. It is not safe for concurrent
// mutation; build it up front and treat it as read-only afterwards.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry creates a registry holding tools. Later tools replace earlier
// ones with the same name.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool. Nil tools are ignored.
func (r *Registry) Register(t Tool) {
	if t == nil {
		return
	}
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Merge returns a new registry holding the tools of r overlaid with extra.
// On a name clash the tool from extra wins.
func (r *Registry) Merge(extra ...Tool) *Registry {
	merged := NewRegistry()
	if r != nil {
		for _, name := range r.order {
			merged.Register(r.tools[name])
		}
	}
	for _, t := range extra {
		merged.Register(t)
	}
	return merged
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool with name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.tools)
}

// Names returns the registered tool names sorted alphabetically.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns model declarations in registration order.
func (r *Registry) Definitions() []model.ToolDefinition {
	if r == nil {
		return nil
	}
	defs := make([]model.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, Definition(r.tools[name]))
	}
	return defs
}
