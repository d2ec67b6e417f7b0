package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry catalogs the registered tools and their compiled input
// schemas. Registration happens during startup; afterwards the registry
// is effectively immutable and safe for concurrent reads.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a tool and compiles its input schema. Registering two
// tools under the same name is a programming error and fails loudly.
func (r *Registry) Register(t Tool) error {
	raw, err := json.Marshal(t.Schema())
	if err != nil {
		return fmt.Errorf("tool: marshal schema for %s: %w", t.Name(), err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(t.Name()+".json", bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("tool: add schema for %s: %w", t.Name(), err)
	}
	schema, err := compiler.Compile(t.Name() + ".json")
	if err != nil {
		return fmt.Errorf("tool: compile schema for %s: %w", t.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[t.Name()]; exists {
		return fmt.Errorf("tool: %s already registered", t.Name())
	}
	r.entries[t.Name()] = &entry{tool: t, schema: schema}
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Names returns all registered tool names, sorted for determinism.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateInput checks input against the tool's compiled schema. The
// input is round-tripped through JSON so that Go-typed values (ints,
// structs) validate the same way a wire payload would.
func (r *Registry) ValidateInput(name string, input map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tool: %s not registered", name)
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("tool: input for %s is not JSON-serializable: %w", name, err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("tool: decode input for %s: %w", name, err)
	}
	if err := e.schema.Validate(decoded); err != nil {
		return fmt.Errorf("tool: input for %s: %w", name, err)
	}
	return nil
}

// SchemaCatalog describes one tool for the planner model.
type SchemaCatalog struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Catalog returns the planner-facing description of every registered
// tool, sorted by name.
func (r *Registry) Catalog() []SchemaCatalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SchemaCatalog, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, SchemaCatalog{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			Parameters:  e.tool.Schema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
