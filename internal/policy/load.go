package policy

import (
	"encoding/json"
	"fmt"
	"os"
)

// defaultToolName is the catch-all entry in a policy file. Tools without
// an explicit entry fall back to it.
const defaultToolName = "default"

// Set is the full per-tool policy catalog. Immutable after Load.
type Set struct {
	byTool        map[string]*Policy
	defaultPolicy *Policy
}

// Load reads a policy file mapping tool names to policies. An empty path
// returns a Set where every tool gets a normalized zero policy.
func Load(path string) (*Set, error) {
	set := &Set{byTool: make(map[string]*Policy)}
	if path == "" {
		fallback := &Policy{}
		fallback.Normalize()
		set.defaultPolicy = fallback
		return set, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}

	var file map[string]*Policy
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("policy: parse %s: %w", path, err)
	}

	for name, p := range file {
		if p == nil {
			p = &Policy{}
		}
		p.Normalize()
		if name == defaultToolName {
			set.defaultPolicy = p
			continue
		}
		set.byTool[name] = p
	}
	if set.defaultPolicy == nil {
		fallback := &Policy{}
		fallback.Normalize()
		set.defaultPolicy = fallback
	}
	return set, nil
}

// NewSet builds a Set from an in-memory map. Used by embedders and tests.
func NewSet(policies map[string]*Policy) *Set {
	set := &Set{byTool: make(map[string]*Policy, len(policies))}
	for name, p := range policies {
		cp := *p
		cp.Normalize()
		if name == defaultToolName {
			set.defaultPolicy = &cp
			continue
		}
		set.byTool[name] = &cp
	}
	if set.defaultPolicy == nil {
		fallback := &Policy{}
		fallback.Normalize()
		set.defaultPolicy = fallback
	}
	return set
}

// For returns the policy for a tool, falling back to the default entry.
func (s *Set) For(toolName string) *Policy {
	if p, ok := s.byTool[toolName]; ok {
		return p
	}
	return s.defaultPolicy
}
