// Package tool defines the invocable capability surface of the agent:
// the Tool interface, the registry that catalogs tools, and input schema
// validation.
//
// Tools are a closed set of variants registered at startup. The registry
// is read-only after process start and shared across all runs without
// locking on the hot path.
package tool

import (
	"context"

	"github.com/ashita-ai/shindan/internal/model"
)

// Tool is one registered capability the orchestrator can invoke.
type Tool interface {
	// Name is the stable identifier used for dispatch, policy lookup,
	// and audit records.
	Name() string
	// Description tells the planner model what the tool does.
	Description() string
	// Schema returns the JSON Schema document for the tool's input.
	Schema() map[string]any
	// Execute runs the tool. Implementations must honor ctx cancellation;
	// the execution runtime applies the policy timeout through ctx.
	Execute(ctx context.Context, input map[string]any) (*model.ToolOutput, error)
}

// ObjectSchema is a convenience builder for the common case of an object
// schema with string properties.
func ObjectSchema(description string, required []string, props map[string]string) map[string]any {
	properties := make(map[string]any, len(props))
	for name, desc := range props {
		properties[name] = map[string]any{"type": "string", "description": desc}
	}
	schema := map[string]any{
		"type":        "object",
		"description": description,
		"properties":  properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
