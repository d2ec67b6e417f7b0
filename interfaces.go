package shindan

import "context"

// Tool is a diagnostic tool registered via WithTool. The planner decides
// when to call it; the execution runtime validates its input against
// Schema and applies the configured safety policy before Execute runs.
type Tool interface {
	// Name is the unique tool identifier the planner calls it by.
	Name() string
	// Description tells the planner what the tool does.
	Description() string
	// Schema is a JSON Schema object describing the tool's input.
	Schema() map[string]any
	// Execute runs the tool. Input has already passed schema validation.
	Execute(ctx context.Context, input map[string]any) (ToolResult, error)
}

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces auto-detected
// Ollama/OpenAI/noop. Uses []float32 (not pgvector.Vector) so external
// consumers are not forced onto the pgvector dependency.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}
