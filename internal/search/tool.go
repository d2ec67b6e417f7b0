package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/shindan/internal/embedding"
	"github.com/ashita-ai/shindan/internal/model"
	"github.com/ashita-ai/shindan/internal/tool"
)

// Searcher is the vector index boundary used by the search tool.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns evidence IDs matching the query vector. Returns IDs +
	// raw similarity scores; the caller hydrates from Postgres.
	Search(ctx context.Context, embedding []float32, filters Filters, limit int) ([]Result, error)

	// Healthy returns nil if the search index is reachable.
	Healthy(ctx context.Context) error
}

// Hydrator loads evidence rows for index hits and serves the text-search
// fallback when the index is down.
type Hydrator interface {
	GetEvidenceByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Evidence, error)
	SearchEvidenceByText(ctx context.Context, query string, limit int) ([]model.Evidence, error)
}

const toolResultLimit = 10

// QueryEmbedder adapts an embedding.Provider to the plain-vector function
// the search tool takes.
func QueryEmbedder(provider embedding.Provider) func(ctx context.Context, text string) ([]float32, error) {
	return func(ctx context.Context, text string) ([]float32, error) {
		vec, err := provider.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		return vec.Slice(), nil
	}
}

// Tool exposes semantic evidence search to the diagnostic planner.
// When Qdrant is unreachable it falls back to Postgres text search so the
// planner still gets something to work with.
type Tool struct {
	searcher Searcher
	hydrator Hydrator
	embed    func(ctx context.Context, text string) ([]float32, error)
	logger   *slog.Logger
}

// NewTool creates the search tool. embed maps query text to a vector;
// see QueryEmbedder for wrapping an embedding.Provider.
func NewTool(searcher Searcher, hydrator Hydrator, embed func(ctx context.Context, text string) ([]float32, error), logger *slog.Logger) *Tool {
	return &Tool{searcher: searcher, hydrator: hydrator, embed: embed, logger: logger}
}

func (t *Tool) Name() string { return "search_evidence" }

func (t *Tool) Description() string {
	return "Semantic search over evidence gathered by past diagnostic runs. Useful for finding similar past incidents."
}

func (t *Tool) Schema() map[string]any {
	return tool.ObjectSchema(
		"Search past diagnostic evidence",
		[]string{"query"},
		map[string]string{
			"query":  "natural-language description of the incident or symptom",
			"kind":   "optional evidence kind filter (tool_output, retrieval, citation, tool_failure)",
			"source": "optional source filter, e.g. a tool name",
		},
	)
}

// Execute runs the search. Input has already passed schema validation.
func (t *Tool) Execute(ctx context.Context, input map[string]any) (*model.ToolOutput, error) {
	query, _ := input["query"].(string)
	filters := Filters{}
	if kind, ok := input["kind"].(string); ok {
		filters.Kind = kind
	}
	if source, ok := input["source"].(string); ok {
		filters.Source = source
	}

	if err := t.searcher.Healthy(ctx); err != nil {
		t.logger.Warn("search tool: index unhealthy, falling back to text search", "error", err)
		return t.textFallback(ctx, query)
	}

	vec, err := t.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}

	results, err := t.searcher.Search(ctx, vec, filters, toolResultLimit)
	if err != nil {
		t.logger.Warn("search tool: index query failed, falling back to text search", "error", err)
		return t.textFallback(ctx, query)
	}

	ids := make([]uuid.UUID, len(results))
	for i, r := range results {
		ids[i] = r.EvidenceID
	}
	evidence, err := t.hydrator.GetEvidenceByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("search: hydrate results: %w", err)
	}
	byID := make(map[uuid.UUID]model.Evidence, len(evidence))
	for _, ev := range evidence {
		byID[ev.ID] = ev
	}

	hits := ReScore(results, byID, toolResultLimit)
	rows := make([]map[string]any, len(hits))
	for i, h := range hits {
		rows[i] = evidenceRow(h.Evidence, h.Score)
	}
	return &model.ToolOutput{Rows: rows}, nil
}

func (t *Tool) textFallback(ctx context.Context, query string) (*model.ToolOutput, error) {
	evidence, err := t.hydrator.SearchEvidenceByText(ctx, query, toolResultLimit)
	if err != nil {
		return nil, fmt.Errorf("search: text fallback: %w", err)
	}
	rows := make([]map[string]any, len(evidence))
	for i, ev := range evidence {
		rows[i] = evidenceRow(ev, ev.RelevanceScore)
	}
	return &model.ToolOutput{Rows: rows}, nil
}

func evidenceRow(ev model.Evidence, score float32) map[string]any {
	return map[string]any{
		"evidence_id": ev.ID.String(),
		"run_id":      ev.RunID.String(),
		"kind":        string(ev.Kind),
		"source":      ev.Source,
		"content":     ev.Content,
		"score":       score,
	}
}
