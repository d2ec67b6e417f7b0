// Package logstore exposes the ingested log corpus as a diagnostic tool.
package logstore

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/shindan/internal/model"
	"github.com/ashita-ai/shindan/internal/storage"
)

// Querier is the storage surface the tool reads from.
type Querier interface {
	QueryLogs(ctx context.Context, q storage.LogQuery) ([]model.LogEntry, error)
}

const (
	defaultLookback = 60 * time.Minute
	maxRows         = 200
)

// Tool lets the diagnostic planner query raw log rows by text match,
// service, level, and time window.
type Tool struct {
	db Querier
}

// NewTool creates the log query tool.
func NewTool(db Querier) *Tool {
	return &Tool{db: db}
}

func (t *Tool) Name() string { return "query_logs" }

func (t *Tool) Description() string {
	return "Query the ingested log corpus. Filters by message text, service, level, and a lookback window in minutes."
}

func (t *Tool) Schema() map[string]any {
	return map[string]any{
		"type":        "object",
		"description": "Query the log corpus",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "substring to match against log messages",
			},
			"service": map[string]any{
				"type":        "string",
				"description": "optional service name filter",
			},
			"level": map[string]any{
				"type":        "string",
				"description": "optional level filter, e.g. error or warn",
			},
			"since_minutes": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"description": "lookback window in minutes, default 60",
			},
			"limit": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"maximum":     maxRows,
				"description": "maximum rows to return, default 100",
			},
		},
		"required": []string{"query"},
	}
}

// Execute runs the query. Input has already passed schema validation, so
// type assertions here only guard against absent optional fields.
func (t *Tool) Execute(ctx context.Context, input map[string]any) (*model.ToolOutput, error) {
	lq := storage.LogQuery{Since: time.Now().UTC().Add(-defaultLookback)}
	lq.Contains, _ = input["query"].(string)
	lq.Service, _ = input["service"].(string)
	lq.Level, _ = input["level"].(string)
	if mins, ok := numberInput(input["since_minutes"]); ok {
		lq.Since = time.Now().UTC().Add(-time.Duration(mins) * time.Minute)
	}
	if limit, ok := numberInput(input["limit"]); ok {
		lq.Limit = int(limit)
	}
	if lq.Limit <= 0 || lq.Limit > maxRows {
		lq.Limit = 100
	}

	entries, err := t.db.QueryLogs(ctx, lq)
	if err != nil {
		return nil, fmt.Errorf("logstore: query logs: %w", err)
	}

	rows := make([]map[string]any, len(entries))
	for i, e := range entries {
		rows[i] = map[string]any{
			"time":    e.Time.Format(time.RFC3339),
			"level":   e.Level,
			"service": e.Service,
			"message": e.Message,
		}
	}
	return &model.ToolOutput{Rows: rows}, nil
}

// numberInput accepts the float64 produced by JSON decoding as well as a
// plain int from in-process callers.
func numberInput(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
