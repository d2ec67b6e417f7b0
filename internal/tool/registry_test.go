package tool_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shindan/internal/model"
	"github.com/ashita-ai/shindan/internal/tool"
)

type fakeTool struct {
	name   string
	schema map[string]any
}

func (f *fakeTool) Name() string            { return f.name }
func (f *fakeTool) Description() string     { return "fake tool for tests" }
func (f *fakeTool) Schema() map[string]any  { return f.schema }
func (f *fakeTool) Execute(ctx context.Context, input map[string]any) (*model.ToolOutput, error) {
	return &model.ToolOutput{Content: "ok"}, nil
}

func queryTool(name string) *fakeTool {
	return &fakeTool{
		name: name,
		schema: tool.ObjectSchema("query a dataset", []string{"dataset", "query"}, map[string]string{
			"dataset": "dataset to query",
			"query":   "query text",
		}),
	}
}

func TestRegisterAndGet(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(queryTool("query_logs")))

	got, ok := reg.Get("query_logs")
	require.True(t, ok)
	assert.Equal(t, "query_logs", got.Name())

	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(queryTool("query_logs")))

	err := reg.Register(queryTool("query_logs"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestValidateInput(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(queryTool("query_logs")))

	err := reg.ValidateInput("query_logs", map[string]any{
		"dataset": "nginx",
		"query":   "status:500",
	})
	require.NoError(t, err)

	// Missing required property.
	err = reg.ValidateInput("query_logs", map[string]any{"dataset": "nginx"})
	require.Error(t, err)

	// Wrong type.
	err = reg.ValidateInput("query_logs", map[string]any{
		"dataset": "nginx",
		"query":   42,
	})
	require.Error(t, err)

	// Unknown tool.
	err = reg.ValidateInput("missing", map[string]any{})
	require.Error(t, err)
}

func TestNamesAndCatalogSorted(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(queryTool("search_evidence")))
	require.NoError(t, reg.Register(queryTool("query_logs")))

	assert.Equal(t, []string{"query_logs", "search_evidence"}, reg.Names())

	catalog := reg.Catalog()
	require.Len(t, catalog, 2)
	assert.Equal(t, "query_logs", catalog[0].Name)
	assert.Equal(t, "search_evidence", catalog[1].Name)
	assert.NotEmpty(t, catalog[0].Parameters)
}
