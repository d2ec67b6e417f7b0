package logstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shindan/internal/logstore"
	"github.com/ashita-ai/shindan/internal/model"
	"github.com/ashita-ai/shindan/internal/storage"
	"github.com/ashita-ai/shindan/internal/tool"
)

type fakeQuerier struct {
	got     storage.LogQuery
	entries []model.LogEntry
}

func (f *fakeQuerier) QueryLogs(ctx context.Context, q storage.LogQuery) ([]model.LogEntry, error) {
	f.got = q
	return f.entries, nil
}

func TestToolMapsInputToQuery(t *testing.T) {
	db := &fakeQuerier{entries: []model.LogEntry{
		{Time: time.Now().UTC(), Level: "error", Service: "checkout", Message: "payment timeout"},
	}}
	lt := logstore.NewTool(db)

	out, err := lt.Execute(t.Context(), map[string]any{
		"query":         "timeout",
		"service":       "checkout",
		"level":         "error",
		"since_minutes": float64(15),
		"limit":         float64(5),
	})
	require.NoError(t, err)

	assert.Equal(t, "timeout", db.got.Contains)
	assert.Equal(t, "checkout", db.got.Service)
	assert.Equal(t, "error", db.got.Level)
	assert.Equal(t, 5, db.got.Limit)
	assert.WithinDuration(t, time.Now().UTC().Add(-15*time.Minute), db.got.Since, time.Minute)

	require.Len(t, out.Rows, 1)
	assert.Equal(t, "payment timeout", out.Rows[0]["message"])
	assert.Equal(t, "checkout", out.Rows[0]["service"])
}

func TestToolDefaultsLookbackAndLimit(t *testing.T) {
	db := &fakeQuerier{}
	lt := logstore.NewTool(db)

	_, err := lt.Execute(t.Context(), map[string]any{"query": "anything"})
	require.NoError(t, err)

	assert.Equal(t, 100, db.got.Limit)
	assert.WithinDuration(t, time.Now().UTC().Add(-time.Hour), db.got.Since, time.Minute)
}

func TestToolRegistersWithValidSchema(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(logstore.NewTool(&fakeQuerier{})))

	// Registration compiled the schema; validation must enforce it.
	err := reg.ValidateInput("query_logs", map[string]any{})
	assert.Error(t, err, "query is required")

	err = reg.ValidateInput("query_logs", map[string]any{"query": "x", "limit": 50})
	assert.NoError(t, err)
}
