package search_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shindan/internal/model"
	"github.com/ashita-ai/shindan/internal/search"
	"github.com/ashita-ai/shindan/internal/testutil"
)

type fakeSearcher struct {
	results   []search.Result
	healthErr error
	queryErr  error
	filters   search.Filters
}

func (f *fakeSearcher) Search(ctx context.Context, embedding []float32, filters search.Filters, limit int) ([]search.Result, error) {
	f.filters = filters
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.results, nil
}

func (f *fakeSearcher) Healthy(ctx context.Context) error { return f.healthErr }

type fakeHydrator struct {
	evidence []model.Evidence
	textHits []model.Evidence
}

func (f *fakeHydrator) GetEvidenceByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Evidence, error) {
	return f.evidence, nil
}

func (f *fakeHydrator) SearchEvidenceByText(ctx context.Context, query string, limit int) ([]model.Evidence, error) {
	return f.textHits, nil
}

func staticEmbed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func TestToolReturnsReScoredHits(t *testing.T) {
	ev := model.NewEvidence(uuid.New(), model.EvidenceToolOutput, "query_logs", "disk full on node-3", 0.9, nil)
	searcher := &fakeSearcher{results: []search.Result{{EvidenceID: ev.ID, Score: 0.8}}}
	hydrator := &fakeHydrator{evidence: []model.Evidence{ev}}

	st := search.NewTool(searcher, hydrator, staticEmbed, testutil.TestLogger())
	out, err := st.Execute(t.Context(), map[string]any{"query": "full disks", "kind": "tool_output"})
	require.NoError(t, err)

	require.Len(t, out.Rows, 1)
	assert.Equal(t, ev.ID.String(), out.Rows[0]["evidence_id"])
	assert.Equal(t, "disk full on node-3", out.Rows[0]["content"])
	assert.Equal(t, "tool_output", searcher.filters.Kind, "kind filter must reach the index")
}

func TestToolFallsBackWhenIndexUnhealthy(t *testing.T) {
	ev := model.NewEvidence(uuid.New(), model.EvidenceToolOutput, "query_logs", "disk full", 0.5, nil)
	searcher := &fakeSearcher{healthErr: errors.New("qdrant down")}
	hydrator := &fakeHydrator{textHits: []model.Evidence{ev}}

	st := search.NewTool(searcher, hydrator, staticEmbed, testutil.TestLogger())
	out, err := st.Execute(t.Context(), map[string]any{"query": "disk"})
	require.NoError(t, err)

	require.Len(t, out.Rows, 1)
	assert.Equal(t, ev.ID.String(), out.Rows[0]["evidence_id"])
}

func TestToolFallsBackWhenQueryFails(t *testing.T) {
	ev := model.NewEvidence(uuid.New(), model.EvidenceToolOutput, "query_logs", "disk full", 0.5, nil)
	searcher := &fakeSearcher{queryErr: errors.New("grpc unavailable")}
	hydrator := &fakeHydrator{textHits: []model.Evidence{ev}}

	st := search.NewTool(searcher, hydrator, staticEmbed, testutil.TestLogger())
	out, err := st.Execute(t.Context(), map[string]any{"query": "disk"})
	require.NoError(t, err)
	assert.Len(t, out.Rows, 1)
}

func TestToolSurfacesEmbedError(t *testing.T) {
	searcher := &fakeSearcher{}
	hydrator := &fakeHydrator{}
	embedErr := func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("embedding backend down")
	}

	st := search.NewTool(searcher, hydrator, embedErr, testutil.TestLogger())
	_, err := st.Execute(t.Context(), map[string]any{"query": "disk"})
	require.Error(t, err)
}
