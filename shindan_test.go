package shindan

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shindan/internal/model"
)

func TestToPublicEventMapsAllPayloads(t *testing.T) {
	runID := uuid.New()
	cpID := uuid.New()
	evID := uuid.New()
	now := time.Now().UTC()

	ev := model.Event{
		Kind:         model.EventDone,
		RunID:        runID,
		Sequence:     7,
		Time:         now,
		Phase:        model.PhaseOptimize,
		CheckpointID: &cpID,
		Tool: &model.ToolEventPayload{
			InvocationID: evID,
			ToolName:     "query_logs",
			Status:       model.InvocationSucceeded,
			DurationMs:   42,
		},
		Usage: &model.TokenBudget{
			PromptTokens:    100,
			TotalTokens:     150,
			BudgetMax:       1000,
			BudgetRemaining: 850,
		},
		Citation: &model.Citation{Source: "query_logs", EvidenceID: evID, Excerpt: "timeout"},
		Response: &model.Response{
			Summary:    "payment timeouts after deploy",
			Confidence: 0.9,
			Findings: []model.Finding{{
				Title:     "checkout timeouts",
				Severity:  model.SeverityCritical,
				Citations: []model.Citation{{Source: "query_logs", EvidenceID: evID}},
			}},
		},
		ReferenceID: "ref-123",
	}

	pub := toPublicEvent(ev)

	assert.Equal(t, EventDone, pub.Kind)
	assert.Equal(t, runID, pub.RunID)
	assert.Equal(t, uint64(7), pub.Sequence)
	assert.Equal(t, string(model.PhaseOptimize), pub.Phase)
	require.NotNil(t, pub.CheckpointID)
	assert.Equal(t, cpID, *pub.CheckpointID)

	require.NotNil(t, pub.Tool)
	assert.Equal(t, "query_logs", pub.Tool.ToolName)
	assert.Equal(t, string(model.InvocationSucceeded), pub.Tool.Status)

	require.NotNil(t, pub.Usage)
	assert.Equal(t, 850, pub.Usage.BudgetRemaining)

	require.NotNil(t, pub.Citation)
	assert.Equal(t, evID, pub.Citation.EvidenceID)

	require.NotNil(t, pub.Response)
	assert.Equal(t, "payment timeouts after deploy", pub.Response.Summary)
	require.Len(t, pub.Response.Findings, 1)
	assert.Equal(t, string(model.SeverityCritical), pub.Response.Findings[0].Severity)
	require.Len(t, pub.Response.Findings[0].Citations, 1)
	assert.Equal(t, "ref-123", pub.ReferenceID)
}

func TestToPublicEventErrorPayload(t *testing.T) {
	ev := model.Event{
		Kind: model.EventError,
		Error: &model.ErrorEventPayload{
			ReferenceID: "ref-9",
			Code:        model.CodeBudgetExceeded,
			Message:     "token budget exhausted",
		},
	}

	pub := toPublicEvent(ev)

	require.NotNil(t, pub.Error)
	assert.Equal(t, string(model.CodeBudgetExceeded), pub.Error.Code)
	assert.Equal(t, "ref-9", pub.Error.ReferenceID)
	assert.True(t, pub.Kind.Terminal())
}

func TestToPublicRunCarriesError(t *testing.T) {
	run := model.NewRun("why is checkout slow", 1000)
	run.Finish(model.RunStatusFailed, model.NewRunError(model.CodeToolTimeout, "tool %s timed out", "query_logs"))

	s := toPublicRun(run)

	assert.Equal(t, run.ID, s.ID)
	assert.Equal(t, string(model.RunStatusFailed), s.Status)
	require.NotNil(t, s.Error)
	assert.Equal(t, string(model.CodeToolTimeout), s.Error.Code)
	assert.Equal(t, run.ReferenceID, s.Error.ReferenceID)
	assert.Nil(t, s.Response)
}

type stubTool struct{}

func (stubTool) Name() string        { return "stub" }
func (stubTool) Description() string { return "a stub" }
func (stubTool) Schema() map[string]any {
	return map[string]any{"type": "object"}
}
func (stubTool) Execute(context.Context, map[string]any) (ToolResult, error) {
	return ToolResult{Rows: []map[string]any{{"ok": true}}, Content: "done"}, nil
}

func TestToolAdapterWrapsOutput(t *testing.T) {
	ad := &toolAdapter{t: stubTool{}}

	assert.Equal(t, "stub", ad.Name())
	out, err := ad.Execute(t.Context(), nil)
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
	assert.Equal(t, "done", out.Content)
}

type stubProvider struct{}

func (stubProvider) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 2, 3}, nil
}

func (stubProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{float32(i)}
	}
	return out, nil
}

func (stubProvider) Dimensions() int { return 3 }

func TestProviderAdapterConvertsVectors(t *testing.T) {
	ad := &providerAdapter{p: stubProvider{}}

	vec, err := ad.Embed(t.Context(), "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, vec.Slice())

	vecs, err := ad.EmbedBatch(t.Context(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1}, vecs[1].Slice())
	assert.Equal(t, 3, ad.Dimensions())
}
