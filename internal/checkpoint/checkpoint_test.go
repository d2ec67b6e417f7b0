package checkpoint_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shindan/internal/checkpoint"
	"github.com/ashita-ai/shindan/internal/model"
	"github.com/ashita-ai/shindan/internal/testutil"
)

func sampleRun(t *testing.T) *model.Run {
	t.Helper()
	run := model.NewRun("why is checkout slow", 32000)
	run.Phase = model.PhaseVerify
	run.Hypotheses = []model.Hypothesis{{Statement: "db connection pool exhausted", Confidence: 0.7}}
	run.AppendEvidence(model.NewEvidence(run.ID, model.EvidenceToolOutput, "query_logs", "pool wait 2s", 0.9, nil))
	run.Budget.PromptTokens = 400
	run.Budget.CompletionTokens = 100
	run.Budget.TotalTokens = 500
	run.Budget.BudgetRemaining = 31500
	run.VerifyRetries = 1
	return run
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	m := checkpoint.NewManager(checkpoint.NewMemStore(), testutil.TestLogger())
	run := sampleRun(t)

	cp, err := m.Save(t.Context(), run)
	require.NoError(t, err)
	m.Close()

	restored, loaded, err := m.Restore(t.Context(), cp.ID)
	require.NoError(t, err)

	assert.Equal(t, run.ID, restored.ID)
	assert.Equal(t, run.Phase, restored.Phase)
	assert.Equal(t, run.Budget, restored.Budget)
	assert.Equal(t, run.Evidence, restored.Evidence)
	assert.Equal(t, run.Hypotheses, restored.Hypotheses)
	assert.Equal(t, run.VerifyRetries, restored.VerifyRetries)
	assert.Equal(t, run.ReferenceID, restored.ReferenceID)
	assert.Equal(t, cp.ID, loaded.ID)
}

func TestRestoreUnknownCheckpoint(t *testing.T) {
	m := checkpoint.NewManager(checkpoint.NewMemStore(), testutil.TestLogger())
	run := sampleRun(t)

	cp, err := m.Save(t.Context(), run)
	require.NoError(t, err)
	m.Close()

	otherID := cp.RunID // a valid uuid that is not a checkpoint id
	_, _, err = m.Restore(t.Context(), otherID)
	require.Error(t, err)
}

func TestLatestReturnsNewest(t *testing.T) {
	store := checkpoint.NewMemStore()
	m := checkpoint.NewManager(store, testutil.TestLogger())
	run := sampleRun(t)

	first, err := m.Save(t.Context(), run)
	require.NoError(t, err)
	m.Close()

	// Force distinct timestamps.
	time.Sleep(2 * time.Millisecond)

	run.Phase = model.PhaseOptimize
	second, err := m.Save(t.Context(), run)
	require.NoError(t, err)
	m.Close()

	latest, err := m.Latest(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.NotEqual(t, first.ID, latest.ID)
}

func TestDeleteOlderThan(t *testing.T) {
	store := checkpoint.NewMemStore()
	m := checkpoint.NewManager(store, testutil.TestLogger())
	run := sampleRun(t)

	_, err := m.Save(t.Context(), run)
	require.NoError(t, err)
	m.Close()

	time.Sleep(5 * time.Millisecond)

	// Everything older than "now" goes; a very long retention keeps all.
	n, err := m.DeleteOlderThan(t.Context(), 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = m.Latest(t.Context(), run.ID)
	require.Error(t, err)
}
