package orchestrator_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shindan/internal/checkpoint"
	"github.com/ashita-ai/shindan/internal/generate"
	"github.com/ashita-ai/shindan/internal/model"
	"github.com/ashita-ai/shindan/internal/orchestrator"
	"github.com/ashita-ai/shindan/internal/policy"
	"github.com/ashita-ai/shindan/internal/runtime"
	"github.com/ashita-ai/shindan/internal/testutil"
	"github.com/ashita-ai/shindan/internal/tool"
)

// logTool is a stand-in log store query tool.
type logTool struct {
	called  atomic.Int32
	content string
}

func (l *logTool) Name() string        { return "query_logs" }
func (l *logTool) Description() string { return "query the log corpus" }
func (l *logTool) Schema() map[string]any {
	return tool.ObjectSchema("query logs", []string{"query"}, map[string]string{
		"query": "log query text",
	})
}

func (l *logTool) Execute(ctx context.Context, input map[string]any) (*model.ToolOutput, error) {
	l.called.Add(1)
	return &model.ToolOutput{Content: l.content}, nil
}

// gateTool blocks until released and signals when execution begins.
type gateTool struct {
	started chan struct{}
	release chan struct{}
}

func (g *gateTool) Name() string        { return "trace_requests" }
func (g *gateTool) Description() string { return "trace slow requests" }
func (g *gateTool) Schema() map[string]any {
	return tool.ObjectSchema("trace requests", []string{"query"}, map[string]string{
		"query": "trace query text",
	})
}

func (g *gateTool) Execute(ctx context.Context, input map[string]any) (*model.ToolOutput, error) {
	close(g.started)
	<-g.release
	return &model.ToolOutput{}, nil
}

// recordingSink captures runs handed to the audit writer.
type recordingSink struct {
	mu   sync.Mutex
	runs []*model.Run
}

func (r *recordingSink) Enqueue(run *model.Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
}

func (r *recordingSink) last(t *testing.T) *model.Run {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.runs)
	return r.runs[len(r.runs)-1]
}

type fixture struct {
	controller  *orchestrator.Controller
	tool        *logTool
	sink        *recordingSink
	store       *checkpoint.MemStore
	checkpoints *checkpoint.Manager
}

func newFixture(t *testing.T, gen generate.Generator, policies map[string]*policy.Policy, cfg orchestrator.Config) *fixture {
	t.Helper()
	lt := &logTool{content: strings.Repeat("x", 200)} // estimates to 50 tokens
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(lt))

	logger := testutil.TestLogger()
	rt := runtime.New(reg, policy.NewSet(policies), logger, 50*time.Millisecond)
	store := checkpoint.NewMemStore()
	cm := checkpoint.NewManager(store, logger)
	sink := &recordingSink{}

	return &fixture{
		controller:  orchestrator.New(gen, rt, reg, cm, sink, logger, cfg),
		tool:        lt,
		sink:        sink,
		store:       store,
		checkpoints: cm,
	}
}

func collect(t *testing.T, events <-chan model.Event) []model.Event {
	t.Helper()
	var out []model.Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("event stream did not terminate; got %d events", len(out))
		}
	}
}

func kinds(events []model.Event) []model.EventKind {
	out := make([]model.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func assertStreamInvariants(t *testing.T, events []model.Event) {
	t.Helper()
	require.NotEmpty(t, events)
	terminal := 0
	var prev uint64
	for _, ev := range events {
		assert.Greater(t, ev.Sequence, prev, "sequence must strictly increase")
		prev = ev.Sequence
		if ev.Kind.Terminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal, "exactly one terminal event")
	assert.True(t, events[len(events)-1].Kind.Terminal(), "terminal event closes the stream")
}

func TestRunWithOneToolCallCompletes(t *testing.T) {
	gen := &generate.Scripted{
		Decisions: []*generate.Decision{
			{
				Hypotheses: []model.Hypothesis{{Statement: "recent deploy introduced errors", Confidence: 0.6}},
				ToolCalls:  []generate.ToolCallRequest{{Tool: "query_logs", Input: map[string]any{"query": "recent errors"}}},
			},
			{Confident: true},
		},
		Verdicts: []*generate.Verdict{{Sufficient: true}},
		Deltas:   []string{`{"summary":`, `"5 errors found"}`},
		FinalResponse: &model.Response{
			Summary:    "5 recent errors in checkout",
			Findings:   []model.Finding{{Title: "elevated 500s", Description: "error rate spiked", Severity: model.SeverityWarning}},
			Confidence: 0.8,
		},
	}
	f := newFixture(t, gen, nil, orchestrator.Config{BudgetMax: 1000})

	events := collect(t, f.controller.Start(t.Context(), "show recent errors"))
	assertStreamInvariants(t, events)

	ks := kinds(events)
	assert.Equal(t, model.EventSessionStarted, ks[0])
	assert.Contains(t, ks, model.EventToolStarted)
	assert.Contains(t, ks, model.EventToolFinished)
	assert.Contains(t, ks, model.EventModelDelta)

	// The tool's 200-byte output costs 50 tokens; the scripted generator
	// reports zero usage, so the ledger total is exactly the tool cost.
	var sawUsage bool
	for _, ev := range events {
		if ev.Kind == model.EventTokenUsage && ev.Usage.TotalTokens == 50 {
			sawUsage = true
		}
	}
	assert.True(t, sawUsage, "expected a token_usage event with total_tokens=50")

	done := events[len(events)-1]
	assert.Equal(t, model.EventDone, done.Kind)
	require.NotNil(t, done.Response)
	assert.NotEmpty(t, done.Response.Findings)
	assert.NotEmpty(t, done.ReferenceID)

	assert.EqualValues(t, 1, f.tool.called.Load())
	persisted := f.sink.last(t)
	assert.Equal(t, model.RunStatusCompleted, persisted.Status)
	assert.Equal(t, model.PhaseDone, persisted.Phase)
}

func TestDeniedToolLeadsToInsufficientEvidence(t *testing.T) {
	gen := &generate.Scripted{
		Decisions: []*generate.Decision{
			{ToolCalls: []generate.ToolCallRequest{{Tool: "query_logs", Input: map[string]any{"query": "DROP TABLE users"}}}},
			{}, // subsequent plans request nothing, pushing the run to verification
		},
	}
	policies := map[string]*policy.Policy{
		"query_logs": {DenyKeywords: []string{"DROP"}},
	}
	f := newFixture(t, gen, policies, orchestrator.Config{})

	events := collect(t, f.controller.Start(t.Context(), "clean up the users table"))
	assertStreamInvariants(t, events)

	assert.EqualValues(t, 0, f.tool.called.Load(), "denied tool must never execute")

	errEvent := events[len(events)-1]
	require.Equal(t, model.EventError, errEvent.Kind)
	assert.Equal(t, model.CodeInsufficientEvidence, errEvent.Error.Code)
	assert.NotEmpty(t, errEvent.Error.ReferenceID)

	persisted := f.sink.last(t)
	assert.Equal(t, model.RunStatusFailed, persisted.Status)
	require.NotEmpty(t, persisted.ToolCalls)
	assert.Equal(t, model.InvocationDenied, persisted.ToolCalls[0].Status)
	// The denial stays attached as failure evidence.
	require.NotEmpty(t, persisted.Evidence)
	assert.Equal(t, model.EvidenceToolFailure, persisted.Evidence[0].Kind)
}

func TestVerifyRetryBoundFailsRun(t *testing.T) {
	gen := &generate.Scripted{
		Decisions: []*generate.Decision{{}}, // never requests tools, never gathers evidence
	}
	f := newFixture(t, gen, nil, orchestrator.Config{VerifyRetries: 3})

	events := collect(t, f.controller.Start(t.Context(), "what broke overnight"))
	assertStreamInvariants(t, events)

	assert.Equal(t, 3, gen.PlanCalls(), "expected exactly 3 diagnose entries")

	errEvent := events[len(events)-1]
	require.Equal(t, model.EventError, errEvent.Kind)
	assert.Equal(t, model.CodeInsufficientEvidence, errEvent.Error.Code)

	persisted := f.sink.last(t)
	assert.Equal(t, model.RunStatusFailed, persisted.Status)
	assert.Equal(t, 3, persisted.VerifyRetries)
}

func TestBudgetExceededIsFatal(t *testing.T) {
	gen := &generate.Scripted{}
	f := newFixture(t, gen, nil, orchestrator.Config{BudgetMax: 2})

	events := collect(t, f.controller.Start(t.Context(),
		"a query that is comfortably longer than the tiny budget allows"))
	assertStreamInvariants(t, events)

	errEvent := events[len(events)-1]
	require.Equal(t, model.EventError, errEvent.Kind)
	assert.Equal(t, model.CodeBudgetExceeded, errEvent.Error.Code)

	persisted := f.sink.last(t)
	assert.Equal(t, model.RunStatusFailed, persisted.Status)
	assert.LessOrEqual(t, persisted.Budget.TotalTokens, persisted.Budget.BudgetMax)
}

func TestCancellationTerminatesRun(t *testing.T) {
	gen := &generate.Scripted{}
	f := newFixture(t, gen, nil, orchestrator.Config{})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	events := collect(t, f.controller.Start(ctx, "anything"))
	assertStreamInvariants(t, events)

	errEvent := events[len(events)-1]
	require.Equal(t, model.EventError, errEvent.Kind)
	assert.Equal(t, model.CodeCancelled, errEvent.Error.Code)

	persisted := f.sink.last(t)
	assert.Equal(t, model.RunStatusCancelled, persisted.Status)
}

func TestCancellationMidToolKeepsPriorRecords(t *testing.T) {
	gate := &gateTool{started: make(chan struct{}), release: make(chan struct{})}
	defer close(gate.release)

	lt := &logTool{content: strings.Repeat("x", 200)}
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(lt))
	require.NoError(t, reg.Register(gate))

	logger := testutil.TestLogger()
	rt := runtime.New(reg, policy.NewSet(nil), logger, 20*time.Millisecond)
	sink := &recordingSink{}

	// The first plan gathers evidence normally; the second one requests the
	// tool that hangs until released.
	gen := &generate.Scripted{
		Decisions: []*generate.Decision{
			{ToolCalls: []generate.ToolCallRequest{{Tool: "query_logs", Input: map[string]any{"query": "recent errors"}}}},
			{ToolCalls: []generate.ToolCallRequest{{Tool: "trace_requests", Input: map[string]any{"query": "checkout"}}}},
		},
	}
	ctrl := orchestrator.New(gen, rt, reg, nil, sink, logger, orchestrator.Config{BudgetMax: 10000})

	ctx, cancel := context.WithCancel(t.Context())
	stream := ctrl.Start(ctx, "why is checkout failing")
	go func() {
		<-gate.started
		cancel()
	}()

	events := collect(t, stream)
	assertStreamInvariants(t, events)

	errEvent := events[len(events)-1]
	require.Equal(t, model.EventError, errEvent.Kind)
	assert.Equal(t, model.CodeCancelled, errEvent.Error.Code)

	persisted := sink.last(t)
	assert.Equal(t, model.RunStatusCancelled, persisted.Status)

	// Records gathered before the cancellation stay on the run.
	require.Len(t, persisted.ToolCalls, 2)
	assert.Equal(t, model.InvocationSucceeded, persisted.ToolCalls[0].Status)
	assert.Equal(t, model.InvocationTimedOut, persisted.ToolCalls[1].Status)
	require.NotEmpty(t, persisted.Evidence)
	assert.Equal(t, model.EvidenceToolOutput, persisted.Evidence[0].Kind)
	assert.Equal(t, "query_logs", persisted.Evidence[0].Source)
}

func TestResumeFromCheckpoint(t *testing.T) {
	gen := &generate.Scripted{
		Decisions: []*generate.Decision{
			{ToolCalls: []generate.ToolCallRequest{{Tool: "query_logs", Input: map[string]any{"query": "recent errors"}}}},
			{Confident: true},
		},
		Verdicts:      []*generate.Verdict{{Sufficient: true}},
		FinalResponse: &model.Response{Summary: "ok", Confidence: 0.9},
	}
	f := newFixture(t, gen, nil, orchestrator.Config{})

	events := collect(t, f.controller.Start(t.Context(), "show recent errors"))
	assertStreamInvariants(t, events)

	var checkpointID *uuid.UUID
	for _, ev := range events {
		if ev.Kind == model.EventCheckpointSaved {
			checkpointID = ev.CheckpointID
			break
		}
	}
	require.NotNil(t, checkpointID, "expected a checkpoint at a phase boundary")
	f.checkpoints.Close() // drain the async save before restoring

	// The first checkpoint captured the diagnose→verify boundary; resuming
	// replays verification onward and reaches done again.
	resumed, err := f.controller.Resume(t.Context(), *checkpointID)
	require.NoError(t, err)

	events = collect(t, resumed)
	assertStreamInvariants(t, events)
	done := events[len(events)-1]
	assert.Equal(t, model.EventDone, done.Kind)
}

func TestResumeUnknownCheckpointFails(t *testing.T) {
	gen := &generate.Scripted{}
	f := newFixture(t, gen, nil, orchestrator.Config{})

	_, err := f.controller.Resume(t.Context(), uuid.New())
	require.Error(t, err)
}
