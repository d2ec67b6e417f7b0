// Package generate is the text-generation boundary of the orchestrator:
// query classification, hypothesis planning, evidence verification, and
// final response synthesis.
//
// The orchestrator talks only to the Generator interface. The production
// implementation speaks the OpenAI chat completion protocol and works
// against any compatible endpoint (OpenAI, Ollama, vLLM).
package generate

import (
	"context"

	"github.com/ashita-ai/shindan/internal/model"
	"github.com/ashita-ai/shindan/internal/tool"
)

// Usage is the token consumption reported by one model call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// ToolCallRequest is one tool invocation the planner asked for.
type ToolCallRequest struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

// Classification is the structured reading of an incoming query.
type Classification struct {
	Intent     string   `json:"intent"`
	TimeWindow string   `json:"time_window,omitempty"`
	Entities   []string `json:"entities,omitempty"`
	Valid      bool     `json:"valid"`
	Reason     string   `json:"reason,omitempty"`
}

// Decision is the planner's output for one diagnosis step: updated
// hypotheses, requested tool calls, and whether the hypotheses are
// confident enough to move to verification. Tool calls always run before
// any phase advance.
type Decision struct {
	Hypotheses []model.Hypothesis `json:"hypotheses"`
	ToolCalls  []ToolCallRequest  `json:"tool_calls,omitempty"`
	Confident  bool               `json:"confident"`
}

// Verdict is the verification outcome: whether the gathered evidence
// actually answers the hypotheses, and if not, a re-planning instruction.
type Verdict struct {
	Sufficient bool   `json:"sufficient"`
	Reason     string `json:"reason,omitempty"`
}

// PlanRequest carries everything the planner sees for one step.
type PlanRequest struct {
	Query          string
	Classification *Classification
	Hypotheses     []model.Hypothesis
	Evidence       []model.Evidence
	Tools          []tool.SchemaCatalog
	// Replan carries the verification failure reason when the run looped
	// back from verification. Empty on the first pass.
	Replan string
	// Summarize signals that the token budget is near its ceiling and the
	// planner should prefer summarization over further tool output.
	Summarize bool
}

// VerifyRequest carries the state judged during verification.
type VerifyRequest struct {
	Query      string
	Hypotheses []model.Hypothesis
	Evidence   []model.Evidence
}

// SynthesizeRequest carries the state the final response is built from.
type SynthesizeRequest struct {
	Query      string
	Hypotheses []model.Hypothesis
	Evidence   []model.Evidence
}

// Generator is the text-generation capability used by the phase
// controller. Implementations must honor ctx cancellation. Any error is
// treated as an upstream generation failure and terminates the run.
type Generator interface {
	Classify(ctx context.Context, query string) (*Classification, Usage, error)
	Plan(ctx context.Context, req PlanRequest) (*Decision, Usage, error)
	Verify(ctx context.Context, req VerifyRequest) (*Verdict, Usage, error)
	// Synthesize streams the final response. onDelta is called for each
	// raw text fragment as it arrives; it may be nil.
	Synthesize(ctx context.Context, req SynthesizeRequest, onDelta func(delta string)) (*model.Response, Usage, error)
	// Summarize condenses accumulated evidence into a shorter digest when
	// the token budget approaches its ceiling.
	Summarize(ctx context.Context, evidence []model.Evidence) (string, Usage, error)
}
