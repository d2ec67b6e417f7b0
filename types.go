package shindan

import (
	"time"

	"github.com/google/uuid"
)

// EventKind is the type tag of a streamed run event.
type EventKind string

const (
	EventSessionStarted  EventKind = "session_started"
	EventModelDelta      EventKind = "model_delta"
	EventToolStarted     EventKind = "tool_started"
	EventToolFinished    EventKind = "tool_finished"
	EventTokenUsage      EventKind = "token_usage"
	EventCheckpointSaved EventKind = "checkpoint_saved"
	EventCitation        EventKind = "citation"
	EventError           EventKind = "error"
	EventDone            EventKind = "done"
)

// Terminal reports whether this kind closes the stream. A run's event
// sequence is finite and ends with exactly one done or error event.
func (k EventKind) Terminal() bool {
	return k == EventDone || k == EventError
}

// TokenUsage is the run's token ledger as of the event that carries it.
type TokenUsage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	BudgetMax        int  `json:"budget_max"`
	BudgetRemaining  int  `json:"budget_remaining"`
	ShouldSummarize  bool `json:"should_summarize"`
}

// ToolEvent carries tool lifecycle details on tool_started and
// tool_finished events.
type ToolEvent struct {
	InvocationID uuid.UUID `json:"invocation_id"`
	ToolName     string    `json:"tool_name"`
	Status       string    `json:"status,omitempty"`
	DurationMs   int64     `json:"duration_ms,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// ErrorEvent is the caller-facing error on a terminal error event.
// ReferenceID correlates with the persisted audit record; Code is a
// stable taxonomy code. Raw internal errors are never exposed.
type ErrorEvent struct {
	ReferenceID string `json:"reference_id"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}

// Citation points a finding back at the evidence supporting it.
type Citation struct {
	Source     string    `json:"source"`
	EvidenceID uuid.UUID `json:"evidence_id"`
	Excerpt    string    `json:"excerpt,omitempty"`
}

// Finding is one conclusion in the final response, graded by severity.
type Finding struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Severity    string     `json:"severity"`
	Citations   []Citation `json:"citations,omitempty"`
}

// Response is the structured final answer of a completed run.
type Response struct {
	Summary         string     `json:"summary"`
	Findings        []Finding  `json:"findings"`
	Recommendations []string   `json:"recommendations,omitempty"`
	Citations       []Citation `json:"citations,omitempty"`
	Confidence      float32    `json:"confidence"`
}

// Event is one entry in a run's ordered event stream.
// It is a curated view of the internal event model for external consumers.
// No internal package imports, so it is safe to use from outside the module.
type Event struct {
	Kind     EventKind `json:"kind"`
	RunID    uuid.UUID `json:"run_id"`
	Sequence uint64    `json:"sequence"`
	Time     time.Time `json:"time"`
	Phase    string    `json:"phase,omitempty"`

	Delta        string      `json:"delta,omitempty"`
	Tool         *ToolEvent  `json:"tool,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`
	CheckpointID *uuid.UUID  `json:"checkpoint_id,omitempty"`
	Citation     *Citation   `json:"citation,omitempty"`
	Error        *ErrorEvent `json:"error,omitempty"`

	// Response and ReferenceID are set on the done event.
	Response    *Response `json:"response,omitempty"`
	ReferenceID string    `json:"reference_id,omitempty"`
}

// RunSummary is a persisted diagnostic run as returned by Runs and RunDetail.
type RunSummary struct {
	ID          uuid.UUID   `json:"id"`
	Query       string      `json:"query"`
	Phase       string      `json:"phase"`
	Status      string      `json:"status"`
	ReferenceID string      `json:"reference_id"`
	Response    *Response   `json:"response,omitempty"`
	Error       *ErrorEvent `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// ToolCallRecord is one persisted tool invocation of a run.
type ToolCallRecord struct {
	ID            uuid.UUID `json:"id"`
	ToolName      string    `json:"tool_name"`
	Status        string    `json:"status"`
	DurationMs    int64     `json:"duration_ms"`
	TokenEstimate int       `json:"token_estimate"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

// EvidenceRecord is one persisted evidence item of a run.
type EvidenceRecord struct {
	ID             uuid.UUID `json:"id"`
	Kind           string    `json:"kind"`
	Source         string    `json:"source"`
	Content        string    `json:"content"`
	RelevanceScore float32   `json:"relevance_score"`
	CreatedAt      time.Time `json:"created_at"`
}

// RunDetail is a persisted run with its tool invocations and evidence.
type RunDetail struct {
	RunSummary
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	Evidence  []EvidenceRecord `json:"evidence,omitempty"`
}

// CheckpointInfo identifies a saved checkpoint a run can be resumed from.
type CheckpointInfo struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	Phase     string    `json:"phase"`
	CreatedAt time.Time `json:"created_at"`
}

// ToolResult is the output envelope a custom Tool returns. Rows carries
// structured tabular output; Content carries free text. Either may be set.
type ToolResult struct {
	Rows    []map[string]any `json:"rows,omitempty"`
	Content string           `json:"content,omitempty"`
}

// LogEntry is one log record accepted by IngestLogs.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Service string    `json:"service"`
	Message string    `json:"message"`
}
