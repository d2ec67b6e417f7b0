// Package model defines the core domain types for Shindan.
//
// All types correspond directly to database tables and streamed event
// payloads. Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible. Mutation rules are strict: a Run is
// mutated only by the orchestrator that owns it, Evidence and terminal
// ToolInvocations are append-only, and a Run becomes immutable once its
// status is terminal.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Phase is the orchestrator state a run is currently in.
//
// Phases advance monotonically (Ingress → Diagnose → Verify → Optimize →
// Persist → Done) with one sanctioned cycle: Verify may loop back to
// Diagnose a bounded number of times when evidence is insufficient.
type Phase string

const (
	PhaseIngress  Phase = "ingress"
	PhaseDiagnose Phase = "diagnose"
	PhaseVerify   Phase = "verify"
	PhaseOptimize Phase = "optimize"
	PhasePersist  Phase = "persist"
	PhaseDone     Phase = "done"
	PhaseFailed   Phase = "failed"
)

// RunStatus represents the lifecycle state of a diagnostic run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final. A run reaches a terminal
// status exactly once and is never mutated afterward.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Hypothesis is one candidate explanation for the incident under
// investigation, scored by the model's stated confidence.
type Hypothesis struct {
	Statement  string  `json:"statement"`
	Confidence float32 `json:"confidence"`
}

// Run is one end-to-end diagnostic session for a single operator query.
type Run struct {
	ID    uuid.UUID `json:"id"`
	Query string    `json:"query"`

	Phase  Phase     `json:"phase"`
	Status RunStatus `json:"status"`

	Hypotheses []Hypothesis     `json:"hypotheses"`
	Evidence   []Evidence       `json:"evidence"`
	ToolCalls  []ToolInvocation `json:"tool_calls"`
	Budget     TokenBudget      `json:"token_budget"`

	// VerifyRetries counts Verify→Diagnose loop-backs taken so far.
	VerifyRetries int `json:"verify_retries"`

	// Error is set when Status is RunStatusFailed.
	Error *RunError `json:"error,omitempty"`

	// ReferenceID is the stable identifier surfaced to callers on the
	// terminal event, used to correlate a user-visible outcome with the
	// server-side audit record without exposing internal error state.
	ReferenceID string `json:"reference_id"`

	Response *Response `json:"response,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// NewRun creates a running Run in the Ingress phase with the given budget
// ceiling. The reference ID is derived from the run ID; it is stable for
// the life of the run and safe to show to callers.
func NewRun(query string, budgetMax int) *Run {
	id := uuid.New()
	now := time.Now().UTC()
	return &Run{
		ID:          id,
		Query:       query,
		Phase:       PhaseIngress,
		Status:      RunStatusRunning,
		Budget:      NewTokenBudget(budgetMax),
		ReferenceID: "run-" + id.String()[:8],
		StartedAt:   now,
		CreatedAt:   now,
	}
}

// AppendEvidence appends evidence records. Evidence is never mutated or
// removed once appended.
func (r *Run) AppendEvidence(evs ...Evidence) {
	r.Evidence = append(r.Evidence, evs...)
}

// AppendToolCall appends a completed tool invocation record.
func (r *Run) AppendToolCall(inv ToolInvocation) {
	r.ToolCalls = append(r.ToolCalls, inv)
}

// Finish moves the run to a terminal status. It is a no-op if the run is
// already terminal, which makes termination idempotent under races between
// cancellation and normal completion.
func (r *Run) Finish(status RunStatus, runErr *RunError) {
	if r.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	r.Status = status
	r.CompletedAt = &now
	switch status {
	case RunStatusCompleted:
		r.Phase = PhaseDone
	case RunStatusFailed:
		r.Phase = PhaseFailed
		r.Error = runErr
	case RunStatusCancelled:
		r.Error = runErr
	}
}
