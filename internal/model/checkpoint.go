package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunSnapshot is the serializable subset of a Run captured in a
// checkpoint: everything needed to resume the orchestrator from a phase
// boundary, minus transient buffers (streaming deltas, draft prompts).
type RunSnapshot struct {
	RunID         uuid.UUID        `json:"run_id"`
	Query         string           `json:"query"`
	Phase         Phase            `json:"phase"`
	Status        RunStatus        `json:"status"`
	Hypotheses    []Hypothesis     `json:"hypotheses"`
	Evidence      []Evidence       `json:"evidence"`
	ToolCalls     []ToolInvocation `json:"tool_calls"`
	Budget        TokenBudget      `json:"token_budget"`
	VerifyRetries int              `json:"verify_retries"`
	ReferenceID   string           `json:"reference_id"`
	StartedAt     time.Time        `json:"started_at"`
}

// Snapshot captures the run's resumable state.
func (r *Run) Snapshot() RunSnapshot {
	return RunSnapshot{
		RunID:         r.ID,
		Query:         r.Query,
		Phase:         r.Phase,
		Status:        r.Status,
		Hypotheses:    append([]Hypothesis(nil), r.Hypotheses...),
		Evidence:      append([]Evidence(nil), r.Evidence...),
		ToolCalls:     append([]ToolInvocation(nil), r.ToolCalls...),
		Budget:        r.Budget,
		VerifyRetries: r.VerifyRetries,
		ReferenceID:   r.ReferenceID,
		StartedAt:     r.StartedAt,
	}
}

// RunFromSnapshot reconstructs a live Run from a snapshot, ready for the
// orchestrator to resume from the captured phase.
func RunFromSnapshot(s RunSnapshot) *Run {
	return &Run{
		ID:            s.RunID,
		Query:         s.Query,
		Phase:         s.Phase,
		Status:        s.Status,
		Hypotheses:    append([]Hypothesis(nil), s.Hypotheses...),
		Evidence:      append([]Evidence(nil), s.Evidence...),
		ToolCalls:     append([]ToolInvocation(nil), s.ToolCalls...),
		Budget:        s.Budget,
		VerifyRetries: s.VerifyRetries,
		ReferenceID:   s.ReferenceID,
		StartedAt:     s.StartedAt,
		CreatedAt:     s.StartedAt,
	}
}

// Checkpoint is an immutable snapshot of a run at a phase boundary.
// Used only for out-of-band restore and debugging, never by the live path.
type Checkpoint struct {
	ID         uuid.UUID   `json:"id"`
	RunID      uuid.UUID   `json:"run_id"`
	Phase      Phase       `json:"phase"`
	Snapshot   []byte      `json:"state_snapshot"`
	TokenUsage TokenBudget `json:"token_usage"`
	CreatedAt  time.Time   `json:"created_at"`
}

// NewCheckpoint serializes the run's snapshot into a checkpoint.
func NewCheckpoint(r *Run) (*Checkpoint, error) {
	raw, err := json.Marshal(r.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("model: marshal snapshot: %w", err)
	}
	return &Checkpoint{
		ID:         uuid.New(),
		RunID:      r.ID,
		Phase:      r.Phase,
		Snapshot:   raw,
		TokenUsage: r.Budget,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// DecodeSnapshot unmarshals the checkpoint's serialized run state.
func (cp *Checkpoint) DecodeSnapshot() (RunSnapshot, error) {
	var s RunSnapshot
	if err := json.Unmarshal(cp.Snapshot, &s); err != nil {
		return RunSnapshot{}, fmt.Errorf("model: decode snapshot: %w", err)
	}
	return s, nil
}
