package model

import (
	"time"

	"github.com/google/uuid"
)

// InvocationStatus represents the lifecycle state of a tool invocation.
// An invocation transitions from Running to exactly one terminal status
// and is immutable afterward.
type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "pending"
	InvocationRunning   InvocationStatus = "running"
	InvocationSucceeded InvocationStatus = "succeeded"
	InvocationFailed    InvocationStatus = "failed"
	InvocationTimedOut  InvocationStatus = "timed_out"
	InvocationDenied    InvocationStatus = "denied"
)

// Terminal reports whether the invocation status is final.
func (s InvocationStatus) Terminal() bool {
	switch s {
	case InvocationSucceeded, InvocationFailed, InvocationTimedOut, InvocationDenied:
		return true
	}
	return false
}

// ToolOutput is the envelope for structured tool output. Truncated is set
// when the runtime cut the output down to the policy's row or byte caps.
type ToolOutput struct {
	Rows      []map[string]any `json:"rows,omitempty"`
	Content   string           `json:"content,omitempty"`
	Truncated bool             `json:"truncated,omitempty"`
}

// ToolInvocation records one execution attempt of a registered tool,
// including attempts that never ran (schema violations, policy denials).
// Every invocation request produces exactly one record.
type ToolInvocation struct {
	ID       uuid.UUID      `json:"id"`
	RunID    uuid.UUID      `json:"run_id"`
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input"`
	Output   *ToolOutput    `json:"output,omitempty"`

	Status InvocationStatus `json:"status"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`

	TokenEstimate int     `json:"token_estimate"`
	CostEstimate  float64 `json:"cost_estimate"`

	ErrorMessage string `json:"error_message,omitempty"`
}

// NewToolInvocation creates a Running invocation for the given tool call.
func NewToolInvocation(runID uuid.UUID, toolName string, input map[string]any) *ToolInvocation {
	return &ToolInvocation{
		ID:        uuid.New(),
		RunID:     runID,
		ToolName:  toolName,
		Input:     input,
		Status:    InvocationRunning,
		StartedAt: time.Now().UTC(),
	}
}

// Complete moves the invocation to a terminal status, recording duration.
// It is a no-op if the invocation is already terminal.
func (inv *ToolInvocation) Complete(status InvocationStatus, errMsg string) {
	if inv.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	inv.Status = status
	inv.CompletedAt = &now
	inv.DurationMs = now.Sub(inv.StartedAt).Milliseconds()
	inv.ErrorMessage = errMsg
}
