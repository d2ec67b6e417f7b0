package model

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

// ToolEventPayload carries tool lifecycle details on tool_started and
// tool_finished events. Input and output have already been redacted by
// the execution runtime before they reach an event.
type ToolEventPayload struct {
	InvocationID uuid.UUID        `json:"invocation_id"`
	ToolName     string           `json:"tool_name"`
	Status       InvocationStatus `json:"status,omitempty"`
	DurationMs   int64            `json:"duration_ms,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// ErrorEventPayload is the caller-facing error on a terminal error event.
// ReferenceID correlates with the persisted audit record; Code is the
// stable taxonomy code. Raw internal error objects are never exposed.
type ErrorEventPayload struct {
	ReferenceID string    `json:"reference_id"`
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
}

// Event is one entry in a run's ordered event stream. Events are emitted
// in the exact order the corresponding internal transitions occurred.
type Event struct {
	Kind     EventKind `json:"kind"`
	RunID    uuid.UUID `json:"run_id"`
	Sequence uint64    `json:"sequence"`
	Time     time.Time `json:"time"`
	Phase    Phase     `json:"phase,omitempty"`

	Delta        string             `json:"delta,omitempty"`
	Tool         *ToolEventPayload  `json:"tool,omitempty"`
	Usage        *TokenBudget       `json:"usage,omitempty"`
	CheckpointID *uuid.UUID         `json:"checkpoint_id,omitempty"`
	Citation     *Citation          `json:"citation,omitempty"`
	Error        *ErrorEventPayload `json:"error,omitempty"`

	// Response and ReferenceID are set on the done event.
	Response    *Response `json:"response,omitempty"`
	ReferenceID string    `json:"reference_id,omitempty"`
}
