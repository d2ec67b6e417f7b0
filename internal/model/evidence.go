package model

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// maxEvidenceContent bounds the stored content of a single evidence record.
// Longer tool output is truncated before it becomes evidence; the full
// output envelope already carries its own truncation flag.
const maxEvidenceContent = 8192

// EvidenceKind categorizes how a piece of evidence entered the run.
type EvidenceKind string

const (
	// EvidenceToolOutput is a summary of a successful tool invocation.
	EvidenceToolOutput EvidenceKind = "tool_output"
	// EvidenceRetrieval is a context chunk returned by semantic search.
	EvidenceRetrieval EvidenceKind = "retrieval"
	// EvidenceCitation is a reference to an external source or log row.
	EvidenceCitation EvidenceKind = "citation"
	// EvidenceToolFailure records a denied, failed, or timed-out tool call.
	// Failures stay in the evidence stream so re-planning can see them.
	EvidenceToolFailure EvidenceKind = "tool_failure"
)

// Evidence is one atomic fact gathered during an investigation. Owned
// exclusively by the run that produced it; never mutated after creation.
type Evidence struct {
	ID             uuid.UUID    `json:"id"`
	RunID          uuid.UUID    `json:"run_id"`
	Kind           EvidenceKind `json:"kind"`
	Source         string       `json:"source"`
	Content        string       `json:"content"`
	RelevanceScore float32      `json:"relevance_score"`
	// ToolCallID references the invocation that produced this evidence,
	// if any. The invocation is owned by the run, not by the evidence.
	ToolCallID *uuid.UUID `json:"origin_tool_call_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// TruncateUTF8 caps s at max bytes without splitting a multi-byte rune:
// the cut point backs up to the nearest rune boundary, so the result is
// always valid UTF-8 and at most max bytes long.
func TruncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// NewEvidence creates an evidence record with bounded content.
func NewEvidence(runID uuid.UUID, kind EvidenceKind, source, content string, relevance float32, toolCallID *uuid.UUID) Evidence {
	content = TruncateUTF8(content, maxEvidenceContent)
	return Evidence{
		ID:             uuid.New(),
		RunID:          runID,
		Kind:           kind,
		Source:         source,
		Content:        content,
		RelevanceScore: relevance,
		ToolCallID:     toolCallID,
		CreatedAt:      time.Now().UTC(),
	}
}
