package model

import "github.com/google/uuid"

// Severity grades a finding in the final response.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Citation points a finding back at the evidence that supports it.
type Citation struct {
	Source     string    `json:"source"`
	EvidenceID uuid.UUID `json:"evidence_id"`
	Excerpt    string    `json:"excerpt,omitempty"`
}

// Finding is one conclusion in the final response, graded by severity.
type Finding struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Severity    Severity   `json:"severity"`
	Citations   []Citation `json:"citations,omitempty"`
}

// Response is the structured final answer synthesized in the Optimize
// phase from accumulated evidence.
type Response struct {
	Summary         string     `json:"summary"`
	Findings        []Finding  `json:"findings"`
	Recommendations []string   `json:"recommendations,omitempty"`
	Citations       []Citation `json:"citations,omitempty"`
	Confidence      float32    `json:"confidence"`
}
