package model

import "fmt"

// ErrorCode is the stable taxonomy for everything that can go wrong during
// a run. Local codes are recovered in place (converted to tool_failure
// evidence); fatal codes terminate the run.
type ErrorCode string

const (
	// Local: recorded on the invocation and surfaced as evidence.
	CodeSchemaViolation ErrorCode = "schema_violation"
	CodePolicyDenied    ErrorCode = "policy_denied"
	CodeToolTimeout     ErrorCode = "tool_timeout"

	// Fatal: terminate the run.
	CodeBudgetExceeded       ErrorCode = "budget_exceeded"
	CodeInsufficientEvidence ErrorCode = "insufficient_evidence"
	CodeUpstreamGeneration   ErrorCode = "upstream_generation_error"

	// Fatal but deliberate: external cancellation or wall-clock ceiling.
	CodeCancelled ErrorCode = "cancelled"
)

// Fatal reports whether the code terminates the run.
func (c ErrorCode) Fatal() bool {
	switch c {
	case CodeBudgetExceeded, CodeInsufficientEvidence, CodeUpstreamGeneration, CodeCancelled:
		return true
	}
	return false
}

// RunError is a taxonomy-coded error attached to a failed run.
type RunError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewRunError creates a RunError with a formatted message.
func NewRunError(code ErrorCode, format string, args ...any) *RunError {
	return &RunError{Code: code, Message: fmt.Sprintf(format, args...)}
}
