// Package policy defines per-tool safety policies: keyword denylists,
// resource-scope allowlists, output caps, timeouts, and audit/redaction
// settings.
//
// Policies are configuration, not per-run state. They are loaded once at
// startup and shared read-only across all concurrently executing runs.
package policy

import (
	"strconv"
	"strings"
	"time"
)

// AuditSettings control what the execution runtime logs about an
// invocation and which fields are redacted before output re-enters the
// conversation or the audit trail.
type AuditSettings struct {
	LogInput     bool     `json:"log_input"`
	LogOutput    bool     `json:"log_output"`
	RedactFields []string `json:"redact_fields,omitempty"`
}

// Policy constrains a single tool. The zero value denies nothing and caps
// nothing; Normalize fills the caps that must always exist.
type Policy struct {
	DenyKeywords  []string `json:"deny_keywords,omitempty"`
	AllowKeywords []string `json:"allow_keywords,omitempty"`

	// AllowedResourceScopes is an allowlist of datasets/tables/indexes the
	// tool may touch. A trailing "*" matches a prefix ("logs.*"). Empty
	// means no scope restriction.
	AllowedResourceScopes []string `json:"allowed_resource_scopes,omitempty"`

	// ResourceFields names the input fields that carry resource
	// identifiers. Defaults to dataset, table, index, and resource.
	ResourceFields []string `json:"resource_fields,omitempty"`

	MaxOutputRows  int `json:"max_output_rows,omitempty"`
	MaxBytes       int `json:"max_bytes,omitempty"`
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	Audit AuditSettings `json:"audit"`
}

// Defaults that apply when a policy leaves a cap unset.
const (
	DefaultMaxOutputRows  = 100
	DefaultMaxBytes       = 64 * 1024
	DefaultTimeoutSeconds = 30
)

var defaultResourceFields = []string{"dataset", "table", "index", "resource"}

// Normalize fills unset caps with defaults. Called once at load time.
func (p *Policy) Normalize() {
	if p.MaxOutputRows <= 0 {
		p.MaxOutputRows = DefaultMaxOutputRows
	}
	if p.MaxBytes <= 0 {
		p.MaxBytes = DefaultMaxBytes
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if len(p.ResourceFields) == 0 {
		p.ResourceFields = defaultResourceFields
	}
}

// Timeout returns the execution deadline as a duration.
func (p *Policy) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Violation describes why an input failed a policy check.
type Violation struct {
	Field  string
	Reason string
}

// CheckInput scans the tool input against the deny/allow keyword lists
// and the resource-scope allowlist. It returns nil when the input passes.
// Keyword matching is case-insensitive substring matching over every
// textual input field.
func (p *Policy) CheckInput(input map[string]any) *Violation {
	for field, value := range input {
		text, ok := value.(string)
		if !ok {
			continue
		}
		lower := strings.ToLower(text)
		for _, kw := range p.DenyKeywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return &Violation{Field: field, Reason: "denied keyword " + strconv.Quote(kw)}
			}
		}
	}

	if len(p.AllowKeywords) > 0 {
		if !p.anyAllowKeyword(input) {
			return &Violation{Field: "", Reason: "input matches no allowed keyword"}
		}
	}

	for _, field := range p.ResourceFields {
		value, ok := input[field]
		if !ok {
			continue
		}
		text, ok := value.(string)
		if !ok || text == "" {
			continue
		}
		if !p.scopeAllowed(text) {
			return &Violation{Field: field, Reason: "resource " + strconv.Quote(text) + " outside allowed scopes"}
		}
	}

	return nil
}

func (p *Policy) anyAllowKeyword(input map[string]any) bool {
	for _, value := range input {
		text, ok := value.(string)
		if !ok {
			continue
		}
		lower := strings.ToLower(text)
		for _, kw := range p.AllowKeywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}

func (p *Policy) scopeAllowed(resource string) bool {
	if len(p.AllowedResourceScopes) == 0 {
		return true
	}
	for _, scope := range p.AllowedResourceScopes {
		if rest, ok := strings.CutSuffix(scope, "*"); ok {
			if strings.HasPrefix(resource, rest) {
				return true
			}
			continue
		}
		if resource == scope {
			return true
		}
	}
	return false
}
