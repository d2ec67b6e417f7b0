package policy_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shindan/internal/policy"
)

func TestCheckInputDenyKeywords(t *testing.T) {
	p := &policy.Policy{DenyKeywords: []string{"DROP", "truncate"}}
	p.Normalize()

	tests := []struct {
		name   string
		input  map[string]any
		denied bool
	}{
		{"clean query", map[string]any{"query": "select recent errors"}, false},
		{"denied keyword", map[string]any{"query": "DROP TABLE users"}, true},
		{"case insensitive", map[string]any{"query": "drop table users"}, true},
		{"denied in other field", map[string]any{"filter": "TRUNCATE logs"}, true},
		{"non-string fields ignored", map[string]any{"limit": 50}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := p.CheckInput(tt.input)
			if tt.denied {
				require.NotNil(t, v)
			} else {
				assert.Nil(t, v)
			}
		})
	}
}

func TestCheckInputAllowKeywords(t *testing.T) {
	p := &policy.Policy{AllowKeywords: []string{"error", "latency"}}
	p.Normalize()

	assert.Nil(t, p.CheckInput(map[string]any{"query": "show error spikes"}))
	v := p.CheckInput(map[string]any{"query": "list all users"})
	require.NotNil(t, v)
	assert.Contains(t, v.Reason, "no allowed keyword")
}

func TestCheckInputResourceScopes(t *testing.T) {
	p := &policy.Policy{AllowedResourceScopes: []string{"logs.app", "logs.infra.*"}}
	p.Normalize()

	assert.Nil(t, p.CheckInput(map[string]any{"dataset": "logs.app"}))
	assert.Nil(t, p.CheckInput(map[string]any{"dataset": "logs.infra.network"}))
	assert.Nil(t, p.CheckInput(map[string]any{"query": "anything"}), "no resource field present")

	v := p.CheckInput(map[string]any{"dataset": "billing.invoices"})
	require.NotNil(t, v)
	assert.Equal(t, "dataset", v.Field)
}

func TestNormalizeFillsCaps(t *testing.T) {
	p := &policy.Policy{}
	p.Normalize()

	assert.Equal(t, policy.DefaultMaxOutputRows, p.MaxOutputRows)
	assert.Equal(t, policy.DefaultMaxBytes, p.MaxBytes)
	assert.Equal(t, time.Duration(policy.DefaultTimeoutSeconds)*time.Second, p.Timeout())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.json")
	content := `{
		"default": {"timeout_seconds": 10},
		"log_query": {
			"deny_keywords": ["DROP"],
			"allowed_resource_scopes": ["logs.*"],
			"max_output_rows": 500,
			"audit": {"log_input": true, "redact_fields": ["api_key"]}
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	set, err := policy.Load(path)
	require.NoError(t, err)

	lq := set.For("log_query")
	assert.Equal(t, []string{"DROP"}, lq.DenyKeywords)
	assert.Equal(t, 500, lq.MaxOutputRows)
	assert.Equal(t, policy.DefaultMaxBytes, lq.MaxBytes, "unset cap normalized")
	assert.Equal(t, []string{"api_key"}, lq.Audit.RedactFields)

	// Unknown tools fall back to the default entry.
	other := set.For("semantic_search")
	assert.Equal(t, 10*time.Second, other.Timeout())
}

func TestLoadEmptyPath(t *testing.T) {
	set, err := policy.Load("")
	require.NoError(t, err)
	p := set.For("anything")
	require.NotNil(t, p)
	assert.Empty(t, p.DenyKeywords)
	assert.Equal(t, policy.DefaultMaxOutputRows, p.MaxOutputRows)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := policy.Load(path)
	require.Error(t, err)
}
