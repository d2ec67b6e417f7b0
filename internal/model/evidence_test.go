package model

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTruncateUTF8(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"shorter than cap", "ok", 10, "ok"},
		{"exactly at cap", "abcd", 4, "abcd"},
		{"ascii cut", "abcdef", 3, "abc"},
		{"cut on a rune boundary", "日本語", 6, "日本"},
		{"cut inside a rune", "日本語", 5, "日本"},
		{"cap smaller than first rune", "語", 2, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateUTF8(tt.in, tt.max)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), tt.max)
		})
	}
}

func TestNewEvidenceBoundsContentOnRuneBoundary(t *testing.T) {
	// The last rune straddles the content cap; the whole rune must go.
	content := strings.Repeat("a", maxEvidenceContent-1) + "響"
	ev := NewEvidence(uuid.New(), EvidenceToolOutput, "query_logs", content, 0.5, nil)

	assert.Equal(t, strings.Repeat("a", maxEvidenceContent-1), ev.Content)
	assert.True(t, utf8.ValidString(ev.Content))
}
