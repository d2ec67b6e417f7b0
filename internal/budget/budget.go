// Package budget tracks per-run token consumption against a hard ceiling.
//
// The manager is the only writer of a run's TokenBudget. Reservations are
// checked before model calls and tool-output ingestion; actual usage is
// reconciled afterward. A reservation that would exceed the ceiling fails
// with BudgetExceeded (the only fatal budget error); an actual-usage
// overshoot is clamped instead and latches should_summarize.
package budget

import (
	"strings"
	"sync"

	"github.com/ashita-ai/shindan/internal/model"
)

// Manager is the per-run token ledger. Safe for concurrent use; a run's
// controller and parallel tool executions may reserve concurrently.
type Manager struct {
	mu        sync.Mutex
	ledger    model.TokenBudget
	reserved  int
	threshold float64
}

// NewManager creates a ledger with the given ceiling and summarization
// threshold (fraction of the ceiling, e.g. 0.8).
func NewManager(budgetMax int, threshold float64) *Manager {
	return &Manager{
		ledger:    model.NewTokenBudget(budgetMax),
		threshold: threshold,
	}
}

// Resume seeds the ledger from a checkpointed budget, preserving consumed
// totals and the summarize latch.
func Resume(b model.TokenBudget, threshold float64) *Manager {
	return &Manager{ledger: b, threshold: threshold}
}

// Estimate returns a deterministic token count approximation for text.
// Roughly four bytes per token with a per-word floor; exact per-model
// tokenization is the generator's concern and is reconciled later via
// RecordActual.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	byBytes := len(text) / 4
	byWords := len(strings.Fields(text))
	if byWords > byBytes {
		return byWords
	}
	if byBytes == 0 {
		return 1
	}
	return byBytes
}

// Reserve commits additional tokens against the ceiling. It fails with a
// BudgetExceeded run error when the reservation would push the committed
// total past budget_max; the ledger is left untouched in that case.
func (m *Manager) Reserve(tokens int) (model.TokenBudget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ledger.TotalTokens+m.reserved+tokens > m.ledger.BudgetMax {
		return m.ledger, model.NewRunError(model.CodeBudgetExceeded,
			"reserving %d tokens would exceed budget (%d/%d used, %d reserved)",
			tokens, m.ledger.TotalTokens, m.ledger.BudgetMax, m.reserved)
	}
	m.reserved += tokens
	return m.ledger, nil
}

// RecordActual reconciles reported usage against outstanding reservations.
// The reservation is released and the actuals committed. On overshoot the
// totals are clamped to budget_max, never exceeded, and should_summarize
// latches on. The returned warn flag is true when the ledger clamped or
// the summarize threshold was newly crossed.
func (m *Manager) RecordActual(promptTokens, completionTokens int) (model.TokenBudget, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reserved = 0
	m.ledger.PromptTokens += promptTokens
	m.ledger.CompletionTokens += completionTokens
	m.ledger.TotalTokens = m.ledger.PromptTokens + m.ledger.CompletionTokens

	warn := false
	if m.ledger.TotalTokens > m.ledger.BudgetMax {
		// Clamp the overshoot out of the completion side first so the
		// prompt/completion split still sums to the total.
		excess := m.ledger.TotalTokens - m.ledger.BudgetMax
		if m.ledger.CompletionTokens >= excess {
			m.ledger.CompletionTokens -= excess
		} else {
			m.ledger.PromptTokens -= excess - m.ledger.CompletionTokens
			m.ledger.CompletionTokens = 0
		}
		m.ledger.TotalTokens = m.ledger.BudgetMax
		if !m.ledger.ShouldSummarize {
			warn = true
		}
		m.ledger.ShouldSummarize = true
	}

	if float64(m.ledger.TotalTokens) >= m.threshold*float64(m.ledger.BudgetMax) {
		if !m.ledger.ShouldSummarize {
			warn = true
		}
		m.ledger.ShouldSummarize = true
	}

	m.ledger.BudgetRemaining = m.ledger.BudgetMax - m.ledger.TotalTokens
	return m.ledger, warn
}

// Snapshot returns the current ledger state.
func (m *Manager) Snapshot() model.TokenBudget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger
}
