package model

// TokenBudget is the per-run resource ledger bounding total token
// consumption. It is mutated only by the budget manager; everything else
// reads it or receives copies in events.
//
// Invariant: BudgetRemaining = BudgetMax - TotalTokens and is never
// negative. Reservations that would break the invariant are rejected;
// actual-usage reconciliation clamps instead (see budget.Manager).
type TokenBudget struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	BudgetMax        int  `json:"budget_max"`
	BudgetRemaining  int  `json:"budget_remaining"`
	ShouldSummarize  bool `json:"should_summarize"`
}

// NewTokenBudget creates an empty ledger with the given ceiling.
func NewTokenBudget(budgetMax int) TokenBudget {
	return TokenBudget{
		BudgetMax:       budgetMax,
		BudgetRemaining: budgetMax,
	}
}
