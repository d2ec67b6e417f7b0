package config

import (
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set; malformed values also fall back.
	if v := envInt("TEST_INT_MISSING", 99); v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7, got %d", v)
	}
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.65")
	if v := envFloat("TEST_FLOAT", 0.8); v != 0.65 {
		t.Fatalf("expected 0.65, got %f", v)
	}
	if v := envFloat("TEST_FLOAT_MISSING", 0.8); v != 0.8 {
		t.Fatalf("expected fallback 0.8, got %f", v)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	if v := envDuration("TEST_DUR_BAD", time.Minute); v != time.Minute {
		t.Fatalf("expected fallback 1m, got %s", v)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.BudgetMax != 32000 {
		t.Fatalf("expected default budget 32000, got %d", cfg.BudgetMax)
	}
	if cfg.VerifyRetries != 3 {
		t.Fatalf("expected default verify retries 3, got %d", cfg.VerifyRetries)
	}
}

func TestValidateRejectsBadThreshold(t *testing.T) {
	t.Setenv("SHINDAN_SUMMARIZE_THRESHOLD", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail with threshold > 1")
	}
}

func TestValidateRejectsNonPositiveBudget(t *testing.T) {
	t.Setenv("SHINDAN_BUDGET_MAX", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail with zero budget")
	}
}
