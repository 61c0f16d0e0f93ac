package main

import (
	"os"
	"testing"
	"time"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("VALUATION_MOCK_TEST_INT", "42")
	if got := intEnv("VALUATION_MOCK_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("VALUATION_MOCK_TEST_INT_BAD", "not-a-number")
	if got := intEnv("VALUATION_MOCK_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestInt64EnvParsesValue(t *testing.T) {
	t.Setenv("VALUATION_MOCK_TEST_INT64", "1048576")
	if got := int64Env("VALUATION_MOCK_TEST_INT64", 0); got != 1<<20 {
		t.Fatalf("expected 1048576, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("VALUATION_MOCK_TEST_DURATION", "150ms")
	if got := durationEnv("VALUATION_MOCK_TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("VALUATION_MOCK_TEST_DURATION_BAD", "soon")
	if got := durationEnv("VALUATION_MOCK_TEST_DURATION_BAD", 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("VALUATION_MOCK_TEST_UNSET")
	if got := envOrDefault("VALUATION_MOCK_TEST_UNSET", ":8090"); got != ":8090" {
		t.Fatalf("expected fallback :8090, got %q", got)
	}
	if got := intEnv("VALUATION_MOCK_TEST_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv("VALUATION_MOCK_TEST_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}
