package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("RL_TEST_BOOL", "yes")
	if !ParseBoolEnv("RL_TEST_BOOL", false) {
		t.Error("expected true for 'yes'")
	}
	t.Setenv("RL_TEST_BOOL", "off")
	if ParseBoolEnv("RL_TEST_BOOL", true) {
		t.Error("expected false for 'off'")
	}
	t.Setenv("RL_TEST_BOOL", "banana")
	if !ParseBoolEnv("RL_TEST_BOOL", true) {
		t.Error("invalid values must fall back to the default")
	}
	if ParseBoolEnv("RL_TEST_UNSET", false) {
		t.Error("unset values must fall back to the default")
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("RL_TEST_INT", "42")
	if got := ParseIntEnv("RL_TEST_INT", 7); got != 42 {
		t.Errorf("got %d, want 42", got)
	}
	t.Setenv("RL_TEST_INT", "not a number")
	if got := ParseIntEnv("RL_TEST_INT", 7); got != 7 {
		t.Errorf("got %d, want default 7", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("RL_TEST_DUR", "45s")
	if got := ParseDurationEnv("RL_TEST_DUR", time.Minute); got != 45*time.Second {
		t.Errorf("got %v, want 45s", got)
	}
	t.Setenv("RL_TEST_DUR", "whenever")
	if got := ParseDurationEnv("RL_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("got %v, want default 1m", got)
	}
}
