package util

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateRandomID(t *testing.T) {
	id := GenerateRandomID("x_", 16)
	if !strings.HasPrefix(id, "x_") || len(id) != 18 {
		t.Errorf("GenerateRandomID = %q", id)
	}
	if GenerateRandomID("x_", 16) == id {
		t.Error("expected distinct ids")
	}
}

func TestGenerateNotificationID(t *testing.T) {
	id := GenerateNotificationID()
	if !strings.HasPrefix(id, "n_") || len(id) != 34 {
		t.Errorf("GenerateNotificationID = %q", id)
	}
}

func TestGenerateCallSID(t *testing.T) {
	sid := GenerateCallSID()
	if !strings.HasPrefix(sid, "CA") || len(sid) != 34 {
		t.Errorf("GenerateCallSID = %q", sid)
	}
}

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("TEST_BOOL", "yes")
	if !ParseBoolEnv("TEST_BOOL", false) {
		t.Error("yes must parse true")
	}
	t.Setenv("TEST_BOOL", "off")
	if ParseBoolEnv("TEST_BOOL", true) {
		t.Error("off must parse false")
	}
	t.Setenv("TEST_BOOL", "bogus")
	if !ParseBoolEnv("TEST_BOOL", true) {
		t.Error("invalid value must fall back to default")
	}
	if ParseBoolEnv("TEST_BOOL_UNSET", false) {
		t.Error("unset must fall back to default")
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if got := ParseIntEnv("TEST_INT", 7); got != 42 {
		t.Errorf("ParseIntEnv = %d, want 42", got)
	}
	t.Setenv("TEST_INT", "nope")
	if got := ParseIntEnv("TEST_INT", 7); got != 7 {
		t.Errorf("invalid value = %d, want default 7", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("TEST_DUR", "250ms")
	if got := ParseDurationEnv("TEST_DUR", time.Second); got != 250*time.Millisecond {
		t.Errorf("ParseDurationEnv = %v, want 250ms", got)
	}
	t.Setenv("TEST_DUR", "nope")
	if got := ParseDurationEnv("TEST_DUR", time.Second); got != time.Second {
		t.Errorf("invalid value = %v, want default 1s", got)
	}
}
