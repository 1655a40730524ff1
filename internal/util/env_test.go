package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"OFF", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("QP_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("QP_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("QP_TEST_DUR", "90s")
	if got := ParseDurationEnv("QP_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Errorf("ParseDurationEnv = %v, want 90s", got)
	}
	t.Setenv("QP_TEST_DUR", "-5s")
	if got := ParseDurationEnv("QP_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("ParseDurationEnv negative = %v, want default", got)
	}
	t.Setenv("QP_TEST_DUR", "soon")
	if got := ParseDurationEnv("QP_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("ParseDurationEnv invalid = %v, want default", got)
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("QP_TEST_INT", "180")
	if got := ParseIntEnv("QP_TEST_INT", 0); got != 180 {
		t.Errorf("ParseIntEnv = %d, want 180", got)
	}
	t.Setenv("QP_TEST_INT", "x")
	if got := ParseIntEnv("QP_TEST_INT", 7); got != 7 {
		t.Errorf("ParseIntEnv invalid = %d, want 7", got)
	}
}
