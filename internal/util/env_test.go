package util

import "testing"

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		fallback bool
		want     bool
	}{
		{"true", "true", false, true},
		{"one", "1", false, true},
		{"yes upper", "YES", false, true},
		{"on padded", " on ", false, true},
		{"false", "false", true, false},
		{"zero", "0", true, false},
		{"off", "off", true, false},
		{"unset uses default", "", true, true},
		{"garbage uses default", "maybe", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STUDYPIPE_TEST_BOOL", tt.value)
			if got := ParseBoolEnv("STUDYPIPE_TEST_BOOL", tt.fallback); got != tt.want {
				t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.fallback, got, tt.want)
			}
		})
	}
}
