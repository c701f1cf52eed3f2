package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		hexLength  int
		wantLength int
	}{
		{"debug suffix", "", 8, 8},
		{"prefixed", "req_", 16, 20},
		{"empty", "x_", 0, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomID(tt.prefix, tt.hexLength)
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("GenerateRandomID() = %v, want prefix %v", got, tt.prefix)
			}
			if len(got) != tt.wantLength {
				t.Errorf("GenerateRandomID() length = %v, want %v", len(got), tt.wantLength)
			}
			if !isValidHex(got[len(tt.prefix):]) {
				t.Errorf("GenerateRandomID() hex part of %v is not valid hex", got)
			}
		})
	}
}

func TestGenerateRandomHexUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		hex := GenerateRandomHex(16)
		if seen[hex] {
			t.Errorf("GenerateRandomHex() generated duplicate: %v", hex)
		}
		seen[hex] = true
	}
	if GenerateRandomHex(-1) != "" {
		t.Error("expected empty string for negative length")
	}
}

func TestRandomIndex(t *testing.T) {
	if RandomIndex(0) != 0 || RandomIndex(-5) != 0 {
		t.Error("expected 0 for non-positive n")
	}
	for i := 0; i < 100; i++ {
		if got := RandomIndex(3); got < 0 || got >= 3 {
			t.Fatalf("RandomIndex(3) = %d out of range", got)
		}
	}
}

func TestPickString(t *testing.T) {
	options := []string{"a", "b", "c"}
	if got := PickString(options, func(int) int { return 1 }); got != "b" {
		t.Errorf("expected b, got %q", got)
	}
	if got := PickString(options, func(int) int { return 4 }); got != "b" {
		t.Errorf("expected wrapped index to give b, got %q", got)
	}
	if got := PickString(options, func(int) int { return -1 }); got != "c" {
		t.Errorf("expected negative index to wrap to c, got %q", got)
	}
	if got := PickString(nil, nil); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
	if got := PickString(options, nil); got == "" {
		t.Error("expected a value with default chooser")
	}
}

func isValidHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
