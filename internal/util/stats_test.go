package util

import (
	"strings"
	"testing"
)

// TestFormatBytesWidth verifies the fixed 8-character width of formatBytes.
func TestFormatBytesWidth(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{100 * 1024, " 0.1 MiB"},
	}

	for _, tc := range testCases {
		got := formatBytes(tc.in)
		if got != tc.want {
			t.Errorf("formatBytes(%v) = %q, want %q", tc.in, got, tc.want)
		}
		if len(got) != 8 {
			t.Errorf("formatBytes(%v) has width %d, want 8", tc.in, len(got))
		}
	}
}

// TestFormatStatsIncludesCounters verifies that the report mentions the deltas.
func TestFormatStatsIncludesCounters(t *testing.T) {
	out := formatStats(3, 7, 0)
	if !strings.Contains(out, "3↑") || !strings.Contains(out, "7↓") {
		t.Fatalf("formatStats output missing deltas: %q", out)
	}
}
