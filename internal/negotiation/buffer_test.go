package negotiation

import (
	"fmt"
	"testing"
)

// TestCandidateBufferPreservesOrder verifies that Drain returns candidates in
// exactly the order they were pushed, including duplicates.
func TestCandidateBufferPreservesOrder(t *testing.T) {
	testCases := []struct {
		name  string
		input []string
	}{
		{"empty", nil},
		{"single", []string{"a"}},
		{"several", []string{"a", "b", "c", "d"}},
		{"duplicates kept", []string{"a", "a", "b", "a"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var b CandidateBuffer
			for _, s := range tc.input {
				b.Push(cand(s))
			}
			if b.Len() != len(tc.input) {
				t.Fatalf("Len = %d, want %d", b.Len(), len(tc.input))
			}

			got := b.Drain()
			if len(got) != len(tc.input) {
				t.Fatalf("Drain returned %d candidates, want %d", len(got), len(tc.input))
			}
			for i := range got {
				if got[i].Candidate != tc.input[i] {
					t.Errorf("candidate %d = %q, want %q", i, got[i].Candidate, tc.input[i])
				}
			}
			if b.Len() != 0 {
				t.Errorf("Len after Drain = %d, want 0", b.Len())
			}
			if again := b.Drain(); len(again) != 0 {
				t.Errorf("second Drain returned %d candidates, want 0", len(again))
			}
		})
	}
}

// TestCandidateBufferClear verifies that Clear discards everything.
func TestCandidateBufferClear(t *testing.T) {
	var b CandidateBuffer
	for i := 0; i < 5; i++ {
		b.Push(cand(fmt.Sprintf("c%d", i)))
	}
	b.Clear()
	if b.Len() != 0 {
		t.Fatalf("Len after Clear = %d, want 0", b.Len())
	}
}
