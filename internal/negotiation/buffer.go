package negotiation

import "github.com/pion/webrtc/v4"

// CandidateBuffer holds connectivity candidates that cannot be applied yet.
// Candidates are released in arrival order; nothing is reordered or
// deduplicated (the ICE agent tolerates duplicates).
type CandidateBuffer struct {
	items []webrtc.ICECandidateInit
}

// Push appends a candidate.
func (b *CandidateBuffer) Push(c webrtc.ICECandidateInit) {
	b.items = append(b.items, c)
}

// Drain returns every buffered candidate in FIFO order and empties the buffer.
func (b *CandidateBuffer) Drain() []webrtc.ICECandidateInit {
	out := b.items
	b.items = nil
	return out
}

// Len returns the number of buffered candidates.
func (b *CandidateBuffer) Len() int { return len(b.items) }

// Clear discards everything buffered.
func (b *CandidateBuffer) Clear() { b.items = nil }
