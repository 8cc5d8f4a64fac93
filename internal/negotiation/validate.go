package negotiation

import (
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// ValidateDescription checks an incoming description before anything is
// mutated, so a malformed message is rejected as a protocol violation rather
// than surfacing later as an engine failure. Callers may use it to screen an
// offer before allocating a session for it.
func ValidateDescription(desc webrtc.SessionDescription, want webrtc.SDPType) error {
	if desc.Type != want {
		return fmt.Errorf("%w: expected %s description, got %s", ErrProtocolViolation, want, desc.Type)
	}
	if desc.SDP == "" {
		return fmt.Errorf("%w: empty %s description", ErrProtocolViolation, want)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return fmt.Errorf("%w: malformed %s description: %v", ErrProtocolViolation, want, err)
	}
	return nil
}
