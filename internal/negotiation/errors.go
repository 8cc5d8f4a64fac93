package negotiation

import "errors"

// Error kinds surfaced by the negotiation layer. Callers classify with
// errors.Is; the wrapping message names the rule that was broken.
var (
	// ErrMediaAcquisition means local capture was denied or unavailable.
	ErrMediaAcquisition = errors.New("media acquisition failed")
	// ErrDelivery means the relay could not reach the target peer.
	ErrDelivery = errors.New("signaling delivery failed")
	// ErrProtocolViolation means an out-of-order, duplicate or malformed
	// description arrived. State is left untouched.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrConnectivityFailure means no candidate pair produced a path.
	ErrConnectivityFailure = errors.New("connectivity failure")

	// ErrInvalidTransition means a local operation was requested in a state
	// that does not allow it.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrStaleAttempt means an asynchronous step finished after its attempt
	// was superseded or cancelled; its result was discarded.
	ErrStaleAttempt = errors.New("stale negotiation attempt")
	// ErrGlare means an incoming offer lost the glare tie-break.
	ErrGlare = errors.New("glare: incoming offer lost tie-break")
	// ErrClosed means the session is already closed.
	ErrClosed = errors.New("session closed")
	// ErrNegotiation means the engine failed to create or apply a description.
	ErrNegotiation = errors.New("negotiation failed")
)
