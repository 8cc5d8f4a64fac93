// Package negotiation implements the offer/answer state machine that drives a
// single two-party call attempt, including trickle-candidate buffering and
// glare resolution. It is transport-agnostic: descriptions are produced and
// applied by an Engine, and outgoing messages leave through an Outbox.
package negotiation

// State is the negotiation state of one call attempt.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAwaitingAnswer
	StateOfferReceived
	StateAnswering
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

var stateNames = [...]string{
	StateIdle:           "idle",
	StateOffering:       "offering",
	StateAwaitingAnswer: "awaiting-answer",
	StateOfferReceived:  "offer-received",
	StateAnswering:      "answering",
	StateConnecting:     "connecting",
	StateConnected:      "connected",
	StateFailed:         "failed",
	StateClosed:         "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether the attempt is over. Connected is terminal for the
// negotiation, although late trickle candidates are still applied.
func (s State) Terminal() bool {
	return s == StateConnected || s == StateFailed || s == StateClosed
}

// Ended reports whether the session can no longer do anything useful.
func (s State) Ended() bool {
	return s == StateFailed || s == StateClosed
}

// Role is fixed per attempt: who sent the offer.
type Role int

const (
	RoleNone Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "none"
	}
}

// GlarePolicy decides what the winning side does with the losing offer.
type GlarePolicy string

const (
	// GlareReject answers the losing offer with a glare message.
	GlareReject GlarePolicy = "reject"
	// GlareIgnore drops the losing offer without telling the sender.
	GlareIgnore GlarePolicy = "ignore"
)
