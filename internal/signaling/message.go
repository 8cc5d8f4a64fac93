// Package signaling carries negotiation messages between two peers through a
// relay. It defines the wire messages, the Channel contract the call layer
// depends on, a WebSocket client, the relay server itself and an in-memory
// relay used by tests and single-process setups.
package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	TypeWelcome   MessageType = "welcome"
	TypeJoin      MessageType = "join"
	TypeLeave     MessageType = "leave"
	TypeOffer     MessageType = "offer"
	TypeAnswer    MessageType = "answer"
	TypeCandidate MessageType = "ice-candidate"
	TypeGlare     MessageType = "glare"
	TypeHangup    MessageType = "hangup"
	TypeError     MessageType = "error"

	// TypeDisconnect never crosses the wire. A Channel emits it on Inbound
	// when its connection to the relay is lost.
	TypeDisconnect MessageType = "disconnect"
)

// Routed reports whether the relay forwards messages of this type to a target.
func (t MessageType) Routed() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeGlare, TypeHangup:
		return true
	}
	return false
}

// ErrorCode classifies relay error messages.
type ErrorCode string

const (
	CodeUnknownTarget ErrorCode = "unknown-target"
	CodeBadMessage    ErrorCode = "bad-message"
)

// PeerID is a participant's identity on the relay.
type PeerID = string

// Message is the JSON structure exchanged with the relay. From is stamped by
// the relay on forwarded messages; senders leave it empty.
type Message struct {
	Type      MessageType                `json:"type"`
	From      PeerID                     `json:"from,omitempty"`
	Target    PeerID                     `json:"target,omitempty"`
	ID        PeerID                     `json:"id,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Code      ErrorCode                  `json:"code,omitempty"`
	Reason    string                     `json:"reason,omitempty"`
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

func Offer(desc webrtc.SessionDescription) Message {
	return Message{Type: TypeOffer, SDP: &desc}
}

func Answer(desc webrtc.SessionDescription) Message {
	return Message{Type: TypeAnswer, SDP: &desc}
}

func Candidate(c webrtc.ICECandidateInit) Message {
	return Message{Type: TypeCandidate, Candidate: &c}
}

func Glare() Message  { return Message{Type: TypeGlare} }
func Hangup() Message { return Message{Type: TypeHangup} }

func errorMessage(code ErrorCode, target PeerID, reason string) Message {
	return Message{Type: TypeError, Code: code, Target: target, Reason: reason}
}

// ---------------------------------------------------------------------------
// Parsing and validation
// ---------------------------------------------------------------------------

// ParseMessage decodes exactly one JSON message and validates it.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate checks that the fields required by the message type are present.
// It does not check From, which only the relay sets.
func (m Message) Validate() error {
	switch m.Type {
	case TypeWelcome, TypeJoin, TypeLeave:
		if m.ID == "" {
			return fmt.Errorf("%s message missing id", m.Type)
		}
	case TypeOffer, TypeAnswer:
		if m.Target == "" {
			return fmt.Errorf("%s message missing target", m.Type)
		}
		if m.SDP == nil {
			return fmt.Errorf("%s message missing sdp", m.Type)
		}
		if m.SDP.Type.String() != string(m.Type) {
			return fmt.Errorf("%s message has sdp.type=%q", m.Type, m.SDP.Type)
		}
	case TypeCandidate:
		if m.Target == "" {
			return fmt.Errorf("%s message missing target", m.Type)
		}
		if m.Candidate == nil {
			return fmt.Errorf("%s message missing candidate", m.Type)
		}
	case TypeGlare, TypeHangup:
		if m.Target == "" {
			return fmt.Errorf("%s message missing target", m.Type)
		}
	case TypeError:
		if m.Code == "" {
			return fmt.Errorf("error message missing code")
		}
	case TypeDisconnect:
		return fmt.Errorf("disconnect is a local message")
	case "":
		return fmt.Errorf("message missing type")
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}
