package signaling

import (
	"context"
	"errors"

	"github.com/1ureka/duocall/internal/negotiation"
)

// ErrDelivery is returned by Send when the message could not be handed to
// the relay or the relay has no such target. It is the negotiation layer's
// delivery error so callers can classify with a single errors.Is.
var ErrDelivery = negotiation.ErrDelivery

// ErrChannelClosed is returned by Send after Close.
var ErrChannelClosed = errors.New("signaling channel closed")

// Channel is a bidirectional, per-peer message pipe through a relay.
//
// Messages from one sender to one target arrive in send order. Inbound
// messages carry From as stamped by the relay. Loss of the relay connection
// is reported as a TypeDisconnect message on Inbound.
type Channel interface {
	LocalID() PeerID
	Send(ctx context.Context, target PeerID, msg Message) error
	Inbound() <-chan Message
	Close() error
}

// Reconnector is implemented by channels that can re-establish a lost relay
// connection under the same identity. Inbound keeps delivering on the same
// Go channel after a successful Reconnect.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}
