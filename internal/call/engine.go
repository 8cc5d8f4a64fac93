package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/media"
	"github.com/1ureka/duocall/internal/negotiation"
	"github.com/1ureka/duocall/internal/signaling"
	"github.com/1ureka/duocall/internal/transport"
)

// Engine is the per-session connection a Session drives: the negotiation
// operations plus the events the connection reports. Callbacks may fire on
// any goroutine.
type Engine interface {
	negotiation.Engine
	OnLocalCandidate(fn func(webrtc.ICECandidateInit))
	OnConnectivity(fn func(transport.Connectivity))
	OnRemoteTrack(fn func(media.RemoteTrack))
	Close() error
}

var _ Engine = (*transport.Peer)(nil)

// EngineFactory creates a fresh Engine for one session. local may be nil when
// the session proceeds without local media; receive lists the kinds to
// accept from the remote side.
type EngineFactory func(ctx context.Context, local *media.Handle, receive media.Constraints) (Engine, error)

// PeerFactory returns an EngineFactory backed by pion PeerConnections using
// the given ICE servers.
func PeerFactory(iceServers []string) EngineFactory {
	servers := append([]string(nil), iceServers...)
	return func(ctx context.Context, local *media.Handle, receive media.Constraints) (Engine, error) {
		opts := transport.Options{ICEServers: servers, Receive: receive}
		if local != nil {
			opts.Tracks = local.Tracks()
		}
		return transport.NewPeer(ctx, opts)
	}
}

// outbox sends negotiation messages through a signaling channel.
type outbox struct {
	ch signaling.Channel
}

var _ negotiation.Outbox = outbox{}

func (o outbox) SendOffer(ctx context.Context, to string, desc webrtc.SessionDescription) error {
	return o.ch.Send(ctx, to, signaling.Offer(desc))
}

func (o outbox) SendAnswer(ctx context.Context, to string, desc webrtc.SessionDescription) error {
	return o.ch.Send(ctx, to, signaling.Answer(desc))
}

func (o outbox) SendCandidate(ctx context.Context, to string, c webrtc.ICECandidateInit) error {
	return o.ch.Send(ctx, to, signaling.Candidate(c))
}

func (o outbox) SendGlare(ctx context.Context, to string) error {
	return o.ch.Send(ctx, to, signaling.Glare())
}
