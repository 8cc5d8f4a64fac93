// Package transport adapts a pion PeerConnection to the negotiation engine
// the call layer drives.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/media"
	"github.com/1ureka/duocall/internal/negotiation"
	"github.com/1ureka/duocall/internal/util"
)

// Connectivity is the coarse connection state reported to the call layer.
type Connectivity int

const (
	ConnectivityChecking Connectivity = iota
	ConnectivityConnected
	ConnectivityDisconnected
	ConnectivityFailed
	ConnectivityClosed
)

func (c Connectivity) String() string {
	switch c {
	case ConnectivityChecking:
		return "checking"
	case ConnectivityConnected:
		return "connected"
	case ConnectivityDisconnected:
		return "disconnected"
	case ConnectivityFailed:
		return "failed"
	case ConnectivityClosed:
		return "closed"
	}
	return fmt.Sprintf("connectivity(%d)", int(c))
}

func connectivityOf(s webrtc.PeerConnectionState) (Connectivity, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return ConnectivityChecking, true
	case webrtc.PeerConnectionStateConnected:
		return ConnectivityConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectivityDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return ConnectivityFailed, true
	case webrtc.PeerConnectionStateClosed:
		return ConnectivityClosed, true
	}
	return 0, false
}

// Options configures a Peer. ICE servers are fixed for the Peer's lifetime.
type Options struct {
	ICEServers []string
	// Tracks are attached as send/receive transceivers.
	Tracks []webrtc.TrackLocal
	// Receive lists kinds to receive even without a local track of that kind.
	Receive media.Constraints
}

// Peer wraps a single PeerConnection and implements negotiation.Engine.
//
// Callbacks registered with OnLocalCandidate, OnConnectivity and
// OnRemoteTrack run on pion's goroutines and must not block.
type Peer struct {
	pc *webrtc.PeerConnection

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState

	closeOnce sync.Once
	closeErr  error
}

var _ negotiation.Engine = (*Peer)(nil)

// NewPeer creates a PeerConnection with the given tracks attached. It stays
// alive until Close is called or ctx is cancelled.
func NewPeer(ctx context.Context, opts Options) (*Peer, error) {
	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	pc, err := newPeerConnection(api, opts.ICEServers)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	var audioSent, videoSent bool
	for _, track := range opts.Tracks {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			audioSent = true
		case webrtc.RTPCodecTypeVideo:
			videoSent = true
		}
	}

	recvOnly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if opts.Receive.Audio && !audioSent {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvOnly); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add audio receiver: %w", err)
		}
	}
	if opts.Receive.Video && !videoSent {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvOnly); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add video receiver: %w", err)
		}
	}

	pCtx, pCancel := context.WithCancel(ctx)
	p := &Peer{
		pc:      pc,
		ctx:     pCtx,
		cancel:  pCancel,
		pcState: webrtc.PeerConnectionStateNew,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		p.mu.Lock()
		p.pcState = state
		p.mu.Unlock()
	})

	go func() {
		<-pCtx.Done()
		p.Close()
	}()

	return p, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Done returns a channel that is closed once the Peer is shutting down.
func (p *Peer) Done() <-chan struct{} {
	return p.ctx.Done()
}

// Close shuts down the PeerConnection. Local tracks are no longer attached
// to any connection afterwards. Safe to call more than once.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		var errs []error
		for _, sender := range p.pc.GetSenders() {
			if sender.Track() == nil {
				continue
			}
			if err := p.pc.RemoveTrack(sender); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
				errs = append(errs, err)
			}
		}
		errs = append(errs, p.pc.Close())
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

// ConnectionState returns the last observed PeerConnection state.
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pcState
}

// SignalingState returns the PeerConnection's signaling state.
func (p *Peer) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

func (p *Peer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.pc.CreateOffer(nil)
}

func (p *Peer) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.pc.CreateAnswer(nil)
}

func (p *Peer) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.pc.SetLocalDescription(desc)
}

func (p *Peer) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(desc)
}

func (p *Peer) AddICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.pc.AddICECandidate(candidate)
}

// Rollback discards the applied local offer and returns to stable.
func (p *Peer) Rollback(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// OnLocalCandidate registers fn for every gathered local candidate. The end
// of gathering is not reported.
func (p *Peer) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

// OnConnectivity registers fn for connection state changes.
func (p *Peer) OnConnectivity(fn func(Connectivity)) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		p.mu.Lock()
		p.pcState = state
		p.mu.Unlock()

		if c, ok := connectivityOf(state); ok {
			fn(c)
		}
	})
}

// OnRemoteTrack registers fn for every incoming remote track.
func (p *Peer) OnRemoteTrack(fn func(media.RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		util.LogDebug("remote %s track %s (%s)", track.Kind(), track.ID(), track.Codec().MimeType)
		fn(track)
	})
}
