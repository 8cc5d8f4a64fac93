package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/media"
	"github.com/1ureka/duocall/internal/negotiation"
	"github.com/1ureka/duocall/internal/signaling"
	"github.com/1ureka/duocall/internal/transport"
	"github.com/1ureka/duocall/internal/util"
)

var (
	// ErrSessionActive is returned by Call while another session exists.
	ErrSessionActive = errors.New("a call is already active; hang up first")
	// ErrNoPeer is returned by Call when no target is given or known.
	ErrNoPeer = errors.New("no peer to call")
	// ErrAgentStopped is returned once Run has exited.
	ErrAgentStopped = errors.New("agent stopped")
)

// Options configures an Agent.
type Options struct {
	Channel signaling.Channel
	// Media acquires local tracks when Run starts. Nil means no capture
	// device.
	Media       media.Capability
	Constraints media.Constraints
	// AllowNoMedia lets Call proceed receive-only when acquisition failed.
	AllowNoMedia bool
	Glare        negotiation.GlarePolicy
	NewEngine    EngineFactory
	// AutoCall calls the first peer announced while idle.
	AutoCall bool

	// ReconnectAttempts bounds relay reconnects after a disconnect; the
	// delay grows linearly from ReconnectDelay.
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	// OnMedia is called from Run once local media is acquired.
	OnMedia       func(*media.Handle)
	OnStateChange func(remote string, from, to negotiation.State)
	OnEnd         func(End)
}

type eventKind int

const (
	evCall eventKind = iota
	evHangup
	evLocalCandidate
	evConnectivity
	evRemoteTrack
)

type event struct {
	kind eventKind

	session      *Session
	remote       string
	candidate    webrtc.ICECandidateInit
	connectivity transport.Connectivity
	track        media.RemoteTrack
	reply        chan error
}

// Agent is one participant. A single goroutine (Run) handles inbound
// signaling, engine callbacks, Call and Hangup one at a time, so at most one
// negotiation step is ever in flight and no two handlers interleave.
type Agent struct {
	opts     Options
	box      *util.Mailbox[event]
	presence Presence

	local    *media.Handle
	mediaErr error

	mu      sync.Mutex // guards session for readers outside the loop
	session *Session

	done chan struct{}
}

// NewAgent creates an Agent. Call Run to start it.
func NewAgent(opts Options) *Agent {
	if opts.NewEngine == nil {
		opts.NewEngine = PeerFactory(transport.DefaultICEServers)
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	return &Agent{
		opts: opts,
		box:  util.NewMailbox[event](),
		done: make(chan struct{}),
	}
}

// LocalID returns the agent's relay identity.
func (a *Agent) LocalID() string { return a.opts.Channel.LocalID() }

// Presence returns the peers the relay has announced.
func (a *Agent) Presence() *Presence { return &a.presence }

// Session returns the active session, if any.
func (a *Agent) Session() (*Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session, a.session != nil
}

// Done is closed when Run returns.
func (a *Agent) Done() <-chan struct{} { return a.done }

// Call starts a call to remote, or to the earliest announced peer when remote
// is empty. It returns once the offer was sent or the attempt failed. Safe
// from any goroutine.
func (a *Agent) Call(ctx context.Context, remote string) error {
	reply := make(chan error, 1)
	if !a.box.Put(event{kind: evCall, remote: remote, reply: reply}) {
		return ErrAgentStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return ErrAgentStopped
	}
}

// Hangup ends the active session, if any. It may be called from any
// goroutine: the in-flight negotiation step is cancelled immediately and the
// teardown runs on the agent's loop.
func (a *Agent) Hangup() {
	if s, ok := a.Session(); ok {
		s.Cancel()
	}
	a.box.Put(event{kind: evHangup})
}

// Run acquires local media and processes events until ctx is cancelled or
// the relay connection is lost for good. The active session is torn down
// before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.done)
	defer a.box.Close()

	a.acquireMedia(ctx)
	defer func() {
		if a.local != nil {
			a.local.Release()
		}
	}()

	inbound := a.opts.Channel.Inbound()
	for {
		select {
		case <-ctx.Done():
			a.endSession(ReasonShutdown, nil)
			return ctx.Err()

		case msg := <-inbound:
			if err := a.handleMessage(ctx, msg); err != nil {
				a.endSession(ReasonShutdown, err)
				return err
			}

		case <-a.box.Ready():
			for _, ev := range a.box.Take() {
				a.handleEvent(ctx, ev)
			}
		}
	}
}

func (a *Agent) acquireMedia(ctx context.Context) {
	if a.opts.Media == nil {
		a.mediaErr = fmt.Errorf("%w: no capture device", negotiation.ErrMediaAcquisition)
	} else {
		a.local, a.mediaErr = a.opts.Media.Acquire(ctx, a.opts.Constraints)
	}
	switch {
	case a.mediaErr == nil:
		util.LogDebug("agent %s: local media ready (%s)", a.LocalID(), a.opts.Constraints)
		if a.opts.OnMedia != nil {
			a.opts.OnMedia(a.local)
		}
	case a.opts.AllowNoMedia:
		util.LogWarning("agent %s: %v; continuing receive-only", a.LocalID(), a.mediaErr)
	default:
		util.LogWarning("agent %s: %v", a.LocalID(), a.mediaErr)
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func (a *Agent) receiveConstraints() media.Constraints {
	return media.Constraints{Audio: true, Video: a.opts.Constraints.Video}
}

func (a *Agent) newSession(ctx context.Context, remote string) (*Session, error) {
	engine, err := a.opts.NewEngine(ctx, a.local, a.receiveConstraints())
	if err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}

	s := NewSession(ctx, engine, SessionConfig{
		Local:  a.LocalID(),
		Remote: remote,
		Glare:  a.opts.Glare,
		Outbox: outbox{ch: a.opts.Channel},
		Media:  a.local,
		OnTransition: func(s *Session, from, to negotiation.State) {
			if a.opts.OnStateChange != nil {
				a.opts.OnStateChange(s.Remote, from, to)
			}
		},
		OnEnd: a.opts.OnEnd,
	})

	engine.OnLocalCandidate(func(c webrtc.ICECandidateInit) {
		a.box.Put(event{kind: evLocalCandidate, session: s, candidate: c})
	})
	engine.OnConnectivity(func(c transport.Connectivity) {
		a.box.Put(event{kind: evConnectivity, session: s, connectivity: c})
	})
	engine.OnRemoteTrack(func(track media.RemoteTrack) {
		a.box.Put(event{kind: evRemoteTrack, session: s, track: track})
	})

	a.mu.Lock()
	a.session = s
	a.mu.Unlock()
	return s, nil
}

// endSession tears down the active session, if any.
func (a *Agent) endSession(reason Reason, cause error) {
	a.mu.Lock()
	s := a.session
	a.session = nil
	a.mu.Unlock()
	if s != nil {
		s.Teardown(reason, cause)
	}
}

// current returns the active session if it is the one an event refers to.
func (a *Agent) current(s *Session) bool {
	return s != nil && a.session == s
}

// afterStep classifies the outcome of a negotiation step on s.
func (a *Agent) afterStep(s *Session, err error) {
	if !a.current(s) {
		return
	}
	switch {
	case err == nil:
	case errors.Is(err, negotiation.ErrStaleAttempt):
		util.LogDebug("agent %s: %v", a.LocalID(), err)
	case errors.Is(err, negotiation.ErrGlare):
		util.LogDebug("agent %s: %v", a.LocalID(), err)
	case errors.Is(err, negotiation.ErrProtocolViolation):
		util.LogWarning("agent %s: ignoring message: %v", a.LocalID(), err)
	case errors.Is(err, negotiation.ErrDelivery):
		a.endSession(ReasonDelivery, err)
		return
	default:
		util.LogWarning("agent %s: %v", a.LocalID(), err)
	}

	if s.Machine().State() == negotiation.StateFailed {
		a.endSession(ReasonFailed, err)
	}
}

// ---------------------------------------------------------------------------
// Local events
// ---------------------------------------------------------------------------

func (a *Agent) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case evCall:
		ev.reply <- a.startCall(ctx, ev.remote)

	case evHangup:
		s := a.session
		if s == nil {
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := a.opts.Channel.Send(sendCtx, s.Remote, signaling.Hangup()); err != nil {
			util.LogDebug("agent %s: hangup not delivered: %v", a.LocalID(), err)
		}
		cancel()
		a.endSession(ReasonLocalHangup, nil)

	case evLocalCandidate:
		if !a.current(ev.session) {
			return
		}
		a.afterStep(ev.session, ev.session.Machine().OnLocalCandidate(ev.session.Context(), ev.candidate))

	case evConnectivity:
		if !a.current(ev.session) {
			return
		}
		a.handleConnectivity(ev.session, ev.connectivity)

	case evRemoteTrack:
		if !a.current(ev.session) || a.opts.Media == nil {
			return
		}
		if err := a.opts.Media.AttachRemote(ev.session.sink, ev.track); err != nil {
			util.LogWarning("agent %s: remote %s track: %v", a.LocalID(), ev.track.Kind(), err)
		}
	}
}

func (a *Agent) startCall(ctx context.Context, remote string) error {
	if a.session != nil {
		return fmt.Errorf("%w (with %s)", ErrSessionActive, a.session.Remote)
	}
	if remote == "" {
		var ok bool
		if remote, ok = a.presence.Default(); !ok {
			return ErrNoPeer
		}
	}
	if remote == a.LocalID() {
		return fmt.Errorf("%w: cannot call yourself", negotiation.ErrInvalidTransition)
	}
	if a.mediaErr != nil && !a.opts.AllowNoMedia {
		return a.mediaErr
	}

	s, err := a.newSession(ctx, remote)
	if err != nil {
		return err
	}
	util.LogInfo("calling %s", remote)
	err = s.Machine().StartAsInitiator(s.Context(), remote)
	a.afterStep(s, err)
	return err
}

func (a *Agent) handleConnectivity(s *Session, c transport.Connectivity) {
	switch c {
	case transport.ConnectivityConnected:
		if err := s.Machine().MarkConnected(); err != nil {
			util.LogDebug("agent %s: %v", a.LocalID(), err)
			return
		}
		util.LogSuccess("connected to %s", s.Remote)
	case transport.ConnectivityDisconnected:
		util.LogWarning("connection to %s interrupted", s.Remote)
	case transport.ConnectivityFailed:
		err := s.Machine().ConnectivityFailed()
		if !errors.Is(err, negotiation.ErrConnectivityFailure) {
			err = fmt.Errorf("%w: connection to %s lost", negotiation.ErrConnectivityFailure, s.Remote)
		}
		a.endSession(ReasonConnectivity, err)
	}
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// handleMessage dispatches one inbound message. It returns an error only
// when the relay is gone and cannot be restored.
func (a *Agent) handleMessage(ctx context.Context, msg signaling.Message) error {
	s := a.session
	fromRemote := s != nil && msg.From == s.Remote

	switch msg.Type {
	case signaling.TypeJoin:
		if msg.ID == a.LocalID() || !a.presence.Add(msg.ID) {
			return nil
		}
		util.LogInfo("%s joined", msg.ID)
		if a.opts.AutoCall && s == nil && (a.mediaErr == nil || a.opts.AllowNoMedia) {
			if err := a.startCall(ctx, msg.ID); err != nil {
				util.LogWarning("auto-call %s: %v", msg.ID, err)
			}
		}

	case signaling.TypeLeave:
		a.presence.Remove(msg.ID)
		util.LogInfo("%s left", msg.ID)
		if s != nil && s.Remote == msg.ID {
			a.endSession(ReasonRemoteLeft, nil)
		}

	case signaling.TypeOffer:
		a.handleOffer(ctx, msg)

	case signaling.TypeAnswer:
		if s == nil {
			util.LogWarning("agent %s: %v: answer from %s with no call", a.LocalID(), negotiation.ErrProtocolViolation, msg.From)
			return nil
		}
		a.afterStep(s, s.Machine().ReceiveAnswer(s.Context(), msg.From, *msg.SDP))

	case signaling.TypeCandidate:
		if s == nil {
			util.LogDebug("agent %s: discarding candidate from %s, no call", a.LocalID(), msg.From)
			return nil
		}
		a.afterStep(s, s.Machine().ReceiveCandidate(s.Context(), msg.From, *msg.Candidate))

	case signaling.TypeGlare:
		if fromRemote {
			util.LogDebug("agent %s: %s kept its offer", a.LocalID(), msg.From)
		}

	case signaling.TypeHangup:
		if fromRemote {
			a.endSession(ReasonRemoteHangup, nil)
		}

	case signaling.TypeError:
		switch {
		case msg.Code == signaling.CodeUnknownTarget && s != nil && msg.Target == s.Remote:
			a.endSession(ReasonDelivery, fmt.Errorf("%w: %s: %s", negotiation.ErrDelivery, msg.Target, msg.Reason))
		default:
			util.LogWarning("agent %s: relay error %s: %s", a.LocalID(), msg.Code, msg.Reason)
		}

	case signaling.TypeDisconnect:
		a.endSession(ReasonDisconnected, fmt.Errorf("%w: %s", negotiation.ErrDelivery, msg.Reason))
		a.presence.Clear()
		return a.reconnect(ctx)
	}
	return nil
}

func (a *Agent) handleOffer(ctx context.Context, msg signaling.Message) {
	s := a.session
	if s != nil && s.Remote != msg.From {
		util.LogWarning("agent %s: busy, rejecting offer from %s", a.LocalID(), msg.From)
		if err := a.opts.Channel.Send(ctx, msg.From, signaling.Hangup()); err != nil {
			util.LogDebug("agent %s: rejecting %s: %v", a.LocalID(), msg.From, err)
		}
		return
	}

	created := false
	if s == nil {
		if err := negotiation.ValidateDescription(*msg.SDP, webrtc.SDPTypeOffer); err != nil {
			util.LogWarning("agent %s: ignoring offer from %s: %v", a.LocalID(), msg.From, err)
			return
		}
		if a.mediaErr != nil {
			util.LogWarning("agent %s: answering %s receive-only: %v", a.LocalID(), msg.From, a.mediaErr)
		}
		var err error
		if s, err = a.newSession(ctx, msg.From); err != nil {
			util.LogError("agent %s: cannot answer %s: %v", a.LocalID(), msg.From, err)
			return
		}
		created = true
		util.LogInfo("incoming call from %s", msg.From)
	}

	err := s.Machine().ReceiveOffer(s.Context(), msg.From, *msg.SDP)
	// A session opened for this offer that never left Idle has nothing to
	// continue with and would otherwise block every later call.
	if err != nil && created && a.current(s) && s.Machine().State() == negotiation.StateIdle {
		util.LogWarning("agent %s: offer from %s rejected: %v", a.LocalID(), msg.From, err)
		a.endSession(ReasonFailed, err)
		return
	}
	a.afterStep(s, err)
}

func (a *Agent) reconnect(ctx context.Context) error {
	r, ok := a.opts.Channel.(signaling.Reconnector)
	if !ok || a.opts.ReconnectAttempts <= 0 {
		return fmt.Errorf("relay connection lost")
	}

	var lastErr error
	for attempt := 1; attempt <= a.opts.ReconnectAttempts; attempt++ {
		select {
		case <-time.After(time.Duration(attempt) * a.opts.ReconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if lastErr = r.Reconnect(ctx); lastErr == nil {
			util.LogSuccess("reconnected to relay as %s", a.LocalID())
			return nil
		}
		util.LogWarning("reconnect %d/%d failed: %v", attempt, a.opts.ReconnectAttempts, lastErr)
	}
	return fmt.Errorf("relay connection lost: %w", lastErr)
}
