package negotiation

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/util"
)

// Engine produces and applies session descriptions and remote candidates.
// Every method may suspend for an unbounded time; implementations should
// honour ctx.
type Engine interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	AddICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error
	// Rollback discards a local offer that has been applied but not answered.
	Rollback(ctx context.Context) error
}

// Outbox carries negotiation messages to the remote peer. Send failures that
// mean the peer is unreachable wrap ErrDelivery.
type Outbox interface {
	SendOffer(ctx context.Context, to string, desc webrtc.SessionDescription) error
	SendAnswer(ctx context.Context, to string, desc webrtc.SessionDescription) error
	SendCandidate(ctx context.Context, to string, candidate webrtc.ICECandidateInit) error
	SendGlare(ctx context.Context, to string) error
}

// Options configures a Machine.
type Options struct {
	// LocalID is this participant's signaling identity, used for the glare
	// tie-break. It must be non-empty and unique on the relay.
	LocalID string
	// Glare selects how a winning side treats the losing offer.
	Glare GlarePolicy
	// OnTransition, if set, observes every state change.
	OnTransition func(from, to State)
}

// Machine drives one participant's side of a two-party negotiation.
//
// A Machine is not safe for concurrent use: all calls must come from the
// single actor that owns the session. Asynchronous steps are guarded by an
// attempt counter; when the attempt is superseded (glare rollback, Close) or
// the step's context is cancelled, the step's result is discarded and
// ErrStaleAttempt is returned without mutating state.
type Machine struct {
	opts   Options
	engine Engine
	out    Outbox

	state   State
	role    Role
	remote  string
	attempt uint64

	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	signaled   bool // local offer/answer was handed to the outbox
	closed     bool

	pending  CandidateBuffer // remote candidates waiting for the remote description
	outgoing CandidateBuffer // local candidates waiting for our offer/answer to go out
}

// NewMachine creates a Machine in StateIdle.
func NewMachine(engine Engine, out Outbox, opts Options) *Machine {
	if opts.Glare == "" {
		opts.Glare = GlareReject
	}
	return &Machine{
		opts:   opts,
		engine: engine,
		out:    out,
		state:  StateIdle,
	}
}

// State returns the current negotiation state.
func (m *Machine) State() State { return m.state }

// Role returns the role of the current attempt.
func (m *Machine) Role() Role { return m.role }

// Remote returns the remote peer identifier, or "" if none is known yet.
func (m *Machine) Remote() string { return m.remote }

// Attempt returns the current attempt number.
func (m *Machine) Attempt() uint64 { return m.attempt }

// LocalDescription returns the applied local description, if any.
func (m *Machine) LocalDescription() *webrtc.SessionDescription { return m.localDesc }

// RemoteDescription returns the applied remote description, if any.
func (m *Machine) RemoteDescription() *webrtc.SessionDescription { return m.remoteDesc }

// PendingCandidates returns how many remote candidates are buffered.
func (m *Machine) PendingCandidates() int { return m.pending.Len() }

func (m *Machine) transition(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	util.LogDebug("negotiation[%s#%d]: %s → %s", m.opts.LocalID, m.attempt, from, to)
	if m.opts.OnTransition != nil {
		m.opts.OnTransition(from, to)
	}
}

// checkAttempt is called after every suspend point.
func (m *Machine) checkAttempt(ctx context.Context, attempt uint64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: attempt %d: %v", ErrStaleAttempt, attempt, err)
	}
	if m.attempt != attempt || m.closed {
		return fmt.Errorf("%w: attempt %d superseded by %d", ErrStaleAttempt, attempt, m.attempt)
	}
	return nil
}

func (m *Machine) fail(err error) error {
	m.transition(StateFailed)
	return err
}

// ---------------------------------------------------------------------------
// Initiator
// ---------------------------------------------------------------------------

// StartAsInitiator creates and applies a local offer and sends it to remote.
// It is only valid from StateIdle.
func (m *Machine) StartAsInitiator(ctx context.Context, remote string) error {
	if m.closed {
		return fmt.Errorf("%w: cannot start a call: %w", ErrInvalidTransition, ErrClosed)
	}
	if m.state != StateIdle {
		return fmt.Errorf("%w: cannot start a call in state %s", ErrInvalidTransition, m.state)
	}
	if remote == "" {
		return fmt.Errorf("%w: cannot start a call without a remote peer", ErrInvalidTransition)
	}

	m.role = RoleInitiator
	m.remote = remote
	m.transition(StateOffering)
	attempt := m.attempt

	offer, err := m.engine.CreateOffer(ctx)
	if serr := m.checkAttempt(ctx, attempt); serr != nil {
		return serr
	}
	if err != nil {
		return m.fail(fmt.Errorf("%w: create offer: %v", ErrNegotiation, err))
	}

	err = m.engine.SetLocalDescription(ctx, offer)
	if serr := m.checkAttempt(ctx, attempt); serr != nil {
		return serr
	}
	if err != nil {
		return m.fail(fmt.Errorf("%w: apply local offer: %v", ErrNegotiation, err))
	}
	m.localDesc = &offer
	m.transition(StateAwaitingAnswer)

	err = m.out.SendOffer(ctx, remote, offer)
	if serr := m.checkAttempt(ctx, attempt); serr != nil {
		return serr
	}
	if err != nil {
		return m.fail(fmt.Errorf("send offer to %s: %w", remote, err))
	}
	m.signaled = true

	return m.flushOutgoing(ctx, attempt)
}

// ReceiveAnswer applies the remote answer. It is only valid from
// StateAwaitingAnswer; anywhere else the answer is rejected as a protocol
// violation and state is left unchanged.
func (m *Machine) ReceiveAnswer(ctx context.Context, from string, desc webrtc.SessionDescription) error {
	if m.state != StateAwaitingAnswer {
		return fmt.Errorf("%w: answer from %s in state %s (duplicate or unsolicited)", ErrProtocolViolation, from, m.state)
	}
	if from != m.remote {
		return fmt.Errorf("%w: answer from %s, expected %s", ErrProtocolViolation, from, m.remote)
	}
	if m.remoteDesc != nil {
		return fmt.Errorf("%w: duplicate remote description from %s", ErrProtocolViolation, from)
	}
	if err := ValidateDescription(desc, webrtc.SDPTypeAnswer); err != nil {
		return err
	}

	attempt := m.attempt
	err := m.engine.SetRemoteDescription(ctx, desc)
	if serr := m.checkAttempt(ctx, attempt); serr != nil {
		return serr
	}
	if err != nil {
		return m.fail(fmt.Errorf("%w: apply remote answer: %v", ErrNegotiation, err))
	}
	m.remoteDesc = &desc

	if err := m.flushPending(ctx, attempt); err != nil {
		return err
	}
	m.transition(StateConnecting)
	return nil
}

// ---------------------------------------------------------------------------
// Responder
// ---------------------------------------------------------------------------

// ReceiveOffer applies a remote offer and answers it. It is valid from
// StateIdle, or from StateAwaitingAnswer when the offer comes from the peer
// we are calling (glare). A glaring offer that loses the tie-break returns an
// error wrapping ErrGlare and leaves the local offer in place.
func (m *Machine) ReceiveOffer(ctx context.Context, from string, desc webrtc.SessionDescription) error {
	if err := ValidateDescription(desc, webrtc.SDPTypeOffer); err != nil {
		return err
	}

	if m.state == StateAwaitingAnswer && from == m.remote {
		if err := m.resolveGlare(ctx, from); err != nil {
			return err
		}
	}

	if m.state != StateIdle {
		return fmt.Errorf("%w: offer from %s in state %s", ErrProtocolViolation, from, m.state)
	}
	if m.remoteDesc != nil {
		return fmt.Errorf("%w: duplicate remote description from %s", ErrProtocolViolation, from)
	}

	m.role = RoleResponder
	m.remote = from
	m.transition(StateOfferReceived)
	attempt := m.attempt

	err := m.engine.SetRemoteDescription(ctx, desc)
	if serr := m.checkAttempt(ctx, attempt); serr != nil {
		return serr
	}
	if err != nil {
		return m.fail(fmt.Errorf("%w: apply remote offer: %v", ErrNegotiation, err))
	}
	m.remoteDesc = &desc

	if err := m.flushPending(ctx, attempt); err != nil {
		return err
	}
	m.transition(StateAnswering)

	answer, err := m.engine.CreateAnswer(ctx)
	if serr := m.checkAttempt(ctx, attempt); serr != nil {
		return serr
	}
	if err != nil {
		return m.fail(fmt.Errorf("%w: create answer: %v", ErrNegotiation, err))
	}

	err = m.engine.SetLocalDescription(ctx, answer)
	if serr := m.checkAttempt(ctx, attempt); serr != nil {
		return serr
	}
	if err != nil {
		return m.fail(fmt.Errorf("%w: apply local answer: %v", ErrNegotiation, err))
	}
	m.localDesc = &answer
	m.transition(StateConnecting)

	err = m.out.SendAnswer(ctx, from, answer)
	if serr := m.checkAttempt(ctx, attempt); serr != nil {
		return serr
	}
	if err != nil {
		return m.fail(fmt.Errorf("send answer to %s: %w", from, err))
	}
	m.signaled = true

	return m.flushOutgoing(ctx, attempt)
}

// ---------------------------------------------------------------------------
// Candidates
// ---------------------------------------------------------------------------

// ReceiveCandidate applies a remote candidate, or buffers it while the remote
// description is not yet applied. Candidates for an ended session are
// discarded without error.
func (m *Machine) ReceiveCandidate(ctx context.Context, from string, candidate webrtc.ICECandidateInit) error {
	if m.state.Ended() {
		util.LogDebug("negotiation[%s]: discarding candidate from %s, session %s", m.opts.LocalID, from, m.state)
		return nil
	}
	if m.remote != "" && from != m.remote {
		return fmt.Errorf("%w: candidate from %s, expected %s", ErrProtocolViolation, from, m.remote)
	}

	if m.remoteDesc == nil {
		m.pending.Push(candidate)
		util.Stats.AddQueued()
		return nil
	}

	if err := m.engine.AddICECandidate(ctx, candidate); err != nil {
		return fmt.Errorf("%w: add candidate from %s: %v", ErrNegotiation, from, err)
	}
	return nil
}

// OnLocalCandidate forwards a locally discovered candidate to the remote
// peer. With no remote peer known the candidate is dropped on purpose: there
// is nobody to send it to. Candidates discovered before our offer or answer
// went out are held and sent right after it.
func (m *Machine) OnLocalCandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	if m.state.Ended() {
		return nil
	}
	if m.remote == "" {
		util.LogDebug("negotiation[%s]: dropping local candidate, no remote peer", m.opts.LocalID)
		util.Stats.AddDropped()
		return nil
	}
	if !m.signaled {
		m.outgoing.Push(candidate)
		return nil
	}
	if err := m.out.SendCandidate(ctx, m.remote, candidate); err != nil {
		return fmt.Errorf("send candidate to %s: %w", m.remote, err)
	}
	return nil
}

// flushPending applies buffered remote candidates in arrival order.
// Individual failures are logged; a cancelled context aborts the flush.
func (m *Machine) flushPending(ctx context.Context, attempt uint64) error {
	candidates := m.pending.Drain()
	for i, c := range candidates {
		err := m.engine.AddICECandidate(ctx, c)
		if serr := m.checkAttempt(ctx, attempt); serr != nil {
			return serr
		}
		if err != nil {
			util.LogWarning("negotiation[%s]: buffered candidate %d/%d rejected: %v", m.opts.LocalID, i+1, len(candidates), err)
		}
	}
	if len(candidates) > 0 {
		util.Stats.AddFlushed(len(candidates))
		util.LogDebug("negotiation[%s]: flushed %d buffered candidates", m.opts.LocalID, len(candidates))
	}
	return nil
}

// flushOutgoing sends local candidates held back until our offer/answer was sent.
func (m *Machine) flushOutgoing(ctx context.Context, attempt uint64) error {
	for _, c := range m.outgoing.Drain() {
		err := m.out.SendCandidate(ctx, m.remote, c)
		if serr := m.checkAttempt(ctx, attempt); serr != nil {
			return serr
		}
		if err != nil {
			return fmt.Errorf("send candidate to %s: %w", m.remote, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Connectivity and shutdown
// ---------------------------------------------------------------------------

// MarkConnected records that the connectivity layer established a path.
func (m *Machine) MarkConnected() error {
	if m.state != StateConnecting {
		return fmt.Errorf("%w: connected in state %s", ErrInvalidTransition, m.state)
	}
	m.transition(StateConnected)
	return nil
}

// ConnectivityFailed records that candidates were exhausted without a path.
// The returned error wraps ErrConnectivityFailure.
func (m *Machine) ConnectivityFailed() error {
	switch m.state {
	case StateConnecting, StateAwaitingAnswer, StateAnswering:
		from := m.state
		m.transition(StateFailed)
		return fmt.Errorf("%w: no path to %s while %s", ErrConnectivityFailure, m.remote, from)
	default:
		return fmt.Errorf("%w: connectivity failure in state %s", ErrInvalidTransition, m.state)
	}
}

// Close ends the machine and drops every buffered candidate. It moves to
// StateClosed unless the machine already ended in StateFailed, which is kept
// as the final state. It reports whether this call performed the close;
// further calls are no-ops.
func (m *Machine) Close() bool {
	if m.closed {
		return false
	}
	m.closed = true
	m.attempt++
	m.pending.Clear()
	m.outgoing.Clear()
	if !m.state.Ended() {
		m.transition(StateClosed)
	}
	return true
}
