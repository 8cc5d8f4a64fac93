// Package call runs two-party calls: a Session owns one negotiation attempt
// with a remote peer, and an Agent is the single actor that feeds sessions
// with signaling messages and connection events.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/duocall/internal/media"
	"github.com/1ureka/duocall/internal/negotiation"
	"github.com/1ureka/duocall/internal/util"
)

// Reason says why a session ended.
type Reason string

const (
	ReasonLocalHangup  Reason = "local-hangup"
	ReasonRemoteHangup Reason = "remote-hangup"
	ReasonRemoteLeft   Reason = "remote-left"
	ReasonFailed       Reason = "negotiation-failed"
	ReasonConnectivity Reason = "connectivity-failure"
	ReasonDelivery     Reason = "delivery-failure"
	ReasonDisconnected Reason = "relay-disconnected"
	ReasonShutdown     Reason = "shutdown"
)

// End describes a finished session. It is reported exactly once.
type End struct {
	SessionID string
	Remote    string
	Role      negotiation.Role
	Reason    Reason
	Err       error
	Duration  time.Duration
}

// SessionConfig holds what a Session needs besides its engine.
type SessionConfig struct {
	Local  string
	Remote string
	Glare  negotiation.GlarePolicy
	Outbox negotiation.Outbox
	// Media is borrowed; teardown never releases it.
	Media *media.Handle
	Sink  media.Sink
	// OnTransition observes every negotiation state change.
	OnTransition func(s *Session, from, to negotiation.State)
	// OnEnd is called once, from Teardown.
	OnEnd func(End)
}

// Session aggregates everything one call attempt owns. Apart from State,
// Role, Done and End, its methods must be called from a single goroutine.
type Session struct {
	ID     string
	Local  string
	Remote string

	machine *negotiation.Machine
	engine  Engine
	media   *media.Handle
	sink    media.Sink

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state negotiation.State
	role  negotiation.Role

	started  time.Time
	once     sync.Once
	end      End
	onEnd    func(End)
	finished chan struct{}
}

// NewSession creates a session in the idle state. Its context is derived
// from ctx; cancelling either aborts in-flight negotiation steps.
func NewSession(ctx context.Context, engine Engine, cfg SessionConfig) *Session {
	sCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:       uuid.NewString(),
		Local:    cfg.Local,
		Remote:   cfg.Remote,
		engine:   engine,
		media:    cfg.Media,
		sink:     cfg.Sink,
		ctx:      sCtx,
		cancel:   cancel,
		state:    negotiation.StateIdle,
		started:  time.Now(),
		onEnd:    cfg.OnEnd,
		finished: make(chan struct{}),
	}
	if s.sink == nil {
		s.sink = media.NewDiscardSink()
	}

	s.machine = negotiation.NewMachine(engine, cfg.Outbox, negotiation.Options{
		LocalID: cfg.Local,
		Glare:   cfg.Glare,
		OnTransition: func(from, to negotiation.State) {
			s.mu.Lock()
			s.state = to
			s.role = s.machine.Role()
			s.mu.Unlock()
			if cfg.OnTransition != nil {
				cfg.OnTransition(s, from, to)
			}
		},
	})

	util.Stats.AddSession()
	return s
}

// Context is cancelled when the session ends or a hangup is requested.
func (s *Session) Context() context.Context { return s.ctx }

// Cancel aborts the in-flight step without tearing down. Safe from any
// goroutine.
func (s *Session) Cancel() { s.cancel() }

// Media returns the borrowed local media, or nil for a receive-only session.
func (s *Session) Media() *media.Handle { return s.media }

// Machine exposes the negotiation state machine to the owning goroutine.
func (s *Session) Machine() *negotiation.Machine { return s.machine }

func (s *Session) State() negotiation.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Role() negotiation.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Done is closed once Teardown has completed.
func (s *Session) Done() <-chan struct{} { return s.finished }

// End returns the end record. It is only meaningful after Done is closed.
func (s *Session) End() End {
	<-s.finished
	return s.end
}

// Teardown ends the session: it cancels in-flight steps, closes the
// negotiation machine and the engine, detaches the remote sink and reports
// the end. Only the first call has any effect; it reports whether this call
// performed the teardown.
func (s *Session) Teardown(reason Reason, cause error) bool {
	performed := false
	s.once.Do(func() {
		performed = true
		s.cancel()

		role := s.machine.Role()
		s.machine.Close()
		if err := s.engine.Close(); err != nil {
			util.LogWarning("session %s: closing connection: %v", s.ID, err)
		}
		s.sink.Detach()

		s.end = End{
			SessionID: s.ID,
			Remote:    s.Remote,
			Role:      role,
			Reason:    reason,
			Err:       cause,
			Duration:  time.Since(s.started),
		}
		util.Stats.RemoveSession()
		if cause != nil {
			util.LogInfo("call with %s ended: %s (%v)", s.Remote, reason, cause)
		} else {
			util.LogInfo("call with %s ended: %s", s.Remote, reason)
		}

		close(s.finished)
		if s.onEnd != nil {
			s.onEnd(s.end)
		}
	})
	return performed
}
