package negotiation

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Compile-time interface checks.
var (
	_ Engine = (*fakeEngine)(nil)
	_ Outbox = (*fakeOutbox)(nil)
)

// testSDP returns a minimal description body that pion/sdp accepts.
// The session name makes descriptions distinguishable in assertions.
func testSDP(name string) string {
	return "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=" + name + "\r\nt=0 0\r\n"
}

func offerDesc(name string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP(name)}
}

func answerDesc(name string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP(name)}
}

func cand(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

// fakeEngine records every call in order and can be told to fail or to run a
// hook while "suspended" inside a call.
type fakeEngine struct {
	name string
	ops  []string

	applied []string // candidates applied, in order

	failCreateOffer bool
	failSetRemote   bool
	failRollback    bool

	duringCreateOffer func()
	duringSetRemote   func()
}

func (e *fakeEngine) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	e.ops = append(e.ops, "create-offer")
	if e.duringCreateOffer != nil {
		e.duringCreateOffer()
	}
	if e.failCreateOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("no transceivers")
	}
	return offerDesc(e.name + "-offer"), nil
}

func (e *fakeEngine) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	e.ops = append(e.ops, "create-answer")
	return answerDesc(e.name + "-answer"), nil
}

func (e *fakeEngine) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	e.ops = append(e.ops, "set-local-"+desc.Type.String())
	return nil
}

func (e *fakeEngine) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	e.ops = append(e.ops, "set-remote-"+desc.Type.String())
	if e.duringSetRemote != nil {
		e.duringSetRemote()
	}
	if e.failSetRemote {
		return fmt.Errorf("bad fingerprint")
	}
	return nil
}

func (e *fakeEngine) AddICECandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	e.ops = append(e.ops, "add-candidate")
	e.applied = append(e.applied, c.Candidate)
	return nil
}

func (e *fakeEngine) Rollback(ctx context.Context) error {
	e.ops = append(e.ops, "rollback")
	if e.failRollback {
		return fmt.Errorf("rollback unsupported")
	}
	return nil
}

type sentMessage struct {
	kind string
	to   string
	body string
}

// fakeOutbox records every message handed to it.
type fakeOutbox struct {
	sent    []sentMessage
	failErr error
}

func (o *fakeOutbox) record(kind, to, body string) error {
	if o.failErr != nil {
		return o.failErr
	}
	o.sent = append(o.sent, sentMessage{kind: kind, to: to, body: body})
	return nil
}

func (o *fakeOutbox) SendOffer(ctx context.Context, to string, desc webrtc.SessionDescription) error {
	return o.record("offer", to, desc.SDP)
}

func (o *fakeOutbox) SendAnswer(ctx context.Context, to string, desc webrtc.SessionDescription) error {
	return o.record("answer", to, desc.SDP)
}

func (o *fakeOutbox) SendCandidate(ctx context.Context, to string, c webrtc.ICECandidateInit) error {
	return o.record("ice-candidate", to, c.Candidate)
}

func (o *fakeOutbox) SendGlare(ctx context.Context, to string) error {
	return o.record("glare", to, "")
}

func (o *fakeOutbox) kinds() []string {
	out := make([]string, len(o.sent))
	for i, m := range o.sent {
		out[i] = m.kind
	}
	return out
}

func newTestMachine(local string) (*Machine, *fakeEngine, *fakeOutbox) {
	e := &fakeEngine{name: local}
	o := &fakeOutbox{}
	m := NewMachine(e, o, Options{LocalID: local, Glare: GlareReject})
	return m, e, o
}
