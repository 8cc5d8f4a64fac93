package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/media"
	"github.com/1ureka/duocall/internal/negotiation"
	"github.com/1ureka/duocall/internal/signaling"
	"github.com/1ureka/duocall/internal/transport"
)

var (
	_ Engine             = (*fakeEngine)(nil)
	_ negotiation.Outbox = (*recordingOutbox)(nil)
)

func testSDP(typ webrtc.SDPType, name string) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: typ,
		SDP:  "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=" + name + "\r\nt=0 0\r\n",
	}
}

// fakeEngine stands in for a peer connection. It reports one local candidate
// after each local description and reports Connected once both descriptions
// are in place.
type fakeEngine struct {
	name string

	mu        sync.Mutex
	ops       []string
	local     bool
	remote    bool
	connected bool
	closed    int

	onCandidate    func(webrtc.ICECandidateInit)
	onConnectivity func(transport.Connectivity)
	onTrack        func(media.RemoteTrack)

	// noConnect keeps the engine from ever reporting Connected.
	noConnect bool
}

func (e *fakeEngine) record(op string) {
	e.mu.Lock()
	e.ops = append(e.ops, op)
	e.mu.Unlock()
}

func (e *fakeEngine) Ops() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ops...)
}

func (e *fakeEngine) Closed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *fakeEngine) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	e.record("create-offer")
	return testSDP(webrtc.SDPTypeOffer, e.name), nil
}

func (e *fakeEngine) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	e.record("create-answer")
	return testSDP(webrtc.SDPTypeAnswer, e.name), nil
}

func (e *fakeEngine) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.record("set-local-" + desc.Type.String())
	e.mu.Lock()
	e.local = true
	onCandidate := e.onCandidate
	e.mu.Unlock()
	if onCandidate != nil {
		go onCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host " + e.name})
	}
	e.maybeConnect()
	return nil
}

func (e *fakeEngine) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.record("set-remote-" + desc.Type.String())
	e.mu.Lock()
	e.remote = true
	e.mu.Unlock()
	e.maybeConnect()
	return nil
}

func (e *fakeEngine) AddICECandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	e.record("add-candidate")
	return nil
}

func (e *fakeEngine) Rollback(ctx context.Context) error {
	e.record("rollback")
	e.mu.Lock()
	e.local = false
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) maybeConnect() {
	e.mu.Lock()
	fire := e.local && e.remote && !e.connected && !e.noConnect && e.closed == 0
	if fire {
		e.connected = true
	}
	fn := e.onConnectivity
	e.mu.Unlock()
	if fire && fn != nil {
		go fn(transport.ConnectivityConnected)
	}
}

// Report delivers a connectivity change as the connection layer would.
func (e *fakeEngine) Report(c transport.Connectivity) {
	e.mu.Lock()
	fn := e.onConnectivity
	e.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (e *fakeEngine) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

func (e *fakeEngine) OnConnectivity(fn func(transport.Connectivity)) {
	e.mu.Lock()
	e.onConnectivity = fn
	e.mu.Unlock()
}

func (e *fakeEngine) OnRemoteTrack(fn func(media.RemoteTrack)) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
	return nil
}

// engines hands out fakeEngines and remembers them.
type engines struct {
	name      string
	noConnect bool

	mu   sync.Mutex
	made []*fakeEngine
}

func (f *engines) factory(ctx context.Context, local *media.Handle, receive media.Constraints) (Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEngine{name: fmt.Sprintf("%s-%d", f.name, len(f.made)), noConnect: f.noConnect}
	f.made = append(f.made, e)
	return e, nil
}

func (f *engines) last() *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.made) == 0 {
		return nil
	}
	return f.made[len(f.made)-1]
}

func (f *engines) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

// recordingOutbox captures what a Session sends.
type recordingOutbox struct {
	mu   sync.Mutex
	sent []string
}

func (o *recordingOutbox) add(kind string) error {
	o.mu.Lock()
	o.sent = append(o.sent, kind)
	o.mu.Unlock()
	return nil
}

func (o *recordingOutbox) SendOffer(ctx context.Context, to string, desc webrtc.SessionDescription) error {
	return o.add("offer")
}

func (o *recordingOutbox) SendAnswer(ctx context.Context, to string, desc webrtc.SessionDescription) error {
	return o.add("answer")
}

func (o *recordingOutbox) SendCandidate(ctx context.Context, to string, c webrtc.ICECandidateInit) error {
	return o.add("ice-candidate")
}

func (o *recordingOutbox) SendGlare(ctx context.Context, to string) error {
	return o.add("glare")
}

// ---------------------------------------------------------------------------
// Agent harness
// ---------------------------------------------------------------------------

type testAgent struct {
	*Agent
	channel *signaling.MemoryChannel
	engines *engines
	ends    chan End

	mu     sync.Mutex
	states []negotiation.State

	runErr chan error
}

type agentOption func(*Options)

func startAgent(t *testing.T, relay *signaling.MemoryRelay, id string, opts ...agentOption) *testAgent {
	t.Helper()
	ch, err := relay.Connect(id)
	if err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}

	ta := &testAgent{
		channel: ch,
		engines: &engines{name: id},
		ends:    make(chan End, 8),
		runErr:  make(chan error, 1),
	}
	o := Options{
		Channel:     ch,
		Media:       &media.Static{Allow: media.Constraints{Audio: true}},
		Constraints: media.Constraints{Audio: true},
		NewEngine:   ta.engines.factory,
		OnStateChange: func(remote string, from, to negotiation.State) {
			ta.mu.Lock()
			ta.states = append(ta.states, to)
			ta.mu.Unlock()
		},
		OnEnd: func(e End) { ta.ends <- e },
	}
	for _, opt := range opts {
		opt(&o)
	}
	ta.Agent = NewAgent(o)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { ta.runErr <- ta.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-ta.Done()
		ch.Close()
	})
	return ta
}

func withAutoCall(o *Options) { o.AutoCall = true }

// waitState polls until the agent's session reaches want.
func (ta *testAgent) waitState(t *testing.T, want negotiation.State) *Session {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := ta.Session(); ok && s.State() == want {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	s, ok := ta.Session()
	if !ok {
		t.Fatalf("%s: no session, want state %s", ta.LocalID(), want)
	}
	t.Fatalf("%s: state %s, want %s", ta.LocalID(), s.State(), want)
	return nil
}

func (ta *testAgent) waitPeer(t *testing.T, id string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ta.Presence().Contains(id) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s never saw %s join", ta.LocalID(), id)
}

func (ta *testAgent) waitEnd(t *testing.T) End {
	t.Helper()
	select {
	case e := <-ta.ends:
		return e
	case <-time.After(3 * time.Second):
		t.Fatalf("%s: session never ended", ta.LocalID())
		return End{}
	}
}

func (ta *testAgent) sawState(want negotiation.State) bool {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	for _, s := range ta.states {
		if s == want {
			return true
		}
	}
	return false
}
