package negotiation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestWinsGlare(t *testing.T) {
	testCases := []struct {
		local, remote string
		want          bool
	}{
		{"alice", "bob", true},
		{"bob", "alice", false},
		{"a", "ab", true},
		{"B", "a", true}, // byte order, not case-folded
		{"same", "same", false},
	}

	for _, tc := range testCases {
		t.Run(tc.local+"-"+tc.remote, func(t *testing.T) {
			if got := WinsGlare(tc.local, tc.remote); got != tc.want {
				t.Fatalf("WinsGlare(%q, %q) = %v, want %v", tc.local, tc.remote, got, tc.want)
			}
		})
	}
}

// TestGlareWinnerKeepsOffer verifies both policies on the winning side.
func TestGlareWinnerKeepsOffer(t *testing.T) {
	testCases := []struct {
		policy    GlarePolicy
		wantKinds []string
	}{
		{GlareReject, []string{"offer", "glare"}},
		{GlareIgnore, []string{"offer"}},
	}

	for _, tc := range testCases {
		t.Run(string(tc.policy), func(t *testing.T) {
			m, e, o := newTestMachine("alice")
			m.opts.Glare = tc.policy
			ctx := context.Background()

			if err := m.StartAsInitiator(ctx, "bob"); err != nil {
				t.Fatalf("StartAsInitiator: %v", err)
			}
			err := m.ReceiveOffer(ctx, "bob", offerDesc("bob-offer"))
			if !errors.Is(err, ErrGlare) {
				t.Fatalf("error = %v, want ErrGlare", err)
			}

			if m.State() != StateAwaitingAnswer || m.Role() != RoleInitiator {
				t.Fatalf("state/role = %s/%s, want awaiting-answer/initiator", m.State(), m.Role())
			}
			if m.Attempt() != 0 {
				t.Fatalf("attempt = %d, want 0", m.Attempt())
			}
			if !reflect.DeepEqual(o.kinds(), tc.wantKinds) {
				t.Fatalf("sent kinds = %v, want %v", o.kinds(), tc.wantKinds)
			}
			for _, op := range e.ops {
				if op == "rollback" || op == "set-remote-offer" {
					t.Fatalf("winner touched its engine with %q", op)
				}
			}

			// The loser's answer still completes the winner's attempt.
			if err := m.ReceiveAnswer(ctx, "bob", answerDesc("bob-answer")); err != nil {
				t.Fatalf("ReceiveAnswer: %v", err)
			}
			if m.State() != StateConnecting {
				t.Fatalf("state = %s, want connecting", m.State())
			}
		})
	}
}

// TestGlareRejectUndeliverable verifies that a winner whose rejection cannot
// reach the peer fails the attempt with the delivery error.
func TestGlareRejectUndeliverable(t *testing.T) {
	m, _, o := newTestMachine("alice")
	ctx := context.Background()

	if err := m.StartAsInitiator(ctx, "bob"); err != nil {
		t.Fatalf("StartAsInitiator: %v", err)
	}
	o.failErr = fmt.Errorf("%w: unknown target bob", ErrDelivery)

	err := m.ReceiveOffer(ctx, "bob", offerDesc("bob-offer"))
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("error = %v, want ErrDelivery", err)
	}
	if errors.Is(err, ErrGlare) {
		t.Fatalf("error = %v, must not read as a settled glare", err)
	}
	if m.State() != StateFailed {
		t.Fatalf("state = %s, want %s", m.State(), StateFailed)
	}
}

// TestGlareLoserRollsBackAndAnswers verifies the losing side.
func TestGlareLoserRollsBackAndAnswers(t *testing.T) {
	m, e, o := newTestMachine("bob")
	ctx := context.Background()

	var transitions []string
	m.opts.OnTransition = func(from, to State) {
		transitions = append(transitions, to.String())
	}

	if err := m.StartAsInitiator(ctx, "alice"); err != nil {
		t.Fatalf("StartAsInitiator: %v", err)
	}
	if err := m.ReceiveOffer(ctx, "alice", offerDesc("alice-offer")); err != nil {
		t.Fatalf("ReceiveOffer: %v", err)
	}

	if m.State() != StateConnecting {
		t.Fatalf("state = %s, want connecting", m.State())
	}
	if m.Role() != RoleResponder {
		t.Fatalf("role = %s, want responder", m.Role())
	}
	if m.Attempt() != 1 {
		t.Fatalf("attempt = %d, want 1", m.Attempt())
	}
	if m.LocalDescription() == nil || m.LocalDescription().SDP != testSDP("bob-answer") {
		t.Fatalf("local description = %+v, want bob's answer", m.LocalDescription())
	}

	wantOps := []string{
		"create-offer", "set-local-offer",
		"rollback",
		"set-remote-offer", "create-answer", "set-local-answer",
	}
	if !reflect.DeepEqual(e.ops, wantOps) {
		t.Fatalf("engine ops = %v, want %v", e.ops, wantOps)
	}
	if want := []string{"offer", "answer"}; !reflect.DeepEqual(o.kinds(), want) {
		t.Fatalf("sent kinds = %v, want %v", o.kinds(), want)
	}

	wantTransitions := []string{
		"offering", "awaiting-answer",
		"idle",
		"offer-received", "answering", "connecting",
	}
	if !reflect.DeepEqual(transitions, wantTransitions) {
		t.Fatalf("transitions = %v, want %v", transitions, wantTransitions)
	}
}

// TestGlareRollbackFailure verifies that a failed rollback fails the attempt.
func TestGlareRollbackFailure(t *testing.T) {
	m, e, o := newTestMachine("bob")
	e.failRollback = true
	ctx := context.Background()

	if err := m.StartAsInitiator(ctx, "alice"); err != nil {
		t.Fatalf("StartAsInitiator: %v", err)
	}
	err := m.ReceiveOffer(ctx, "alice", offerDesc("alice-offer"))
	if !errors.Is(err, ErrNegotiation) {
		t.Fatalf("error = %v, want ErrNegotiation", err)
	}
	if m.State() != StateFailed {
		t.Fatalf("state = %s, want failed", m.State())
	}
	if len(o.sent) != 1 {
		t.Fatalf("sent %v, want only the original offer", o.kinds())
	}
}

// TestGlareConvergence runs two machines that start calling each other at the
// same moment and checks that exactly one offer survives.
func TestGlareConvergence(t *testing.T) {
	ctx := context.Background()
	alice, aliceEngine, aliceOut := newTestMachine("alice")
	bob, bobEngine, bobOut := newTestMachine("bob")

	if err := alice.StartAsInitiator(ctx, "bob"); err != nil {
		t.Fatalf("alice start: %v", err)
	}
	if err := bob.StartAsInitiator(ctx, "alice"); err != nil {
		t.Fatalf("bob start: %v", err)
	}

	// Both offers cross on the wire.
	aliceOffer := offerDesc("alice-offer")
	bobOffer := offerDesc("bob-offer")

	if err := alice.ReceiveOffer(ctx, "bob", bobOffer); !errors.Is(err, ErrGlare) {
		t.Fatalf("alice receiving bob's offer: %v, want ErrGlare", err)
	}
	if err := bob.ReceiveOffer(ctx, "alice", aliceOffer); err != nil {
		t.Fatalf("bob receiving alice's offer: %v", err)
	}

	// bob answered; alice applies it.
	last := bobOut.sent[len(bobOut.sent)-1]
	if last.kind != "answer" || last.to != "alice" {
		t.Fatalf("bob's last message = %+v, want answer to alice", last)
	}
	if err := alice.ReceiveAnswer(ctx, "bob", answerDesc("bob-answer")); err != nil {
		t.Fatalf("alice ReceiveAnswer: %v", err)
	}

	// alice's glare message reaches bob after he already answered; the
	// session layer ignores it there.
	if alice.State() != StateConnecting || bob.State() != StateConnecting {
		t.Fatalf("states = %s/%s, want connecting/connecting", alice.State(), bob.State())
	}
	if alice.Role() != RoleInitiator || bob.Role() != RoleResponder {
		t.Fatalf("roles = %s/%s, want initiator/responder", alice.Role(), bob.Role())
	}
	if *alice.RemoteDescription() != answerDesc("bob-answer") {
		t.Fatal("alice did not apply bob's answer")
	}
	if *bob.RemoteDescription() != aliceOffer {
		t.Fatal("bob did not apply alice's offer")
	}

	for _, op := range aliceEngine.ops {
		if op == "rollback" {
			t.Fatal("winner rolled back")
		}
	}
	var rolledBack bool
	for _, op := range bobEngine.ops {
		rolledBack = rolledBack || op == "rollback"
	}
	if !rolledBack {
		t.Fatal("loser did not roll back")
	}
	if want := []string{"offer", "glare"}; !reflect.DeepEqual(aliceOut.kinds(), want) {
		t.Fatalf("alice sent %v, want %v", aliceOut.kinds(), want)
	}
}
