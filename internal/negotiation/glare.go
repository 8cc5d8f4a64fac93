package negotiation

import (
	"context"
	"fmt"

	"github.com/1ureka/duocall/internal/util"
)

// WinsGlare reports whether local keeps its offer when both sides offer at
// once: the lexicographically smaller identifier wins.
func WinsGlare(local, remote string) bool {
	return local < remote
}

// resolveGlare handles an offer from the peer we are already calling.
// The winner keeps its offer and returns ErrGlare, or fails the attempt if the
// rejection cannot be delivered. The loser rolls back its own offer, starts a
// new attempt and returns nil in StateIdle so the caller can continue as
// responder.
func (m *Machine) resolveGlare(ctx context.Context, from string) error {
	if WinsGlare(m.opts.LocalID, from) {
		util.LogInfo("glare with %s: %s < %s, keeping local offer (%s)", from, m.opts.LocalID, from, m.opts.Glare)
		if m.opts.Glare == GlareReject {
			attempt := m.attempt
			err := m.out.SendGlare(ctx, from)
			if serr := m.checkAttempt(ctx, attempt); serr != nil {
				return serr
			}
			if err != nil {
				return m.fail(fmt.Errorf("send glare to %s: %w", from, err))
			}
		}
		return fmt.Errorf("%w: %s keeps its offer to %s", ErrGlare, m.opts.LocalID, from)
	}

	util.LogInfo("glare with %s: %s > %s, discarding local offer", from, m.opts.LocalID, from)
	attempt := m.attempt
	err := m.engine.Rollback(ctx)
	if serr := m.checkAttempt(ctx, attempt); serr != nil {
		return serr
	}
	if err != nil {
		return m.fail(fmt.Errorf("%w: roll back local offer: %v", ErrNegotiation, err))
	}

	m.attempt++
	m.localDesc = nil
	m.signaled = false
	m.role = RoleNone
	m.transition(StateIdle)
	return nil
}
