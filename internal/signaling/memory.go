package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/1ureka/duocall/internal/util"
)

// MemoryRelay routes messages between in-process channels with the same
// semantics as Relay, except that an unknown target fails Send synchronously.
type MemoryRelay struct {
	mu    sync.Mutex
	peers map[PeerID]*MemoryChannel
}

// NewMemoryRelay creates an empty in-process relay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{peers: make(map[PeerID]*MemoryChannel)}
}

// Connect attaches a new channel under id and announces it to everyone else.
func (r *MemoryRelay) Connect(id PeerID) (*MemoryChannel, error) {
	ch := &MemoryChannel{
		relay:   r,
		id:      id,
		box:     util.NewMailbox[Message](),
		inbound: make(chan Message),
		done:    make(chan struct{}),
	}
	if err := r.attach(ch); err != nil {
		return nil, err
	}
	go ch.pump()
	return ch, nil
}

// Disconnect simulates a lost relay connection for id: the channel receives
// TypeDisconnect and the remaining peers receive a leave.
func (r *MemoryRelay) Disconnect(id PeerID) {
	if ch := r.detach(id); ch != nil {
		ch.box.Put(Message{Type: TypeDisconnect, Reason: "relay connection lost"})
	}
}

func (r *MemoryRelay) attach(ch *MemoryChannel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch.id == "" {
		return fmt.Errorf("memory relay: empty peer id")
	}
	if _, taken := r.peers[ch.id]; taken {
		return fmt.Errorf("memory relay: id %s already connected", ch.id)
	}
	for id, other := range r.peers {
		ch.box.Put(Message{Type: TypeJoin, ID: id})
		other.box.Put(Message{Type: TypeJoin, ID: ch.id})
	}
	r.peers[ch.id] = ch
	return nil
}

func (r *MemoryRelay) detach(id PeerID) *MemoryChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.peers[id]
	if !ok {
		return nil
	}
	delete(r.peers, id)
	for _, other := range r.peers {
		other.box.Put(Message{Type: TypeLeave, ID: id})
	}
	return ch
}

func (r *MemoryRelay) route(from PeerID, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[from]; !ok {
		return fmt.Errorf("%w: %s is not connected", ErrDelivery, from)
	}
	target, ok := r.peers[msg.Target]
	if !ok {
		return fmt.Errorf("%w: unknown target %s", ErrDelivery, msg.Target)
	}
	msg.From = from
	target.box.Put(msg)
	return nil
}

// MemoryChannel is a Channel attached to a MemoryRelay. Send never blocks;
// each channel has its own unbounded queue.
type MemoryChannel struct {
	relay *MemoryRelay
	id    PeerID

	box     *util.Mailbox[Message]
	inbound chan Message

	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ Channel     = (*MemoryChannel)(nil)
	_ Reconnector = (*MemoryChannel)(nil)
)

func (c *MemoryChannel) pump() {
	for {
		select {
		case <-c.box.Ready():
			for _, msg := range c.box.Take() {
				select {
				case c.inbound <- msg:
				case <-c.done:
					return
				}
			}
		case <-c.done:
			return
		}
	}
}

func (c *MemoryChannel) LocalID() PeerID         { return c.id }
func (c *MemoryChannel) Inbound() <-chan Message { return c.inbound }

func (c *MemoryChannel) Send(ctx context.Context, target PeerID, msg Message) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	msg.Target = target
	msg.From = ""
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("refusing to send: %w", err)
	}
	if err := c.relay.route(c.id, msg); err != nil {
		return err
	}
	util.Stats.AddSent()
	return nil
}

// Reconnect re-attaches the channel after Disconnect.
func (c *MemoryChannel) Reconnect(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	return c.relay.attach(c)
}

func (c *MemoryChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.relay.mu.Lock()
		owned := c.relay.peers[c.id] == c
		c.relay.mu.Unlock()
		if owned {
			c.relay.detach(c.id)
		}
		c.box.Close()
	})
	return nil
}
