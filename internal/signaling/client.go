package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/duocall/internal/util"
)

const (
	writeWait       = 5 * time.Second
	inboundCapacity = 64
)

// ClientOptions configures a WebSocket relay client.
type ClientOptions struct {
	// URL is the relay's WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// ID is the requested identity. Empty lets the relay assign one.
	ID PeerID
	// ReadLimit caps the size of a single inbound frame. Zero means no limit.
	ReadLimit int64
}

// Client is a Channel backed by a WebSocket connection to the relay.
type Client struct {
	opts ClientOptions

	mu   sync.Mutex // guards conn and id; also serialises writes
	conn *websocket.Conn
	id   PeerID

	inbound   chan Message
	closed    chan struct{}
	closeOnce sync.Once
}

var (
	_ Channel     = (*Client)(nil)
	_ Reconnector = (*Client)(nil)
)

// Dial connects to the relay and waits for its welcome, which confirms or
// assigns the local identity.
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	c := &Client{
		opts:    opts,
		id:      opts.ID,
		inbound: make(chan Message, inboundCapacity),
		closed:  make(chan struct{}),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// connect dials, consumes the welcome and starts the read loop.
func (c *Client) connect(ctx context.Context) error {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return fmt.Errorf("invalid relay URL %q: %w", c.opts.URL, err)
	}
	c.mu.Lock()
	id := c.id
	c.mu.Unlock()
	if id != "" {
		q := u.Query()
		q.Set("id", id)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}
	if c.opts.ReadLimit > 0 {
		conn.SetReadLimit(c.opts.ReadLimit)
	}

	welcome, err := readWelcome(ctx, conn)
	if err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.id = welcome.ID
	c.mu.Unlock()

	util.LogDebug("signaling: connected to %s as %s", c.opts.URL, welcome.ID)
	go c.readLoop(conn)
	return nil
}

func readWelcome(ctx context.Context, conn *websocket.Conn) (Message, error) {
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return Message{}, fmt.Errorf("waiting for relay welcome: %w", err)
	}
	msg, err := ParseMessage(data)
	if err != nil {
		return Message{}, fmt.Errorf("invalid relay welcome: %w", err)
	}
	if msg.Type != TypeWelcome {
		return Message{}, fmt.Errorf("expected welcome from relay, got %s", msg.Type)
	}
	return msg, nil
}

// readLoop forwards inbound frames until conn fails. A loop whose conn has
// been replaced by Reconnect exits silently.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := c.conn == conn
			if current {
				c.conn = nil
			}
			c.mu.Unlock()

			if current {
				select {
				case <-c.closed:
				default:
					util.LogWarning("signaling: relay connection lost: %v", err)
					c.deliver(Message{Type: TypeDisconnect, Reason: err.Error()})
				}
			}
			return
		}

		msg, err := ParseMessage(data)
		if err != nil {
			util.LogWarning("signaling: ignoring malformed message: %v", err)
			continue
		}
		util.Stats.AddRecv()
		c.deliver(msg)
	}
}

func (c *Client) deliver(msg Message) {
	select {
	case c.inbound <- msg:
	case <-c.closed:
	}
}

// LocalID returns the identity confirmed by the relay.
func (c *Client) LocalID() PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Inbound returns the stream of messages from the relay.
func (c *Client) Inbound() <-chan Message { return c.inbound }

// Send writes msg addressed to target. A write failure or a missing
// connection is reported as ErrDelivery.
func (c *Client) Send(ctx context.Context, target PeerID, msg Message) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	msg.Target = target
	msg.From = ""
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("refusing to send: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("%w: not connected to relay", ErrDelivery)
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write %s to relay: %v", ErrDelivery, msg.Type, err)
	}
	util.Stats.AddSent()
	return nil
}

// Reconnect replaces a lost connection, keeping the current identity.
func (c *Client) Reconnect(ctx context.Context) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	c.mu.Lock()
	old := c.conn
	c.conn = nil
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return c.connect(ctx)
}

// Close sends a normal close frame and shuts the connection down. The
// inbound stream is not closed; it simply stops delivering.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn == nil {
			return
		}

		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(writeWait))
		err = conn.Close()
	})
	return err
}
