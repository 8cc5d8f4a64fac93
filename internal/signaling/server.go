package signaling

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/duocall/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RelayOptions configures a Relay.
type RelayOptions struct {
	// PingPeriod is how often the relay pings each client. A client that
	// misses pongs for slightly longer than this is dropped.
	PingPeriod time.Duration
	// ReadLimit caps the size of a single inbound frame.
	ReadLimit int64
	// Debug enables gin's request logger.
	Debug bool
}

// Relay is the signaling server: it keeps one WebSocket per peer id and
// forwards routed messages to their target, stamping the sender.
type Relay struct {
	opts RelayOptions

	mu    sync.RWMutex
	peers map[PeerID]*relayPeer
}

// relayPeer is one connected client. Writes are serialised by mu.
type relayPeer struct {
	id   PeerID
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *relayPeer) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *relayPeer) ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// NewRelay creates an empty relay.
func NewRelay(opts RelayOptions) *Relay {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 32768
	}
	return &Relay{
		opts:  opts,
		peers: make(map[PeerID]*relayPeer),
	}
}

// Router returns the HTTP handler serving /ws and /healthz.
func (r *Relay) Router() *gin.Engine {
	if !r.opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	if r.opts.Debug {
		router.Use(gin.Logger())
	}
	router.Use(gin.Recovery())

	router.GET("/ws", r.handleWS)
	router.GET("/healthz", r.handleHealth)
	return router
}

// Peers returns the connected peer ids in sorted order.
func (r *Relay) Peers() []PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]PeerID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close drops every connection.
func (r *Relay) Close() {
	r.mu.Lock()
	peers := r.peers
	r.peers = make(map[PeerID]*relayPeer)
	r.mu.Unlock()

	for _, p := range peers {
		p.conn.Close()
	}
}

func (r *Relay) handleHealth(c *gin.Context) {
	r.mu.RLock()
	n := len(r.peers)
	r.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "peers": n})
}

func (r *Relay) handleWS(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		id = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.LogWarning("relay: upgrade failed: %v", err)
		return
	}

	peer := &relayPeer{id: id, conn: conn}
	existing, ok := r.register(peer)
	if !ok {
		util.LogWarning("relay: rejecting duplicate id %s", id)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "id already connected"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	util.LogInfo("relay: %s connected (%d online)", id, len(existing)+1)

	for _, other := range existing {
		peer.send(Message{Type: TypeJoin, ID: other.id})
		other.send(Message{Type: TypeJoin, ID: id})
	}

	done := make(chan struct{})
	go r.pingLoop(peer, done)
	r.readLoop(peer)
	close(done)

	r.unregister(peer)
	conn.Close()
	util.LogInfo("relay: %s disconnected", id)
	for _, other := range r.snapshot() {
		other.send(Message{Type: TypeLeave, ID: id})
	}
}

// register adds peer unless its id is taken, and returns the peers that were
// already connected. The welcome is written under the registry lock so it is
// always the first frame the peer sees.
func (r *Relay) register(peer *relayPeer) ([]*relayPeer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.peers[peer.id]; taken {
		return nil, false
	}
	if err := peer.send(Message{Type: TypeWelcome, ID: peer.id}); err != nil {
		return nil, false
	}
	existing := make([]*relayPeer, 0, len(r.peers))
	for _, p := range r.peers {
		existing = append(existing, p)
	}
	r.peers[peer.id] = peer
	return existing, true
}

func (r *Relay) unregister(peer *relayPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[peer.id] == peer {
		delete(r.peers, peer.id)
	}
}

func (r *Relay) lookup(id PeerID) *relayPeer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[id]
}

func (r *Relay) snapshot() []*relayPeer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*relayPeer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

func (r *Relay) pingLoop(peer *relayPeer, done <-chan struct{}) {
	ticker := time.NewTicker(r.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := peer.ping(); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (r *Relay) readLoop(peer *relayPeer) {
	pongWait := r.opts.PingPeriod * 10 / 9
	peer.conn.SetReadLimit(r.opts.ReadLimit)
	peer.conn.SetReadDeadline(time.Now().Add(pongWait))
	peer.conn.SetPongHandler(func(string) error {
		return peer.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := peer.conn.ReadMessage()
		if err != nil {
			return
		}
		peer.conn.SetReadDeadline(time.Now().Add(pongWait))
		r.route(peer, data)
	}
}

// route forwards one frame from peer. Problems are reported back to the
// sender as error messages; the connection stays open.
func (r *Relay) route(peer *relayPeer, data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		peer.send(errorMessage(CodeBadMessage, "", err.Error()))
		return
	}
	if !msg.Type.Routed() {
		peer.send(errorMessage(CodeBadMessage, "", fmt.Sprintf("%s messages are not routed", msg.Type)))
		return
	}

	target := r.lookup(msg.Target)
	if target == nil {
		util.LogDebug("relay: %s → %s (%s): unknown target", peer.id, msg.Target, msg.Type)
		peer.send(errorMessage(CodeUnknownTarget, msg.Target, "no such peer"))
		return
	}

	msg.From = peer.id
	if err := target.send(msg); err != nil {
		peer.send(errorMessage(CodeUnknownTarget, msg.Target, "delivery failed"))
		return
	}
	util.LogDebug("relay: %s → %s (%s)", peer.id, msg.Target, msg.Type)
}
