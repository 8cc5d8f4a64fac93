package call

import "sync"

// Presence tracks the peers the relay has announced, in join order.
type Presence struct {
	mu    sync.Mutex
	peers []string
}

// Add records id. It reports false if id was already present.
func (p *Presence) Add(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.peers {
		if existing == id {
			return false
		}
	}
	p.peers = append(p.peers, id)
	return true
}

// Remove forgets id. It reports false if id was not present.
func (p *Presence) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.peers {
		if existing == id {
			p.peers = append(p.peers[:i], p.peers[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Presence) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.peers {
		if existing == id {
			return true
		}
	}
	return false
}

// List returns a copy of the known peers in join order.
func (p *Presence) List() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.peers...)
}

// Default returns the earliest announced peer, the default call target.
func (p *Presence) Default() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.peers) == 0 {
		return "", false
	}
	return p.peers[0], true
}

func (p *Presence) Clear() {
	p.mu.Lock()
	p.peers = nil
	p.mu.Unlock()
}
