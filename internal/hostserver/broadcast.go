package hostserver

import (
	"sync"
)

// hub tracks every open connection and, once authenticated, the session it
// carries. Events are only fanned out to bound peers.
type hub struct {
	mu       sync.RWMutex
	peers    map[*peer]struct{}
	sessions map[string]*peer
}

func newHub() *hub {
	return &hub{
		peers:    make(map[*peer]struct{}),
		sessions: make(map[string]*peer),
	}
}

func (h *hub) add(p *peer) {
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
}

// bind makes p eligible for events addressed to sessionID.
func (h *hub) bind(sessionID string, p *peer) {
	h.mu.Lock()
	h.sessions[sessionID] = p
	h.mu.Unlock()
}

// detach unbinds a session and returns its peer, if any.
func (h *hub) detach(sessionID string) *peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	return p
}

func (h *hub) remove(p *peer) {
	h.mu.Lock()
	delete(h.peers, p)
	if id := p.sessionID(); id != "" && h.sessions[id] == p {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
}

func (h *hub) lookup(sessionID string) *peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[sessionID]
}

// broadcast enqueues data to every bound peer except the one carrying
// except. It never blocks; peers whose buffer is full are returned so the
// caller can disconnect them outside the hub lock.
func (h *hub) broadcast(data []byte, except string) (slow []*peer) {
	h.mu.RLock()
	targets := make([]*peer, 0, len(h.sessions))
	for id, p := range h.sessions {
		if id == except {
			continue
		}
		targets = append(targets, p)
	}
	h.mu.RUnlock()

	for _, p := range targets {
		if !p.enqueue(data) {
			slow = append(slow, p)
		}
	}
	return slow
}

func (h *hub) all() []*peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		out = append(out, p)
	}
	return out
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}
