package sync

import (
	"sync"
)

// Conn is a transport-level duplex channel bound to exactly one room.
// Send must not block indefinitely; a full peer is reported as an
// error so the hub can cut it loose.
type Conn interface {
	Send(frame []byte) error
	Close() error
}

// Hub is one room's registry of live connections. It is pure fan-out:
// a send failure marks that connection for detach but never aborts
// delivery to the remaining connections.
type Hub struct {
	mu    sync.RWMutex
	conns map[Conn]string // connection -> attach-time client id
}

func NewHub() *Hub {
	return &Hub{conns: make(map[Conn]string)}
}

func (h *Hub) Register(c Conn, clientID string) {
	h.mu.Lock()
	h.conns[c] = clientID
	h.mu.Unlock()
}

// Unregister removes the connection, reporting whether it was present.
func (h *Hub) Unregister(c Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return false
	}
	delete(h.conns, c)
	return true
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast sends the frame to every connection except the origin
// (nil origin means everyone). It returns the connections whose send
// failed; the caller detaches those.
func (h *Hub) Broadcast(origin Conn, frame []byte) []Conn {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		if c != origin {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	var failed []Conn
	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			failed = append(failed, c)
		}
	}
	return failed
}

// Conns returns a snapshot of the attached connections.
func (h *Hub) Conns() []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}
