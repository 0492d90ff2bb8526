// Package registry tracks the one authoritative agent connection per user.
package registry

import (
	"sync"

	"github.com/dgnsrekt/browser_relay/internal/protocol"
)

// Registry maps user ids to their live connection. It holds no per-call
// state; the pending tables live on the connections themselves, which keeps
// contention here low.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*protocol.Conn
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{conns: make(map[string]*protocol.Conn)}
}

// Register installs c as the user's authoritative connection and returns
// the connection it replaced, if any. The caller owns shutting the previous
// one down.
func (r *Registry) Register(userID string, c *protocol.Conn) *protocol.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[userID]
	r.conns[userID] = c
	return prev
}

// Lookup returns the user's connection. Connections that have left OPEN
// report absent; a half-dead connection is not a delegate.
func (r *Registry) Lookup(userID string) (*protocol.Conn, bool) {
	r.mu.RLock()
	c, ok := r.conns[userID]
	r.mu.RUnlock()
	if !ok || c.State() != protocol.StateOpen {
		return nil, false
	}
	return c, true
}

// Peek returns the user's connection regardless of state, for status
// reporting.
func (r *Registry) Peek(userID string) (*protocol.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	return c, ok
}

// Deregister removes the user's entry only if it still is c, so a
// superseded connection's teardown can never evict its successor. Reports
// whether an entry was removed.
func (r *Registry) Deregister(userID string, c *protocol.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[userID]; ok && cur == c {
		delete(r.conns, userID)
		return true
	}
	return false
}

// Size returns the number of tracked connections.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
