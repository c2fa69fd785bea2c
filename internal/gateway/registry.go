package gateway

import (
	"sync"

	"github.com/google/uuid"
)

type connKey struct {
	userID   uuid.UUID
	deviceID uuid.UUID
}

// Registry is the process-local map of live device sockets. One key
// holds at most one connection: registering over a live key displaces
// the old socket (last writer wins) instead of ever holding two.
type Registry struct {
	mu    sync.RWMutex
	conns map[connKey]*Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[connKey]*Conn)}
}

// Add registers c and returns the connection it displaced, if any. The
// caller owns closing the displaced socket.
func (r *Registry) Add(c *Conn) *Conn {
	key := connKey{userID: c.UserID, deviceID: c.DeviceID}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.conns[key]
	r.conns[key] = c
	return old
}

// Remove drops c if it is still the registered connection for its key
// and reports whether it was. A displaced connection finds someone else
// under its key and reports false, so only one teardown path per device
// ever runs the disconnect bookkeeping.
func (r *Registry) Remove(c *Conn) bool {
	key := connKey{userID: c.UserID, deviceID: c.DeviceID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[key] != c {
		return false
	}
	delete(r.conns, key)
	return true
}

// ForUser snapshots every live connection of one user.
func (r *Registry) ForUser(userID uuid.UUID) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for key, c := range r.conns {
		if key.userID == userID {
			out = append(out, c)
		}
	}
	return out
}

// ForUsers snapshots the live connections of a set of users.
func (r *Registry) ForUsers(userIDs []uuid.UUID) []*Conn {
	if len(userIDs) == 0 {
		return nil
	}
	want := make(map[uuid.UUID]struct{}, len(userIDs))
	for _, id := range userIDs {
		want[id] = struct{}{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for key, c := range r.conns {
		if _, ok := want[key.userID]; ok {
			out = append(out, c)
		}
	}
	return out
}

// All snapshots every registered connection.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
