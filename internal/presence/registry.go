// Package presence tracks which users currently hold a live connection.
//
// The Registry is the only record of who is online. It lives in memory, is
// rebuilt from nothing on restart and holds at most one connection per user:
// admitting a second connection supersedes the first for delivery. Removal is
// guarded by handle identity so a late disconnect of a superseded connection
// cannot evict its successor.
package presence

import (
	"sort"
	"sync"
)

// Conn is a live connection handle as seen by delivery.
type Conn interface {
	ID() string
	Send(event string, payload any) error
}

// Notifier is told about every membership change with a fresh snapshot.
type Notifier interface {
	PresenceChanged(snapshot []int64)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(snapshot []int64)

func (f NotifierFunc) PresenceChanged(snapshot []int64) { f(snapshot) }

// Registry maps user ids to their live connection.
type Registry struct {
	mu       sync.RWMutex
	conns    map[int64]Conn
	notifier Notifier

	// notifyMu orders broadcasts; each takes its snapshot while holding it,
	// so the last broadcast always carries the latest membership.
	notifyMu sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[int64]Conn)}
}

// SetNotifier installs the presence-changed listener.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

// Admit makes conn the delivery target for userID. It returns the handle it
// superseded, or nil. The superseded connection is not closed here.
func (r *Registry) Admit(userID int64, conn Conn) Conn {
	r.mu.Lock()
	prev := r.conns[userID]
	r.conns[userID] = conn
	r.mu.Unlock()

	if prev == conn {
		prev = nil
	}
	r.broadcast()
	return prev
}

// Evict removes userID only when conn is still its registered handle and
// reports whether it did.
func (r *Registry) Evict(userID int64, conn Conn) bool {
	r.mu.Lock()
	cur, ok := r.conns[userID]
	evicted := ok && cur == conn
	if evicted {
		delete(r.conns, userID)
	}
	r.mu.Unlock()

	if evicted {
		r.broadcast()
	}
	return evicted
}

// Lookup returns the live connection for userID.
func (r *Registry) Lookup(userID int64) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

// Snapshot returns the online user ids in ascending order.
func (r *Registry) Snapshot() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Connections returns every registered handle.
func (r *Registry) Connections() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) broadcast() {
	r.mu.RLock()
	n := r.notifier
	r.mu.RUnlock()
	if n == nil {
		return
	}

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	n.PresenceChanged(r.Snapshot())
}
