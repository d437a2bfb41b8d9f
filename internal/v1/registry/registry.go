// Package registry owns the shared in-memory state of the hub fabric: the
// connection table, the user presence table, and the group router. Hubs
// mutate fan-out state only through this package.
package registry

import (
	"errors"
	"sync"
	"time"

	"k8s.io/utils/set"

	"github.com/harborapp/harbor/backend/go/internal/v1/metrics"
	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

var (
	// ErrAlreadyBound is returned when a connection authenticates twice.
	ErrAlreadyBound = errors.New("connection already bound to a user")
	// ErrUnknownConnection is returned for operations on a dead connection id.
	ErrUnknownConnection = errors.New("unknown connection")
)

// entry is the per-connection record. The user id is set at most once and
// never cleared.
type entry struct {
	sender      types.Sender
	userID      types.UserID
	handshakeAt time.Time
	lastSeen    time.Time
}

// Registry maps connection-id <-> user-id with multi-connection-per-user
// support and caches a profile snapshot per online user.
type Registry struct {
	mu        sync.RWMutex
	conns     map[types.ConnectionID]*entry
	users     map[types.UserID]set.Set[types.ConnectionID]
	snapshots map[types.UserID]types.UserSnapshot
}

func New() *Registry {
	return &Registry{
		conns:     make(map[types.ConnectionID]*entry),
		users:     make(map[types.UserID]set.Set[types.ConnectionID]),
		snapshots: make(map[types.UserID]types.UserSnapshot),
	}
}

// Add records a freshly accepted connection in handshake state.
func (r *Registry) Add(s types.Sender) {
	now := time.Now()
	r.mu.Lock()
	r.conns[s.ID()] = &entry{sender: s, handshakeAt: now, lastSeen: now}
	r.mu.Unlock()
	metrics.IncConnection()
}

// Bind associates an authenticated user with a connection. Returns whether
// this is the user's first live connection.
func (r *Registry) Bind(id types.ConnectionID, user *types.User) (first bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return false, ErrUnknownConnection
	}
	if e.userID != "" {
		return false, ErrAlreadyBound
	}
	e.userID = user.ID

	conns, ok := r.users[user.ID]
	if !ok {
		conns = set.New[types.ConnectionID]()
		r.users[user.ID] = conns
		metrics.AuthenticatedUsers.Inc()
		first = true
	}
	conns.Insert(id)

	if _, cached := r.snapshots[user.ID]; !cached {
		r.snapshots[user.ID] = types.SnapshotOf(user)
	}
	return first, nil
}

// Remove drops a connection. Returns the bound user (empty if never
// authenticated) and whether it was the user's last live connection.
func (r *Registry) Remove(id types.ConnectionID) (user types.UserID, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return "", false
	}
	delete(r.conns, id)
	metrics.DecConnection()

	if e.userID == "" {
		return "", false
	}
	user = e.userID
	if conns, ok := r.users[user]; ok {
		conns.Delete(id)
		if conns.Len() == 0 {
			delete(r.users, user)
			delete(r.snapshots, user)
			metrics.AuthenticatedUsers.Dec()
			last = true
		}
	}
	return user, last
}

// HandshakeAge returns how long the connection has been in handshake state.
func (r *Registry) HandshakeAge(id types.ConnectionID) (time.Duration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return 0, ErrUnknownConnection
	}
	return time.Since(e.handshakeAt), nil
}

// Touch updates last-seen for the connection.
func (r *Registry) Touch(id types.ConnectionID) {
	r.mu.Lock()
	if e, ok := r.conns[id]; ok {
		e.lastSeen = time.Now()
	}
	r.mu.Unlock()
}

// UserOf returns the user bound to the connection, empty while in handshake.
func (r *Registry) UserOf(id types.ConnectionID) types.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[id]; ok {
		return e.userID
	}
	return ""
}

// Sender returns the live sender for a connection id.
func (r *Registry) Sender(id types.ConnectionID) (types.Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.sender, true
}

// SendersOf returns every live connection of a user (multi-device fan-in).
func (r *Registry) SendersOf(user types.UserID) []types.Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns, ok := r.users[user]
	if !ok {
		return nil
	}
	out := make([]types.Sender, 0, conns.Len())
	for id := range conns {
		if e, ok := r.conns[id]; ok {
			out = append(out, e.sender)
		}
	}
	return out
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(user types.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns, ok := r.users[user]
	return ok && conns.Len() > 0
}

// ConnectionCount returns the number of live connections for a user.
func (r *Registry) ConnectionCount(user types.UserID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if conns, ok := r.users[user]; ok {
		return conns.Len()
	}
	return 0
}

// Snapshot returns the cached profile projection for an online user.
func (r *Registry) Snapshot(user types.UserID) (types.UserSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.snapshots[user]
	return s, ok
}

// SetSnapshot replaces the cached projection (profile edit, status change).
func (r *Registry) SetSnapshot(s types.UserSnapshot) {
	r.mu.Lock()
	if _, online := r.users[s.ID]; online {
		s.LastUpdated = time.Now().UTC()
		r.snapshots[s.ID] = s
	}
	r.mu.Unlock()
}

// OnlineUsers returns the snapshot of every online user.
func (r *Registry) OnlineUsers() []types.UserSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.UserSnapshot, 0, len(r.snapshots))
	for _, s := range r.snapshots {
		out = append(out, s)
	}
	return out
}

// IdleConnections returns authenticated connections whose last-seen is older
// than the threshold. The sweeper disconnects them.
func (r *Registry) IdleConnections(threshold time.Duration) []types.Sender {
	cutoff := time.Now().Add(-threshold)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Sender
	for _, e := range r.conns {
		if e.userID != "" && e.lastSeen.Before(cutoff) {
			out = append(out, e.sender)
		}
	}
	return out
}

// ExpiredHandshakes returns unauthenticated connections older than the
// handshake timeout.
func (r *Registry) ExpiredHandshakes(timeout time.Duration) []types.Sender {
	cutoff := time.Now().Add(-timeout)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Sender
	for _, e := range r.conns {
		if e.userID == "" && e.handshakeAt.Before(cutoff) {
			out = append(out, e.sender)
		}
	}
	return out
}
