package registry

import (
	"sync"

	"k8s.io/utils/set"

	"github.com/harborapp/harbor/backend/go/internal/v1/metrics"
	"github.com/harborapp/harbor/backend/go/internal/v1/protocol"
	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// group is a single fan-out set with its own lock so voice relay on one
// channel never contends with chat broadcast on another.
type group struct {
	mu      sync.RWMutex
	members set.Set[types.ConnectionID]
}

// GroupRouter manages named fan-out sets. Membership is derived from
// per-connection subscriptions; empty groups are garbage collected.
type GroupRouter struct {
	reg *Registry

	mu            sync.RWMutex
	groups        map[types.GroupName]*group
	subscriptions map[types.ConnectionID]set.Set[types.GroupName]
}

func NewGroupRouter(reg *Registry) *GroupRouter {
	return &GroupRouter{
		reg:           reg,
		groups:        make(map[types.GroupName]*group),
		subscriptions: make(map[types.ConnectionID]set.Set[types.GroupName]),
	}
}

func (gr *GroupRouter) getOrCreate(name types.GroupName) *group {
	gr.mu.Lock()
	defer gr.mu.Unlock()
	g, ok := gr.groups[name]
	if !ok {
		g = &group{members: set.New[types.ConnectionID]()}
		gr.groups[name] = g
		metrics.ActiveGroups.Inc()
	}
	return g
}

// Join subscribes a connection to a group, creating the group lazily.
func (gr *GroupRouter) Join(name types.GroupName, conn types.ConnectionID) {
	g := gr.getOrCreate(name)
	g.mu.Lock()
	g.members.Insert(conn)
	g.mu.Unlock()

	gr.mu.Lock()
	subs, ok := gr.subscriptions[conn]
	if !ok {
		subs = set.New[types.GroupName]()
		gr.subscriptions[conn] = subs
	}
	subs.Insert(name)
	gr.mu.Unlock()
}

// Leave unsubscribes a connection; the last member removes the group entry.
func (gr *GroupRouter) Leave(name types.GroupName, conn types.ConnectionID) {
	gr.mu.Lock()
	g, ok := gr.groups[name]
	if ok {
		g.mu.Lock()
		g.members.Delete(conn)
		empty := g.members.Len() == 0
		g.mu.Unlock()
		if empty {
			delete(gr.groups, name)
			metrics.ActiveGroups.Dec()
		}
	}
	if subs, ok := gr.subscriptions[conn]; ok {
		subs.Delete(name)
		if subs.Len() == 0 {
			delete(gr.subscriptions, conn)
		}
	}
	gr.mu.Unlock()
}

// LeaveAll removes a connection from every group it subscribed to and
// returns the groups it was in. Called on disconnect.
func (gr *GroupRouter) LeaveAll(conn types.ConnectionID) []types.GroupName {
	gr.mu.Lock()
	subs, ok := gr.subscriptions[conn]
	if !ok {
		gr.mu.Unlock()
		return nil
	}
	delete(gr.subscriptions, conn)
	names := subs.UnsortedList()
	for _, name := range names {
		if g, ok := gr.groups[name]; ok {
			g.mu.Lock()
			g.members.Delete(conn)
			empty := g.members.Len() == 0
			g.mu.Unlock()
			if empty {
				delete(gr.groups, name)
				metrics.ActiveGroups.Dec()
			}
		}
	}
	gr.mu.Unlock()
	return names
}

// Contains reports group membership for a single connection.
func (gr *GroupRouter) Contains(name types.GroupName, conn types.ConnectionID) bool {
	gr.mu.RLock()
	g, ok := gr.groups[name]
	gr.mu.RUnlock()
	if !ok {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.members.Has(conn)
}

// Count returns the current member count of a group.
func (gr *GroupRouter) Count(name types.GroupName) int {
	gr.mu.RLock()
	g, ok := gr.groups[name]
	gr.mu.RUnlock()
	if !ok {
		return 0
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.members.Len()
}

// Members returns a snapshot of the group's connection ids.
func (gr *GroupRouter) Members(name types.GroupName) []types.ConnectionID {
	gr.mu.RLock()
	g, ok := gr.groups[name]
	gr.mu.RUnlock()
	if !ok {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.members.UnsortedList()
}

// Senders resolves the group members to live senders, excluding any ids in
// except. The lock is released before the caller performs sends.
func (gr *GroupRouter) Senders(name types.GroupName, except ...types.ConnectionID) []types.Sender {
	members := gr.Members(name)
	if members == nil {
		return nil
	}
	skip := set.New(except...)
	out := make([]types.Sender, 0, len(members))
	for _, id := range members {
		if skip.Has(id) {
			continue
		}
		if s, ok := gr.reg.Sender(id); ok {
			out = append(out, s)
		}
	}
	return out
}

// Broadcast pushes an ordinary event to every group member. The payload is
// marshalled once.
func (gr *GroupRouter) Broadcast(name types.GroupName, event string, args ...any) {
	data := protocol.MustEncodeEvent(event, args...)
	for _, s := range gr.Senders(name) {
		s.SendRaw(data)
	}
}

// BroadcastExcept pushes an ordinary event to every member but the sender.
func (gr *GroupRouter) BroadcastExcept(name types.GroupName, except types.ConnectionID, event string, args ...any) {
	data := protocol.MustEncodeEvent(event, args...)
	for _, s := range gr.Senders(name, except) {
		s.SendRaw(data)
	}
}

// BroadcastCritical pushes a never-dropped event to every group member.
func (gr *GroupRouter) BroadcastCritical(name types.GroupName, event string, args ...any) {
	data := protocol.MustEncodeEvent(event, args...)
	for _, s := range gr.Senders(name) {
		s.SendCriticalRaw(data)
	}
}

// BroadcastCriticalExcept is BroadcastCritical minus the sender.
func (gr *GroupRouter) BroadcastCriticalExcept(name types.GroupName, except types.ConnectionID, event string, args ...any) {
	data := protocol.MustEncodeEvent(event, args...)
	for _, s := range gr.Senders(name, except) {
		s.SendCriticalRaw(data)
	}
}

// SendToUser pushes an event to every live connection of a user.
func (gr *GroupRouter) SendToUser(user types.UserID, event string, args ...any) {
	data := protocol.MustEncodeEvent(event, args...)
	for _, s := range gr.reg.SendersOf(user) {
		s.SendRaw(data)
	}
}

// SendToUserCritical pushes a critical event to every connection of a user.
func (gr *GroupRouter) SendToUserCritical(user types.UserID, event string, args ...any) {
	data := protocol.MustEncodeEvent(event, args...)
	for _, s := range gr.reg.SendersOf(user) {
		s.SendCriticalRaw(data)
	}
}

// BroadcastAll pushes an event to every live connection on the server.
func (gr *GroupRouter) BroadcastAll(event string, args ...any) {
	data := protocol.MustEncodeEvent(event, args...)
	gr.reg.mu.RLock()
	senders := make([]types.Sender, 0, len(gr.reg.conns))
	for _, e := range gr.reg.conns {
		senders = append(senders, e.sender)
	}
	gr.reg.mu.RUnlock()
	for _, s := range senders {
		s.SendRaw(data)
	}
}
