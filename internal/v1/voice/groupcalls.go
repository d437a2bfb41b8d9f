package voice

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harborapp/harbor/backend/go/internal/v1/logging"
	"github.com/harborapp/harbor/backend/go/internal/v1/protocol"
	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// groupCall is a multi-party call. Unlike voice rooms there is no host
// succession: the host leaving ends the call for everyone.
type groupCall struct {
	mu           sync.RWMutex
	info         types.GroupCallInfo
	participants map[types.ConnectionID]*types.GroupCallParticipant
	invited      map[types.UserID]bool
}

func (g *groupCall) snapshot() types.GroupCallInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	info := g.info
	info.Participants = make([]types.GroupCallParticipant, 0, len(g.participants))
	for _, p := range g.participants {
		info.Participants = append(info.Participants, *p)
	}
	return info
}

// handleStartGroupCall creates a call with the caller as host and invites
// the listed users.
func (h *Hub) handleStartGroupCall(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	name, err := inv.StringArg(0)
	if err != nil {
		return
	}
	var invitees []types.UserID
	if err := inv.OptionalArg(1, &invitees); err != nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = h.username(s.User()) + "'s call"
	}

	h.mu.Lock()
	if _, busy := h.connGroup[s.ID()]; busy {
		h.mu.Unlock()
		s.Send(EventVoiceError, MethodStartGroupCall, "already in a group call")
		return
	}
	g := &groupCall{
		info: types.GroupCallInfo{
			ID:        uuid.NewString(),
			HostID:    s.User(),
			Name:      name,
			Status:    types.GroupCallStarting,
			StartedAt: time.Now().UTC(),
		},
		participants: make(map[types.ConnectionID]*types.GroupCallParticipant),
		invited:      make(map[types.UserID]bool),
	}
	g.participants[s.ID()] = &types.GroupCallParticipant{
		UserID:       s.User(),
		Username:     h.username(s.User()),
		AvatarURL:    h.avatar(s.User()),
		ConnectionID: s.ID(),
	}
	for _, u := range invitees {
		if u != s.User() {
			g.invited[u] = true
		}
	}
	h.groupCalls[g.info.ID] = g
	h.connGroup[s.ID()] = g.info.ID
	h.mu.Unlock()

	h.groups.Join(types.GroupCallGroup(g.info.ID), s.ID())
	info := g.snapshot()
	s.SendCritical(EventGroupCallStarted, info)

	snap, _ := h.reg.Snapshot(s.User())
	for u := range g.invited {
		h.groups.SendToUserCritical(u, EventGroupCallInvite, info, snap)
	}
	logging.Info(ctx, "group call started", zap.String("groupCallId", info.ID))
}

func (h *Hub) groupCall(id string) (*groupCall, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	g, ok := h.groupCalls[id]
	return g, ok
}

// handleJoinGroupCall admits an invited user (or anyone, for calls the host
// opened without an invite list).
func (h *Hub) handleJoinGroupCall(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	callID, err := inv.StringArg(0)
	if err != nil || callID == "" {
		return
	}

	h.mu.RLock()
	_, busy := h.connGroup[s.ID()]
	h.mu.RUnlock()
	if busy {
		s.Send(EventVoiceError, MethodJoinGroupCall, "already in a group call")
		return
	}

	g, ok := h.groupCall(callID)
	if !ok {
		s.Send(EventVoiceError, MethodJoinGroupCall, "group call not found")
		return
	}

	g.mu.Lock()
	if g.info.Status == types.GroupCallEnded {
		g.mu.Unlock()
		s.Send(EventVoiceError, MethodJoinGroupCall, "group call not found")
		return
	}
	if len(g.invited) > 0 && !g.invited[s.User()] && g.info.HostID != s.User() {
		g.mu.Unlock()
		s.Send(EventVoiceError, MethodJoinGroupCall, "not invited")
		return
	}
	// The first join takes the call out of its starting state.
	if g.info.Status == types.GroupCallStarting {
		g.info.Status = types.GroupCallActive
	}
	participant := &types.GroupCallParticipant{
		UserID:       s.User(),
		Username:     h.username(s.User()),
		AvatarURL:    h.avatar(s.User()),
		ConnectionID: s.ID(),
	}
	g.participants[s.ID()] = participant
	g.mu.Unlock()

	h.mu.Lock()
	h.connGroup[s.ID()] = callID
	h.mu.Unlock()

	h.groups.Join(types.GroupCallGroup(callID), s.ID())
	h.groups.BroadcastCriticalExcept(types.GroupCallGroup(callID), s.ID(), EventGroupCallParticipantJoined, callID, *participant)
	h.groups.BroadcastCritical(types.GroupCallGroup(callID), EventGroupCallUpdated, g.snapshot())
}

func (h *Hub) handleLeaveGroupCall(ctx context.Context, s types.Sender, _ *protocol.Invocation) {
	h.mu.RLock()
	callID := h.connGroup[s.ID()]
	h.mu.RUnlock()
	if callID == "" {
		return
	}
	h.leaveGroupCall(ctx, s, s.User(), callID)
}

// leaveGroupCall removes the connection. The host leaving, or the last
// participant leaving, ends the call for everyone.
func (h *Hub) leaveGroupCall(ctx context.Context, s types.Sender, user types.UserID, callID string) {
	g, ok := h.groupCall(callID)
	if !ok {
		return
	}

	g.mu.Lock()
	_, present := g.participants[s.ID()]
	delete(g.participants, s.ID())
	hostLeft := user == g.info.HostID
	empty := len(g.participants) == 0
	ending := (hostLeft || empty) && g.info.Status != types.GroupCallEnded
	if ending {
		g.info.Status = types.GroupCallEnded
	}
	g.mu.Unlock()

	h.mu.Lock()
	if h.connGroup[s.ID()] == callID {
		delete(h.connGroup, s.ID())
	}
	if ending {
		delete(h.groupCalls, callID)
	}
	h.mu.Unlock()

	if present {
		h.groups.BroadcastCriticalExcept(types.GroupCallGroup(callID), s.ID(), EventGroupCallUserLeft, callID, user)
	}

	if ending {
		reason := "Call ended"
		if hostLeft {
			reason = "Host left the call"
		}
		h.groups.BroadcastCritical(types.GroupCallGroup(callID), EventGroupCallEnded, callID, reason)
		// Remaining members drop their membership mapping too.
		h.mu.Lock()
		for _, id := range h.groups.Members(types.GroupCallGroup(callID)) {
			if h.connGroup[id] == callID {
				delete(h.connGroup, id)
			}
		}
		h.mu.Unlock()
		for _, id := range h.groups.Members(types.GroupCallGroup(callID)) {
			h.groups.Leave(types.GroupCallGroup(callID), id)
		}
		logging.Info(ctx, "group call ended", zap.String("groupCallId", callID), zap.String("reason", reason))
	}
	h.groups.Leave(types.GroupCallGroup(callID), s.ID())
}

// handleInviteToGroupCall lets any participant bring more users in.
func (h *Hub) handleInviteToGroupCall(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	callID, err := inv.StringArg(0)
	if err != nil || callID == "" {
		return
	}
	var invitee types.UserID
	if err := inv.Arg(1, &invitee); err != nil || invitee == "" {
		return
	}

	g, ok := h.groupCall(callID)
	if !ok {
		return
	}

	g.mu.Lock()
	_, inCall := g.participants[s.ID()]
	if inCall {
		g.invited[invitee] = true
	}
	g.mu.Unlock()
	if !inCall {
		return
	}

	snap, _ := h.reg.Snapshot(s.User())
	h.groups.SendToUserCritical(invitee, EventGroupCallInvite, g.snapshot(), snap)
}

func (h *Hub) handleDeclineGroupCall(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	callID, err := inv.StringArg(0)
	if err != nil || callID == "" {
		return
	}
	g, ok := h.groupCall(callID)
	if !ok {
		return
	}

	g.mu.Lock()
	invited := g.invited[s.User()]
	delete(g.invited, s.User())
	host := g.info.HostID
	g.mu.Unlock()
	if !invited {
		return
	}
	h.groups.SendToUser(host, EventGroupCallInviteDeclined, callID, s.User())
}
