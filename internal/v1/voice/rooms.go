package voice

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/harborapp/harbor/backend/go/internal/v1/logging"
	"github.com/harborapp/harbor/backend/go/internal/v1/metrics"
	"github.com/harborapp/harbor/backend/go/internal/v1/protocol"
	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// voiceRoom is a user-created room. The host role moves to the
// earliest-joined remaining participant when the host leaves; the room
// closes when the last participant leaves.
type voiceRoom struct {
	mu           sync.RWMutex
	info         types.VoiceRoomInfo
	passwordHash []byte
	participants map[types.ConnectionID]*types.VoiceRoomParticipant
	moderators   map[types.UserID]bool
}

// CreateRoomRequest is the argument of CreateVoiceRoom.
type CreateRoomRequest struct {
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	IsPublic         bool   `json:"isPublic"`
	Password         string `json:"password,omitempty"`
	MaxParticipants  int    `json:"maxParticipants"`
	Category         string `json:"category,omitempty"`
	AllowScreenShare bool   `json:"allowScreenShare"`
}

// RoomPage is one page of the public room listing.
type RoomPage struct {
	Rooms      []types.VoiceRoomInfo `json:"rooms"`
	Page       int                   `json:"page"`
	PageSize   int                   `json:"pageSize"`
	TotalRooms int                   `json:"totalRooms"`
}

func (r *voiceRoom) snapshot() types.VoiceRoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *voiceRoom) snapshotLocked() types.VoiceRoomInfo {
	info := r.info
	info.Participants = make([]types.VoiceRoomParticipant, 0, len(r.participants))
	for _, p := range r.participants {
		info.Participants = append(info.Participants, *p)
	}
	sort.Slice(info.Participants, func(i, j int) bool {
		return info.Participants[i].JoinedAt.Before(info.Participants[j].JoinedAt)
	})
	info.ParticipantCount = len(info.Participants)
	return info
}

// handleCreateVoiceRoom creates a room with the caller as host and first
// participant. Password-protected rooms store only the bcrypt hash.
func (h *Hub) handleCreateVoiceRoom(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	var req CreateRoomRequest
	if err := inv.Arg(0, &req); err != nil {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.Send(EventVoiceError, MethodCreateVoiceRoom, "room name required")
		return
	}
	if req.MaxParticipants < 2 || req.MaxParticipants > h.cfg.RoomMaxParticipants {
		req.MaxParticipants = h.cfg.RoomMaxParticipants
	}

	h.mu.RLock()
	_, inRoom := h.connRoom[s.ID()]
	h.mu.RUnlock()
	if inRoom {
		s.Send(EventVoiceError, MethodCreateVoiceRoom, "already in a room")
		return
	}

	var hash []byte
	if req.Password != "" {
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			logging.Error(ctx, "failed to hash room password", zap.Error(err))
			s.Send(EventVoiceError, MethodCreateVoiceRoom, "room could not be created")
			return
		}
	}

	roomID := uuid.NewString()
	room := &voiceRoom{
		info: types.VoiceRoomInfo{
			ID:               roomID,
			Name:             req.Name,
			Description:      req.Description,
			HostID:           s.User(),
			IsPublic:         req.IsPublic,
			HasPassword:      hash != nil,
			MaxParticipants:  req.MaxParticipants,
			Category:         req.Category,
			AllowScreenShare: req.AllowScreenShare,
			CreatedAt:        time.Now().UTC(),
			IsActive:         true,
		},
		passwordHash: hash,
		participants: make(map[types.ConnectionID]*types.VoiceRoomParticipant),
		moderators:   make(map[types.UserID]bool),
	}
	room.participants[s.ID()] = &types.VoiceRoomParticipant{
		UserID:       s.User(),
		Username:     h.username(s.User()),
		AvatarURL:    h.avatar(s.User()),
		ConnectionID: s.ID(),
		IsHost:       true,
		JoinedAt:     time.Now().UTC(),
	}

	h.mu.Lock()
	h.rooms[roomID] = room
	h.connRoom[s.ID()] = roomID
	h.mu.Unlock()
	metrics.ActiveVoiceRooms.Inc()

	h.groups.Join(types.RoomGroup(roomID), s.ID())
	snapshot := room.snapshot()
	if snapshot.IsPublic {
		// Public rooms announce their existence to everyone, browsers included.
		h.groups.BroadcastAll(EventVoiceRoomAdded, snapshot)
	} else {
		s.SendCritical(EventVoiceRoomAdded, snapshot)
	}
}

func (h *Hub) room(id string) (*voiceRoom, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[id]
	return r, ok
}

// handleJoinVoiceRoom admits the caller after password and capacity checks.
func (h *Hub) handleJoinVoiceRoom(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	roomID, err := inv.StringArg(0)
	if err != nil || roomID == "" {
		return
	}
	password := ""
	if err := inv.OptionalArg(1, &password); err != nil {
		return
	}

	h.mu.RLock()
	_, inRoom := h.connRoom[s.ID()]
	h.mu.RUnlock()
	if inRoom {
		s.Send(EventVoiceError, MethodJoinVoiceRoom, "already in a room")
		return
	}

	room, ok := h.room(roomID)
	if !ok {
		s.Send(EventVoiceError, MethodJoinVoiceRoom, "room not found")
		return
	}

	room.mu.Lock()
	if !room.info.IsActive {
		room.mu.Unlock()
		s.Send(EventVoiceError, MethodJoinVoiceRoom, "room not found")
		return
	}
	if room.passwordHash != nil {
		if bcrypt.CompareHashAndPassword(room.passwordHash, []byte(password)) != nil {
			room.mu.Unlock()
			s.Send(EventVoiceError, MethodJoinVoiceRoom, "wrong password")
			return
		}
	}
	if len(room.participants) >= room.info.MaxParticipants {
		room.mu.Unlock()
		s.Send(EventVoiceError, MethodJoinVoiceRoom, "room is full")
		return
	}
	participant := &types.VoiceRoomParticipant{
		UserID:       s.User(),
		Username:     h.username(s.User()),
		AvatarURL:    h.avatar(s.User()),
		ConnectionID: s.ID(),
		IsModerator:  room.moderators[s.User()],
		JoinedAt:     time.Now().UTC(),
	}
	room.participants[s.ID()] = participant
	snapshot := room.snapshotLocked()
	room.mu.Unlock()

	h.mu.Lock()
	h.connRoom[s.ID()] = roomID
	h.mu.Unlock()

	h.groups.Join(types.RoomGroup(roomID), s.ID())
	s.SendCritical(EventVoiceRoomJoined, snapshot)
	h.groups.BroadcastCriticalExcept(types.RoomGroup(roomID), s.ID(), EventVoiceRoomParticipantJoined, roomID, *participant)
	if snapshot.IsPublic {
		h.groups.BroadcastAll(EventVoiceRoomUpdated, snapshot)
	}
}

func (h *Hub) handleLeaveVoiceRoom(ctx context.Context, s types.Sender, _ *protocol.Invocation) {
	h.mu.RLock()
	roomID := h.connRoom[s.ID()]
	h.mu.RUnlock()
	if roomID == "" {
		return
	}
	h.leaveRoom(ctx, s, s.User(), roomID)
}

// leaveRoom removes the connection and resolves succession: host leaving
// hands the room to the earliest-joined remaining participant; the last
// participant leaving closes the room.
func (h *Hub) leaveRoom(ctx context.Context, s types.Sender, user types.UserID, roomID string) {
	room, ok := h.room(roomID)
	if !ok {
		return
	}

	room.mu.Lock()
	p, present := room.participants[s.ID()]
	if !present {
		room.mu.Unlock()
		return
	}
	delete(room.participants, s.ID())
	wasHost := p.IsHost

	var newHost *types.VoiceRoomParticipant
	if wasHost && len(room.participants) > 0 {
		for _, candidate := range room.participants {
			if newHost == nil || candidate.JoinedAt.Before(newHost.JoinedAt) {
				newHost = candidate
			}
		}
		newHost.IsHost = true
		room.info.HostID = newHost.UserID
	}
	closed := len(room.participants) == 0
	if closed {
		room.info.IsActive = false
	}
	isPublic := room.info.IsPublic
	var snapshot types.VoiceRoomInfo
	if !closed {
		snapshot = room.snapshotLocked()
	}
	room.mu.Unlock()

	h.mu.Lock()
	if h.connRoom[s.ID()] == roomID {
		delete(h.connRoom, s.ID())
	}
	if closed {
		delete(h.rooms, roomID)
	}
	h.mu.Unlock()

	h.groups.BroadcastCriticalExcept(types.RoomGroup(roomID), s.ID(), EventVoiceRoomUserLeft, roomID, user, s.ID())
	if newHost != nil {
		h.groups.BroadcastCriticalExcept(types.RoomGroup(roomID), s.ID(), EventVoiceRoomHostChanged, roomID, newHost.UserID)
	}
	h.groups.Leave(types.RoomGroup(roomID), s.ID())

	if closed {
		metrics.ActiveVoiceRooms.Dec()
		if isPublic {
			h.groups.BroadcastAll(EventVoiceRoomRemoved, roomID)
		}
		logging.Info(ctx, "voice room closed", zap.String("roomId", roomID))
	} else if isPublic {
		h.groups.BroadcastAll(EventVoiceRoomUpdated, snapshot)
	}
}

// handleCloseVoiceRoom shuts a room down for everyone. Host only.
func (h *Hub) handleCloseVoiceRoom(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	roomID, err := inv.StringArg(0)
	if err != nil || roomID == "" {
		return
	}
	room, ok := h.room(roomID)
	if !ok {
		s.Send(EventVoiceError, MethodCloseVoiceRoom, "room not found")
		return
	}

	room.mu.Lock()
	caller, inRoom := room.participants[s.ID()]
	if !inRoom || !caller.IsHost {
		room.mu.Unlock()
		s.Send(EventVoiceError, MethodCloseVoiceRoom, "only the host can close the room")
		return
	}
	room.info.IsActive = false
	isPublic := room.info.IsPublic
	members := make([]types.ConnectionID, 0, len(room.participants))
	for id := range room.participants {
		members = append(members, id)
	}
	room.participants = make(map[types.ConnectionID]*types.VoiceRoomParticipant)
	room.mu.Unlock()

	h.mu.Lock()
	delete(h.rooms, roomID)
	for _, id := range members {
		if h.connRoom[id] == roomID {
			delete(h.connRoom, id)
		}
	}
	h.mu.Unlock()
	metrics.ActiveVoiceRooms.Dec()

	if isPublic {
		h.groups.BroadcastAll(EventVoiceRoomRemoved, roomID)
	} else {
		h.groups.BroadcastCritical(types.RoomGroup(roomID), EventVoiceRoomRemoved, roomID)
	}
	for _, id := range members {
		h.groups.Leave(types.RoomGroup(roomID), id)
	}
	logging.Info(ctx, "voice room closed by host", zap.String("roomId", roomID))
}

// handleKickFromVoiceRoom removes a participant. Host and room moderators
// may kick; moderators cannot kick the host or each other.
func (h *Hub) handleKickFromVoiceRoom(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	var target types.UserID
	if err := inv.Arg(0, &target); err != nil || target == "" || target == s.User() {
		return
	}

	h.mu.RLock()
	roomID := h.connRoom[s.ID()]
	h.mu.RUnlock()
	room, ok := h.room(roomID)
	if !ok {
		return
	}

	room.mu.RLock()
	caller, inRoom := room.participants[s.ID()]
	isHost := inRoom && caller.IsHost
	isMod := inRoom && caller.IsModerator
	var victims []types.ConnectionID
	for id, p := range room.participants {
		if p.UserID == target {
			if p.IsHost || (p.IsModerator && !isHost) {
				room.mu.RUnlock()
				s.Send(EventVoiceError, MethodKickFromVoiceRoom, "cannot kick that participant")
				return
			}
			victims = append(victims, id)
		}
	}
	room.mu.RUnlock()

	if !isHost && !isMod {
		s.Send(EventVoiceError, MethodKickFromVoiceRoom, "not allowed")
		return
	}

	// Only the connections actually in the room learn about the kick; the
	// user's other devices are not part of it.
	for _, id := range victims {
		if victim, live := h.reg.Sender(id); live {
			victim.SendCritical(EventVoiceRoomKicked, roomID)
			h.leaveRoom(ctx, victim, target, roomID)
		}
	}
}

// handlePromoteToModerator grants room moderation. Host only.
func (h *Hub) handlePromoteToModerator(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	var target types.UserID
	if err := inv.Arg(0, &target); err != nil || target == "" {
		return
	}

	h.mu.RLock()
	roomID := h.connRoom[s.ID()]
	h.mu.RUnlock()
	room, ok := h.room(roomID)
	if !ok {
		return
	}

	room.mu.Lock()
	caller, inRoom := room.participants[s.ID()]
	if !inRoom || !caller.IsHost {
		room.mu.Unlock()
		s.Send(EventVoiceError, MethodPromoteToModerator, "only the host can promote")
		return
	}
	room.moderators[target] = true
	for _, p := range room.participants {
		if p.UserID == target {
			p.IsModerator = true
		}
	}
	room.mu.Unlock()

	h.groups.BroadcastCritical(types.RoomGroup(roomID), EventVoiceRoomModeratorAdded, roomID, target)
}

// handleGetPublicVoiceRooms lists active public rooms, optionally filtered
// by category and name substring, busiest first, ties broken by creation
// time.
func (h *Hub) handleGetPublicVoiceRooms(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	category := ""
	query := ""
	page := 1
	pageSize := 20
	if err := inv.OptionalArg(0, &category); err != nil {
		return
	}
	if err := inv.OptionalArg(1, &query); err != nil {
		return
	}
	if err := inv.OptionalArg(2, &page); err != nil {
		return
	}
	if err := inv.OptionalArg(3, &pageSize); err != nil {
		return
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	query = strings.ToLower(strings.TrimSpace(query))

	h.mu.RLock()
	rooms := make([]types.VoiceRoomInfo, 0, len(h.rooms))
	for _, room := range h.rooms {
		info := room.snapshot()
		if !info.IsPublic || !info.IsActive {
			continue
		}
		if category != "" && !strings.EqualFold(info.Category, category) {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(info.Name), query) {
			continue
		}
		rooms = append(rooms, info)
	}
	h.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].ParticipantCount != rooms[j].ParticipantCount {
			return rooms[i].ParticipantCount > rooms[j].ParticipantCount
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})

	total := len(rooms)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	s.Send(EventPublicVoiceRooms, RoomPage{
		Rooms:      rooms[start:end],
		Page:       page,
		PageSize:   pageSize,
		TotalRooms: total,
	})
}
