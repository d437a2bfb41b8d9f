// Package voice implements the realtime audio/video hub: voice channels,
// screen sharing with bandwidth throttling, user-created voice rooms, 1:1
// calls, group calls, and WebRTC signalling pass-through.
package voice

import (
	"context"
	"sync"

	"github.com/harborapp/harbor/backend/go/internal/v1/config"
	"github.com/harborapp/harbor/backend/go/internal/v1/registry"
	"github.com/harborapp/harbor/backend/go/internal/v1/transport"
	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// Client -> server methods.
const (
	MethodJoinVoiceChannel     = "JoinVoiceChannel"
	MethodLeaveVoiceChannel    = "LeaveVoiceChannel"
	MethodUpdateVoiceState     = "UpdateVoiceState"
	MethodUpdateSpeakingState  = "UpdateSpeakingState"
	MethodSendAudio            = "SendAudio"
	MethodStartScreenShare     = "StartScreenShare"
	MethodStopScreenShare      = "StopScreenShare"
	MethodSendScreenFrame      = "SendScreenFrame"
	MethodJoinScreenShare      = "JoinScreenShare"
	MethodLeaveScreenShare     = "LeaveScreenShare"
	MethodGetActiveScreenShares = "GetActiveScreenShares"
	MethodRequestScreenQuality = "RequestScreenQuality"
	MethodCreateVoiceRoom      = "CreateVoiceRoom"
	MethodJoinVoiceRoom        = "JoinVoiceRoom"
	MethodLeaveVoiceRoom       = "LeaveVoiceRoom"
	MethodCloseVoiceRoom       = "CloseVoiceRoom"
	MethodKickFromVoiceRoom    = "KickFromVoiceRoom"
	MethodPromoteToModerator   = "PromoteToModerator"
	MethodGetPublicVoiceRooms  = "GetPublicVoiceRooms"
	MethodStartCall            = "StartCall"
	MethodAnswerCall           = "AnswerCall"
	MethodEndCall              = "EndCall"
	MethodSendCallAudio        = "SendCallAudio"
	MethodSendCallSpeakingState = "SendCallSpeakingState"
	MethodStartGroupCall       = "StartGroupCall"
	MethodJoinGroupCall        = "JoinGroupCall"
	MethodLeaveGroupCall       = "LeaveGroupCall"
	MethodInviteToGroupCall    = "InviteToGroupCall"
	MethodDeclineGroupCall     = "DeclineGroupCall"
	MethodSendOffer            = "SendOffer"
	MethodSendAnswer           = "SendAnswer"
	MethodSendIceCandidate     = "SendIceCandidate"
)

// Server -> client events.
const (
	EventVoiceChannelUsers    = "VoiceChannelUsers"
	EventUserJoinedVoice      = "UserJoinedVoice"
	EventUserLeftVoice        = "UserLeftVoice"
	EventVoiceStateUpdated    = "VoiceStateUpdated"
	EventSpeakingStateUpdated = "SpeakingStateUpdated"
	EventReceiveAudio         = "ReceiveAudio"
	EventVoiceError           = "VoiceError"

	EventScreenShareStarted      = "ScreenShareStarted"
	EventScreenShareStopped      = "ScreenShareStopped"
	EventUserScreenShareChanged  = "UserScreenShareChanged"
	EventReceiveScreenFrame      = "ReceiveScreenFrame"
	EventViewerCountUpdated      = "ViewerCountUpdated"
	EventActiveScreenShares      = "ActiveScreenShares"
	EventScreenQualityChanged    = "ScreenQualityChanged"

	EventVoiceRoomAdded             = "VoiceRoomAdded"
	EventVoiceRoomJoined            = "VoiceRoomJoined"
	EventVoiceRoomParticipantJoined = "VoiceRoomParticipantJoined"
	EventVoiceRoomUserLeft          = "VoiceRoomUserLeft"
	EventVoiceRoomUpdated           = "VoiceRoomUpdated"
	EventVoiceRoomRemoved           = "VoiceRoomRemoved"
	EventVoiceRoomHostChanged       = "VoiceRoomHostChanged"
	EventVoiceRoomModeratorAdded    = "VoiceRoomModeratorAdded"
	EventVoiceRoomKicked            = "VoiceRoomKicked"
	EventPublicVoiceRooms           = "PublicVoiceRooms"

	EventIncomingCall      = "IncomingCall"
	EventCallStarted       = "CallStarted"
	EventCallAnswered      = "CallAnswered"
	EventCallDeclined      = "CallDeclined"
	EventCallMissed        = "CallMissed"
	EventCallEnded         = "CallEnded"
	EventCallFailed        = "CallFailed"
	EventReceiveCallAudio  = "ReceiveCallAudio"
	EventCallSpeakingState = "CallSpeakingState"

	EventGroupCallStarted            = "GroupCallStarted"
	EventGroupCallUpdated            = "GroupCallUpdated"
	EventGroupCallParticipantJoined  = "GroupCallParticipantJoined"
	EventGroupCallUserLeft           = "GroupCallUserLeft"
	EventGroupCallEnded              = "GroupCallEnded"
	EventGroupCallInvite             = "GroupCallInvite"
	EventGroupCallInviteDeclined     = "GroupCallInviteDeclined"

	EventReceiveOffer        = "ReceiveOffer"
	EventReceiveAnswer       = "ReceiveAnswer"
	EventReceiveIceCandidate = "ReceiveIceCandidate"
)

// Hub is the voice hub. Channel, room, and call state each live behind their
// own lock so audio relay on one entity never blocks another.
type Hub struct {
	cfg    *config.Config
	reg    *registry.Registry
	groups *registry.GroupRouter

	mu          sync.RWMutex
	channels    map[string]*voiceChannel
	rooms       map[string]*voiceRoom
	calls       map[string]*call
	callByUser  map[types.UserID]string // one active call per user
	groupCalls  map[string]*groupCall
	connChannel map[types.ConnectionID]string
	connRoom    map[types.ConnectionID]string
	connGroup   map[types.ConnectionID]string
}

func NewHub(cfg *config.Config, reg *registry.Registry, groups *registry.GroupRouter) *Hub {
	return &Hub{
		cfg:         cfg,
		reg:         reg,
		groups:      groups,
		channels:    make(map[string]*voiceChannel),
		rooms:       make(map[string]*voiceRoom),
		calls:       make(map[string]*call),
		callByUser:  make(map[types.UserID]string),
		groupCalls:  make(map[string]*groupCall),
		connChannel: make(map[types.ConnectionID]string),
		connRoom:    make(map[types.ConnectionID]string),
		connGroup:   make(map[types.ConnectionID]string),
	}
}

func (h *Hub) Name() string { return "voice" }

func (h *Hub) RegisterMethods(r *transport.Router) {
	r.Handle(MethodJoinVoiceChannel, h.handleJoinVoiceChannel)
	r.Handle(MethodLeaveVoiceChannel, h.handleLeaveVoiceChannel)
	r.Handle(MethodUpdateVoiceState, h.handleUpdateVoiceState)
	r.Handle(MethodUpdateSpeakingState, h.handleUpdateSpeakingState)
	r.Handle(MethodSendAudio, h.handleSendAudio)

	r.Handle(MethodStartScreenShare, h.handleStartScreenShare)
	r.Handle(MethodStopScreenShare, h.handleStopScreenShare)
	r.Handle(MethodSendScreenFrame, h.handleSendScreenFrame)
	r.Handle(MethodJoinScreenShare, h.handleJoinScreenShare)
	r.Handle(MethodLeaveScreenShare, h.handleLeaveScreenShare)
	r.Handle(MethodGetActiveScreenShares, h.handleGetActiveScreenShares)
	r.Handle(MethodRequestScreenQuality, h.handleRequestScreenQuality)

	r.Handle(MethodCreateVoiceRoom, h.handleCreateVoiceRoom)
	r.Handle(MethodJoinVoiceRoom, h.handleJoinVoiceRoom)
	r.Handle(MethodLeaveVoiceRoom, h.handleLeaveVoiceRoom)
	r.Handle(MethodCloseVoiceRoom, h.handleCloseVoiceRoom)
	r.Handle(MethodKickFromVoiceRoom, h.handleKickFromVoiceRoom)
	r.Handle(MethodPromoteToModerator, h.handlePromoteToModerator)
	r.Handle(MethodGetPublicVoiceRooms, h.handleGetPublicVoiceRooms)

	r.Handle(MethodStartCall, h.handleStartCall)
	r.Handle(MethodAnswerCall, h.handleAnswerCall)
	r.Handle(MethodEndCall, h.handleEndCall)
	r.Handle(MethodSendCallAudio, h.handleSendCallAudio)
	r.Handle(MethodSendCallSpeakingState, h.handleSendCallSpeakingState)

	r.Handle(MethodStartGroupCall, h.handleStartGroupCall)
	r.Handle(MethodJoinGroupCall, h.handleJoinGroupCall)
	r.Handle(MethodLeaveGroupCall, h.handleLeaveGroupCall)
	r.Handle(MethodInviteToGroupCall, h.handleInviteToGroupCall)
	r.Handle(MethodDeclineGroupCall, h.handleDeclineGroupCall)

	r.Handle(MethodSendOffer, h.handleSendOffer)
	r.Handle(MethodSendAnswer, h.handleSendAnswer)
	r.Handle(MethodSendIceCandidate, h.handleSendIceCandidate)
}

// OnAuthenticated joins the user's personal group for call invites.
func (h *Hub) OnAuthenticated(_ context.Context, s types.Sender, user *types.User) {
	h.groups.Join(types.UserGroup(user.ID), s.ID())
}

// OnDisconnect releases every voice resource the connection held, in order:
// screen share, voice channel, voice room, calls, group calls. Runs while
// the connection is still in its groups so departure events reach peers.
func (h *Hub) OnDisconnect(ctx context.Context, s types.Sender, user types.UserID) {
	h.mu.RLock()
	channelID := h.connChannel[s.ID()]
	roomID := h.connRoom[s.ID()]
	groupCallID := h.connGroup[s.ID()]
	h.mu.RUnlock()

	if channelID != "" {
		h.stopShareIfSharing(ctx, s, channelID)
		h.leaveChannel(ctx, s, user, channelID)
	}
	if roomID != "" {
		h.leaveRoom(ctx, s, user, roomID)
	}
	h.endCallsOf(ctx, user)
	if groupCallID != "" {
		h.leaveGroupCall(ctx, s, user, groupCallID)
	}
}

func (h *Hub) OnUserOffline(context.Context, types.UserID) {}

func (h *Hub) username(user types.UserID) string {
	if snap, ok := h.reg.Snapshot(user); ok {
		return snap.Username
	}
	return string(user)
}

func (h *Hub) avatar(user types.UserID) string {
	if snap, ok := h.reg.Snapshot(user); ok {
		return snap.AvatarURL
	}
	return ""
}
