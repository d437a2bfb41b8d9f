// Package chat implements the channel-messaging hub: named channels with
// role-gated visibility, persisted history, edits, deletes, reactions,
// typing indicators, and ad-hoc group chats.
package chat

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harborapp/harbor/backend/go/internal/v1/config"
	"github.com/harborapp/harbor/backend/go/internal/v1/logging"
	"github.com/harborapp/harbor/backend/go/internal/v1/protocol"
	"github.com/harborapp/harbor/backend/go/internal/v1/ratelimit"
	"github.com/harborapp/harbor/backend/go/internal/v1/registry"
	"github.com/harborapp/harbor/backend/go/internal/v1/transport"
	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// Client -> server methods.
const (
	MethodJoinChannel                = "JoinChannel"
	MethodLeaveChannel               = "LeaveChannel"
	MethodSendMessage                = "SendMessage"
	MethodSendMessageWithAttachments = "SendMessageWithAttachments"
	MethodEditMessage                = "EditMessage"
	MethodDeleteMessage              = "DeleteMessage"
	MethodSendTyping                 = "SendTyping"
	MethodStopTyping                 = "StopTyping"
	MethodAddReaction                = "AddReaction"
	MethodRemoveReaction             = "RemoveReaction"
	MethodAcknowledgeMessage         = "AcknowledgeMessage"
	MethodCreateGroupChat            = "CreateGroupChat"
	MethodUpdateUserProfile          = "UpdateUserProfile"
	MethodGetOnlineUsers             = "GetOnlineUsers"
)

// Server -> client events.
const (
	EventChannelList         = "ChannelList"
	EventChatHistory         = "ChatHistory"
	EventReceiveMessage      = "ReceiveMessage"
	EventMessageEdited       = "MessageEdited"
	EventEditError           = "EditError"
	EventMessageDeleted      = "MessageDeleted"
	EventUserTyping          = "UserTyping"
	EventUserStoppedTyping   = "UserStoppedTyping"
	EventReactionAdded       = "ReactionAdded"
	EventReactionRemoved     = "ReactionRemoved"
	EventMessageAcknowledged = "MessageAcknowledged"
	EventGroupChatCreated    = "GroupChatCreated"
	EventUserProfileUpdated  = "UserProfileUpdated"
	EventOnlineUsers         = "OnlineUsers"
	EventUserJoined          = "UserJoined"
	EventUserLeft            = "UserLeft"
)

// defaultChannels is the built-in channel catalog. Group chats are created at
// runtime on top of it.
var defaultChannels = []types.ChannelInfo{
	{Name: "general", Description: "General discussion", MinimumRole: types.RoleGuest},
	{Name: "marketplace", Description: "Listings and trade talk", MinimumRole: types.RoleMember},
	{Name: "support", Description: "Help and questions", MinimumRole: types.RoleMember},
	{Name: "moderators", Description: "Moderation coordination", MinimumRole: types.RoleModerator},
	{Name: "admin", Description: "Administration", MinimumRole: types.RoleAdmin},
}

var roleRank = map[types.RoleType]int{
	types.RoleGuest:     0,
	types.RoleMember:    1,
	types.RoleModerator: 2,
	types.RoleAdmin:     3,
}

func roleAtLeast(have, want types.RoleType) bool {
	return roleRank[have] >= roleRank[want]
}

// Hub is the chat hub.
type Hub struct {
	cfg     *config.Config
	reg     *registry.Registry
	groups  *registry.GroupRouter
	repo    types.ChatRepository
	limiter *ratelimit.Limiter
}

func NewHub(cfg *config.Config, reg *registry.Registry, groups *registry.GroupRouter, repo types.ChatRepository, limiter *ratelimit.Limiter) *Hub {
	return &Hub{cfg: cfg, reg: reg, groups: groups, repo: repo, limiter: limiter}
}

func (h *Hub) Name() string { return "chat" }

func (h *Hub) RegisterMethods(r *transport.Router) {
	r.Handle(MethodJoinChannel, h.handleJoinChannel)
	r.Handle(MethodLeaveChannel, h.handleLeaveChannel)
	r.Handle(MethodSendMessage, h.handleSendMessage)
	r.Handle(MethodSendMessageWithAttachments, h.handleSendMessageWithAttachments)
	r.Handle(MethodEditMessage, h.handleEditMessage)
	r.Handle(MethodDeleteMessage, h.handleDeleteMessage)
	r.Handle(MethodSendTyping, h.handleSendTyping)
	r.Handle(MethodStopTyping, h.handleStopTyping)
	r.Handle(MethodAddReaction, h.handleAddReaction)
	r.Handle(MethodRemoveReaction, h.handleRemoveReaction)
	r.Handle(MethodAcknowledgeMessage, h.handleAcknowledgeMessage)
	r.Handle(MethodCreateGroupChat, h.handleCreateGroupChat)
	r.Handle(MethodUpdateUserProfile, h.handleUpdateUserProfile)
	r.Handle(MethodGetOnlineUsers, h.handleGetOnlineUsers)
}

// --- lifecycle ---

// OnAuthenticated enrols the connection in the general channel and the user's
// personal group, then streams the initial state: channel list, online users,
// and recent history.
func (h *Hub) OnAuthenticated(ctx context.Context, s types.Sender, user *types.User) {
	h.groups.Join(types.ChannelGroup("general"), s.ID())
	h.groups.Join(types.UserGroup(user.ID), s.ID())

	s.Send(EventChannelList, h.visibleChannels(user.Role))
	s.Send(EventOnlineUsers, h.reg.OnlineUsers())

	history, err := h.repo.History(ctx, "general", h.cfg.ChatHistoryLimit)
	if err != nil {
		logging.Error(ctx, "failed to load channel history", zap.String("channel", "general"), zap.Error(err))
	} else {
		s.Send(EventChatHistory, "general", history)
	}

	// Announce only the user's first connection; extra devices join quietly.
	if h.reg.ConnectionCount(user.ID) == 1 {
		snapshot, _ := h.reg.Snapshot(user.ID)
		h.groups.BroadcastExcept(types.GroupGeneral, s.ID(), EventUserJoined, snapshot)
		h.systemMessage(ctx, "general", types.MessageJoin, user.Username+" joined")
	}
	h.groups.Join(types.GroupGeneral, s.ID())
}

// OnDisconnect has no chat-specific per-connection state to release; group
// membership is torn down by the transport.
func (h *Hub) OnDisconnect(context.Context, types.Sender, types.UserID) {}

// OnUserOffline announces the departure after the last connection drops.
func (h *Hub) OnUserOffline(ctx context.Context, user types.UserID) {
	h.groups.Broadcast(types.GroupGeneral, EventUserLeft, user)

	username := string(user)
	if snap, ok := h.reg.Snapshot(user); ok {
		username = snap.Username
	}
	h.systemMessage(ctx, "general", types.MessageLeave, username+" left")
}

// --- channel membership ---

func (h *Hub) handleJoinChannel(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	channel, err := inv.StringArg(0)
	if err != nil || channel == "" {
		return
	}
	info, ok := h.channelInfo(channel)
	if !ok {
		s.Send(EventEditError, channel, "unknown channel")
		return
	}
	snap, _ := h.reg.Snapshot(s.User())
	if !roleAtLeast(snap.Role, info.MinimumRole) {
		s.Send(EventEditError, channel, "insufficient role for channel")
		return
	}

	h.groups.Join(types.ChannelGroup(channel), s.ID())

	history, err := h.repo.History(ctx, channel, h.cfg.ChatHistoryLimit)
	if err != nil {
		logging.Error(ctx, "failed to load channel history", zap.String("channel", channel), zap.Error(err))
	} else {
		s.Send(EventChatHistory, channel, history)
	}
	h.groups.BroadcastExcept(types.ChannelGroup(channel), s.ID(), EventUserJoined, snap, channel)
}

func (h *Hub) handleLeaveChannel(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	channel, err := inv.StringArg(0)
	if err != nil || channel == "" {
		return
	}
	h.groups.Leave(types.ChannelGroup(channel), s.ID())
	h.groups.Broadcast(types.ChannelGroup(channel), EventUserLeft, s.User(), channel)
}

// --- messages ---

func (h *Hub) handleSendMessage(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	content, err := inv.StringArg(0)
	if err != nil {
		return
	}
	channel := "general"
	if err := inv.OptionalArg(1, &channel); err != nil {
		return
	}
	h.deliverMessage(ctx, s, channel, content, nil)
}

func (h *Hub) handleSendMessageWithAttachments(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	content, err := inv.StringArg(0)
	if err != nil {
		return
	}
	var attachments []types.Attachment
	if err := inv.Arg(1, &attachments); err != nil {
		return
	}
	channel := "general"
	if err := inv.OptionalArg(2, &channel); err != nil {
		return
	}
	h.deliverMessage(ctx, s, channel, content, attachments)
}

func (h *Hub) deliverMessage(ctx context.Context, s types.Sender, channel, content string, attachments []types.Attachment) {
	content = strings.TrimSpace(content)
	if content == "" && len(attachments) == 0 {
		return
	}
	if !h.groups.Contains(types.ChannelGroup(channel), s.ID()) {
		s.Send(EventEditError, channel, "not a member of channel")
		return
	}

	snap, _ := h.reg.Snapshot(s.User())
	msg := &types.ChatMessage{
		ID:          uuid.NewString(),
		Channel:     channel,
		SenderID:    s.User(),
		SenderName:  snap.Username,
		Content:     content,
		Type:        types.MessageText,
		Timestamp:   time.Now().UTC(),
		Attachments: attachments,
	}
	if err := h.repo.SaveMessage(ctx, msg); err != nil {
		logging.Error(ctx, "failed to persist message", zap.String("channel", channel), zap.Error(err))
		s.Send(EventEditError, channel, "message not saved")
		return
	}
	h.groups.BroadcastCritical(types.ChannelGroup(channel), EventReceiveMessage, msg)
}

// handleEditMessage lets the author rewrite a message inside the edit window.
func (h *Hub) handleEditMessage(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	messageID, err := inv.StringArg(0)
	if err != nil {
		return
	}
	newContent, err := inv.StringArg(1)
	if err != nil {
		return
	}
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		s.Send(EventEditError, messageID, "content cannot be empty")
		return
	}

	msg, err := h.repo.GetMessage(ctx, messageID)
	if err != nil {
		s.Send(EventEditError, messageID, "message not found")
		return
	}
	if msg.SenderID != s.User() {
		s.Send(EventEditError, messageID, "only the author can edit a message")
		return
	}
	if time.Since(msg.Timestamp) > h.cfg.EditWindow {
		s.Send(EventEditError, messageID, "edit window has closed")
		return
	}

	now := time.Now().UTC()
	msg.Content = newContent
	msg.EditedAt = &now
	if err := h.repo.UpdateMessage(ctx, msg); err != nil {
		s.Send(EventEditError, messageID, "edit not saved")
		return
	}
	h.groups.BroadcastCritical(types.ChannelGroup(msg.Channel), EventMessageEdited, msg)
}

// handleDeleteMessage hard-deletes. Authors delete their own; moderators
// delete anything. The tombstone event stays scoped to the channel.
func (h *Hub) handleDeleteMessage(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	messageID, err := inv.StringArg(0)
	if err != nil {
		return
	}
	msg, err := h.repo.GetMessage(ctx, messageID)
	if err != nil {
		return // already gone; idempotent
	}
	snap, _ := h.reg.Snapshot(s.User())
	if msg.SenderID != s.User() && !snap.Role.CanModerate() {
		s.Send(EventEditError, messageID, "not allowed to delete this message")
		return
	}
	if err := h.repo.DeleteMessage(ctx, messageID); err != nil {
		logging.Error(ctx, "failed to delete message", zap.String("messageId", messageID), zap.Error(err))
		return
	}
	h.groups.BroadcastCritical(types.ChannelGroup(msg.Channel), EventMessageDeleted, messageID, msg.Channel)
}

// --- typing ---

func (h *Hub) handleSendTyping(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	channel := "general"
	if err := inv.OptionalArg(0, &channel); err != nil {
		return
	}
	if h.limiter != nil && !h.limiter.AllowTyping(ctx, string(s.User())) {
		return // silently shed; typing is best-effort
	}
	if !h.groups.Contains(types.ChannelGroup(channel), s.ID()) {
		return
	}
	snap, _ := h.reg.Snapshot(s.User())
	h.groups.BroadcastExcept(types.ChannelGroup(channel), s.ID(), EventUserTyping, snap.ID, snap.Username, channel)
}

func (h *Hub) handleStopTyping(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	channel := "general"
	if err := inv.OptionalArg(0, &channel); err != nil {
		return
	}
	h.groups.BroadcastExcept(types.ChannelGroup(channel), s.ID(), EventUserStoppedTyping, s.User(), channel)
}

// --- reactions ---

func (h *Hub) handleAddReaction(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	h.mutateReaction(ctx, s, inv, true)
}

func (h *Hub) handleRemoveReaction(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	h.mutateReaction(ctx, s, inv, false)
}

// mutateReaction toggles one user's emoji on a message. Both directions are
// idempotent: re-adding or re-removing is a no-op with no broadcast.
func (h *Hub) mutateReaction(ctx context.Context, s types.Sender, inv *protocol.Invocation, add bool) {
	messageID, err := inv.StringArg(0)
	if err != nil {
		return
	}
	emoji, err := inv.StringArg(1)
	if err != nil || emoji == "" {
		return
	}

	msg, err := h.repo.GetMessage(ctx, messageID)
	if err != nil {
		return
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string]*types.Reaction)
	}

	r := msg.Reactions[emoji]
	has := r != nil && containsUser(r.UserIDs, s.User())
	if add == has {
		return
	}
	if add {
		if r == nil {
			r = &types.Reaction{Emoji: emoji}
			msg.Reactions[emoji] = r
		}
		r.UserIDs = append(r.UserIDs, s.User())
		r.Count = len(r.UserIDs)
	} else {
		r.UserIDs = removeUser(r.UserIDs, s.User())
		r.Count = len(r.UserIDs)
		if r.Count == 0 {
			delete(msg.Reactions, emoji)
		}
	}

	if err := h.repo.UpdateMessage(ctx, msg); err != nil {
		logging.Error(ctx, "failed to persist reaction", zap.String("messageId", messageID), zap.Error(err))
		return
	}
	event := EventReactionAdded
	if !add {
		event = EventReactionRemoved
	}
	h.groups.Broadcast(types.ChannelGroup(msg.Channel), event, messageID, emoji, msg.Reactions)
}

func containsUser(ids []types.UserID, u types.UserID) bool {
	for _, id := range ids {
		if id == u {
			return true
		}
	}
	return false
}

func removeUser(ids []types.UserID, u types.UserID) []types.UserID {
	out := ids[:0]
	for _, id := range ids {
		if id != u {
			out = append(out, id)
		}
	}
	return out
}

// --- read receipts ---

// handleAcknowledgeMessage confirms receipt back to the caller with a
// server timestamp. Clients hang their delivery receipts off it.
func (h *Hub) handleAcknowledgeMessage(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	messageID, err := inv.StringArg(0)
	if err != nil {
		return
	}
	if _, err := h.repo.GetMessage(ctx, messageID); err != nil {
		return
	}
	s.Send(EventMessageAcknowledged, messageID, time.Now().UTC())
}

// --- group chats ---

// GroupChatPayload describes a freshly created ad-hoc group chat.
type GroupChatPayload struct {
	Channel   string         `json:"channel"`
	Name      string         `json:"name"`
	CreatorID types.UserID   `json:"creatorId"`
	MemberIDs []types.UserID `json:"memberIds"`
	CreatedAt time.Time      `json:"createdAt"`
}

// handleCreateGroupChat creates a private channel. Every listed member that
// is currently connected is enrolled into the group right away, on all of
// their devices; offline members join when they next connect and receive the
// payload.
func (h *Hub) handleCreateGroupChat(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	name, err := inv.StringArg(0)
	if err != nil {
		return
	}
	var memberIDs []types.UserID
	if err := inv.Arg(1, &memberIDs); err != nil {
		return
	}

	channel := "group_" + uuid.NewString()
	payload := GroupChatPayload{
		Channel:   channel,
		Name:      name,
		CreatorID: s.User(),
		MemberIDs: memberIDs,
		CreatedAt: time.Now().UTC(),
	}

	h.groups.Join(types.ChannelGroup(channel), s.ID())
	s.Send(EventGroupChatCreated, payload)
	for _, member := range memberIDs {
		if member == s.User() {
			continue
		}
		for _, conn := range h.reg.SendersOf(member) {
			h.groups.Join(types.ChannelGroup(channel), conn.ID())
		}
		h.groups.SendToUser(member, EventGroupChatCreated, payload)
	}
	h.systemMessage(ctx, channel, types.MessageSystem, "group chat created")
}

// --- profile ---

// handleUpdateUserProfile applies a partial profile edit to the caller's
// cached snapshot and rebroadcasts it to every live connection.
func (h *Hub) handleUpdateUserProfile(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	var patch types.ProfilePatch
	if err := inv.Arg(0, &patch); err != nil {
		return
	}
	snap, ok := h.reg.Snapshot(s.User())
	if !ok {
		return
	}
	if patch.Username != nil && strings.TrimSpace(*patch.Username) != "" {
		snap.Username = strings.TrimSpace(*patch.Username)
	}
	if patch.AvatarURL != nil {
		snap.AvatarURL = *patch.AvatarURL
	}
	if patch.BannerURL != nil {
		snap.BannerURL = *patch.BannerURL
	}
	if patch.StatusMessage != nil {
		snap.StatusMessage = *patch.StatusMessage
	}
	if patch.AccentColor != nil {
		snap.AccentColor = *patch.AccentColor
	}
	h.reg.SetSnapshot(snap)
	snap, _ = h.reg.Snapshot(s.User())
	h.groups.BroadcastAll(EventUserProfileUpdated, snap)
}

func (h *Hub) handleGetOnlineUsers(_ context.Context, s types.Sender, _ *protocol.Invocation) {
	s.Send(EventOnlineUsers, h.reg.OnlineUsers())
}

// --- helpers ---

func (h *Hub) channelInfo(name string) (types.ChannelInfo, bool) {
	for _, c := range defaultChannels {
		if c.Name == name {
			return c, true
		}
	}
	if strings.HasPrefix(name, "group_") {
		// Ad-hoc group chats are open to their invitees at any role.
		return types.ChannelInfo{Name: name, MinimumRole: types.RoleGuest}, true
	}
	return types.ChannelInfo{}, false
}

func (h *Hub) visibleChannels(role types.RoleType) []types.ChannelInfo {
	out := make([]types.ChannelInfo, 0, len(defaultChannels))
	for _, c := range defaultChannels {
		if roleAtLeast(role, c.MinimumRole) {
			out = append(out, c)
		}
	}
	return out
}

// systemMessage persists and broadcasts a server-authored message.
func (h *Hub) systemMessage(ctx context.Context, channel string, kind types.MessageType, content string) {
	msg := &types.ChatMessage{
		ID:        uuid.NewString(),
		Channel:   channel,
		Content:   content,
		Type:      kind,
		Timestamp: time.Now().UTC(),
	}
	if err := h.repo.SaveMessage(ctx, msg); err != nil {
		logging.Error(ctx, "failed to persist system message", zap.String("channel", channel), zap.Error(err))
		return
	}
	h.groups.Broadcast(types.ChannelGroup(channel), EventReceiveMessage, msg)
}
