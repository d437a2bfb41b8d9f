// Package friends implements the friendship and direct-message hub: the
// request/accept/decline/block lifecycle, user search, conversations with
// unread counts, and presence fan-out to friends.
package friends

import (
	"context"
	"errors"
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
	MethodSendFriendRequest       = "SendFriendRequest"
	MethodSendFriendRequestByID   = "SendFriendRequestById"
	MethodRespondToFriendRequest  = "RespondToFriendRequest"
	MethodCancelFriendRequest     = "CancelFriendRequest"
	MethodRemoveFriend            = "RemoveFriend"
	MethodBlockUser               = "BlockUser"
	MethodUnblockUser             = "UnblockUser"
	MethodSearchUser              = "SearchUser"
	MethodSearchUsers             = "SearchUsers"
	MethodGetFriends              = "GetFriends"
	MethodGetPendingRequests      = "GetPendingRequests"
	MethodGetConversations        = "GetConversations"
	MethodGetDMHistory            = "GetDMHistory"
	MethodSendDirectMessage       = "SendDirectMessage"
	MethodMarkMessagesRead        = "MarkMessagesRead"
	MethodStartTypingDM           = "StartTypingDM"
	MethodStopTypingDM            = "StopTypingDM"
	MethodUpdateStatus            = "UpdateStatus"
)

// Server -> client events.
const (
	EventFriendsList           = "FriendsList"
	EventPendingRequests       = "PendingRequests"
	EventOutgoingRequests      = "OutgoingRequests"
	EventFriendRequestSent     = "FriendRequestSent"
	EventNewFriendRequest      = "NewFriendRequest"
	EventFriendRequestAccepted = "FriendRequestAccepted"
	EventFriendRequestDeclined = "FriendRequestDeclined"
	EventFriendRequestError    = "FriendRequestError"
	EventFriendRemoved         = "FriendRemoved"
	EventUserBlocked           = "UserBlocked"
	EventUserUnblocked         = "UserUnblocked"
	EventSearchResults         = "SearchResults"
	EventConversations         = "Conversations"
	EventDMHistory             = "DMHistory"
	EventReceiveDirectMessage  = "ReceiveDirectMessage"
	EventMessagesRead          = "MessagesRead"
	EventDMTyping              = "DMTyping"
	EventDMStoppedTyping       = "DMStoppedTyping"
	EventFriendOnline          = "FriendOnline"
	EventFriendOffline         = "FriendOffline"
	EventFriendStatusChanged   = "FriendStatusChanged"
)

const searchLimit = 20

// FriendEntry is one row of the friend list, annotated with live presence.
type FriendEntry struct {
	FriendshipID string             `json:"friendshipId"`
	User         types.UserSnapshot `json:"user"`
	Online       bool               `json:"online"`
	Since        time.Time          `json:"since"`
}

// Hub is the friends hub.
type Hub struct {
	cfg     *config.Config
	reg     *registry.Registry
	groups  *registry.GroupRouter
	repo    types.FriendRepository
	auth    types.AuthService
	limiter *ratelimit.Limiter
}

func NewHub(cfg *config.Config, reg *registry.Registry, groups *registry.GroupRouter, repo types.FriendRepository, auth types.AuthService, limiter *ratelimit.Limiter) *Hub {
	return &Hub{cfg: cfg, reg: reg, groups: groups, repo: repo, auth: auth, limiter: limiter}
}

func (h *Hub) Name() string { return "friends" }

func (h *Hub) RegisterMethods(r *transport.Router) {
	r.Handle(MethodSendFriendRequest, h.handleSendFriendRequest)
	r.Handle(MethodSendFriendRequestByID, h.handleSendFriendRequestByID)
	r.Handle(MethodRespondToFriendRequest, h.handleRespondToFriendRequest)
	r.Handle(MethodCancelFriendRequest, h.handleCancelFriendRequest)
	r.Handle(MethodRemoveFriend, h.handleRemoveFriend)
	r.Handle(MethodBlockUser, h.handleBlockUser)
	r.Handle(MethodUnblockUser, h.handleUnblockUser)
	r.Handle(MethodSearchUser, h.handleSearchUser)
	r.Handle(MethodSearchUsers, h.handleSearchUsers)
	r.Handle(MethodGetFriends, h.handleGetFriends)
	r.Handle(MethodGetPendingRequests, h.handleGetPendingRequests)
	r.Handle(MethodGetConversations, h.handleGetConversations)
	r.Handle(MethodGetDMHistory, h.handleGetDMHistory)
	r.Handle(MethodSendDirectMessage, h.handleSendDirectMessage)
	r.Handle(MethodMarkMessagesRead, h.handleMarkMessagesRead)
	r.Handle(MethodStartTypingDM, h.handleStartTypingDM)
	r.Handle(MethodStopTypingDM, h.handleStopTypingDM)
	r.Handle(MethodUpdateStatus, h.handleUpdateStatus)
}

// --- lifecycle ---

// OnAuthenticated streams the initial relationship state and tells online
// friends the user came online (first connection only).
func (h *Hub) OnAuthenticated(ctx context.Context, s types.Sender, user *types.User) {
	h.groups.Join(types.UserGroup(user.ID), s.ID())

	h.pushFriendList(ctx, s, user.ID)
	h.pushPendingLists(ctx, s, user.ID)
	h.pushConversations(ctx, s, user.ID)

	if h.reg.ConnectionCount(user.ID) == 1 {
		snap, _ := h.reg.Snapshot(user.ID)
		h.notifyFriends(ctx, user.ID, EventFriendOnline, user.ID, snap.Username)
	}
}

func (h *Hub) OnDisconnect(context.Context, types.Sender, types.UserID) {}

// OnUserOffline tells online friends the user's last connection dropped.
func (h *Hub) OnUserOffline(ctx context.Context, user types.UserID) {
	h.notifyFriends(ctx, user, EventFriendOffline, user)
}

// notifyFriends delivers an event to every online friend of the user.
func (h *Hub) notifyFriends(ctx context.Context, user types.UserID, event string, args ...any) {
	friendships, err := h.repo.FriendsOf(ctx, user)
	if err != nil {
		logging.Error(ctx, "failed to load friends for presence fan-out", zap.Error(err))
		return
	}
	for _, f := range friendships {
		other := f.Other(user)
		if h.reg.IsOnline(other) {
			h.groups.SendToUser(other, event, args...)
		}
	}
}

// handleUpdateStatus sets the caller's presence status and optional status
// message, then fans the refreshed snapshot to online friends and the
// caller's other devices.
func (h *Hub) handleUpdateStatus(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	status, err := inv.StringArg(0)
	if err != nil {
		return
	}
	switch types.PresenceStatus(status) {
	case types.PresenceOnline, types.PresenceAway, types.PresenceBusy, types.PresenceOffline:
	default:
		return
	}
	var statusMessage *string
	if err := inv.OptionalArg(1, &statusMessage); err != nil {
		return
	}

	snap, ok := h.reg.Snapshot(s.User())
	if !ok {
		return
	}
	snap.Status = types.PresenceStatus(status)
	if statusMessage != nil {
		snap.StatusMessage = *statusMessage
	}
	h.reg.SetSnapshot(snap)
	snap, _ = h.reg.Snapshot(s.User())

	h.groups.SendToUser(s.User(), EventFriendStatusChanged, snap)
	h.notifyFriends(ctx, s.User(), EventFriendStatusChanged, snap)
}

// --- friend requests ---

func (h *Hub) handleSendFriendRequest(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	username, err := inv.StringArg(0)
	if err != nil || strings.TrimSpace(username) == "" {
		return
	}
	hits, err := h.repo.SearchUsers(ctx, username, 2)
	if err != nil || len(hits) == 0 {
		s.Send(EventFriendRequestError, username, "user not found")
		return
	}
	target := hits[0]
	if !strings.EqualFold(target.Username, username) {
		s.Send(EventFriendRequestError, username, "user not found")
		return
	}
	h.createRequest(ctx, s, target.ID)
}

func (h *Hub) handleSendFriendRequestByID(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	var target types.UserID
	if err := inv.Arg(0, &target); err != nil || target == "" {
		return
	}
	h.createRequest(ctx, s, target)
}

func (h *Hub) createRequest(ctx context.Context, s types.Sender, target types.UserID) {
	caller := s.User()
	if target == caller {
		s.Send(EventFriendRequestError, target, "cannot friend yourself")
		return
	}
	if _, err := h.auth.GetUserByID(ctx, target); err != nil {
		s.Send(EventFriendRequestError, target, "user not found")
		return
	}

	if existing, err := h.repo.FindBetween(ctx, caller, target); err == nil {
		switch existing.Status {
		case types.FriendshipBlocked:
			// Blocks are invisible to the non-blocking side.
			if existing.RequesterID == caller {
				s.Send(EventFriendRequestError, target, "user is blocked")
			} else {
				s.Send(EventFriendRequestError, target, "request could not be sent")
			}
		case types.FriendshipAccepted:
			s.Send(EventFriendRequestError, target, "already friends")
		default:
			s.Send(EventFriendRequestError, target, "request already pending")
		}
		return
	}

	f := &types.Friendship{
		ID:          uuid.NewString(),
		RequesterID: caller,
		AddresseeID: target,
		Status:      types.FriendshipPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.repo.CreateFriendship(ctx, f); err != nil {
		if errors.Is(err, types.ErrConflict) {
			s.Send(EventFriendRequestError, target, "request already pending")
		} else {
			logging.Error(ctx, "failed to create friendship", zap.Error(err))
			s.Send(EventFriendRequestError, target, "request could not be sent")
		}
		return
	}

	snap, _ := h.reg.Snapshot(caller)
	s.SendCritical(EventFriendRequestSent, f)
	h.groups.SendToUserCritical(target, EventNewFriendRequest, f, snap)
	h.pushOutgoingToUser(ctx, caller)
	h.pushPendingToUser(ctx, target)
}

func (h *Hub) handleRespondToFriendRequest(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	friendshipID, err := inv.StringArg(0)
	if err != nil {
		return
	}
	var accept bool
	if err := inv.Arg(1, &accept); err != nil {
		return
	}

	f, err := h.repo.GetFriendship(ctx, friendshipID)
	if err != nil {
		s.Send(EventFriendRequestError, friendshipID, "request not found")
		return
	}
	if f.AddresseeID != s.User() || f.Status != types.FriendshipPending {
		s.Send(EventFriendRequestError, friendshipID, "request not answerable")
		return
	}

	now := time.Now().UTC()
	f.RespondedAt = &now
	if accept {
		f.Status = types.FriendshipAccepted
		if err := h.repo.UpdateFriendship(ctx, f); err != nil {
			logging.Error(ctx, "failed to accept friendship", zap.Error(err))
			return
		}
	} else {
		f.Status = types.FriendshipDeclined
		if err := h.repo.UpdateFriendship(ctx, f); err != nil {
			logging.Error(ctx, "failed to decline friendship", zap.Error(err))
			return
		}
	}

	if accept {
		h.groups.SendToUserCritical(f.RequesterID, EventFriendRequestAccepted, f.AddresseeID)
		h.pushFriendListToUser(ctx, f.RequesterID)
		h.pushFriendListToUser(ctx, f.AddresseeID)
	} else {
		h.groups.SendToUserCritical(f.RequesterID, EventFriendRequestDeclined, f.AddresseeID)
	}
	h.pushPendingToUser(ctx, f.AddresseeID)
	h.pushOutgoingToUser(ctx, f.RequesterID)
}

func (h *Hub) handleCancelFriendRequest(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	friendshipID, err := inv.StringArg(0)
	if err != nil {
		return
	}
	f, err := h.repo.GetFriendship(ctx, friendshipID)
	if err != nil {
		return
	}
	if f.RequesterID != s.User() || f.Status != types.FriendshipPending {
		s.Send(EventFriendRequestError, friendshipID, "request not cancellable")
		return
	}
	f.Status = types.FriendshipCancelled
	if err := h.repo.UpdateFriendship(ctx, f); err != nil {
		logging.Error(ctx, "failed to cancel friendship", zap.Error(err))
		return
	}
	h.pushOutgoingToUser(ctx, f.RequesterID)
	h.pushPendingToUser(ctx, f.AddresseeID)
}

func (h *Hub) handleRemoveFriend(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	var other types.UserID
	if err := inv.Arg(0, &other); err != nil || other == "" {
		return
	}
	f, err := h.repo.FindBetween(ctx, s.User(), other)
	if err != nil || f.Status != types.FriendshipAccepted {
		return
	}
	if err := h.repo.DeleteFriendship(ctx, f.ID); err != nil {
		logging.Error(ctx, "failed to remove friendship", zap.Error(err))
		return
	}
	h.groups.SendToUser(s.User(), EventFriendRemoved, other)
	h.groups.SendToUser(other, EventFriendRemoved, s.User())
	h.pushFriendListToUser(ctx, s.User())
	h.pushFriendListToUser(ctx, other)
}

// --- blocking ---

// handleBlockUser replaces any existing relationship with a block owned by
// the caller. The blocked user is never told.
func (h *Hub) handleBlockUser(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	var target types.UserID
	if err := inv.Arg(0, &target); err != nil || target == "" || target == s.User() {
		return
	}
	reason := ""
	if err := inv.OptionalArg(1, &reason); err != nil {
		return
	}

	if existing, err := h.repo.FindBetween(ctx, s.User(), target); err == nil {
		if existing.Status == types.FriendshipBlocked && existing.RequesterID == s.User() {
			return // idempotent
		}
		if err := h.repo.DeleteFriendship(ctx, existing.ID); err != nil {
			logging.Error(ctx, "failed to clear relationship before block", zap.Error(err))
			return
		}
	}

	f := &types.Friendship{
		ID:          uuid.NewString(),
		RequesterID: s.User(), // requester of a block is the blocker
		AddresseeID: target,
		Status:      types.FriendshipBlocked,
		CreatedAt:   time.Now().UTC(),
		BlockReason: reason,
	}
	if err := h.repo.CreateFriendship(ctx, f); err != nil {
		logging.Error(ctx, "failed to create block", zap.Error(err))
		return
	}
	h.groups.SendToUser(s.User(), EventUserBlocked, target)
	h.pushFriendListToUser(ctx, s.User())
	h.pushFriendListToUser(ctx, target)
}

func (h *Hub) handleUnblockUser(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	var target types.UserID
	if err := inv.Arg(0, &target); err != nil || target == "" {
		return
	}
	f, err := h.repo.FindBetween(ctx, s.User(), target)
	if err != nil || f.Status != types.FriendshipBlocked || f.RequesterID != s.User() {
		return
	}
	if err := h.repo.DeleteFriendship(ctx, f.ID); err != nil {
		logging.Error(ctx, "failed to remove block", zap.Error(err))
		return
	}
	h.groups.SendToUser(s.User(), EventUserUnblocked, target)
}

// --- search ---

// handleSearchUser is the single-result variant: the best match only.
func (h *Hub) handleSearchUser(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	query, err := inv.StringArg(0)
	if err != nil {
		return
	}
	results := h.searchUsers(ctx, s, query, 1)
	s.Send(EventSearchResults, query, results)
}

// handleSearchUsers returns matches excluding the caller and anyone involved
// in a block with the caller, annotated with friendship status.
func (h *Hub) handleSearchUsers(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	query, err := inv.StringArg(0)
	if err != nil {
		return
	}
	results := h.searchUsers(ctx, s, query, searchLimit)
	s.Send(EventSearchResults, query, results)
}

func (h *Hub) searchUsers(ctx context.Context, s types.Sender, query string, limit int) []types.UserSearchResult {
	hits, err := h.repo.SearchUsers(ctx, query, searchLimit+1)
	if err != nil {
		logging.Error(ctx, "user search failed", zap.Error(err))
		return []types.UserSearchResult{}
	}

	results := make([]types.UserSearchResult, 0, len(hits))
	for _, u := range hits {
		if u.ID == s.User() {
			continue
		}
		rel, err := h.repo.FindBetween(ctx, s.User(), u.ID)
		if err == nil && rel.Status == types.FriendshipBlocked {
			continue // hidden in both directions
		}
		snap := types.SnapshotOf(u)
		if !h.reg.IsOnline(u.ID) {
			snap.Status = types.PresenceOffline
		}
		results = append(results, types.UserSearchResult{
			UserSnapshot: snap,
			IsFriend:     err == nil && rel.Status == types.FriendshipAccepted,
		})
		if len(results) == limit {
			break
		}
	}
	return results
}

// --- list pushes ---

func (h *Hub) handleGetFriends(ctx context.Context, s types.Sender, _ *protocol.Invocation) {
	h.pushFriendList(ctx, s, s.User())
}

func (h *Hub) handleGetPendingRequests(ctx context.Context, s types.Sender, _ *protocol.Invocation) {
	h.pushPendingLists(ctx, s, s.User())
}

func (h *Hub) pushFriendList(ctx context.Context, s types.Sender, user types.UserID) {
	entries, err := h.friendEntries(ctx, user)
	if err != nil {
		logging.Error(ctx, "failed to load friend list", zap.Error(err))
		return
	}
	s.Send(EventFriendsList, entries)
}

func (h *Hub) pushFriendListToUser(ctx context.Context, user types.UserID) {
	if !h.reg.IsOnline(user) {
		return
	}
	entries, err := h.friendEntries(ctx, user)
	if err != nil {
		return
	}
	h.groups.SendToUser(user, EventFriendsList, entries)
}

func (h *Hub) friendEntries(ctx context.Context, user types.UserID) ([]FriendEntry, error) {
	friendships, err := h.repo.FriendsOf(ctx, user)
	if err != nil {
		return nil, err
	}
	entries := make([]FriendEntry, 0, len(friendships))
	for _, f := range friendships {
		other := f.Other(user)
		snap, online := h.reg.Snapshot(other)
		if !online {
			if u, err := h.auth.GetUserByID(ctx, other); err == nil {
				snap = types.SnapshotOf(u)
				snap.Status = types.PresenceOffline
			} else {
				snap = types.UserSnapshot{ID: other, Status: types.PresenceOffline}
			}
		}
		entries = append(entries, FriendEntry{
			FriendshipID: f.ID,
			User:         snap,
			Online:       online,
			Since:        f.CreatedAt,
		})
	}
	return entries, nil
}

func (h *Hub) pushPendingLists(ctx context.Context, s types.Sender, user types.UserID) {
	if pending, err := h.repo.PendingFor(ctx, user); err == nil {
		s.Send(EventPendingRequests, pending)
	}
	if outgoing, err := h.repo.OutgoingFrom(ctx, user); err == nil {
		s.Send(EventOutgoingRequests, outgoing)
	}
}

func (h *Hub) pushPendingToUser(ctx context.Context, user types.UserID) {
	if !h.reg.IsOnline(user) {
		return
	}
	if pending, err := h.repo.PendingFor(ctx, user); err == nil {
		h.groups.SendToUser(user, EventPendingRequests, pending)
	}
}

func (h *Hub) pushOutgoingToUser(ctx context.Context, user types.UserID) {
	if !h.reg.IsOnline(user) {
		return
	}
	if outgoing, err := h.repo.OutgoingFrom(ctx, user); err == nil {
		h.groups.SendToUser(user, EventOutgoingRequests, outgoing)
	}
}

// --- direct messages ---

func (h *Hub) handleGetConversations(ctx context.Context, s types.Sender, _ *protocol.Invocation) {
	h.pushConversations(ctx, s, s.User())
}

func (h *Hub) pushConversations(ctx context.Context, s types.Sender, user types.UserID) {
	convs, err := h.repo.ConversationsOf(ctx, user)
	if err != nil {
		logging.Error(ctx, "failed to load conversations", zap.Error(err))
		return
	}
	s.Send(EventConversations, convs)
}

// handleGetDMHistory returns the conversation with a partner and marks the
// partner's messages read as a side effect.
func (h *Hub) handleGetDMHistory(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	var partner types.UserID
	if err := inv.Arg(0, &partner); err != nil || partner == "" {
		return
	}
	limit := h.cfg.ChatHistoryLimit
	if err := inv.OptionalArg(1, &limit); err != nil {
		return
	}

	msgs, err := h.repo.ConversationHistory(ctx, s.User(), partner, limit)
	if err != nil {
		logging.Error(ctx, "failed to load conversation history", zap.Error(err))
		return
	}
	s.Send(EventDMHistory, partner, msgs)

	if n, err := h.repo.MarkConversationRead(ctx, s.User(), partner); err == nil && n > 0 {
		h.groups.SendToUser(partner, EventMessagesRead, s.User(), n)
		h.pushConversations(ctx, s, s.User())
	}
}

// handleSendDirectMessage delivers a DM between friends. Blocks silently
// swallow the message from the blocked side's view.
func (h *Hub) handleSendDirectMessage(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	var recipient types.UserID
	if err := inv.Arg(0, &recipient); err != nil || recipient == "" || recipient == s.User() {
		return
	}
	content, err := inv.StringArg(1)
	if err != nil {
		return
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	rel, err := h.repo.FindBetween(ctx, s.User(), recipient)
	if err != nil || rel.Status != types.FriendshipAccepted {
		if err == nil && rel.Status == types.FriendshipBlocked {
			return // no feedback either way
		}
		s.Send(EventFriendRequestError, recipient, "can only message friends")
		return
	}

	dm := &types.DirectMessage{
		ID:          uuid.NewString(),
		SenderID:    s.User(),
		RecipientID: recipient,
		Content:     content,
		Timestamp:   time.Now().UTC(),
	}
	if err := h.repo.SaveDirectMessage(ctx, dm); err != nil {
		logging.Error(ctx, "failed to persist direct message", zap.Error(err))
		return
	}

	h.groups.SendToUserCritical(recipient, EventReceiveDirectMessage, dm)
	h.groups.SendToUserCritical(s.User(), EventReceiveDirectMessage, dm)
}

func (h *Hub) handleMarkMessagesRead(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	var partner types.UserID
	if err := inv.Arg(0, &partner); err != nil || partner == "" {
		return
	}
	n, err := h.repo.MarkConversationRead(ctx, s.User(), partner)
	if err != nil || n == 0 {
		return
	}
	h.groups.SendToUser(partner, EventMessagesRead, s.User(), n)
	h.pushConversations(ctx, s, s.User())
}

// --- DM typing ---

func (h *Hub) handleStartTypingDM(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	var partner types.UserID
	if err := inv.Arg(0, &partner); err != nil || partner == "" {
		return
	}
	if h.limiter != nil && !h.limiter.AllowTyping(ctx, string(s.User())) {
		return
	}
	rel, err := h.repo.FindBetween(ctx, s.User(), partner)
	if err != nil || rel.Status != types.FriendshipAccepted {
		return
	}
	h.groups.SendToUser(partner, EventDMTyping, s.User())
}

func (h *Hub) handleStopTypingDM(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	var partner types.UserID
	if err := inv.Arg(0, &partner); err != nil || partner == "" {
		return
	}
	h.groups.SendToUser(partner, EventDMStoppedTyping, s.User())
}
