// Package notify implements the notification hub: per-user persisted
// notifications with unread counts, pagination, and read/delete operations.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harborapp/harbor/backend/go/internal/v1/logging"
	"github.com/harborapp/harbor/backend/go/internal/v1/protocol"
	"github.com/harborapp/harbor/backend/go/internal/v1/registry"
	"github.com/harborapp/harbor/backend/go/internal/v1/transport"
	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// Client -> server methods.
const (
	MethodGetNotifications   = "GetNotifications"
	MethodMarkAsRead         = "MarkAsRead"
	MethodMarkAllAsRead      = "MarkAllAsRead"
	MethodDeleteNotification = "DeleteNotification"
	MethodGetUnreadCount     = "GetUnreadCount"
)

// Server -> client events.
const (
	EventNotificationList    = "NotificationList"
	EventNewNotification     = "NewNotification"
	EventNotificationRead    = "NotificationRead"
	EventAllNotificationsRead = "AllNotificationsRead"
	EventNotificationDeleted = "NotificationDeleted"
	EventUnreadCount         = "UnreadCount"
)

// Hub is the notifications hub.
type Hub struct {
	reg    *registry.Registry
	groups *registry.GroupRouter
	repo   types.NotificationRepository
}

func NewHub(reg *registry.Registry, groups *registry.GroupRouter, repo types.NotificationRepository) *Hub {
	return &Hub{reg: reg, groups: groups, repo: repo}
}

func (h *Hub) Name() string { return "notifications" }

func (h *Hub) RegisterMethods(r *transport.Router) {
	r.Handle(MethodGetNotifications, h.handleGetNotifications)
	r.Handle(MethodMarkAsRead, h.handleMarkAsRead)
	r.Handle(MethodMarkAllAsRead, h.handleMarkAllAsRead)
	r.Handle(MethodDeleteNotification, h.handleDeleteNotification)
	r.Handle(MethodGetUnreadCount, h.handleGetUnreadCount)
}

// OnAuthenticated pushes the unread count so clients can badge immediately.
func (h *Hub) OnAuthenticated(ctx context.Context, s types.Sender, user *types.User) {
	h.groups.Join(types.NotificationsGroup(user.ID), s.ID())
	h.groups.Join(types.UserGroup(user.ID), s.ID())
	h.pushUnreadCount(ctx, s, user.ID)
}

func (h *Hub) OnDisconnect(context.Context, types.Sender, types.UserID) {}
func (h *Hub) OnUserOffline(context.Context, types.UserID)             {}

// Deliver persists a notification and pushes it to the recipient's live
// connections. Callable from other hubs through the push facade.
func (h *Hub) Deliver(ctx context.Context, n *types.Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if err := h.repo.SaveNotification(ctx, n); err != nil {
		logging.Error(ctx, "failed to persist notification",
			zap.String("recipientId", string(n.RecipientID)), zap.Error(err))
		return
	}
	if h.reg.IsOnline(n.RecipientID) {
		h.groups.Broadcast(types.NotificationsGroup(n.RecipientID), EventNewNotification, n)
		if count, err := h.repo.UnreadCount(ctx, n.RecipientID); err == nil {
			h.groups.Broadcast(types.NotificationsGroup(n.RecipientID), EventUnreadCount, count)
		}
	}
}

func (h *Hub) handleGetNotifications(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	page := 1
	pageSize := 20
	unreadOnly := false
	if err := inv.OptionalArg(0, &page); err != nil {
		return
	}
	if err := inv.OptionalArg(1, &pageSize); err != nil {
		return
	}
	if err := inv.OptionalArg(2, &unreadOnly); err != nil {
		return
	}

	list, err := h.repo.Notifications(ctx, s.User(), unreadOnly, page, pageSize)
	if err != nil {
		logging.Error(ctx, "failed to load notifications", zap.Error(err))
		return
	}
	if list == nil {
		list = []*types.Notification{}
	}
	s.Send(EventNotificationList, list, page)
}

func (h *Hub) handleMarkAsRead(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	id, err := inv.StringArg(0)
	if err != nil || id == "" {
		return
	}
	if err := h.repo.MarkRead(ctx, s.User(), id); err != nil {
		return // unknown id; nothing to report
	}
	h.groups.Broadcast(types.NotificationsGroup(s.User()), EventNotificationRead, id)
	h.pushUnreadCountToUser(ctx, s.User())
}

func (h *Hub) handleMarkAllAsRead(ctx context.Context, s types.Sender, _ *protocol.Invocation) {
	n, err := h.repo.MarkAllRead(ctx, s.User())
	if err != nil {
		logging.Error(ctx, "failed to mark notifications read", zap.Error(err))
		return
	}
	h.groups.Broadcast(types.NotificationsGroup(s.User()), EventAllNotificationsRead, n)
	h.pushUnreadCountToUser(ctx, s.User())
}

func (h *Hub) handleDeleteNotification(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	id, err := inv.StringArg(0)
	if err != nil || id == "" {
		return
	}
	if err := h.repo.DeleteNotification(ctx, s.User(), id); err != nil {
		return
	}
	h.groups.Broadcast(types.NotificationsGroup(s.User()), EventNotificationDeleted, id)
	h.pushUnreadCountToUser(ctx, s.User())
}

func (h *Hub) handleGetUnreadCount(ctx context.Context, s types.Sender, _ *protocol.Invocation) {
	h.pushUnreadCount(ctx, s, s.User())
}

func (h *Hub) pushUnreadCount(ctx context.Context, s types.Sender, user types.UserID) {
	count, err := h.repo.UnreadCount(ctx, user)
	if err != nil {
		logging.Error(ctx, "failed to count unread notifications", zap.Error(err))
		return
	}
	s.Send(EventUnreadCount, count)
}

func (h *Hub) pushUnreadCountToUser(ctx context.Context, user types.UserID) {
	count, err := h.repo.UnreadCount(ctx, user)
	if err != nil {
		return
	}
	h.groups.Broadcast(types.NotificationsGroup(user), EventUnreadCount, count)
}
