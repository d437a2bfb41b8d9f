// Package push is the server-side ingress for broadcasts that do not
// originate from a websocket client: marketplace events posted by backend
// services, announcements, and direct notifications. It fronts the content
// routing table and the notification hub behind one facade.
package push

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/harborapp/harbor/backend/go/internal/v1/content"
	"github.com/harborapp/harbor/backend/go/internal/v1/notify"
	"github.com/harborapp/harbor/backend/go/internal/v1/registry"
	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// Announcement event name, pushed to every live connection.
const EventAnnouncement = "Announcement"

// Service fans server-initiated events into the hub fabric.
type Service struct {
	reg     *registry.Registry
	groups  *registry.GroupRouter
	content *content.Hub
	notify  *notify.Hub
}

func NewService(reg *registry.Registry, groups *registry.GroupRouter, contentHub *content.Hub, notifyHub *notify.Hub) *Service {
	return &Service{reg: reg, groups: groups, content: contentHub, notify: notifyHub}
}

// SendNotificationToUser persists and delivers a notification.
func (p *Service) SendNotificationToUser(ctx context.Context, n *types.Notification) {
	p.notify.Deliver(ctx, n)
}

// BroadcastFeedEvent routes a marketplace event through the content routing
// table.
func (p *Service) BroadcastFeedEvent(ctx context.Context, ev *types.FeedEvent) {
	p.content.Route(ctx, ev)
}

// BroadcastAnnouncement pushes a server announcement to every connection.
func (p *Service) BroadcastAnnouncement(_ context.Context, title, message string) {
	p.groups.BroadcastAll(EventAnnouncement, title, message, time.Now().UTC())
}

// BroadcastProfileUpdate refreshes a user's cached snapshot everywhere.
func (p *Service) BroadcastProfileUpdate(_ context.Context, snap types.UserSnapshot) {
	p.reg.SetSnapshot(snap)
	if current, ok := p.reg.Snapshot(snap.ID); ok {
		p.groups.BroadcastAll("UserProfileUpdated", current)
	}
}

// --- HTTP ingress ---

// notificationRequest is the POST body of /internal/v1/notify.
type notificationRequest struct {
	RecipientID string `json:"recipientId" binding:"required"`
	Type        string `json:"type" binding:"required"`
	Title       string `json:"title" binding:"required"`
	Message     string `json:"message"`
	Icon        string `json:"icon"`
	ActionURL   string `json:"actionUrl"`
}

// announcementRequest is the POST body of /internal/v1/announce.
type announcementRequest struct {
	Title   string `json:"title" binding:"required"`
	Message string `json:"message" binding:"required"`
}

// RegisterRoutes mounts the internal ingress endpoints. These sit behind the
// deployment's network policy, not end-user auth.
func (p *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/internal/v1/notify", p.postNotification)
	r.POST("/internal/v1/feed", p.postFeedEvent)
	r.POST("/internal/v1/announce", p.postAnnouncement)
}

func (p *Service) postNotification(c *gin.Context) {
	var req notificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n := &types.Notification{
		ID:          uuid.NewString(),
		RecipientID: types.UserID(req.RecipientID),
		Type:        req.Type,
		Title:       req.Title,
		Message:     req.Message,
		Icon:        req.Icon,
		ActionURL:   req.ActionURL,
		CreatedAt:   time.Now().UTC(),
	}
	p.SendNotificationToUser(c.Request.Context(), n)
	c.JSON(http.StatusAccepted, gin.H{"id": n.ID})
}

func (p *Service) postFeedEvent(c *gin.Context) {
	var ev types.FeedEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(string(ev.Type)) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
		return
	}
	p.BroadcastFeedEvent(c.Request.Context(), &ev)
	c.JSON(http.StatusAccepted, gin.H{"routed": true})
}

func (p *Service) postAnnouncement(c *gin.Context) {
	var req announcementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p.BroadcastAnnouncement(c.Request.Context(), req.Title, req.Message)
	c.JSON(http.StatusAccepted, gin.H{"delivered": true})
}
