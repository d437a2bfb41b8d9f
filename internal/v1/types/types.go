// Package types holds the core identifiers, DTOs, and collaborator
// interfaces shared by every hub. Hubs hold ids, not pointers; lookups go
// through the registry.
package types

import (
	"context"
	"errors"
	"time"
)

// --- Core Domain Types ---

// ConnectionID identifies a single live transport session.
type ConnectionID string

// UserID identifies an authenticated account. Opaque to the hub fabric.
type UserID string

// GroupName is a named fan-out set managed by the group router.
type GroupName string

// RoleType defines the permission level cached on a user snapshot.
type RoleType string

const (
	RoleAdmin     RoleType = "admin"
	RoleModerator RoleType = "moderator"
	RoleMember    RoleType = "member"
	RoleGuest     RoleType = "guest"
)

// CanModerate reports whether the role may perform disruptive moderation
// (kick, ban, disconnect-other, move-other).
func (r RoleType) CanModerate() bool {
	return r == RoleAdmin || r == RoleModerator
}

// PresenceStatus is the single authoritative status enum.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// --- Group name constructors ---

const (
	GroupGeneral    GroupName = "general"
	GroupGlobalFeed GroupName = "global_feed"
)

func ChannelGroup(channel string) GroupName      { return GroupName("channel_" + channel) }
func VoiceGroup(channelID string) GroupName      { return GroupName("voice_" + channelID) }
func RoomGroup(roomID string) GroupName          { return GroupName("room_" + roomID) }
func UserGroup(id UserID) GroupName              { return GroupName("user_" + string(id)) }
func AuctionGroup(auctionID string) GroupName    { return GroupName("auction_" + auctionID) }
func FollowingGroup(id UserID) GroupName         { return GroupName("following_" + string(id)) }
func NotificationsGroup(id UserID) GroupName     { return GroupName("notifications_" + string(id)) }
func GroupCallGroup(callID string) GroupName     { return GroupName("groupcall_" + callID) }
func CategoryGroup(category string) GroupName    { return GroupName("category_" + category) }
func GroupChatGroup(groupChatID string) GroupName { return GroupName("group_" + groupChatID) }

// --- Users ---

// User is the account entity owned by the auth collaborator.
type User struct {
	ID            UserID    `json:"id"`
	Username      string    `json:"username"`
	Email         string    `json:"email,omitempty"`
	Role          RoleType  `json:"role"`
	Rank          int       `json:"rank"`
	AvatarURL     string    `json:"avatarUrl,omitempty"`
	BannerURL     string    `json:"bannerUrl,omitempty"`
	StatusMessage string    `json:"statusMessage,omitempty"`
	AccentColor   string    `json:"accentColor,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// UserSnapshot is the cached, non-authoritative projection of a user's
// profile held by the presence table and rebroadcast on profile edits.
type UserSnapshot struct {
	ID            UserID         `json:"id"`
	Username      string         `json:"username"`
	Role          RoleType       `json:"role"`
	Rank          int            `json:"rank"`
	AvatarURL     string         `json:"avatarUrl,omitempty"`
	BannerURL     string         `json:"bannerUrl,omitempty"`
	StatusMessage string         `json:"statusMessage,omitempty"`
	AccentColor   string         `json:"accentColor,omitempty"`
	Status        PresenceStatus `json:"status"`
	LastUpdated   time.Time      `json:"lastUpdated"`
}

// SnapshotOf projects a user entity into a snapshot.
func SnapshotOf(u *User) UserSnapshot {
	return UserSnapshot{
		ID:            u.ID,
		Username:      u.Username,
		Role:          u.Role,
		Rank:          u.Rank,
		AvatarURL:     u.AvatarURL,
		BannerURL:     u.BannerURL,
		StatusMessage: u.StatusMessage,
		AccentColor:   u.AccentColor,
		Status:        PresenceOnline,
		LastUpdated:   time.Now().UTC(),
	}
}

// ProfilePatch is a partial profile update applied to the caller's snapshot.
type ProfilePatch struct {
	Username      *string `json:"username,omitempty"`
	AvatarURL     *string `json:"avatarUrl,omitempty"`
	BannerURL     *string `json:"bannerUrl,omitempty"`
	StatusMessage *string `json:"statusMessage,omitempty"`
	AccentColor   *string `json:"accentColor,omitempty"`
}

// --- Chat ---

type MessageType string

const (
	MessageText         MessageType = "text"
	MessageJoin         MessageType = "join"
	MessageLeave        MessageType = "leave"
	MessageAnnouncement MessageType = "announcement"
	MessageSystem       MessageType = "system"
)

type Attachment struct {
	ID          string `json:"id"`
	FileName    string `json:"fileName"`
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Reaction aggregates one emoji on one message.
type Reaction struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	UserIDs []UserID `json:"userIds"`
}

type ChatMessage struct {
	ID          string               `json:"id"`
	Channel     string               `json:"channel"`
	SenderID    UserID               `json:"senderId,omitempty"` // empty for system messages
	SenderName  string               `json:"senderName,omitempty"`
	Content     string               `json:"content"`
	Type        MessageType          `json:"type"`
	Timestamp   time.Time            `json:"timestamp"`
	EditedAt    *time.Time           `json:"editedAt,omitempty"`
	Attachments []Attachment         `json:"attachments,omitempty"`
	Reactions   map[string]*Reaction `json:"reactions,omitempty"`
}

// ChannelInfo describes a chat channel visible to some minimum role.
type ChannelInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	MinimumRole RoleType `json:"minimumRole"`
}

// --- Friendships & DMs ---

type FriendshipStatus string

const (
	FriendshipPending   FriendshipStatus = "pending"
	FriendshipAccepted  FriendshipStatus = "accepted"
	FriendshipDeclined  FriendshipStatus = "declined"
	FriendshipBlocked   FriendshipStatus = "blocked"
	FriendshipCancelled FriendshipStatus = "cancelled"
)

// Terminal reports whether the status ends the friendship lifecycle for the
// purpose of the at-most-one-per-pair invariant.
func (s FriendshipStatus) Terminal() bool {
	return s == FriendshipDeclined || s == FriendshipCancelled
}

type Friendship struct {
	ID          string           `json:"id"`
	RequesterID UserID           `json:"requesterId"`
	AddresseeID UserID           `json:"addresseeId"`
	Status      FriendshipStatus `json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
	RespondedAt *time.Time       `json:"respondedAt,omitempty"`
	BlockReason string           `json:"-"` // never sent to the blocked side
}

// Other returns the counter-party of the friendship from u's point of view.
func (f *Friendship) Other(u UserID) UserID {
	if f.RequesterID == u {
		return f.AddresseeID
	}
	return f.RequesterID
}

type DirectMessage struct {
	ID          string     `json:"id"`
	SenderID    UserID     `json:"senderId"`
	RecipientID UserID     `json:"recipientId"`
	Content     string     `json:"content"`
	Timestamp   time.Time  `json:"timestamp"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
}

type Conversation struct {
	PartnerID     UserID         `json:"partnerId"`
	PartnerName   string         `json:"partnerName"`
	PartnerAvatar string         `json:"partnerAvatar,omitempty"`
	LastMessage   *DirectMessage `json:"lastMessage,omitempty"`
	UnreadCount   int            `json:"unreadCount"`
}

// UserSearchResult annotates a search hit with the caller's relationship.
type UserSearchResult struct {
	UserSnapshot
	IsFriend bool `json:"isFriend"`
}

// --- Notifications ---

type Notification struct {
	ID          string     `json:"id"`
	RecipientID UserID     `json:"recipientId"`
	Type        string     `json:"type"`
	Title       string     `json:"title"`
	Message     string     `json:"message"`
	Icon        string     `json:"icon,omitempty"`
	ActionURL   string     `json:"actionUrl,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
}

// --- Voice ---

type VoiceParticipant struct {
	ConnectionID  ConnectionID `json:"connectionId"`
	UserID        UserID       `json:"userId"`
	Username      string       `json:"username"`
	AvatarURL     string       `json:"avatarUrl,omitempty"`
	Muted         bool         `json:"muted"`
	Deafened      bool         `json:"deafened"`
	Speaking      bool         `json:"speaking"`
	AudioLevel    float64      `json:"audioLevel"`
	ScreenSharing bool         `json:"screenSharing"`
}

// StreamQuality labels a screen-share quality a viewer may request.
type StreamQuality string

const (
	Quality480p    StreamQuality = "480p"
	Quality720p    StreamQuality = "720p"
	Quality720p60  StreamQuality = "720p60"
	Quality1080p   StreamQuality = "1080p"
	Quality1080p60 StreamQuality = "1080p60"
	Quality1440p   StreamQuality = "1440p"
	Quality1440p60 StreamQuality = "1440p60"
	Quality4K      StreamQuality = "4K"
)

// Valid reports whether q is one of the negotiable quality labels.
func (q StreamQuality) Valid() bool {
	switch q {
	case Quality480p, Quality720p, Quality720p60, Quality1080p,
		Quality1080p60, Quality1440p, Quality1440p60, Quality4K:
		return true
	}
	return false
}

type ScreenShareInfo struct {
	SharerConnectionID ConnectionID  `json:"sharerConnectionId"`
	Username           string        `json:"username"`
	ChannelID          string        `json:"channelId"`
	StartedAt          time.Time     `json:"startedAt"`
	Width              int           `json:"width"`
	Height             int           `json:"height"`
	ViewerCount        int           `json:"viewerCount"`
	Quality            StreamQuality `json:"quality"`
	FramesSent         int64         `json:"framesSent"`
	FramesDropped      int64         `json:"framesDropped"`
	BytesSent          int64         `json:"bytesSent"`
}

type VoiceRoomParticipant struct {
	UserID       UserID       `json:"userId"`
	Username     string       `json:"username"`
	AvatarURL    string       `json:"avatarUrl,omitempty"`
	ConnectionID ConnectionID `json:"connectionId"`
	IsHost       bool         `json:"isHost"`
	IsModerator  bool         `json:"isModerator"`
	JoinedAt     time.Time    `json:"joinedAt"`
}

type VoiceRoomInfo struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Description      string                 `json:"description,omitempty"`
	HostID           UserID                 `json:"hostId"`
	IsPublic         bool                   `json:"isPublic"`
	HasPassword      bool                   `json:"hasPassword"`
	MaxParticipants  int                    `json:"maxParticipants"`
	Category         string                 `json:"category,omitempty"`
	AllowScreenShare bool                   `json:"allowScreenShare"`
	CreatedAt        time.Time              `json:"createdAt"`
	IsActive         bool                   `json:"isActive"`
	Participants     []VoiceRoomParticipant `json:"participants"`
	ParticipantCount int                    `json:"participantCount"`
}

// --- Calls ---

type CallStatus string

const (
	CallRinging    CallStatus = "ringing"
	CallAccepted   CallStatus = "accepted"
	CallDeclined   CallStatus = "declined"
	CallInProgress CallStatus = "in_progress"
	CallEnded      CallStatus = "ended"
	CallMissed     CallStatus = "missed"
)

// Terminal reports whether the call no longer counts against the
// one-active-call-per-user invariant.
func (s CallStatus) Terminal() bool {
	return s == CallEnded || s == CallDeclined || s == CallMissed
}

type CallInfo struct {
	ID            string     `json:"id"`
	CallerID      UserID     `json:"callerId"`
	CallerName    string     `json:"callerName"`
	RecipientID   UserID     `json:"recipientId"`
	RecipientName string     `json:"recipientName"`
	Status        CallStatus `json:"status"`
	StartedAt     time.Time  `json:"startedAt"`
	AnsweredAt    *time.Time `json:"answeredAt,omitempty"`
	Duration      float64    `json:"duration,omitempty"` // seconds, set on end
}

type GroupCallStatus string

const (
	GroupCallStarting GroupCallStatus = "starting"
	GroupCallActive   GroupCallStatus = "active"
	GroupCallEnded    GroupCallStatus = "ended"
)

type GroupCallParticipant struct {
	UserID       UserID       `json:"userId"`
	Username     string       `json:"username"`
	AvatarURL    string       `json:"avatarUrl,omitempty"`
	ConnectionID ConnectionID `json:"connectionId"`
	Speaking     bool         `json:"speaking"`
	AudioLevel   float64      `json:"audioLevel"`
	Muted        bool         `json:"muted"`
	Deafened     bool         `json:"deafened"`
}

type GroupCallInfo struct {
	ID           string                 `json:"id"`
	HostID       UserID                 `json:"hostId"`
	Name         string                 `json:"name"`
	Status       GroupCallStatus        `json:"status"`
	Participants []GroupCallParticipant `json:"participants"`
	StartedAt    time.Time              `json:"startedAt"`
}

// --- Content feed ---

type FeedEventType string

const (
	FeedNewPost        FeedEventType = "new_post"
	FeedNewProduct     FeedEventType = "new_product"
	FeedAuctionBid     FeedEventType = "auction_bid"
	FeedAuctionEnding  FeedEventType = "auction_ending"
	FeedPostUpdate     FeedEventType = "post_update"
	FeedImageUpload    FeedEventType = "image_upload"
	FeedReaction       FeedEventType = "reaction"
	FeedComment        FeedEventType = "comment"
	FeedPresenceUpdate FeedEventType = "presence_update"
	FeedPriceDrop      FeedEventType = "price_drop"
	FeedItem           FeedEventType = "feed_item"
)

// FeedEvent is the routed payload for every content-hub broadcast.
type FeedEvent struct {
	Type      FeedEventType `json:"type"`
	AuthorID  UserID        `json:"authorId,omitempty"`
	OwnerID   UserID        `json:"ownerId,omitempty"` // auction/product owner
	AuctionID string        `json:"auctionId,omitempty"`
	ProductID string        `json:"productId,omitempty"`
	Category  string        `json:"category,omitempty"`
	Title     string        `json:"title,omitempty"`
	Body      string        `json:"body,omitempty"`
	ImageURL  string        `json:"imageUrl,omitempty"`
	Amount    float64       `json:"amount,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

type ContentSubscription struct {
	UserID           UserID   `json:"userId"`
	AllPublicPosts   bool     `json:"allPublicPosts"`
	AuctionUpdates   bool     `json:"auctionUpdates"`
	PriceDrops       bool     `json:"priceDrops"`
	FollowedUserIDs  []UserID `json:"followedUserIds"`
	WatchedAuctions  []string `json:"watchedAuctions"`
	Categories       []string `json:"categories"`
}

// --- Collaborator errors ---

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
)

// --- Collaborator interfaces ---

// AuthService validates opaque bearer tokens and resolves users. Token
// validation and user lookup are external concerns; the hub fabric only
// consumes this interface.
type AuthService interface {
	ValidateToken(ctx context.Context, token string) (*User, error)
	GetUserByID(ctx context.Context, id UserID) (*User, error)
	// SetOnlineStatus is advisory; failures are logged, never surfaced.
	SetOnlineStatus(ctx context.Context, id UserID, online bool) error
}

// ChatRepository persists channel messages. Calls are idempotent from the
// hub's view.
type ChatRepository interface {
	SaveMessage(ctx context.Context, msg *ChatMessage) error
	GetMessage(ctx context.Context, id string) (*ChatMessage, error)
	UpdateMessage(ctx context.Context, msg *ChatMessage) error
	DeleteMessage(ctx context.Context, id string) error
	History(ctx context.Context, channel string, limit int) ([]*ChatMessage, error)
}

// FriendRepository persists friendships, blocks, and direct messages.
type FriendRepository interface {
	CreateFriendship(ctx context.Context, f *Friendship) error
	GetFriendship(ctx context.Context, id string) (*Friendship, error)
	// FindBetween returns the non-terminal friendship for the unordered pair,
	// or ErrNotFound.
	FindBetween(ctx context.Context, a, b UserID) (*Friendship, error)
	UpdateFriendship(ctx context.Context, f *Friendship) error
	DeleteFriendship(ctx context.Context, id string) error
	FriendsOf(ctx context.Context, u UserID) ([]*Friendship, error)
	PendingFor(ctx context.Context, u UserID) ([]*Friendship, error)
	OutgoingFrom(ctx context.Context, u UserID) ([]*Friendship, error)
	BlocksOf(ctx context.Context, u UserID) ([]*Friendship, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]*User, error)

	SaveDirectMessage(ctx context.Context, m *DirectMessage) error
	ConversationHistory(ctx context.Context, a, b UserID, limit int) ([]*DirectMessage, error)
	// MarkConversationRead marks partner->u messages read; returns how many.
	MarkConversationRead(ctx context.Context, u, partner UserID) (int, error)
	ConversationsOf(ctx context.Context, u UserID) ([]*Conversation, error)
}

// NotificationRepository persists per-user notifications.
type NotificationRepository interface {
	SaveNotification(ctx context.Context, n *Notification) error
	Notifications(ctx context.Context, u UserID, unreadOnly bool, page, pageSize int) ([]*Notification, error)
	MarkRead(ctx context.Context, u UserID, id string) error
	MarkAllRead(ctx context.Context, u UserID) (int, error)
	DeleteNotification(ctx context.Context, u UserID, id string) error
	UnreadCount(ctx context.Context, u UserID) (int, error)
}

// CatalogRepository resolves marketplace entities referenced by feed events.
type CatalogRepository interface {
	AuctionOwner(ctx context.Context, auctionID string) (UserID, error)
	ProductCategory(ctx context.Context, productID string) (string, error)
}

// --- Transport-facing interface ---

// Sender is the behaviour hubs need from a live connection. Implemented by
// transport.Client; tests substitute fakes.
type Sender interface {
	ID() ConnectionID
	User() UserID // empty until authenticated

	// Send pushes an ordinary event. Overflow drops the frame with a log.
	Send(name string, args ...any)
	// SendCritical pushes an event that must never be dropped; a full queue
	// disconnects the slow consumer instead.
	SendCritical(name string, args ...any)
	// SendMediaRaw pushes a pre-marshalled media frame; reports admission.
	SendMediaRaw(data []byte) bool
	// SendRaw pushes a pre-marshalled ordinary event (fan-out fast path).
	SendRaw(data []byte)
	// SendCriticalRaw pushes a pre-marshalled critical event.
	SendCriticalRaw(data []byte)

	// Kick closes the connection after flushing queued frames.
	Kick(reason string)
}
