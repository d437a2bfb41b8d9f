// Package content implements the content-feed hub: follows, auction
// watching, category subscriptions, and the routing table that fans
// marketplace events out to the interested groups.
package content

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harborapp/harbor/backend/go/internal/v1/logging"
	"github.com/harborapp/harbor/backend/go/internal/v1/protocol"
	"github.com/harborapp/harbor/backend/go/internal/v1/registry"
	"github.com/harborapp/harbor/backend/go/internal/v1/transport"
	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// Client -> server methods.
const (
	MethodFollowUser          = "FollowUser"
	MethodUnfollowUser        = "UnfollowUser"
	MethodWatchAuction        = "WatchAuction"
	MethodUnwatchAuction      = "UnwatchAuction"
	MethodSubscribeToCategory = "SubscribeToCategory"
	MethodUnsubscribeFromCategory = "UnsubscribeFromCategory"
	MethodUpdateSubscription  = "UpdateSubscription"
	MethodGetSubscription     = "GetSubscription"
)

// Server -> client events.
const (
	EventSubscriptionState = "SubscriptionState"
	EventFeedEvent         = "FeedEvent"
)

// Hub is the content hub. Subscriptions are per user and survive reconnects
// within a process lifetime; connections re-join the matching groups on
// authentication.
type Hub struct {
	reg     *registry.Registry
	groups  *registry.GroupRouter
	catalog types.CatalogRepository

	mu   sync.RWMutex
	subs map[types.UserID]*types.ContentSubscription
}

func NewHub(reg *registry.Registry, groups *registry.GroupRouter, catalog types.CatalogRepository) *Hub {
	return &Hub{
		reg:     reg,
		groups:  groups,
		catalog: catalog,
		subs:    make(map[types.UserID]*types.ContentSubscription),
	}
}

func (h *Hub) Name() string { return "content" }

func (h *Hub) RegisterMethods(r *transport.Router) {
	r.Handle(MethodFollowUser, h.handleFollowUser)
	r.Handle(MethodUnfollowUser, h.handleUnfollowUser)
	r.Handle(MethodWatchAuction, h.handleWatchAuction)
	r.Handle(MethodUnwatchAuction, h.handleUnwatchAuction)
	r.Handle(MethodSubscribeToCategory, h.handleSubscribeToCategory)
	r.Handle(MethodUnsubscribeFromCategory, h.handleUnsubscribeFromCategory)
	r.Handle(MethodUpdateSubscription, h.handleUpdateSubscription)
	r.Handle(MethodGetSubscription, h.handleGetSubscription)
}

// OnAuthenticated joins the global feed plus every group the user's stored
// subscription selects.
func (h *Hub) OnAuthenticated(_ context.Context, s types.Sender, user *types.User) {
	h.groups.Join(types.UserGroup(user.ID), s.ID())

	sub := h.subscription(user.ID)
	if sub.AllPublicPosts {
		h.groups.Join(types.GroupGlobalFeed, s.ID())
	}
	for _, followed := range sub.FollowedUserIDs {
		h.groups.Join(types.FollowingGroup(followed), s.ID())
	}
	for _, auctionID := range sub.WatchedAuctions {
		h.groups.Join(types.AuctionGroup(auctionID), s.ID())
	}
	for _, category := range sub.Categories {
		h.groups.Join(types.CategoryGroup(category), s.ID())
	}
	s.Send(EventSubscriptionState, sub)
}

func (h *Hub) OnDisconnect(context.Context, types.Sender, types.UserID) {}
func (h *Hub) OnUserOffline(context.Context, types.UserID)             {}

// subscription returns the user's stored subscription, defaulting to the
// public feed.
func (h *Hub) subscription(user types.UserID) types.ContentSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[user]
	if !ok {
		sub = &types.ContentSubscription{UserID: user, AllPublicPosts: true}
		h.subs[user] = sub
	}
	return *sub
}

func (h *Hub) mutateSubscription(user types.UserID, fn func(*types.ContentSubscription)) types.ContentSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[user]
	if !ok {
		sub = &types.ContentSubscription{UserID: user, AllPublicPosts: true}
		h.subs[user] = sub
	}
	fn(sub)
	return *sub
}

// --- subscription methods ---

func (h *Hub) handleFollowUser(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	var target types.UserID
	if err := inv.Arg(0, &target); err != nil || target == "" || target == s.User() {
		return
	}
	sub := h.mutateSubscription(s.User(), func(sub *types.ContentSubscription) {
		for _, id := range sub.FollowedUserIDs {
			if id == target {
				return
			}
		}
		sub.FollowedUserIDs = append(sub.FollowedUserIDs, target)
	})
	h.joinAllConnections(s.User(), types.FollowingGroup(target))
	s.Send(EventSubscriptionState, sub)
}

func (h *Hub) handleUnfollowUser(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	var target types.UserID
	if err := inv.Arg(0, &target); err != nil || target == "" {
		return
	}
	sub := h.mutateSubscription(s.User(), func(sub *types.ContentSubscription) {
		sub.FollowedUserIDs = removeUserID(sub.FollowedUserIDs, target)
	})
	h.leaveAllConnections(s.User(), types.FollowingGroup(target))
	s.Send(EventSubscriptionState, sub)
}

func (h *Hub) handleWatchAuction(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	auctionID, err := inv.StringArg(0)
	if err != nil || auctionID == "" {
		return
	}
	sub := h.mutateSubscription(s.User(), func(sub *types.ContentSubscription) {
		for _, id := range sub.WatchedAuctions {
			if id == auctionID {
				return
			}
		}
		sub.WatchedAuctions = append(sub.WatchedAuctions, auctionID)
	})
	h.joinAllConnections(s.User(), types.AuctionGroup(auctionID))
	s.Send(EventSubscriptionState, sub)
}

func (h *Hub) handleUnwatchAuction(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	auctionID, err := inv.StringArg(0)
	if err != nil || auctionID == "" {
		return
	}
	sub := h.mutateSubscription(s.User(), func(sub *types.ContentSubscription) {
		sub.WatchedAuctions = removeString(sub.WatchedAuctions, auctionID)
	})
	h.leaveAllConnections(s.User(), types.AuctionGroup(auctionID))
	s.Send(EventSubscriptionState, sub)
}

func (h *Hub) handleSubscribeToCategory(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	category, err := inv.StringArg(0)
	if err != nil {
		return
	}
	category = strings.ToLower(strings.TrimSpace(category))
	if category == "" {
		return
	}
	sub := h.mutateSubscription(s.User(), func(sub *types.ContentSubscription) {
		for _, c := range sub.Categories {
			if c == category {
				return
			}
		}
		sub.Categories = append(sub.Categories, category)
	})
	h.joinAllConnections(s.User(), types.CategoryGroup(category))
	s.Send(EventSubscriptionState, sub)
}

func (h *Hub) handleUnsubscribeFromCategory(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	category, err := inv.StringArg(0)
	if err != nil {
		return
	}
	category = strings.ToLower(strings.TrimSpace(category))
	sub := h.mutateSubscription(s.User(), func(sub *types.ContentSubscription) {
		sub.Categories = removeString(sub.Categories, category)
	})
	h.leaveAllConnections(s.User(), types.CategoryGroup(category))
	s.Send(EventSubscriptionState, sub)
}

// handleUpdateSubscription replaces the whole subscription in one call and
// reconciles group memberships to match.
func (h *Hub) handleUpdateSubscription(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	var next types.ContentSubscription
	if err := inv.Arg(0, &next); err != nil {
		return
	}
	next.UserID = s.User()

	prev := h.subscription(s.User())
	h.mu.Lock()
	cp := next
	h.subs[s.User()] = &cp
	h.mu.Unlock()

	h.reconcile(s.User(), prev, next)
	s.Send(EventSubscriptionState, next)
}

func (h *Hub) handleGetSubscription(_ context.Context, s types.Sender, _ *protocol.Invocation) {
	s.Send(EventSubscriptionState, h.subscription(s.User()))
}

// reconcile moves every live connection of the user between groups so
// membership matches the new subscription.
func (h *Hub) reconcile(user types.UserID, prev, next types.ContentSubscription) {
	if prev.AllPublicPosts != next.AllPublicPosts {
		if next.AllPublicPosts {
			h.joinAllConnections(user, types.GroupGlobalFeed)
		} else {
			h.leaveAllConnections(user, types.GroupGlobalFeed)
		}
	}
	syncGroups(h, user, userGroups(prev.FollowedUserIDs), userGroups(next.FollowedUserIDs))
	syncGroups(h, user, auctionGroups(prev.WatchedAuctions), auctionGroups(next.WatchedAuctions))
	syncGroups(h, user, categoryGroups(prev.Categories), categoryGroups(next.Categories))
}

func syncGroups(h *Hub, user types.UserID, prev, next map[types.GroupName]bool) {
	for g := range prev {
		if !next[g] {
			h.leaveAllConnections(user, g)
		}
	}
	for g := range next {
		if !prev[g] {
			h.joinAllConnections(user, g)
		}
	}
}

func userGroups(ids []types.UserID) map[types.GroupName]bool {
	out := make(map[types.GroupName]bool, len(ids))
	for _, id := range ids {
		out[types.FollowingGroup(id)] = true
	}
	return out
}

func auctionGroups(ids []string) map[types.GroupName]bool {
	out := make(map[types.GroupName]bool, len(ids))
	for _, id := range ids {
		out[types.AuctionGroup(id)] = true
	}
	return out
}

func categoryGroups(cats []string) map[types.GroupName]bool {
	out := make(map[types.GroupName]bool, len(cats))
	for _, c := range cats {
		out[types.CategoryGroup(c)] = true
	}
	return out
}

func (h *Hub) joinAllConnections(user types.UserID, g types.GroupName) {
	for _, sender := range h.reg.SendersOf(user) {
		h.groups.Join(g, sender.ID())
	}
}

func (h *Hub) leaveAllConnections(user types.UserID, g types.GroupName) {
	for _, sender := range h.reg.SendersOf(user) {
		h.groups.Leave(g, sender.ID())
	}
}

func removeUserID(ids []types.UserID, target types.UserID) []types.UserID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// --- routing table ---

// Route fans a feed event out to the groups its type selects. Duplicate
// delivery to a connection in several matching groups is suppressed.
func (h *Hub) Route(ctx context.Context, ev *types.FeedEvent) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	var targets []types.GroupName
	switch ev.Type {
	case types.FeedNewPost, types.FeedPostUpdate, types.FeedImageUpload,
		types.FeedReaction, types.FeedComment:
		targets = append(targets, types.GroupGlobalFeed)
		if ev.AuthorID != "" {
			targets = append(targets, types.FollowingGroup(ev.AuthorID))
		}
		if ev.Category != "" {
			targets = append(targets, types.CategoryGroup(ev.Category))
		}
	case types.FeedNewProduct:
		targets = append(targets, types.GroupGlobalFeed)
		if ev.Category == "" && ev.ProductID != "" {
			if cat, err := h.catalog.ProductCategory(ctx, ev.ProductID); err == nil {
				ev.Category = cat
			}
		}
		if ev.Category != "" {
			targets = append(targets, types.CategoryGroup(ev.Category))
		}
		if ev.AuthorID != "" {
			targets = append(targets, types.FollowingGroup(ev.AuthorID))
		}
	case types.FeedAuctionBid, types.FeedAuctionEnding:
		if ev.AuctionID != "" {
			targets = append(targets, types.AuctionGroup(ev.AuctionID))
			if ev.OwnerID == "" {
				if owner, err := h.catalog.AuctionOwner(ctx, ev.AuctionID); err == nil {
					ev.OwnerID = owner
				}
			}
		}
		if ev.OwnerID != "" {
			targets = append(targets, types.UserGroup(ev.OwnerID))
		}
		targets = append(targets, types.GroupGlobalFeed)
	case types.FeedPriceDrop:
		if ev.Category != "" {
			targets = append(targets, types.CategoryGroup(ev.Category))
		}
		targets = append(targets, types.GroupGlobalFeed)
	case types.FeedPresenceUpdate, types.FeedItem:
		targets = append(targets, types.GroupGlobalFeed)
	default:
		logging.Warn(ctx, "unroutable feed event", zap.String("type", string(ev.Type)))
		return
	}

	data := protocol.MustEncodeEvent(EventFeedEvent, ev)
	seen := make(map[types.ConnectionID]bool)
	for _, g := range targets {
		for _, s := range h.groups.Senders(g) {
			if seen[s.ID()] {
				continue
			}
			seen[s.ID()] = true
			s.SendRaw(data)
		}
	}
}
