// Package store is the in-memory reference implementation of the repository
// collaborators. State is ephemeral by design: the hub fabric owns no
// durable data and clients re-sync on reconnect. A durable deployment swaps
// this package behind the same interfaces.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// Memory implements every repository interface plus auth.UserDirectory.
type Memory struct {
	mu sync.RWMutex

	users map[types.UserID]*types.User

	messages  map[string]*types.ChatMessage
	byChannel map[string][]string // channel -> message ids, send order

	friendships map[string]*types.Friendship

	dms map[string][]*types.DirectMessage // pairKey -> messages, send order

	notifications map[types.UserID][]*types.Notification

	auctionOwners     map[string]types.UserID
	productCategories map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		users:             make(map[types.UserID]*types.User),
		messages:          make(map[string]*types.ChatMessage),
		byChannel:         make(map[string][]string),
		friendships:       make(map[string]*types.Friendship),
		dms:               make(map[string][]*types.DirectMessage),
		notifications:     make(map[types.UserID][]*types.Notification),
		auctionOwners:     make(map[string]types.UserID),
		productCategories: make(map[string]string),
	}
}

func pairKey(a, b types.UserID) string {
	if a > b {
		a, b = b, a
	}
	return string(a) + "|" + string(b)
}

// --- auth.UserDirectory ---

func (m *Memory) UserByID(_ context.Context, id types.UserID) (*types.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) EnsureUser(_ context.Context, u *types.User) (*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.users[u.ID]
	if !ok {
		cp := *u
		cp.CreatedAt = time.Now().UTC()
		m.users[u.ID] = &cp
		out := cp
		return &out, nil
	}
	// Claims refresh the mutable projection fields.
	if u.Username != "" {
		existing.Username = u.Username
	}
	if u.Email != "" {
		existing.Email = u.Email
	}
	if u.Role != "" {
		existing.Role = u.Role
	}
	out := *existing
	return &out, nil
}

func (m *Memory) SetOnline(context.Context, types.UserID, bool) error {
	return nil // presence is derived in-process; nothing durable to record
}

// SaveUser upserts a full user record (seeding, profile edits).
func (m *Memory) SaveUser(_ context.Context, u *types.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

// --- types.ChatRepository ---

func (m *Memory) SaveMessage(_ context.Context, msg *types.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneMessage(msg)
	m.messages[msg.ID] = cp
	m.byChannel[msg.Channel] = append(m.byChannel[msg.Channel], msg.ID)
	return nil
}

func (m *Memory) GetMessage(_ context.Context, id string) (*types.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return cloneMessage(msg), nil
}

func (m *Memory) UpdateMessage(_ context.Context, msg *types.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; !ok {
		return types.ErrNotFound
	}
	m.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (m *Memory) DeleteMessage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil // idempotent
	}
	delete(m.messages, id)
	ids := m.byChannel[msg.Channel]
	for i, mid := range ids {
		if mid == id {
			m.byChannel[msg.Channel] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) History(_ context.Context, channel string, limit int) ([]*types.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byChannel[channel]
	start := 0
	if limit > 0 && len(ids) > limit {
		start = len(ids) - limit
	}
	out := make([]*types.ChatMessage, 0, len(ids)-start)
	for _, id := range ids[start:] {
		if msg, ok := m.messages[id]; ok {
			out = append(out, cloneMessage(msg))
		}
	}
	return out, nil
}

func cloneMessage(msg *types.ChatMessage) *types.ChatMessage {
	cp := *msg
	if msg.Reactions != nil {
		cp.Reactions = make(map[string]*types.Reaction, len(msg.Reactions))
		for k, v := range msg.Reactions {
			rv := *v
			rv.UserIDs = append([]types.UserID(nil), v.UserIDs...)
			cp.Reactions[k] = &rv
		}
	}
	cp.Attachments = append([]types.Attachment(nil), msg.Attachments...)
	return &cp
}

// --- types.FriendRepository ---

func (m *Memory) CreateFriendship(_ context.Context, f *types.Friendship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.friendships {
		if samePair(existing, f) && !existing.Status.Terminal() {
			return types.ErrConflict
		}
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	cp := *f
	m.friendships[f.ID] = &cp
	return nil
}

func (m *Memory) GetFriendship(_ context.Context, id string) (*types.Friendship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.friendships[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *Memory) FindBetween(_ context.Context, a, b types.UserID) (*types.Friendship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.friendships {
		if (f.RequesterID == a && f.AddresseeID == b || f.RequesterID == b && f.AddresseeID == a) && !f.Status.Terminal() {
			cp := *f
			return &cp, nil
		}
	}
	return nil, types.ErrNotFound
}

func (m *Memory) UpdateFriendship(_ context.Context, f *types.Friendship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.friendships[f.ID]; !ok {
		return types.ErrNotFound
	}
	cp := *f
	m.friendships[f.ID] = &cp
	return nil
}

func (m *Memory) DeleteFriendship(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.friendships, id)
	return nil
}

func (m *Memory) FriendsOf(_ context.Context, u types.UserID) ([]*types.Friendship, error) {
	return m.filterFriendships(func(f *types.Friendship) bool {
		return f.Status == types.FriendshipAccepted && (f.RequesterID == u || f.AddresseeID == u)
	})
}

func (m *Memory) PendingFor(_ context.Context, u types.UserID) ([]*types.Friendship, error) {
	return m.filterFriendships(func(f *types.Friendship) bool {
		return f.Status == types.FriendshipPending && f.AddresseeID == u
	})
}

func (m *Memory) OutgoingFrom(_ context.Context, u types.UserID) ([]*types.Friendship, error) {
	return m.filterFriendships(func(f *types.Friendship) bool {
		return f.Status == types.FriendshipPending && f.RequesterID == u
	})
}

func (m *Memory) BlocksOf(_ context.Context, u types.UserID) ([]*types.Friendship, error) {
	return m.filterFriendships(func(f *types.Friendship) bool {
		return f.Status == types.FriendshipBlocked && f.RequesterID == u
	})
}

func (m *Memory) filterFriendships(keep func(*types.Friendship) bool) ([]*types.Friendship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Friendship
	for _, f := range m.friendships {
		if keep(f) {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func samePair(a, b *types.Friendship) bool {
	return a.RequesterID == b.RequesterID && a.AddresseeID == b.AddresseeID ||
		a.RequesterID == b.AddresseeID && a.AddresseeID == b.RequesterID
}

func (m *Memory) SearchUsers(_ context.Context, query string, limit int) ([]*types.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	var out []*types.User
	for _, u := range m.users {
		if string(u.ID) == query || strings.Contains(strings.ToLower(u.Username), q) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- DMs ---

func (m *Memory) SaveDirectMessage(_ context.Context, dm *types.DirectMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *dm
	key := pairKey(dm.SenderID, dm.RecipientID)
	m.dms[key] = append(m.dms[key], &cp)
	return nil
}

func (m *Memory) ConversationHistory(_ context.Context, a, b types.UserID, limit int) ([]*types.DirectMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.dms[pairKey(a, b)]
	start := 0
	if limit > 0 && len(msgs) > limit {
		start = len(msgs) - limit
	}
	out := make([]*types.DirectMessage, 0, len(msgs)-start)
	for _, dm := range msgs[start:] {
		cp := *dm
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) MarkConversationRead(_ context.Context, u, partner types.UserID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for _, dm := range m.dms[pairKey(u, partner)] {
		if dm.RecipientID == u && dm.ReadAt == nil {
			t := now
			dm.ReadAt = &t
			count++
		}
	}
	return count, nil
}

func (m *Memory) ConversationsOf(_ context.Context, u types.UserID) ([]*types.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Conversation
	for key, msgs := range m.dms {
		if len(msgs) == 0 || !strings.Contains(key, string(u)) {
			continue
		}
		last := msgs[len(msgs)-1]
		partner := last.SenderID
		if partner == u {
			partner = last.RecipientID
		}
		if partner == u {
			continue
		}
		unread := 0
		for _, dm := range msgs {
			if dm.RecipientID == u && dm.ReadAt == nil {
				unread++
			}
		}
		conv := &types.Conversation{PartnerID: partner, UnreadCount: unread}
		lastCp := *last
		conv.LastMessage = &lastCp
		if p, ok := m.users[partner]; ok {
			conv.PartnerName = p.Username
			conv.PartnerAvatar = p.AvatarURL
		}
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessage.Timestamp.After(out[j].LastMessage.Timestamp)
	})
	return out, nil
}

// --- types.NotificationRepository ---

func (m *Memory) SaveNotification(_ context.Context, n *types.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.notifications[n.RecipientID] = append(m.notifications[n.RecipientID], &cp)
	return nil
}

func (m *Memory) Notifications(_ context.Context, u types.UserID, unreadOnly bool, page, pageSize int) ([]*types.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	all := m.notifications[u]
	var filtered []*types.Notification
	for i := len(all) - 1; i >= 0; i-- { // newest first
		n := all[i]
		if unreadOnly && n.ReadAt != nil {
			continue
		}
		cp := *n
		filtered = append(filtered, &cp)
	}
	start := (page - 1) * pageSize
	if start >= len(filtered) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[start:end], nil
}

func (m *Memory) MarkRead(_ context.Context, u types.UserID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.notifications[u] {
		if n.ID == id {
			if n.ReadAt == nil {
				now := time.Now().UTC()
				n.ReadAt = &now
			}
			return nil
		}
	}
	return types.ErrNotFound
}

func (m *Memory) MarkAllRead(_ context.Context, u types.UserID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for _, n := range m.notifications[u] {
		if n.ReadAt == nil {
			t := now
			n.ReadAt = &t
			count++
		}
	}
	return count, nil
}

func (m *Memory) DeleteNotification(_ context.Context, u types.UserID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.notifications[u]
	for i, n := range list {
		if n.ID == id {
			m.notifications[u] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return types.ErrNotFound
}

func (m *Memory) UnreadCount(_ context.Context, u types.UserID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, n := range m.notifications[u] {
		if n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

// --- types.CatalogRepository ---

func (m *Memory) AuctionOwner(_ context.Context, auctionID string) (types.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.auctionOwners[auctionID]
	if !ok {
		return "", types.ErrNotFound
	}
	return owner, nil
}

func (m *Memory) ProductCategory(_ context.Context, productID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cat, ok := m.productCategories[productID]
	if !ok {
		return "", types.ErrNotFound
	}
	return cat, nil
}

// SeedAuction records an auction's owner for feed routing.
func (m *Memory) SeedAuction(auctionID string, owner types.UserID) {
	m.mu.Lock()
	m.auctionOwners[auctionID] = owner
	m.mu.Unlock()
}

// SeedProduct records a product's category for feed routing.
func (m *Memory) SeedProduct(productID, category string) {
	m.mu.Lock()
	m.productCategories[productID] = category
	m.mu.Unlock()
}
