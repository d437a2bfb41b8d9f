package content

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborapp/harbor/backend/go/internal/v1/protocol"
	"github.com/harborapp/harbor/backend/go/internal/v1/registry"
	"github.com/harborapp/harbor/backend/go/internal/v1/store"
	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

type fakeSender struct {
	id   types.ConnectionID
	user types.UserID

	mu     sync.Mutex
	events []protocol.Event
}

func (f *fakeSender) ID() types.ConnectionID { return f.id }
func (f *fakeSender) User() types.UserID     { return f.user }

func (f *fakeSender) Send(name string, args ...any) {
	f.SendRaw(protocol.MustEncodeEvent(name, args...))
}
func (f *fakeSender) SendCritical(name string, args ...any) {
	f.SendRaw(protocol.MustEncodeEvent(name, args...))
}
func (f *fakeSender) SendRaw(data []byte) {
	var ev protocol.Event
	_ = json.Unmarshal(data, &ev)
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}
func (f *fakeSender) SendCriticalRaw(data []byte) { f.SendRaw(data) }
func (f *fakeSender) SendMediaRaw([]byte) bool    { return true }
func (f *fakeSender) Kick(string)                 {}

func (f *fakeSender) feedEvents() []types.FeedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.FeedEvent
	for _, ev := range f.events {
		if ev.Name != EventFeedEvent || len(ev.Args) == 0 {
			continue
		}
		data, err := json.Marshal(ev.Args[0])
		if err != nil {
			continue
		}
		var fe types.FeedEvent
		if json.Unmarshal(data, &fe) == nil {
			out = append(out, fe)
		}
	}
	return out
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	f.events = nil
	f.mu.Unlock()
}

func inv(t *testing.T, method string, args ...any) *protocol.Invocation {
	t.Helper()
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		data, err := json.Marshal(a)
		require.NoError(t, err)
		raw = append(raw, data)
	}
	return &protocol.Invocation{Method: method, Args: raw}
}

type fixture struct {
	hub    *Hub
	reg    *registry.Registry
	groups *registry.GroupRouter
	mem    *store.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New()
	groups := registry.NewGroupRouter(reg)
	mem := store.NewMemory()
	return &fixture{hub: NewHub(reg, groups, mem), reg: reg, groups: groups, mem: mem}
}

func (fx *fixture) connect(t *testing.T, conn, user string) *fakeSender {
	t.Helper()
	s := &fakeSender{id: types.ConnectionID(conn), user: types.UserID(user)}
	fx.reg.Add(s)
	u := &types.User{ID: types.UserID(user), Username: user}
	_, err := fx.reg.Bind(s.ID(), u)
	require.NoError(t, err)
	fx.hub.OnAuthenticated(context.Background(), s, u)
	return s
}

func TestHub_DefaultSubscriptionIsGlobalFeed(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")

	assert.True(t, fx.groups.Contains(types.GroupGlobalFeed, alice.ID()))

	fx.hub.Route(context.Background(), &types.FeedEvent{Type: types.FeedNewPost, AuthorID: "bob"})
	assert.Len(t, alice.feedEvents(), 1)
}

func TestHub_FollowRoutesAuthorEvents(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")

	// Opt out of the public firehose, follow one author.
	fx.hub.handleUpdateSubscription(context.Background(), alice,
		inv(t, MethodUpdateSubscription, types.ContentSubscription{
			AllPublicPosts:  false,
			FollowedUserIDs: []types.UserID{"bob"},
		}))
	alice.reset()

	fx.hub.Route(context.Background(), &types.FeedEvent{Type: types.FeedNewPost, AuthorID: "bob"})
	fx.hub.Route(context.Background(), &types.FeedEvent{Type: types.FeedNewPost, AuthorID: "carol"})

	events := alice.feedEvents()
	require.Len(t, events, 1, "only the followed author's post arrives")
	assert.Equal(t, types.UserID("bob"), events[0].AuthorID)
}

func TestHub_DuplicateDeliverySuppressed(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")

	// Global feed and following both match the same event.
	fx.hub.handleFollowUser(context.Background(), alice, inv(t, MethodFollowUser, types.UserID("bob")))
	alice.reset()

	fx.hub.Route(context.Background(), &types.FeedEvent{Type: types.FeedNewPost, AuthorID: "bob"})
	assert.Len(t, alice.feedEvents(), 1, "one event, one delivery")
}

func TestHub_AuctionEventsReachWatchersAndOwner(t *testing.T) {
	fx := newFixture(t)
	fx.mem.SeedAuction("a1", "owner")
	watcher := fx.connect(t, "c1", "watcher")
	owner := fx.connect(t, "c2", "owner")
	bystander := fx.connect(t, "c3", "bystander")

	// Nobody wants the firehose in this test.
	optOut := types.ContentSubscription{AllPublicPosts: false}
	for _, s := range []*fakeSender{watcher, owner, bystander} {
		fx.hub.handleUpdateSubscription(context.Background(), s, inv(t, MethodUpdateSubscription, optOut))
	}
	fx.hub.handleWatchAuction(context.Background(), watcher, inv(t, MethodWatchAuction, "a1"))
	watcher.reset()
	owner.reset()
	bystander.reset()

	// Owner is resolved from the catalog when the event omits it.
	fx.hub.Route(context.Background(), &types.FeedEvent{Type: types.FeedAuctionBid, AuctionID: "a1", Amount: 42})

	assert.Len(t, watcher.feedEvents(), 1)
	assert.Len(t, owner.feedEvents(), 1, "the auction owner always hears about bids")
	assert.Empty(t, bystander.feedEvents())
}

func TestHub_NewProductResolvesCategory(t *testing.T) {
	fx := newFixture(t)
	fx.mem.SeedProduct("p1", "electronics")
	fan := fx.connect(t, "c1", "fan")
	fx.hub.handleUpdateSubscription(context.Background(), fan,
		inv(t, MethodUpdateSubscription, types.ContentSubscription{
			AllPublicPosts: false,
			Categories:     []string{"electronics"},
		}))
	fan.reset()

	fx.hub.Route(context.Background(), &types.FeedEvent{Type: types.FeedNewProduct, ProductID: "p1"})

	events := fan.feedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "electronics", events[0].Category)
}

func TestHub_CategoryNamesAreNormalised(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")

	fx.hub.handleSubscribeToCategory(context.Background(), alice,
		inv(t, MethodSubscribeToCategory, "  Vintage Audio  "))

	assert.True(t, fx.groups.Contains(types.CategoryGroup("vintage audio"), alice.ID()))
}

func TestHub_UpdateSubscriptionReconcilesGroups(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	fx.hub.handleFollowUser(context.Background(), alice, inv(t, MethodFollowUser, types.UserID("bob")))
	fx.hub.handleWatchAuction(context.Background(), alice, inv(t, MethodWatchAuction, "a1"))

	fx.hub.handleUpdateSubscription(context.Background(), alice,
		inv(t, MethodUpdateSubscription, types.ContentSubscription{
			AllPublicPosts:  false,
			FollowedUserIDs: []types.UserID{"carol"},
			Categories:      []string{"books"},
		}))

	assert.False(t, fx.groups.Contains(types.GroupGlobalFeed, alice.ID()))
	assert.False(t, fx.groups.Contains(types.FollowingGroup("bob"), alice.ID()))
	assert.False(t, fx.groups.Contains(types.AuctionGroup("a1"), alice.ID()))
	assert.True(t, fx.groups.Contains(types.FollowingGroup("carol"), alice.ID()))
	assert.True(t, fx.groups.Contains(types.CategoryGroup("books"), alice.ID()))
}

func TestHub_SubscriptionAppliesToAllDevices(t *testing.T) {
	fx := newFixture(t)
	phone := fx.connect(t, "c1", "alice")
	laptop := fx.connect(t, "c2", "alice")

	fx.hub.handleFollowUser(context.Background(), phone, inv(t, MethodFollowUser, types.UserID("bob")))

	assert.True(t, fx.groups.Contains(types.FollowingGroup("bob"), phone.ID()))
	assert.True(t, fx.groups.Contains(types.FollowingGroup("bob"), laptop.ID()))

	// A reconnecting device inherits the stored subscription.
	tablet := fx.connect(t, "c3", "alice")
	assert.True(t, fx.groups.Contains(types.FollowingGroup("bob"), tablet.ID()))
}

func TestHub_UnfollowStopsDelivery(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	fx.hub.handleUpdateSubscription(context.Background(), alice,
		inv(t, MethodUpdateSubscription, types.ContentSubscription{
			AllPublicPosts:  false,
			FollowedUserIDs: []types.UserID{"bob"},
		}))
	fx.hub.handleUnfollowUser(context.Background(), alice, inv(t, MethodUnfollowUser, types.UserID("bob")))
	alice.reset()

	fx.hub.Route(context.Background(), &types.FeedEvent{Type: types.FeedNewPost, AuthorID: "bob"})
	assert.Empty(t, alice.feedEvents())
}

func TestHub_UnroutableEventIsDropped(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	alice.reset()

	fx.hub.Route(context.Background(), &types.FeedEvent{Type: types.FeedEventType("mystery")})
	assert.Empty(t, alice.feedEvents())
}
