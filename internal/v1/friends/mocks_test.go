package friends

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/harborapp/harbor/backend/go/internal/v1/auth"
	"github.com/harborapp/harbor/backend/go/internal/v1/config"
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
	f.record(protocol.MustEncodeEvent(name, args...))
}
func (f *fakeSender) SendCritical(name string, args ...any) {
	f.record(protocol.MustEncodeEvent(name, args...))
}
func (f *fakeSender) SendRaw(data []byte)         { f.record(data) }
func (f *fakeSender) SendCriticalRaw(data []byte) { f.record(data) }
func (f *fakeSender) SendMediaRaw([]byte) bool    { return true }
func (f *fakeSender) Kick(string)                 {}

func (f *fakeSender) record(data []byte) {
	var ev protocol.Event
	_ = json.Unmarshal(data, &ev)
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeSender) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func (f *fakeSender) last(name string) (protocol.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Name == name {
			return f.events[i], true
		}
	}
	return protocol.Event{}, false
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	f.events = nil
	f.mu.Unlock()
}

func decodeArg(t *testing.T, ev protocol.Event, i int, out any) {
	t.Helper()
	require.Greater(t, len(ev.Args), i)
	data, err := json.Marshal(ev.Args[i])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, out))
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
	auth   *auth.StaticService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	reg := registry.New()
	groups := registry.NewGroupRouter(reg)
	mem := store.NewMemory()
	static := auth.NewStaticService()
	return &fixture{
		hub:    NewHub(cfg, reg, groups, mem, static, nil),
		reg:    reg,
		groups: groups,
		mem:    mem,
		auth:   static,
	}
}

// register adds a user to the directory and the store without connecting them.
func (fx *fixture) register(t *testing.T, id, username string) *types.User {
	t.Helper()
	u := &types.User{ID: types.UserID(id), Username: username, Role: types.RoleMember}
	fx.auth.AddUser("token-"+id, u)
	require.NoError(t, fx.mem.SaveUser(context.Background(), u))
	return u
}

// connect registers (if needed), binds a connection, and authenticates it.
func (fx *fixture) connect(t *testing.T, conn, id string) *fakeSender {
	t.Helper()
	u := fx.register(t, id, id)
	s := &fakeSender{id: types.ConnectionID(conn), user: u.ID}
	fx.reg.Add(s)
	_, err := fx.reg.Bind(s.ID(), u)
	require.NoError(t, err)
	fx.hub.OnAuthenticated(context.Background(), s, u)
	return s
}

// befriend creates an accepted friendship directly in the store.
func (fx *fixture) befriend(t *testing.T, a, b types.UserID) *types.Friendship {
	t.Helper()
	f := &types.Friendship{
		ID:          "f-" + string(a) + "-" + string(b),
		RequesterID: a,
		AddresseeID: b,
		Status:      types.FriendshipAccepted,
	}
	require.NoError(t, fx.mem.CreateFriendship(context.Background(), f))
	return f
}
