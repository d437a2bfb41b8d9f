package voice

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/harborapp/harbor/backend/go/internal/v1/config"
	"github.com/harborapp/harbor/backend/go/internal/v1/protocol"
	"github.com/harborapp/harbor/backend/go/internal/v1/registry"
	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// fakeSender records ordinary/critical events and media frames separately.
type fakeSender struct {
	id   types.ConnectionID
	user types.UserID

	rejectMedia bool

	mu     sync.Mutex
	events []protocol.Event
	media  []protocol.Event
}

func (f *fakeSender) ID() types.ConnectionID { return f.id }
func (f *fakeSender) User() types.UserID     { return f.user }

func (f *fakeSender) Send(name string, args ...any) {
	f.SendRaw(protocol.MustEncodeEvent(name, args...))
}
func (f *fakeSender) SendCritical(name string, args ...any) {
	f.SendRaw(protocol.MustEncodeEvent(name, args...))
}
func (f *fakeSender) SendRaw(data []byte)         { f.record(&f.events, data) }
func (f *fakeSender) SendCriticalRaw(data []byte) { f.record(&f.events, data) }
func (f *fakeSender) SendMediaRaw(data []byte) bool {
	if f.rejectMedia {
		return false
	}
	f.record(&f.media, data)
	return true
}
func (f *fakeSender) Kick(string) {}

func (f *fakeSender) record(dst *[]protocol.Event, data []byte) {
	var ev protocol.Event
	_ = json.Unmarshal(data, &ev)
	f.mu.Lock()
	*dst = append(*dst, ev)
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

func (f *fakeSender) mediaCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.media {
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
	f.media = nil
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
	cfg    *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	reg := registry.New()
	groups := registry.NewGroupRouter(reg)
	return &fixture{
		hub:    NewHub(cfg, reg, groups),
		reg:    reg,
		groups: groups,
		cfg:    cfg,
	}
}

func (fx *fixture) connect(t *testing.T, conn, user string) *fakeSender {
	t.Helper()
	s := &fakeSender{id: types.ConnectionID(conn), user: types.UserID(user)}
	fx.reg.Add(s)
	u := &types.User{ID: types.UserID(user), Username: user, Role: types.RoleMember}
	_, err := fx.reg.Bind(s.ID(), u)
	require.NoError(t, err)
	fx.hub.OnAuthenticated(context.Background(), s, u)
	return s
}

// joinChannel is shorthand for the JoinVoiceChannel invocation.
func (fx *fixture) joinChannel(t *testing.T, s *fakeSender, channelID string) {
	t.Helper()
	fx.hub.handleJoinVoiceChannel(context.Background(), s, inv(t, MethodJoinVoiceChannel, channelID))
}
