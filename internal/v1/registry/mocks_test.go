package registry

import (
	"encoding/json"
	"sync"

	"github.com/harborapp/harbor/backend/go/internal/v1/protocol"
	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// fakeSender records delivered events for assertions.
type fakeSender struct {
	id   types.ConnectionID
	user types.UserID

	mu       sync.Mutex
	events   []protocol.Event
	critical []protocol.Event
	media    [][]byte
	rejectMedia bool
	kickedFor   string
}

func newFakeSender(id string, user string) *fakeSender {
	return &fakeSender{id: types.ConnectionID(id), user: types.UserID(user)}
}

func (f *fakeSender) ID() types.ConnectionID { return f.id }
func (f *fakeSender) User() types.UserID     { return f.user }

func (f *fakeSender) Send(name string, args ...any) {
	f.SendRaw(protocol.MustEncodeEvent(name, args...))
}

func (f *fakeSender) SendCritical(name string, args ...any) {
	f.SendCriticalRaw(protocol.MustEncodeEvent(name, args...))
}

func (f *fakeSender) SendRaw(data []byte) {
	var ev protocol.Event
	_ = json.Unmarshal(data, &ev)
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeSender) SendCriticalRaw(data []byte) {
	var ev protocol.Event
	_ = json.Unmarshal(data, &ev)
	f.mu.Lock()
	f.critical = append(f.critical, ev)
	f.mu.Unlock()
}

func (f *fakeSender) SendMediaRaw(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectMedia {
		return false
	}
	f.media = append(f.media, data)
	return true
}

func (f *fakeSender) Kick(reason string) {
	f.mu.Lock()
	f.kickedFor = reason
	f.mu.Unlock()
}

// eventNames returns the names of ordinary events in delivery order.
func (f *fakeSender) eventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Name)
	}
	return out
}

func (f *fakeSender) eventCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Name == name {
			n++
		}
	}
	for _, ev := range f.critical {
		if ev.Name == name {
			n++
		}
	}
	return n
}
