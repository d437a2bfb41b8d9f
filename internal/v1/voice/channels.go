package voice

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/harborapp/harbor/backend/go/internal/v1/metrics"
	"github.com/harborapp/harbor/backend/go/internal/v1/protocol"
	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// voiceChannel is one always-on voice channel. Participants key by
// connection so the same user on two devices occupies two slots. retired is
// set when the last participant leaves; a joiner holding a stale pointer must
// re-fetch instead of inserting into an object no longer in the index.
type voiceChannel struct {
	mu           sync.RWMutex
	id           string
	retired      bool
	participants map[types.ConnectionID]*types.VoiceParticipant
	shares       map[types.ConnectionID]*screenShare
}

func (h *Hub) getOrCreateChannel(id string) *voiceChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[id]
	if !ok {
		ch = &voiceChannel{
			id:           id,
			participants: make(map[types.ConnectionID]*types.VoiceParticipant),
			shares:       make(map[types.ConnectionID]*screenShare),
		}
		h.channels[id] = ch
	}
	return ch
}

func (h *Hub) channel(id string) (*voiceChannel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[id]
	return ch, ok
}

// participantList snapshots the channel roster for broadcast.
func (ch *voiceChannel) participantList() []types.VoiceParticipant {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	out := make([]types.VoiceParticipant, 0, len(ch.participants))
	for _, p := range ch.participants {
		out = append(out, *p)
	}
	return out
}

// handleJoinVoiceChannel puts the connection in the channel's voice group
// and tells everyone about the new roster.
func (h *Hub) handleJoinVoiceChannel(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	channelID, err := inv.StringArg(0)
	if err != nil || channelID == "" {
		return
	}

	h.mu.Lock()
	if current, ok := h.connChannel[s.ID()]; ok && current != "" {
		h.mu.Unlock()
		if current == channelID {
			return
		}
		// Moving channels implies leaving the old one first.
		h.leaveChannel(ctx, s, s.User(), current)
		h.mu.Lock()
	}
	h.connChannel[s.ID()] = channelID
	h.mu.Unlock()

	participant := &types.VoiceParticipant{
		ConnectionID: s.ID(),
		UserID:       s.User(),
		Username:     h.username(s.User()),
		AvatarURL:    h.avatar(s.User()),
	}
	var roster []types.VoiceParticipant
	var ch *voiceChannel
	for {
		ch = h.getOrCreateChannel(channelID)
		ch.mu.Lock()
		if ch.retired {
			// Lost the race against the last leaver; the object is out of
			// the index, so insert into a fresh one.
			ch.mu.Unlock()
			continue
		}
		ch.participants[s.ID()] = participant
		roster = make([]types.VoiceParticipant, 0, len(ch.participants))
		for _, p := range ch.participants {
			roster = append(roster, *p)
		}
		ch.mu.Unlock()
		break
	}

	h.groups.Join(types.VoiceGroup(channelID), s.ID())
	s.SendCritical(EventVoiceChannelUsers, roster)
	h.groups.BroadcastCriticalExcept(types.VoiceGroup(channelID), s.ID(), EventUserJoinedVoice, *participant)

	// Late joiners learn about streams already running.
	h.sendActiveShares(s, ch)
}

func (h *Hub) handleLeaveVoiceChannel(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	channelID, err := inv.StringArg(0)
	if err != nil || channelID == "" {
		return
	}
	h.stopShareIfSharing(ctx, s, channelID)
	h.leaveChannel(ctx, s, s.User(), channelID)
}

// leaveChannel removes the connection from channel state and its fan-out
// group. Empty channels are garbage collected.
func (h *Hub) leaveChannel(_ context.Context, s types.Sender, user types.UserID, channelID string) {
	ch, ok := h.channel(channelID)
	if !ok {
		return
	}

	ch.mu.Lock()
	_, present := ch.participants[s.ID()]
	delete(ch.participants, s.ID())
	empty := len(ch.participants) == 0
	if empty {
		ch.retired = true
	}
	ch.mu.Unlock()

	h.mu.Lock()
	if h.connChannel[s.ID()] == channelID {
		delete(h.connChannel, s.ID())
	}
	if empty && h.channels[channelID] == ch {
		delete(h.channels, channelID)
	}
	h.mu.Unlock()

	if present {
		h.groups.BroadcastCriticalExcept(types.VoiceGroup(channelID), s.ID(), EventUserLeftVoice, channelID, s.ID(), user)
	}
	h.groups.Leave(types.VoiceGroup(channelID), s.ID())
}

// handleUpdateVoiceState changes the caller's muted/deafened flags.
func (h *Hub) handleUpdateVoiceState(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	var muted, deafened bool
	if err := inv.Arg(0, &muted); err != nil {
		return
	}
	if err := inv.Arg(1, &deafened); err != nil {
		return
	}

	h.mu.RLock()
	channelID := h.connChannel[s.ID()]
	h.mu.RUnlock()
	ch, ok := h.channel(channelID)
	if !ok {
		return
	}

	ch.mu.Lock()
	p, present := ch.participants[s.ID()]
	if present {
		p.Muted = muted
		p.Deafened = deafened
		if muted {
			p.Speaking = false
			p.AudioLevel = 0
		}
	}
	ch.mu.Unlock()
	if !present {
		return
	}
	h.groups.Broadcast(types.VoiceGroup(channelID), EventVoiceStateUpdated, channelID, s.ID(), muted, deafened)
}

// handleUpdateSpeakingState relays voice-activity detection to the other
// participants. The sender already knows; it is excluded.
func (h *Hub) handleUpdateSpeakingState(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	var speaking bool
	if err := inv.Arg(0, &speaking); err != nil {
		return
	}
	var level float64
	if err := inv.OptionalArg(1, &level); err != nil {
		return
	}

	h.mu.RLock()
	channelID := h.connChannel[s.ID()]
	h.mu.RUnlock()
	ch, ok := h.channel(channelID)
	if !ok {
		return
	}

	ch.mu.Lock()
	p, present := ch.participants[s.ID()]
	if present && !p.Muted {
		p.Speaking = speaking
		p.AudioLevel = level
	}
	muted := present && p.Muted
	ch.mu.Unlock()
	if !present || muted {
		return
	}
	h.groups.BroadcastExcept(types.VoiceGroup(channelID), s.ID(), EventSpeakingStateUpdated, channelID, s.ID(), speaking, level)
}

// handleSendAudio relays an audio chunk to everyone else in the channel.
// Frames from muted senders are dropped server-side; the sender never hears
// its own audio back.
func (h *Hub) handleSendAudio(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	audio, err := inv.StringArg(0) // base64 payload, relayed opaquely
	if err != nil || audio == "" {
		return
	}
	if _, err := base64.StdEncoding.DecodeString(audio); err != nil {
		return // not a relayable payload
	}

	h.mu.RLock()
	channelID := h.connChannel[s.ID()]
	h.mu.RUnlock()
	ch, ok := h.channel(channelID)
	if !ok {
		return
	}

	ch.mu.RLock()
	p, present := ch.participants[s.ID()]
	muted := present && p.Muted
	ch.mu.RUnlock()
	if !present {
		return
	}
	if muted {
		metrics.DroppedFrames.WithLabelValues("audio", "muted").Inc()
		return
	}

	data := protocol.MustEncodeEvent(EventReceiveAudio, channelID, s.ID(), s.User(), audio)
	metrics.MediaFrames.WithLabelValues("audio").Inc()
	metrics.MediaBytes.WithLabelValues("audio").Add(float64(len(audio)))
	for _, peer := range h.groups.Senders(types.VoiceGroup(channelID), s.ID()) {
		if !peer.SendMediaRaw(data) {
			metrics.DroppedFrames.WithLabelValues("audio", "backpressure").Inc()
		}
	}
}
