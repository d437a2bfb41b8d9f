package voice

import (
	"context"
	"encoding/json"

	"github.com/harborapp/harbor/backend/go/internal/v1/protocol"
	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// WebRTC signalling pass-through. The server never inspects SDP or ICE
// payloads; it only checks the two connections share a voice context before
// forwarding.

func (h *Hub) handleSendOffer(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	h.forwardSignal(ctx, s, inv, EventReceiveOffer)
}

func (h *Hub) handleSendAnswer(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	h.forwardSignal(ctx, s, inv, EventReceiveAnswer)
}

func (h *Hub) handleSendIceCandidate(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	h.forwardSignal(ctx, s, inv, EventReceiveIceCandidate)
}

func (h *Hub) forwardSignal(_ context.Context, s types.Sender, inv *protocol.Invocation, event string) {
	var target types.ConnectionID
	if err := inv.Arg(0, &target); err != nil || target == "" || target == s.ID() {
		return
	}
	var payload json.RawMessage
	if err := inv.Arg(1, &payload); err != nil {
		return
	}
	if !h.sharesVoiceContext(s.ID(), target) {
		return
	}
	if peer, live := h.reg.Sender(target); live {
		peer.SendCritical(event, s.ID(), payload)
	}
}

// sharesVoiceContext reports whether two connections are in the same voice
// channel, room, group call, or 1:1 call.
func (h *Hub) sharesVoiceContext(a, b types.ConnectionID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if ch := h.connChannel[a]; ch != "" && ch == h.connChannel[b] {
		return true
	}
	if room := h.connRoom[a]; room != "" && room == h.connRoom[b] {
		return true
	}
	if g := h.connGroup[a]; g != "" && g == h.connGroup[b] {
		return true
	}

	userA := h.reg.UserOf(a)
	userB := h.reg.UserOf(b)
	if userA == "" || userB == "" {
		return false
	}
	callID := h.callByUser[userA]
	return callID != "" && callID == h.callByUser[userB]
}
