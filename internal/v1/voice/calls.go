package voice

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harborapp/harbor/backend/go/internal/v1/logging"
	"github.com/harborapp/harbor/backend/go/internal/v1/metrics"
	"github.com/harborapp/harbor/backend/go/internal/v1/protocol"
	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// call is one 1:1 call. Audio is relayed only while in_progress.
type call struct {
	mu        sync.Mutex
	info      types.CallInfo
	ringTimer *time.Timer
}

func (c *call) snapshot() types.CallInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// handleStartCall rings another user. Each side may hold one active call;
// unanswered calls time out to missed.
func (h *Hub) handleStartCall(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	var recipient types.UserID
	if err := inv.Arg(0, &recipient); err != nil || recipient == "" {
		return
	}
	caller := s.User()
	if recipient == caller {
		s.Send(EventVoiceError, MethodStartCall, "cannot call yourself")
		return
	}
	h.mu.Lock()
	if _, busy := h.callByUser[caller]; busy {
		h.mu.Unlock()
		s.Send(EventVoiceError, MethodStartCall, "already in a call")
		return
	}
	if _, busy := h.callByUser[recipient]; busy {
		h.mu.Unlock()
		s.Send(EventVoiceError, MethodStartCall, "user is busy")
		return
	}

	c := &call{
		info: types.CallInfo{
			ID:            uuid.NewString(),
			CallerID:      caller,
			CallerName:    h.username(caller),
			RecipientID:   recipient,
			RecipientName: h.username(recipient),
			Status:        types.CallRinging,
			StartedAt:     time.Now().UTC(),
		},
	}
	if !h.reg.IsOnline(recipient) {
		// The call record still exists momentarily so the failure carries an id.
		c.info.Status = types.CallEnded
		h.mu.Unlock()
		s.SendCritical(EventCallFailed, c.info.ID, "User is not online")
		logging.Info(ctx, "call failed", zap.String("callId", c.info.ID), zap.String("recipient", string(recipient)))
		return
	}
	h.calls[c.info.ID] = c
	h.callByUser[caller] = c.info.ID
	h.callByUser[recipient] = c.info.ID
	h.mu.Unlock()
	metrics.ActiveCalls.Inc()

	c.mu.Lock()
	c.ringTimer = time.AfterFunc(h.cfg.RingTimeout, func() {
		h.ringTimeout(c.info.ID)
	})
	c.mu.Unlock()

	info := c.snapshot()
	h.groups.SendToUserCritical(recipient, EventIncomingCall, info)
	h.groups.SendToUserCritical(caller, EventCallStarted, info)
	logging.Info(ctx, "call started", zap.String("callId", info.ID))
}

// ringTimeout marks an unanswered call missed.
func (h *Hub) ringTimeout(callID string) {
	h.mu.RLock()
	c, ok := h.calls[callID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	if c.info.Status != types.CallRinging {
		c.mu.Unlock()
		return
	}
	c.info.Status = types.CallMissed
	info := c.info
	c.mu.Unlock()

	h.finishCall(info, "")
}

// handleAnswerCall accepts or declines a ringing call. Accepting moves the
// call to in_progress; both transitions stop the ring timer.
func (h *Hub) handleAnswerCall(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	callID, err := inv.StringArg(0)
	if err != nil || callID == "" {
		return
	}
	var accept bool
	if err := inv.Arg(1, &accept); err != nil {
		return
	}

	h.mu.RLock()
	c, ok := h.calls[callID]
	h.mu.RUnlock()
	if !ok {
		s.Send(EventVoiceError, MethodAnswerCall, "call not found")
		return
	}

	c.mu.Lock()
	if c.info.RecipientID != s.User() || c.info.Status != types.CallRinging {
		c.mu.Unlock()
		s.Send(EventVoiceError, MethodAnswerCall, "call not answerable")
		return
	}
	if c.ringTimer != nil {
		c.ringTimer.Stop()
	}
	now := time.Now().UTC()
	if accept {
		c.info.Status = types.CallInProgress
		c.info.AnsweredAt = &now
	} else {
		c.info.Status = types.CallDeclined
	}
	info := c.info
	c.mu.Unlock()

	if accept {
		h.groups.SendToUserCritical(info.CallerID, EventCallAnswered, info)
		h.groups.SendToUserCritical(info.RecipientID, EventCallAnswered, info)
		logging.Info(ctx, "call answered", zap.String("callId", info.ID))
		return
	}
	h.finishCall(info, "")
}

func (h *Hub) handleEndCall(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	callID, err := inv.StringArg(0)
	if err != nil || callID == "" {
		return
	}
	h.endCall(ctx, callID, s.User(), "Call ended")
}

// endCall terminates a call by either party. Ringing or in-progress calls
// both settle to ended; only an in-progress call records a duration.
func (h *Hub) endCall(ctx context.Context, callID string, by types.UserID, reason string) {
	h.mu.RLock()
	c, ok := h.calls[callID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	if c.info.CallerID != by && c.info.RecipientID != by {
		c.mu.Unlock()
		return
	}
	if c.info.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	if c.ringTimer != nil {
		c.ringTimer.Stop()
	}
	c.info.Status = types.CallEnded
	if c.info.AnsweredAt != nil {
		c.info.Duration = time.Since(*c.info.AnsweredAt).Seconds()
	}
	info := c.info
	c.mu.Unlock()

	if info.Duration > 0 {
		metrics.CallDuration.Observe(info.Duration)
	}
	h.finishCall(info, reason)
	logging.Info(ctx, "call ended", zap.String("callId", callID), zap.String("status", string(info.Status)))
}

// finishCall removes the call from the index and notifies both parties of
// the terminal transition it took.
func (h *Hub) finishCall(info types.CallInfo, reason string) {
	h.mu.Lock()
	delete(h.calls, info.ID)
	if h.callByUser[info.CallerID] == info.ID {
		delete(h.callByUser, info.CallerID)
	}
	if h.callByUser[info.RecipientID] == info.ID {
		delete(h.callByUser, info.RecipientID)
	}
	h.mu.Unlock()
	metrics.ActiveCalls.Dec()

	switch info.Status {
	case types.CallDeclined:
		h.groups.SendToUserCritical(info.CallerID, EventCallDeclined, info)
		h.groups.SendToUserCritical(info.RecipientID, EventCallDeclined, info)
	case types.CallMissed:
		h.groups.SendToUserCritical(info.CallerID, EventCallMissed, info)
		h.groups.SendToUserCritical(info.RecipientID, EventCallMissed, info)
	default:
		h.groups.SendToUserCritical(info.CallerID, EventCallEnded, info.ID, reason)
		h.groups.SendToUserCritical(info.RecipientID, EventCallEnded, info.ID, reason)
	}
}

// endCallsOf terminates the user's active call on disconnect when the dying
// connection was their last.
func (h *Hub) endCallsOf(ctx context.Context, user types.UserID) {
	if h.reg.ConnectionCount(user) > 1 {
		return // another device can carry the call
	}
	h.mu.RLock()
	callID := h.callByUser[user]
	h.mu.RUnlock()
	if callID != "" {
		h.endCall(ctx, callID, user, "User disconnected")
	}
}

// activeCallOf returns the user's call if it is in progress.
func (h *Hub) activeCallOf(user types.UserID) (*call, types.CallInfo, bool) {
	h.mu.RLock()
	callID := h.callByUser[user]
	c, ok := h.calls[callID]
	h.mu.RUnlock()
	if !ok {
		return nil, types.CallInfo{}, false
	}
	info := c.snapshot()
	if info.Status != types.CallInProgress {
		return nil, types.CallInfo{}, false
	}
	return c, info, true
}

// handleSendCallAudio relays call audio to the other party. Only in-progress
// calls carry audio.
func (h *Hub) handleSendCallAudio(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	audio, err := inv.StringArg(0)
	if err != nil || audio == "" {
		return
	}
	if _, err := base64.StdEncoding.DecodeString(audio); err != nil {
		return
	}

	_, info, ok := h.activeCallOf(s.User())
	if !ok {
		return
	}
	other := info.CallerID
	if other == s.User() {
		other = info.RecipientID
	}

	data := protocol.MustEncodeEvent(EventReceiveCallAudio, info.ID, s.User(), audio)
	metrics.MediaFrames.WithLabelValues("call_audio").Inc()
	metrics.MediaBytes.WithLabelValues("call_audio").Add(float64(len(audio)))
	for _, peer := range h.reg.SendersOf(other) {
		if !peer.SendMediaRaw(data) {
			metrics.DroppedFrames.WithLabelValues("call_audio", "backpressure").Inc()
		}
	}
}

func (h *Hub) handleSendCallSpeakingState(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	var speaking bool
	if err := inv.Arg(0, &speaking); err != nil {
		return
	}
	var level float64
	if err := inv.OptionalArg(1, &level); err != nil {
		return
	}

	_, info, ok := h.activeCallOf(s.User())
	if !ok {
		return
	}
	other := info.CallerID
	if other == s.User() {
		other = info.RecipientID
	}
	h.groups.SendToUser(other, EventCallSpeakingState, info.ID, s.User(), speaking, level)
}
