package voice

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harborapp/harbor/backend/go/internal/v1/logging"
	"github.com/harborapp/harbor/backend/go/internal/v1/metrics"
	"github.com/harborapp/harbor/backend/go/internal/v1/protocol"
	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// byteWindow is a fixed one-second byte budget. The window resets on the
// first admission after it elapses; admission is all-or-nothing per frame.
type byteWindow struct {
	start time.Time
	bytes int64
}

func (w *byteWindow) admit(now time.Time, size, ceiling int64) bool {
	if now.Sub(w.start) >= time.Second {
		w.start = now
		w.bytes = 0
	}
	if w.bytes+size > ceiling {
		return false
	}
	w.bytes += size
	return true
}

// screenShare is one live stream inside a voice channel. Viewers are the
// subset of channel members that opted in.
type screenShare struct {
	mu       sync.Mutex
	info     types.ScreenShareInfo
	upload   byteWindow
	viewers  map[types.ConnectionID]*byteWindow
}

func (sh *screenShare) snapshot() types.ScreenShareInfo {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	info := sh.info
	info.ViewerCount = len(sh.viewers)
	return info
}

func viewersGroup(channelID string, sharer types.ConnectionID) types.GroupName {
	return types.GroupName("screenshare_" + channelID + "_" + string(sharer))
}

// sendActiveShares pushes the channel's running streams to one connection.
func (h *Hub) sendActiveShares(s types.Sender, ch *voiceChannel) {
	ch.mu.RLock()
	shares := make([]types.ScreenShareInfo, 0, len(ch.shares))
	for _, sh := range ch.shares {
		shares = append(shares, sh.snapshot())
	}
	ch.mu.RUnlock()
	if len(shares) > 0 {
		s.Send(EventActiveScreenShares, ch.id, shares)
	}
}

// handleStartScreenShare begins a stream in the caller's current channel.
// One stream per connection; the channel caps concurrent streams.
func (h *Hub) handleStartScreenShare(ctx context.Context, s types.Sender, inv *protocol.Invocation) {
	var width, height int
	if err := inv.OptionalArg(0, &width); err != nil {
		return
	}
	if err := inv.OptionalArg(1, &height); err != nil {
		return
	}
	quality := types.Quality1080p
	if err := inv.OptionalArg(2, &quality); err != nil || !quality.Valid() {
		quality = types.Quality1080p
	}

	h.mu.RLock()
	channelID := h.connChannel[s.ID()]
	h.mu.RUnlock()
	ch, ok := h.channel(channelID)
	if !ok {
		s.Send(EventVoiceError, MethodStartScreenShare, "not in a voice channel")
		return
	}

	ch.mu.Lock()
	if _, already := ch.shares[s.ID()]; already {
		ch.mu.Unlock()
		s.Send(EventVoiceError, MethodStartScreenShare, "already sharing")
		return
	}
	if len(ch.shares) >= h.cfg.MaxStreamsPerChannel {
		ch.mu.Unlock()
		s.Send(EventVoiceError, MethodStartScreenShare, "channel stream limit reached")
		return
	}
	sh := &screenShare{
		info: types.ScreenShareInfo{
			SharerConnectionID: s.ID(),
			Username:           h.username(s.User()),
			ChannelID:          channelID,
			StartedAt:          time.Now().UTC(),
			Width:              width,
			Height:             height,
			Quality:            quality,
		},
		viewers: make(map[types.ConnectionID]*byteWindow),
	}
	ch.shares[s.ID()] = sh
	if p, present := ch.participants[s.ID()]; present {
		p.ScreenSharing = true
	}
	info := sh.snapshot()
	ch.mu.Unlock()

	h.groups.BroadcastCritical(types.VoiceGroup(channelID), EventUserScreenShareChanged, s.ID(), true)
	h.groups.BroadcastCritical(types.VoiceGroup(channelID), EventScreenShareStarted, s.ID(), info.Username, channelID)
	logging.Info(ctx, "screen share started",
		zap.String("channelId", channelID), zap.String("connectionId", string(s.ID())))
}

func (h *Hub) handleStopScreenShare(ctx context.Context, s types.Sender, _ *protocol.Invocation) {
	h.mu.RLock()
	channelID := h.connChannel[s.ID()]
	h.mu.RUnlock()
	if channelID == "" {
		return
	}
	h.stopShareIfSharing(ctx, s, channelID)
}

// stopShareIfSharing tears down the caller's stream, if any. Idempotent.
func (h *Hub) stopShareIfSharing(ctx context.Context, s types.Sender, channelID string) {
	ch, ok := h.channel(channelID)
	if !ok {
		return
	}

	ch.mu.Lock()
	_, sharing := ch.shares[s.ID()]
	if !sharing {
		ch.mu.Unlock()
		return
	}
	delete(ch.shares, s.ID())
	if p, present := ch.participants[s.ID()]; present {
		p.ScreenSharing = false
	}
	ch.mu.Unlock()

	h.groups.BroadcastCritical(types.VoiceGroup(channelID), EventUserScreenShareChanged, s.ID(), false)
	h.groups.BroadcastCritical(types.VoiceGroup(channelID), EventScreenShareStopped, s.ID())

	// Release every viewer subscription.
	gname := viewersGroup(channelID, s.ID())
	for _, id := range h.groups.Members(gname) {
		h.groups.Leave(gname, id)
	}
	logging.Info(ctx, "screen share stopped",
		zap.String("channelId", channelID), zap.String("connectionId", string(s.ID())))
}

// handleSendScreenFrame relays one video frame to the stream's viewers. A
// per-sender one-second byte window enforces the upload ceiling; frames over
// budget are counted and dropped, never queued. Each viewer additionally has
// a download window; a saturated viewer misses frames without affecting the
// others.
func (h *Hub) handleSendScreenFrame(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	frame, err := inv.StringArg(0) // base64-encoded encoder output
	if err != nil || frame == "" {
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(frame)
	if err != nil {
		return
	}
	var width, height int
	if err := inv.OptionalArg(1, &width); err != nil {
		return
	}
	if err := inv.OptionalArg(2, &height); err != nil {
		return
	}

	h.mu.RLock()
	channelID := h.connChannel[s.ID()]
	h.mu.RUnlock()
	ch, ok := h.channel(channelID)
	if !ok {
		return
	}

	ch.mu.RLock()
	sh, sharing := ch.shares[s.ID()]
	ch.mu.RUnlock()
	if !sharing {
		return
	}

	// Budgets charge the media payload, not its base64 envelope.
	size := int64(len(decoded))
	now := time.Now()

	sh.mu.Lock()
	if !sh.upload.admit(now, size, h.cfg.UploadCeilingBytes) {
		sh.info.FramesDropped++
		sh.mu.Unlock()
		metrics.DroppedFrames.WithLabelValues("screen", "upload_ceiling").Inc()
		return
	}
	sh.info.FramesSent++
	sh.info.BytesSent += size
	if width > 0 && height > 0 {
		sh.info.Width = width
		sh.info.Height = height
	}
	sh.mu.Unlock()

	metrics.MediaFrames.WithLabelValues("screen").Inc()
	metrics.MediaBytes.WithLabelValues("screen").Add(float64(size))

	data := protocol.MustEncodeEvent(EventReceiveScreenFrame, s.ID(), frame, width, height)
	for _, viewer := range h.groups.Senders(viewersGroup(channelID, s.ID()), s.ID()) {
		sh.mu.Lock()
		w, tracked := sh.viewers[viewer.ID()]
		if !tracked {
			sh.mu.Unlock()
			continue // left between roster read and send
		}
		admitted := w.admit(now, size, h.cfg.DownloadCeilingBytes)
		sh.mu.Unlock()
		if !admitted {
			metrics.DroppedFrames.WithLabelValues("screen", "download_ceiling").Inc()
			continue
		}
		if !viewer.SendMediaRaw(data) {
			metrics.DroppedFrames.WithLabelValues("screen", "backpressure").Inc()
		}
	}
}

// handleJoinScreenShare subscribes the caller to a stream in its channel.
func (h *Hub) handleJoinScreenShare(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	var sharer types.ConnectionID
	if err := inv.Arg(0, &sharer); err != nil || sharer == "" {
		return
	}

	h.mu.RLock()
	channelID := h.connChannel[s.ID()]
	h.mu.RUnlock()
	ch, ok := h.channel(channelID)
	if !ok {
		return
	}

	ch.mu.RLock()
	sh, sharing := ch.shares[sharer]
	ch.mu.RUnlock()
	if !sharing {
		s.Send(EventVoiceError, MethodJoinScreenShare, "no such stream")
		return
	}

	sh.mu.Lock()
	if _, already := sh.viewers[s.ID()]; already {
		sh.mu.Unlock()
		return
	}
	sh.viewers[s.ID()] = &byteWindow{}
	count := len(sh.viewers)
	sh.mu.Unlock()

	h.groups.Join(viewersGroup(channelID, sharer), s.ID())
	s.Send(EventActiveScreenShares, channelID, []types.ScreenShareInfo{sh.snapshot()})
	if peer, live := h.reg.Sender(sharer); live {
		peer.Send(EventViewerCountUpdated, count)
	}
}

func (h *Hub) handleLeaveScreenShare(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	var sharer types.ConnectionID
	if err := inv.Arg(0, &sharer); err != nil || sharer == "" {
		return
	}

	h.mu.RLock()
	channelID := h.connChannel[s.ID()]
	h.mu.RUnlock()
	ch, ok := h.channel(channelID)
	if !ok {
		return
	}

	ch.mu.RLock()
	sh, sharing := ch.shares[sharer]
	ch.mu.RUnlock()
	if !sharing {
		return
	}

	sh.mu.Lock()
	_, present := sh.viewers[s.ID()]
	delete(sh.viewers, s.ID())
	count := len(sh.viewers)
	sh.mu.Unlock()

	h.groups.Leave(viewersGroup(channelID, sharer), s.ID())
	if present {
		if peer, live := h.reg.Sender(sharer); live {
			peer.Send(EventViewerCountUpdated, count)
		}
	}
}

func (h *Hub) handleGetActiveScreenShares(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	channelID := ""
	if err := inv.OptionalArg(0, &channelID); err != nil {
		return
	}
	if channelID == "" {
		h.mu.RLock()
		channelID = h.connChannel[s.ID()]
		h.mu.RUnlock()
	}
	ch, ok := h.channel(channelID)
	if !ok {
		s.Send(EventActiveScreenShares, channelID, []types.ScreenShareInfo{})
		return
	}

	ch.mu.RLock()
	shares := make([]types.ScreenShareInfo, 0, len(ch.shares))
	for _, sh := range ch.shares {
		shares = append(shares, sh.snapshot())
	}
	ch.mu.RUnlock()
	s.Send(EventActiveScreenShares, channelID, shares)
}

// handleRequestScreenQuality lets a viewer ask the sharer for a different
// encode quality. The server validates the label and forwards the request;
// the sharer's encoder is the authority.
func (h *Hub) handleRequestScreenQuality(_ context.Context, s types.Sender, inv *protocol.Invocation) {
	var sharer types.ConnectionID
	if err := inv.Arg(0, &sharer); err != nil || sharer == "" {
		return
	}
	var quality types.StreamQuality
	if err := inv.Arg(1, &quality); err != nil || !quality.Valid() {
		s.Send(EventVoiceError, MethodRequestScreenQuality, "invalid quality")
		return
	}

	h.mu.RLock()
	channelID := h.connChannel[s.ID()]
	h.mu.RUnlock()
	ch, ok := h.channel(channelID)
	if !ok {
		return
	}

	ch.mu.RLock()
	sh, sharing := ch.shares[sharer]
	ch.mu.RUnlock()
	if !sharing {
		return
	}

	sh.mu.Lock()
	sh.info.Quality = quality
	sh.mu.Unlock()

	if peer, live := h.reg.Sender(sharer); live {
		peer.Send(EventScreenQualityChanged, s.ID(), quality)
	}
	h.groups.Broadcast(viewersGroup(channelID, sharer), EventScreenQualityChanged, sharer, quality)
}
