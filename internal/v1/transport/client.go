package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/harborapp/harbor/backend/go/internal/v1/logging"
	"github.com/harborapp/harbor/backend/go/internal/v1/metrics"
	"github.com/harborapp/harbor/backend/go/internal/v1/protocol"
	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
}

// Client is a single live connection. Outbound pushes are serialised by the
// write pump; three queues implement the backpressure policy: critical events
// are never dropped (a full queue disconnects the slow consumer), ordinary
// events drop on overflow with a log, media frames drop oldest-first.
type Client struct {
	id     types.ConnectionID
	hub    string
	conn   wsConnection
	server *Server

	mu        sync.RWMutex
	userID    types.UserID
	closed    bool
	kickedFor string
	closeOnce sync.Once

	send     chan []byte // ordinary events
	critical chan []byte // state transitions, chat, call events
	media    chan []byte // audio and screen frames, droppable
}

const (
	sendQueueDepth     = 256
	criticalQueueDepth = 256
	mediaQueueDepth    = 512
	writeWait          = 10 * time.Second
)

func newClient(id types.ConnectionID, hub string, conn wsConnection, server *Server) *Client {
	return &Client{
		id:       id,
		hub:      hub,
		conn:     conn,
		server:   server,
		send:     make(chan []byte, sendQueueDepth),
		critical: make(chan []byte, criticalQueueDepth),
		media:    make(chan []byte, mediaQueueDepth),
	}
}

// --- types.Sender ---

func (c *Client) ID() types.ConnectionID { return c.id }

func (c *Client) User() types.UserID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) setUser(id types.UserID) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

func (c *Client) Send(name string, args ...any) {
	data, err := protocol.EncodeEvent(name, args...)
	if err != nil {
		logging.Error(context.Background(), "failed to encode event", zap.String("event", name), zap.Error(err))
		return
	}
	c.SendRaw(data)
}

func (c *Client) SendCritical(name string, args ...any) {
	data, err := protocol.EncodeEvent(name, args...)
	if err != nil {
		logging.Error(context.Background(), "failed to encode event", zap.String("event", name), zap.Error(err))
		return
	}
	c.SendCriticalRaw(data)
}

func (c *Client) SendRaw(data []byte) {
	if c.isClosed() {
		return
	}
	defer c.recoverSend()
	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "client send queue full, dropping event", zap.String("connectionId", string(c.id)))
	}
}

// SendCriticalRaw enqueues a frame that must not be dropped. A consumer too
// slow to drain critical events is force-disconnected.
func (c *Client) SendCriticalRaw(data []byte) {
	if c.isClosed() {
		return
	}
	defer c.recoverSend()
	select {
	case c.critical <- data:
	default:
		logging.Error(context.Background(), "client critical queue full, disconnecting slow consumer", zap.String("connectionId", string(c.id)))
		c.Kick("slow consumer")
	}
}

// SendMediaRaw enqueues a media frame, evicting the oldest queued frame when
// the queue is full. Reports whether the frame was admitted.
func (c *Client) SendMediaRaw(data []byte) bool {
	if c.isClosed() {
		return false
	}
	defer c.recoverSend()
	select {
	case c.media <- data:
		return true
	default:
	}
	// Evict the oldest frame, then retry once.
	select {
	case <-c.media:
		metrics.DroppedFrames.WithLabelValues("media", "backpressure").Inc()
	default:
	}
	select {
	case c.media <- data:
		return true
	default:
		metrics.DroppedFrames.WithLabelValues("media", "backpressure").Inc()
		return false
	}
}

// Kick closes the connection after the write pump drains queued frames.
func (c *Client) Kick(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.kickedFor = reason
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.critical)
		close(c.send)
		close(c.media)
	})
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// recoverSend guards against the race between a send and channel close.
func (c *Client) recoverSend() {
	if r := recover(); r != nil {
		logging.Warn(context.Background(), "send to closing client", zap.String("connectionId", string(c.id)), zap.Any("panic", r))
	}
}

// --- pumps ---

// readPump processes inbound frames until the connection dies. Malformed
// frames are protocol violations and terminate the connection.
func (c *Client) readPump() {
	defer func() {
		c.server.handleDisconnect(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(c.server.cfg.MaxFrameBytes))

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		inv, err := protocol.DecodeInvocation(data)
		if err != nil {
			logging.Warn(context.Background(), "malformed frame, closing connection",
				zap.String("connectionId", string(c.id)), zap.Error(err))
			c.Kick("protocol violation")
			return
		}

		ctx := logging.WithHub(context.Background(), c.hub)
		c.server.dispatch(ctx, c, inv)
	}
}

// writePump serialises all outbound frames. Critical events flush before
// ordinary events and media.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	write := func(data []byte, ok bool) bool {
		if !ok {
			c.mu.RLock()
			reason := c.kickedFor
			c.mu.RUnlock()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
			_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
			return false
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logging.Error(context.Background(), "error writing message", zap.Error(err))
			return false
		}
		return true
	}

	for {
		// Drain critical first.
		select {
		case data, ok := <-c.critical:
			if !write(data, ok) {
				return
			}
			continue
		default:
		}

		select {
		case data, ok := <-c.critical:
			if !write(data, ok) {
				return
			}
		case data, ok := <-c.send:
			if !write(data, ok) {
				return
			}
		case data, ok := <-c.media:
			if !write(data, ok) {
				return
			}
		}
	}
}
