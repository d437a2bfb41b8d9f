package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/harborapp/harbor/backend/go/internal/v1/config"
	"github.com/harborapp/harbor/backend/go/internal/v1/logging"
	"github.com/harborapp/harbor/backend/go/internal/v1/metrics"
	"github.com/harborapp/harbor/backend/go/internal/v1/protocol"
	"github.com/harborapp/harbor/backend/go/internal/v1/ratelimit"
	"github.com/harborapp/harbor/backend/go/internal/v1/registry"
	"github.com/harborapp/harbor/backend/go/internal/v1/session"
	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// Hub is one of the five logical hubs a connection can bind to. A hub
// registers its method table once and receives lifecycle callbacks.
type Hub interface {
	Name() string
	RegisterMethods(r *Router)
	// OnAuthenticated enrols the connection in default groups and streams
	// initial state.
	OnAuthenticated(ctx context.Context, s types.Sender, user *types.User)
	// OnDisconnect runs hub-specific cleanup while the connection is still in
	// the registry and its groups.
	OnDisconnect(ctx context.Context, s types.Sender, user types.UserID)
	// OnUserOffline runs after the user's last connection is removed.
	OnUserOffline(ctx context.Context, user types.UserID)
}

// HandlerFunc handles one dispatched invocation.
type HandlerFunc func(ctx context.Context, s types.Sender, inv *protocol.Invocation)

// Router is a hub's method table.
type Router struct {
	handlers map[string]HandlerFunc
}

func newRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// Handle registers a method handler. Registering a method twice is a
// programming error.
func (r *Router) Handle(method string, h HandlerFunc) {
	if _, dup := r.handlers[method]; dup {
		panic("transport: duplicate method " + method)
	}
	r.handlers[method] = h
}

// Server accepts connections, drives the handshake, and dispatches
// invocations to the bound hub.
type Server struct {
	cfg      *config.Config
	reg      *registry.Registry
	groups   *registry.GroupRouter
	core     *session.Core
	limiter  *ratelimit.Limiter
	hubs     map[string]Hub
	routers  map[string]*Router
	stopOnce sync.Once
	stop     chan struct{}
}

func NewServer(cfg *config.Config, reg *registry.Registry, groups *registry.GroupRouter, core *session.Core, limiter *ratelimit.Limiter) *Server {
	return &Server{
		cfg:     cfg,
		reg:     reg,
		groups:  groups,
		core:    core,
		limiter: limiter,
		hubs:    make(map[string]Hub),
		routers: make(map[string]*Router),
		stop:    make(chan struct{}),
	}
}

// RegisterHub mounts a hub under its name and collects its method table.
func (s *Server) RegisterHub(h Hub) {
	r := newRouter()
	h.RegisterMethods(r)
	s.hubs[h.Name()] = h
	s.routers[h.Name()] = r
}

// ServeWs upgrades the request for the hub named in the path and starts the
// connection lifecycle with the handshake event.
func (s *Server) ServeWs(c *gin.Context) {
	hubName := c.Param("hub")
	hub, ok := s.hubs[hubName]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown hub"})
		return
	}

	if s.limiter != nil && !s.limiter.CheckWebSocket(c) {
		return // response already written
	}

	allowedOrigins := allowedOriginsFrom(s.cfg.AllowedOrigins)
	if err := validateOrigin(c.Request, allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to upgrade connection", zap.Error(err))
		return
	}

	s.HandleConnection(conn, hub)
}

// HandleConnection registers an established connection and starts its pumps.
// Split from ServeWs so tests can drive fake connections.
func (s *Server) HandleConnection(conn wsConnection, hub Hub) *Client {
	client := newClient(types.ConnectionID(uuid.NewString()), hub.Name(), conn, s)
	s.reg.Add(client)

	client.SendCritical(session.EventConnectionHandshake, session.HandshakePayload{
		ConnectionID: client.ID(),
		ServerTime:   time.Now().UTC(),
		Hub:          hub.Name(),
	})

	go client.writePump()
	go client.readPump()
	return client
}

// dispatch routes one invocation. Connections still in handshake may only
// invoke Authenticate or Ping.
func (s *Server) dispatch(ctx context.Context, c *Client, inv *protocol.Invocation) {
	hub := s.hubs[c.hub]
	timer := time.Now()
	status := "ok"
	defer func() {
		metrics.Invocations.WithLabelValues(c.hub, inv.Method, status).Inc()
		metrics.DispatchDuration.WithLabelValues(c.hub).Observe(time.Since(timer).Seconds())
	}()

	switch inv.Method {
	case session.MethodAuthenticate:
		token, err := inv.StringArg(0)
		if err != nil {
			status = "bad_args"
			c.SendCritical(session.EventAuthenticationFailed, session.AuthFailure{Kind: session.AuthKindInvalidToken, Message: "token argument required"})
			return
		}
		user, ok := s.core.Authenticate(ctx, c, token)
		if !ok {
			status = "auth_failed"
			return
		}
		c.setUser(user.ID)
		hub.OnAuthenticated(logging.WithUser(ctx, string(user.ID)), c, user)
		return
	case session.MethodPing:
		s.core.Ping(ctx, c)
		return
	}

	if c.User() == "" {
		status = "precondition_failed"
		c.SendCritical(session.EventPreconditionFailed, inv.Method, "authentication required")
		return
	}
	s.reg.Touch(c.ID())

	handler, ok := s.routers[c.hub].handlers[inv.Method]
	if !ok {
		status = "unknown_method"
		c.Send(session.EventPreconditionFailed, inv.Method, "unknown method")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			logging.Error(ctx, "handler panic",
				zap.String("method", inv.Method), zap.Any("panic", r))
			c.Send(session.EventServerError, inv.Method)
		}
	}()
	handler(logging.WithUser(ctx, string(c.User())), c, inv)
}

// handleDisconnect tears down a dead connection in the §5 cleanup order:
// hub-specific cleanup first (while groups are intact), then group
// membership, then registry/presence, then offline announcements.
func (s *Server) handleDisconnect(c *Client) {
	c.Kick("connection closed")

	ctx := logging.WithHub(context.Background(), c.hub)
	hub := s.hubs[c.hub]
	user := s.reg.UserOf(c.ID())

	if user != "" {
		hub.OnDisconnect(ctx, c, user)
	}

	s.groups.LeaveAll(c.ID())
	gone, last := s.reg.Remove(c.ID())

	if last && gone != "" {
		s.core.UserOffline(ctx, gone)
		hub.OnUserOffline(ctx, gone)
	}
}

// StartSweeper disconnects expired handshakes and, when configured, idle
// authenticated connections.
func (s *Server) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				for _, sender := range s.reg.ExpiredHandshakes(s.cfg.HandshakeTimeout) {
					sender.Kick("handshake expired")
				}
				if s.cfg.IdleTimeout > 0 {
					for _, sender := range s.reg.IdleConnections(s.cfg.IdleTimeout) {
						sender.Kick("idle timeout")
					}
				}
			}
		}
	}()
}

// Shutdown closes every live connection gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	logging.Info(ctx, "shutting down transport, closing all connections")
	for _, snap := range s.reg.OnlineUsers() {
		for _, sender := range s.reg.SendersOf(snap.ID) {
			sender.Kick("server shutting down")
		}
	}
	return nil
}

// --- origin validation ---

func allowedOriginsFrom(raw string) []string {
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validateOrigin checks if the request origin is in the allowed list.
// Requests without an Origin header (non-browser clients) are allowed.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(context.Background(), "invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return err
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), "origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}
