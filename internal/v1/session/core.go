// Package session drives the three-phase connection lifecycle: connect ->
// authenticate -> authenticated. Every hub shares one Core; hubs only see
// connections after a successful Authenticate.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harborapp/harbor/backend/go/internal/v1/config"
	"github.com/harborapp/harbor/backend/go/internal/v1/logging"
	"github.com/harborapp/harbor/backend/go/internal/v1/presence"
	"github.com/harborapp/harbor/backend/go/internal/v1/registry"
	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// Methods a connection may invoke while still in handshake state.
const (
	MethodAuthenticate = "Authenticate"
	MethodPing         = "Ping"
)

// Session lifecycle events.
const (
	EventConnectionHandshake   = "ConnectionHandshake"
	EventAuthenticationSuccess = "AuthenticationSuccess"
	EventAuthenticationFailed  = "AuthenticationFailed"
	EventPreconditionFailed    = "PreconditionFailed"
	EventServerError           = "ServerError"
	EventPong                  = "Pong"
)

// AuthFailure kinds.
const (
	AuthKindInvalidToken      = "InvalidToken"
	AuthKindConnectionExpired = "ConnectionExpired"
	AuthKindInvalidHandshake  = "InvalidHandshake"
)

// HandshakePayload is pushed once on accept.
type HandshakePayload struct {
	ConnectionID types.ConnectionID `json:"connectionId"`
	ServerTime   time.Time          `json:"serverTime"`
	Hub          string             `json:"hub"`
}

// AuthFailure is the payload of AuthenticationFailed.
type AuthFailure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// AuthSuccess is the payload of AuthenticationSuccess. SessionID is a fresh
// opaque value per authentication.
type AuthSuccess struct {
	User            types.UserSnapshot `json:"user"`
	ConnectionID    types.ConnectionID `json:"connectionId"`
	AuthenticatedAt time.Time          `json:"authenticatedAt"`
	SessionID       string             `json:"sessionId"`
}

// PongPayload answers a Ping.
type PongPayload struct {
	ServerTime   time.Time          `json:"serverTime"`
	ConnectionID types.ConnectionID `json:"connectionId"`
}

// Core validates tokens and binds users to connections.
type Core struct {
	cfg    *config.Config
	reg    *registry.Registry
	auth   types.AuthService
	mirror *presence.Mirror
}

func NewCore(cfg *config.Config, reg *registry.Registry, auth types.AuthService, mirror *presence.Mirror) *Core {
	return &Core{cfg: cfg, reg: reg, auth: auth, mirror: mirror}
}

// Authenticate runs the handshake's second phase. On failure the caller gets
// an AuthenticationFailed event and the connection stays in handshake state.
func (c *Core) Authenticate(ctx context.Context, s types.Sender, token string) (*types.User, bool) {
	if s.User() != "" {
		s.SendCritical(EventAuthenticationFailed, AuthFailure{Kind: AuthKindInvalidHandshake, Message: "connection already authenticated"})
		return nil, false
	}

	age, err := c.reg.HandshakeAge(s.ID())
	if err != nil {
		s.SendCritical(EventAuthenticationFailed, AuthFailure{Kind: AuthKindInvalidHandshake, Message: "unknown connection"})
		return nil, false
	}
	if age > c.cfg.HandshakeTimeout {
		s.SendCritical(EventAuthenticationFailed, AuthFailure{Kind: AuthKindConnectionExpired, Message: "handshake expired, reconnect"})
		return nil, false
	}

	user, err := c.auth.ValidateToken(ctx, token)
	if err != nil || user == nil {
		logging.Warn(ctx, "token validation failed", zap.String("connectionId", string(s.ID())), zap.Error(err))
		s.SendCritical(EventAuthenticationFailed, AuthFailure{Kind: AuthKindInvalidToken, Message: "invalid token"})
		return nil, false
	}

	first, err := c.reg.Bind(s.ID(), user)
	if err != nil {
		s.SendCritical(EventAuthenticationFailed, AuthFailure{Kind: AuthKindInvalidHandshake, Message: err.Error()})
		return nil, false
	}

	if first {
		// Advisory; failures never block authentication.
		if err := c.auth.SetOnlineStatus(ctx, user.ID, true); err != nil {
			logging.Warn(ctx, "failed to set online status", zap.Error(err))
		}
		c.mirror.SetOnline(ctx, user.ID)
	}

	snapshot, _ := c.reg.Snapshot(user.ID)
	s.SendCritical(EventAuthenticationSuccess, AuthSuccess{
		User:            snapshot,
		ConnectionID:    s.ID(),
		AuthenticatedAt: time.Now().UTC(),
		SessionID:       uuid.NewString(),
	})

	logging.Info(ctx, "connection authenticated",
		zap.String("connectionId", string(s.ID())),
		zap.String("userId", string(user.ID)),
		zap.Bool("firstConnection", first))
	return user, true
}

// Ping refreshes last-seen and answers with server time.
func (c *Core) Ping(_ context.Context, s types.Sender) {
	c.reg.Touch(s.ID())
	s.Send(EventPong, PongPayload{ServerTime: time.Now().UTC(), ConnectionID: s.ID()})
}

// UserOffline records the loss of a user's last connection.
func (c *Core) UserOffline(ctx context.Context, user types.UserID) {
	if err := c.auth.SetOnlineStatus(ctx, user, false); err != nil {
		logging.Warn(ctx, "failed to clear online status", zap.Error(err))
	}
	c.mirror.SetOffline(ctx, user)
}
