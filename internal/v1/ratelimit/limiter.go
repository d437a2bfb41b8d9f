// Package ratelimit guards the websocket upgrade path per-IP and throttles
// chatty invocations (typing indicators) per-user.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/harborapp/harbor/backend/go/internal/v1/config"
	"github.com/harborapp/harbor/backend/go/internal/v1/logging"
)

// Limiter holds the rate limiter instances.
type Limiter struct {
	wsIP   *limiter.Limiter
	typing *limiter.Limiter
	store  limiter.Store
}

// New creates a Limiter backed by Redis when a client is supplied, falling
// back to an in-memory store otherwise.
func New(cfg *config.Config, redisClient *redis.Client) (*Limiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}
	typingRate, err := limiter.NewRateFromFormatted(cfg.RateLimitTyping)
	if err != nil {
		return nil, fmt.Errorf("invalid typing rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "✅ Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "⚠️  Rate limiter using Memory store (Redis disabled or unavailable)")
	}

	return &Limiter{
		wsIP:   limiter.New(store, wsIPRate),
		typing: limiter.New(store, typingRate),
		store:  store,
	}, nil
}

// CheckWebSocket enforces the per-IP upgrade limit. Writes a 429 and returns
// false when the limit is exceeded.
func (l *Limiter) CheckWebSocket(c *gin.Context) bool {
	key := "ws:ip:" + c.ClientIP()
	lctx, err := l.wsIP.Get(c.Request.Context(), key)
	if err != nil {
		// Fail open: a broken limiter store must not take down upgrades.
		logging.Warn(c.Request.Context(), "rate limiter store error, allowing request")
		return true
	}
	if lctx.Reached {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return false
	}
	return true
}

// AllowTyping reports whether the user may emit another typing indicator.
// Excess indicators are silently discarded.
func (l *Limiter) AllowTyping(ctx context.Context, userID string) bool {
	if l == nil {
		return true
	}
	lctx, err := l.typing.Get(ctx, "typing:"+userID)
	if err != nil {
		return true
	}
	return !lctx.Reached
}
