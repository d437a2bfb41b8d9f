// Package presence mirrors the online-user set into Redis for external
// consumers (dashboards, REST controllers). The mirror is advisory: the hub
// fabric never reads it to make decisions, and a nil Mirror is a no-op so
// single-instance deployments run without Redis.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/harborapp/harbor/backend/go/internal/v1/metrics"
	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

const onlineKey = "presence:online"

// Mirror maintains the presence:online set behind a circuit breaker so a
// Redis outage cannot stall authentication.
type Mirror struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client, nil in single-instance mode.
func (m *Mirror) Client() *redis.Client {
	if m == nil {
		return nil
	}
	return m.client
}

// NewMirror connects to Redis and verifies connectivity.
func NewMirror(addr, password string) (*Mirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis presence mirror", "addr", addr)
	return &Mirror{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// SetOnline adds the user to the online set.
func (m *Mirror) SetOnline(ctx context.Context, user types.UserID) {
	m.execute(ctx, "SetOnline", func() error {
		return m.client.SAdd(ctx, onlineKey, string(user)).Err()
	})
}

// SetOffline removes the user from the online set.
func (m *Mirror) SetOffline(ctx context.Context, user types.UserID) {
	m.execute(ctx, "SetOffline", func() error {
		return m.client.SRem(ctx, onlineKey, string(user)).Err()
	})
}

// Online returns the mirrored online set.
func (m *Mirror) Online(ctx context.Context) ([]string, error) {
	if m == nil || m.client == nil {
		return nil, nil
	}
	res, err := m.cb.Execute(func() (any, error) {
		return m.client.SMembers(ctx, onlineKey).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// Ping verifies Redis connectivity for readiness checks.
func (m *Mirror) Ping(ctx context.Context) error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (m *Mirror) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

func (m *Mirror) execute(ctx context.Context, op string, fn func() error) {
	if m == nil || m.client == nil {
		return
	}
	if _, err := m.cb.Execute(func() (any, error) { return nil, fn() }); err != nil {
		slog.Warn("presence mirror operation failed", "op", op, "error", err)
	}
}
