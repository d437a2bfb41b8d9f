package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for the hub fabric.
type Config struct {
	// Required
	Port string

	// Auth
	AuthDomain      string // JWKS issuer domain
	AuthAudience    string
	JWTSecret       string // HMAC fallback for development
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Redis (optional; presence mirror + limiter store)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Tracing
	TracingEnabled bool
	OtelCollector  string

	// Rate limit formats (ulule/limiter "count-period")
	RateLimitWsIP   string
	RateLimitTyping string

	// Hub fabric knobs
	MaxFrameBytes        int           // max receive message size
	HandshakeTimeout     time.Duration // unauthenticated connections expire
	IdleTimeout          time.Duration // 0 disables idle disconnects
	RingTimeout          time.Duration // ringing -> missed
	EditWindow           time.Duration // chat message edit window
	UploadCeilingBytes   int64         // per-sender screen-frame bytes per second
	DownloadCeilingBytes int64         // per-viewer media bytes per second (advisory)
	RoomMaxParticipants  int           // upper clamp; lower clamp is 2
	MaxStreamsPerChannel int
	ChatHistoryLimit     int
}

// ValidateEnv validates all environment variables and returns a Config.
// Returns an error listing every invalid or missing variable.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.AuthDomain = os.Getenv("AUTH_DOMAIN")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	if !cfg.SkipAuth && cfg.AuthDomain == "" && cfg.JWTSecret == "" {
		if cfg.DevelopmentMode {
			slog.Warn("⚠️  Development Mode: no auth configuration found, auto-enabling SKIP_AUTH")
			cfg.SkipAuth = true
		} else {
			errs = append(errs, "one of AUTH_DOMAIN (JWKS) or JWT_SECRET (HMAC) is required when SKIP_AUTH=false")
		}
	}
	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.TracingEnabled = os.Getenv("TRACING_ENABLED") == "true"
	if cfg.TracingEnabled {
		cfg.OtelCollector = getEnvOrDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")
		if !isValidHostPort(cfg.OtelCollector) {
			errs = append(errs, fmt.Sprintf("OTEL_COLLECTOR_ADDR must be in format 'host:port' (got '%s')", cfg.OtelCollector))
		}
	}

	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitTyping = getEnvOrDefault("RATE_LIMIT_TYPING", "10-S")

	var err error
	if cfg.MaxFrameBytes, err = intEnv("MAX_FRAME_BYTES", 1<<20); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.HandshakeTimeout, err = durationEnv("HANDSHAKE_TIMEOUT", 5*time.Minute); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.IdleTimeout, err = durationEnv("IDLE_TIMEOUT", 0); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.RingTimeout, err = durationEnv("RING_TIMEOUT", 30*time.Second); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.EditWindow, err = durationEnv("CHAT_EDIT_WINDOW", 15*time.Minute); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.UploadCeilingBytes, err = int64Env("UPLOAD_CEILING_BYTES", 30<<20); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.DownloadCeilingBytes, err = int64Env("DOWNLOAD_CEILING_BYTES", 50<<20); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.RoomMaxParticipants, err = intEnv("ROOM_MAX_PARTICIPANTS", 50); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.RoomMaxParticipants < 2 || cfg.RoomMaxParticipants > 50 {
		errs = append(errs, fmt.Sprintf("ROOM_MAX_PARTICIPANTS must be between 2 and 50 (got %d)", cfg.RoomMaxParticipants))
	}
	if cfg.MaxStreamsPerChannel, err = intEnv("MAX_STREAMS_PER_CHANNEL", 10); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.ChatHistoryLimit, err = intEnv("CHAT_HISTORY_LIMIT", 50); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// Default returns the knob defaults without touching the environment. Tests
// and embedded callers start from this.
func Default() *Config {
	return &Config{
		Port:                 "8080",
		MaxFrameBytes:        1 << 20,
		HandshakeTimeout:     5 * time.Minute,
		RingTimeout:          30 * time.Second,
		EditWindow:           15 * time.Minute,
		UploadCeilingBytes:   30 << 20,
		DownloadCeilingBytes: 50 << 20,
		RoomMaxParticipants:  50,
		MaxStreamsPerChannel: 10,
		ChatHistoryLimit:     50,
		RateLimitWsIP:        "100-M",
		RateLimitTyping:      "10-S",
	}
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func intEnv(key string, def int) (int, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer (got '%s')", key, raw)
	}
	return v, nil
}

func int64Env(key string, def int64) (int64, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer (got '%s')", key, raw)
	}
	return v, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a duration like '30s' or '5m' (got '%s')", key, raw)
	}
	return v, nil
}

func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"auth_domain", cfg.AuthDomain,
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"skip_auth", cfg.SkipAuth,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"tracing_enabled", cfg.TracingEnabled,
		"development_mode", cfg.DevelopmentMode,
		"handshake_timeout", cfg.HandshakeTimeout,
		"ring_timeout", cfg.RingTimeout,
		"edit_window", cfg.EditWindow,
		"upload_ceiling_bytes", cfg.UploadCeilingBytes,
	)
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
