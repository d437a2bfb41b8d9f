package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/harborapp/harbor/backend/go/internal/v1/auth"
	"github.com/harborapp/harbor/backend/go/internal/v1/chat"
	"github.com/harborapp/harbor/backend/go/internal/v1/config"
	"github.com/harborapp/harbor/backend/go/internal/v1/content"
	"github.com/harborapp/harbor/backend/go/internal/v1/friends"
	"github.com/harborapp/harbor/backend/go/internal/v1/health"
	"github.com/harborapp/harbor/backend/go/internal/v1/logging"
	"github.com/harborapp/harbor/backend/go/internal/v1/notify"
	"github.com/harborapp/harbor/backend/go/internal/v1/presence"
	"github.com/harborapp/harbor/backend/go/internal/v1/push"
	"github.com/harborapp/harbor/backend/go/internal/v1/ratelimit"
	"github.com/harborapp/harbor/backend/go/internal/v1/registry"
	"github.com/harborapp/harbor/backend/go/internal/v1/session"
	"github.com/harborapp/harbor/backend/go/internal/v1/store"
	"github.com/harborapp/harbor/backend/go/internal/v1/tracing"
	"github.com/harborapp/harbor/backend/go/internal/v1/transport"
	"github.com/harborapp/harbor/backend/go/internal/v1/types"
	"github.com/harborapp/harbor/backend/go/internal/v1/voice"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(context.Background(), "harbor-hub", cfg.OtelCollector)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("Failed to shut down tracer provider", "error", err)
			}
		}()
		slog.Info("✅ Tracing initialized", "collector", cfg.OtelCollector)
	}

	// --- Redis Presence Mirror (Optional) ---
	var mirror *presence.Mirror
	if cfg.RedisEnabled {
		mirror, err = presence.NewMirror(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			mirror = nil
		} else {
			slog.Info("✅ Redis presence mirror initialized", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Rate Limiter ---
	limiter, err := ratelimit.New(cfg, mirror.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Storage & Auth ---
	mem := store.NewMemory()
	authService := buildAuthService(cfg, mem)

	// --- Hub Fabric ---
	reg := registry.New()
	groups := registry.NewGroupRouter(reg)
	core := session.NewCore(cfg, reg, authService, mirror)
	server := transport.NewServer(cfg, reg, groups, core, limiter)

	chatHub := chat.NewHub(cfg, reg, groups, mem, limiter)
	friendsHub := friends.NewHub(cfg, reg, groups, mem, authService, limiter)
	voiceHub := voice.NewHub(cfg, reg, groups)
	notifyHub := notify.NewHub(reg, groups, mem)
	contentHub := content.NewHub(reg, groups, mem)

	server.RegisterHub(chatHub)
	server.RegisterHub(friendsHub)
	server.RegisterHub(voiceHub)
	server.RegisterHub(notifyHub)
	server.RegisterHub(contentHub)

	server.StartSweeper(30 * time.Second)

	pushService := push.NewService(reg, groups, contentHub, notifyHub)

	// --- HTTP Server ---
	router := gin.Default()
	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware("harbor-hub"))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins(cfg.AllowedOrigins)
	router.Use(cors.New(corsConfig))
	router.Use(gin.Recovery())

	wsGroup := router.Group("/ws/v1")
	{
		wsGroup.GET("/:hub", server.ServeWs)
	}

	pushService.RegisterRoutes(router)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(mirror)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	go func() {
		slog.Info("Hub server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Error during transport shutdown:", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	if mirror != nil {
		if err := mirror.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Server exiting")
}

// buildAuthService picks the token validator: JWKS in production, HMAC when
// only a shared secret is configured, and a permissive static directory when
// auth is skipped for development.
func buildAuthService(cfg *config.Config, directory auth.UserDirectory) types.AuthService {
	if cfg.SkipAuth {
		slog.Warn("⚠️ Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		static := auth.NewStaticService()
		static.AddUser("dev-token", &types.User{
			ID:       "dev-user",
			Username: "dev",
			Role:     types.RoleAdmin,
		})
		return static
	}

	var validator auth.TokenValidator
	if cfg.AuthDomain != "" {
		v, err := auth.NewValidator(context.Background(), cfg.AuthDomain, cfg.AuthAudience)
		if err != nil {
			slog.Error("Failed to create auth validator", "error", err)
			os.Exit(1)
		}
		slog.Info("✅ JWKS validator initialized", "domain", cfg.AuthDomain, "audience", cfg.AuthAudience)
		validator = v
	} else {
		slog.Warn("⚠️  Using HMAC token validation (JWT_SECRET); intended for development")
		validator = auth.NewHMACValidator(cfg.JWTSecret)
	}
	return auth.NewService(validator, directory)
}

func allowedOrigins(raw string) []string {
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
