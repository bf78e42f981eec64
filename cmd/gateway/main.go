package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelmesh/api-gateway/internal/gateway/handlers"
	"github.com/modelmesh/api-gateway/internal/gateway/proxy"
	"github.com/modelmesh/api-gateway/internal/gateway/ratelimit"
	"github.com/modelmesh/api-gateway/internal/shared/config"
	"github.com/modelmesh/api-gateway/internal/shared/database"
	"github.com/modelmesh/api-gateway/internal/shared/logger"
	"github.com/modelmesh/api-gateway/internal/shared/redis"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	zlog.Info("starting api gateway",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		zlog.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	zlog.Info("connected to PostgreSQL")

	// Pick the rate limit window store. Redis is required for correctness
	// when running more than one gateway replica; the in-memory store is a
	// single-instance development fallback.
	var limiter ratelimit.Store
	if cfg.RedisURL != "" {
		redisClient, err := redis.New(ctx, cfg.RedisURL)
		if err != nil {
			zlog.Fatal("failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		limiter = ratelimit.NewRedisStore(redisClient)
		zlog.Info("connected to Redis, rate limit windows are replica-safe")
	} else {
		limiter = ratelimit.NewMemoryStore()
		zlog.Warn("REDIS_URL not set, using in-memory rate limit store (single instance only)")
	}

	middleware := handlers.NewMiddleware(db, limiter, cfg, zlog)
	proxyHandler := handlers.NewProxyHandler(db, proxy.NewClient(cfg.DefaultTimeout), cfg, zlog)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.UsageRecorder)
	r.Use(middleware.Timing)
	r.Use(middleware.CORS)
	r.Use(middleware.Recoverer)

	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	// Health check (no auth required)
	r.Get("/health", handlers.Health)

	// Proxied API routes (auth and rate limiting)
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth)
		if cfg.RateLimitEnabled {
			r.Use(middleware.RateLimit)
		}

		r.HandleFunc("/{model}/{endpoint}", proxyHandler.Handle)
		r.HandleFunc("/{model}/{endpoint}/*", proxyHandler.Handle)
	})

	// HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: cfg.DefaultTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		zlog.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	zlog.Info("shutting down gracefully")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("server shutdown error", zap.Error(err))
	}

	zlog.Info("server stopped")
}
