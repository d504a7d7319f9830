package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"magicwork-backend/internal/config"
	"magicwork-backend/internal/database"
	"magicwork-backend/internal/handlers"
	"magicwork-backend/internal/logging"
	"magicwork-backend/internal/middleware"
	"magicwork-backend/internal/repository"
	"magicwork-backend/internal/router"
	"magicwork-backend/internal/services"
	"magicwork-backend/internal/websocket"
)

func main() {
	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		log.Fatalf("✗ Logger setup failed: %v", err)
	}
	logger.Info("starting usage tracking service", "env", cfg.Env)

	// ──── Step 2: Initialize PostgreSQL Connection Pool ────
	pool, err := database.NewPostgresPool(cfg.DatabaseURL)
	if err != nil {
		logger.Error("postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("postgres connected")

	// ──── Step 3: Run Database Migrations ────
	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), time.Minute)
	err = database.RunMigrations(migrateCtx, pool, cfg.MigrationsDir, logger)
	cancelMigrate()
	if err != nil {
		logger.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// ──── Step 4: Initialize Services ────
	sessionRepo := repository.NewSessionRepo(pool)
	opts := []services.PresenceOption{services.WithSessionTTL(cfg.SessionTTL)}

	// ──── Step 5: Optional Redis push channel ────
	var wsHub *websocket.Hub
	var presence *services.PresenceService
	if cfg.RedisURL != "" {
		rdb, err := database.NewRedisClient(cfg.RedisURL)
		if err != nil {
			logger.Error("redis connection failed", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		logger.Info("redis connected, live count push enabled")

		opts = append(opts, services.WithPublisher(websocket.NewRedisPublisher(rdb)))
		presence = services.NewPresenceService(sessionRepo, logger, opts...)
		wsHub = websocket.NewHub(rdb, presence, logger)
	} else {
		logger.Info("REDIS_URL not set, live counts are poll-only")
		presence = services.NewPresenceService(sessionRepo, logger, opts...)
	}

	// ──── Step 6: Start HTTP Server ────
	r := router.New(
		middleware.NewJWTAuth(cfg.JWTSecret),
		handlers.NewUsageTrackingHandler(presence),
		handlers.NewHealthHandler(sessionRepo),
		wsHub,
		router.Options{
			AllowedOrigins:     cfg.CORSAllowedOrigins,
			RateLimitPerMinute: cfg.RateLimitPerMinute,
			RequestLogging:     !cfg.IsProduction(),
		},
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		if wsHub != nil {
			wsHub.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
	}()

	logger.Info("ready",
		"addr", server.Addr,
		"session_ttl", presence.TTL(),
		"heartbeat_interval", services.RecommendedHeartbeatInterval,
		"poll_interval", services.RecommendedPollInterval,
	)

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
