package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"swiftchat/internal/config"
	"swiftchat/internal/httpserver"
	"swiftchat/internal/pipeline"
	"swiftchat/internal/presence"
	"swiftchat/internal/registry"
	"swiftchat/internal/security"
	"swiftchat/internal/store/sqlite"
	"swiftchat/internal/ws"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	slog.SetDefault(log)

	// Initialize database
	db, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := sqlite.Migrate(db); err != nil {
		log.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Security components
	tokenSvc := security.NewTokenService(cfg.JWTSecret, cfg.AccessTokenTTL)
	passwordHasher := security.NewPasswordHasher(0)

	// Repositories shared by the realtime components
	userRepo := sqlite.NewUserRepo(db)
	convRepo := sqlite.NewConversationRepo(db)
	msgRepo := sqlite.NewMessageRepo(db)
	partRepo := sqlite.NewParticipantRepo(db)

	// Presence tracker and connection registry. The tracker is built first
	// because the registry takes its transition callback at construction.
	tracker := presence.NewTracker(userRepo, partRepo, log, cfg.PresenceDebounce)
	reg := registry.New(tracker.OnTransition)
	tracker.SetRegistry(reg)

	// Message pipeline
	pipe := pipeline.New(convRepo, partRepo, msgRepo, reg, log, pipeline.Options{
		MaxContentLength:  cfg.MaxMessageLength,
		Workers:           cfg.PipelineWorkers,
		QueueSize:         cfg.PipelineQueueSize,
		IdempotencyWindow: cfg.IdempotencyWindow,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipe.Start(ctx, cfg.PipelineWorkers)

	// Build HTTP router
	router := httpserver.NewRouter(cfg, db, reg, pipe, tokenSvc, passwordHasher, log)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		log.Info("starting server", "addr", cfg.HTTPAddr(), "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}

	ws.Drain(reg)
	pipe.Stop()
	cancel()
	tracker.Stop()
}

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.Production() {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
