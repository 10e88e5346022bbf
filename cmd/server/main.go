package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"linkdrop/internal/server/api"
	"linkdrop/internal/server/config"
	"linkdrop/internal/server/database"
	"linkdrop/internal/server/service"
	"linkdrop/internal/server/storage"
)

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg := config.Load()
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"upload_dir", cfg.UploadDir,
		"max_file_size", cfg.MaxFileSize,
		"cleanup_interval", cfg.CleanupInterval,
		"auth_enabled", cfg.JWTSecret != "",
	)

	// Connect to database
	ctx := context.Background()
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	if err := db.RunMigrations(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database migrations complete")

	// Initialize storage
	store := storage.NewFileSystemStore(cfg.UploadDir)
	if err := store.EnsureDir(); err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	slog.Info("file storage initialized", "path", cfg.UploadDir)

	// Initialize registry and service
	registry := database.NewRepository(db)
	progress := service.NewProgressStore(cfg.ProgressMaxEntries, cfg.ProgressRetention)
	svc := service.NewShareService(registry, store, cfg, progress)

	// Start the sweeper; the first sweep runs immediately so anything that
	// expired while the process was down is reclaimed before serving.
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	sweeper := storage.NewSweeper(registry, store, cfg.CleanupInterval)
	sweeper.Start(sweepCtx)

	// Setup HTTP router; the upload rate limiter runs its own eviction
	// goroutine, stopped alongside the sweeper.
	uploadLimiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	handler := api.NewHandler(svc, db)
	e := api.SetupRouter(handler, cfg, uploadLimiter)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop the background workers
	sweepCancel()
	sweeper.Wait()
	uploadLimiter.Stop()

	slog.Info("server exited cleanly")
}
