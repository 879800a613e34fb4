// Package main is the entry point for the chat memory server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chatmemory "github.com/blueberrycongee/chatmemory"
	"github.com/blueberrycongee/chatmemory/internal/api"
	"github.com/blueberrycongee/chatmemory/internal/config"
	"github.com/blueberrycongee/chatmemory/internal/healthcheck"
	"github.com/blueberrycongee/chatmemory/internal/observability"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger until the configured one is built.
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfgManager, err := config.NewManager(*configPath, bootLogger)
	if err != nil {
		bootLogger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting chatmemory server", "version", chatmemory.Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracer, err := observability.InitTracing(ctx, tracingConfig(cfg.Tracing))
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	secrets, err := buildSecretManager(ctx, cfg.Secrets, logger)
	if err != nil {
		logger.Error("failed to initialize secrets", "error", err)
		os.Exit(1)
	}
	// Resolve on a copy; the manager keeps the references for reloads.
	resolved := *cfg
	if err := resolveSecrets(ctx, secrets, &resolved); err != nil {
		logger.Error("failed to resolve secrets", "error", err)
		os.Exit(1)
	}
	cfg = &resolved

	rdb, err := buildRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	deps, err := buildComponents(ctx, cfg, rdb, logger)
	if err != nil {
		logger.Error("failed to build memory client", "error", err)
		os.Exit(1)
	}
	client, err := chatmemory.New(deps.Options...)
	if err != nil {
		logger.Error("failed to create memory client", "error", err)
		os.Exit(1)
	}

	// Presets hot-reload; backends need a restart.
	cfgManager.OnChange(func(next *config.Config) {
		if err := client.UpdateSettings(next.Memory); err != nil {
			logger.Error("rejected reloaded memory settings", "error", err)
			return
		}
		logger.Info("memory settings reloaded")
	})
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	prober := healthcheck.NewProber(cfg.Health, readinessChecks(rdb, deps.Breakers), logger)
	prober.Start(ctx)

	handler := api.NewHandler(client, logger)
	handler.SetReadiness(prober)
	mux, err := buildMux(cfg, handler)
	if err != nil {
		logger.Error("failed to build routes", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      buildMiddlewareStack(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := client.Close(); err != nil {
		logger.Error("memory client close error", "error", err)
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}
	_ = secrets.Close()
	_ = cfgManager.Close()
	logger.Info("server stopped")
}
