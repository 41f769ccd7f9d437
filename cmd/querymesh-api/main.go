package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/querymesh/querymesh/internal/api"
	"github.com/querymesh/querymesh/internal/auth"
	"github.com/querymesh/querymesh/internal/bootstrap"
	"github.com/querymesh/querymesh/internal/config"
	"github.com/querymesh/querymesh/internal/observability"
)

func main() {
	cfg, err := config.LoadFromEnv("querymesh-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := bootstrap.OpenDatabase(ctx, cfg)
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	app, err := bootstrap.NewPipeline(ctx, db, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize prompt pipeline", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = app.Close() }()

	deps := api.Dependencies{
		Logger:  logger,
		Prompts: app.Service,
		Indexer: app.Indexer,
		Readiness: api.CombineReadinessChecks(
			api.CheckTarget(cfg),
			api.CheckPing("database", pingDB{db: db}),
			api.CheckPing("cache", app.Cache),
		),
		DependencyTimeout: time.Second,
	}
	if app.Exporter != nil {
		deps.Results = app.Exporter
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("cache_backend", cfg.Cache.Backend),
			slog.String("generation_provider", cfg.Generation.Provider),
			slog.Bool("export_enabled", app.Exporter != nil),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

type pingDB struct {
	db interface {
		PingContext(ctx context.Context) error
	}
}

func (p pingDB) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
