package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/querymesh/querymesh/internal/bootstrap"
	"github.com/querymesh/querymesh/internal/config"
	"github.com/querymesh/querymesh/internal/maintenance"
	"github.com/querymesh/querymesh/internal/observability"
)

func main() {
	cfg, err := config.LoadFromEnv("querymesh-maintainer")
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

	embedder, err := bootstrap.NewEmbedder(cfg)
	if err != nil {
		logger.Error("failed to initialize embedder", slog.Any("error", err))
		os.Exit(1)
	}
	semanticCache, closeCache, err := bootstrap.NewCache(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize cache", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = closeCache() }()

	svc := &maintenance.Service{
		Indexer: bootstrap.NewIndexer(db, cfg, embedder, logger),
		Config: maintenance.Config{
			ReindexInterval:     cfg.Maintenance.ReindexInterval,
			CachePurgeInterval:  cfg.Maintenance.CachePurgeInterval,
			ExportPurgeInterval: cfg.Maintenance.ExportPurgeInterval,
			ExportRetention:     cfg.Export.Retention,
		},
		Logger: logger,
	}
	if semanticCache.Enabled() {
		svc.Cache = semanticCache
	}
	exporter, err := bootstrap.NewExporter(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize exporter", slog.Any("error", err))
		os.Exit(1)
	}
	if exporter != nil {
		svc.Results = exporter
	}

	logger.Info("maintenance worker started",
		slog.Duration("reindex_interval", cfg.Maintenance.ReindexInterval),
		slog.Duration("cache_purge_interval", cfg.Maintenance.CachePurgeInterval),
		slog.Bool("export_purge", exporter != nil),
	)
	if err := svc.Run(ctx); err != nil {
		logger.Error("maintenance worker failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("maintenance worker stopped")
}
