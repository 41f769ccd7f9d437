package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/querymesh/querymesh/internal/bootstrap"
	"github.com/querymesh/querymesh/internal/config"
	"github.com/querymesh/querymesh/internal/observability"
)

// querymesh-indexer performs a single indexing run and exits non-zero when
// any table failed to index.
func main() {
	cfg, err := config.LoadFromEnv("querymesh-indexer")
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

	summary, err := bootstrap.NewIndexer(db, cfg, embedder, logger).Run(ctx)
	if err != nil {
		logger.Error("index run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("index run completed",
		slog.Int("tables", summary.Tables),
		slog.Int("embedded", summary.Embedded),
		slog.Int("unchanged", summary.Unchanged),
		slog.Int("failed", summary.Failed),
		slog.Int64("stale_removed", summary.Stale),
		slog.Int64("pruned", summary.Pruned),
		slog.Any("errors", summary.Errors),
	)
	if summary.Failed > 0 {
		os.Exit(2)
	}
}
