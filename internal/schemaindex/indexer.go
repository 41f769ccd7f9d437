package schemaindex

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/querymesh/querymesh/internal/catalog"
	"github.com/querymesh/querymesh/internal/embedding"
	"github.com/querymesh/querymesh/internal/observability"
)

type MetadataSource interface {
	Tables(ctx context.Context, schema string) ([]catalog.Table, error)
}

type IndexerConfig struct {
	Database string
	// Schema limits indexing to one schema; empty indexes every user schema.
	Schema string
}

type Indexer struct {
	index    *Index
	source   MetadataSource
	embedder embedding.Provider
	cfg      IndexerConfig
	logger   *slog.Logger
}

// RunSummary counts the outcome per table. Errors lists the tables that
// failed, which does not fail the run as a whole.
type RunSummary struct {
	Tables    int      `json:"tables"`
	Embedded  int      `json:"embedded"`
	Unchanged int      `json:"unchanged"`
	Failed    int      `json:"failed"`
	Stale     int64    `json:"stale_removed"`
	Pruned    int64    `json:"pruned"`
	Errors    []string `json:"errors,omitempty"`
}

func NewIndexer(index *Index, source MetadataSource, embedder embedding.Provider, cfg IndexerConfig, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Indexer{index: index, source: source, embedder: embedder, cfg: cfg, logger: logger}
}

// Run reads live metadata, embeds tables whose rendered text changed, drops
// descriptors with outdated hashes and prunes tables that no longer exist.
// Failures on single tables are recorded in the summary and do not stop the
// run; the error is reserved for failures that affect every table.
func (x *Indexer) Run(ctx context.Context) (RunSummary, error) {
	tables, err := x.source.Tables(ctx, x.cfg.Schema)
	if err != nil {
		return RunSummary{}, fmt.Errorf("read metadata: %w", err)
	}

	summary := RunSummary{Tables: len(tables)}
	for _, table := range tables {
		desc := catalog.Describe(x.cfg.Database, table)
		status, err := x.indexTable(ctx, desc)
		if err == nil {
			var removed int64
			removed, err = x.index.store.DeleteStale(ctx, desc)
			if err != nil {
				status = "failed"
				err = fmt.Errorf("delete stale: %w", err)
			}
			summary.Stale += removed
		}
		observability.ObserveIndexedRelation(status)

		switch status {
		case "embedded":
			summary.Embedded++
		case "unchanged":
			summary.Unchanged++
		default:
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", table.QualifiedName(), err))
			x.logger.WarnContext(ctx, "index relation failed", "table", table.QualifiedName(), "error", err)
		}
	}

	pruned, err := x.index.store.PruneMissing(ctx, x.cfg.Database, tables)
	if err != nil {
		return summary, fmt.Errorf("prune missing relations: %w", err)
	}
	summary.Pruned = pruned

	x.logger.InfoContext(ctx, "schema index run finished",
		"tables", summary.Tables,
		"embedded", summary.Embedded,
		"unchanged", summary.Unchanged,
		"failed", summary.Failed,
		"stale_removed", summary.Stale,
		"pruned", summary.Pruned,
	)
	return summary, nil
}

func (x *Indexer) indexTable(ctx context.Context, desc catalog.RelationDescriptor) (string, error) {
	exists, err := x.index.store.Exists(ctx, desc)
	if err != nil {
		return "failed", err
	}
	if exists {
		return "unchanged", nil
	}

	vec, err := x.embedder.Embed(ctx, desc.Text)
	if err != nil {
		return "failed", err
	}
	desc.Embedding = vec
	if _, err := x.index.Upsert(ctx, desc); err != nil {
		return "failed", err
	}
	return "embedded", nil
}
