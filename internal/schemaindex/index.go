// Package schemaindex narrows a database schema to the relations relevant to
// a prompt and keeps the stored relation embeddings in sync with the catalog.
package schemaindex

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/querymesh/querymesh/internal/catalog"
	"github.com/querymesh/querymesh/internal/observability"
)

const (
	DefaultTopK          = 5
	DefaultMinSimilarity = 0.10
)

type Store interface {
	Exists(ctx context.Context, desc catalog.RelationDescriptor) (bool, error)
	Insert(ctx context.Context, desc catalog.RelationDescriptor) (bool, error)
	Search(ctx context.Context, database string, vec []float32, limit int) ([]catalog.ScoredRelation, error)
	DeleteStale(ctx context.Context, desc catalog.RelationDescriptor) (int64, error)
	PruneMissing(ctx context.Context, database string, live []catalog.Table) (int64, error)
}

type Config struct {
	Database      string
	TopK          int
	MinSimilarity float64
}

type Index struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

func New(store Store, cfg Config, logger *slog.Logger) *Index {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Index{store: store, cfg: cfg, logger: logger}
}

// Upsert stores desc unless a descriptor with the same table and hash is
// already present. Calling it twice with the same descriptor writes one row.
func (i *Index) Upsert(ctx context.Context, desc catalog.RelationDescriptor) (bool, error) {
	exists, err := i.store.Exists(ctx, desc)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	return i.store.Insert(ctx, desc)
}

// Retrieve returns at most topK relations ranked by similarity to vec,
// dropping any at or below the relevance floor. topK <= 0 uses the default.
func (i *Index) Retrieve(ctx context.Context, vec []float32, topK int) ([]catalog.ScoredRelation, error) {
	if topK <= 0 {
		topK = i.cfg.TopK
	}
	candidates, err := i.store.Search(ctx, i.cfg.Database, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("retrieve relations: %w", err)
	}

	out := make([]catalog.ScoredRelation, 0, len(candidates))
	for _, rel := range candidates {
		if rel.Similarity <= i.cfg.MinSimilarity {
			continue
		}
		out = append(out, rel)
		if len(out) == topK {
			break
		}
	}
	i.logger.DebugContext(ctx, "relations retrieved", "candidates", len(candidates), "kept", len(out))
	return out, nil
}
