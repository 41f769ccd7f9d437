// Package bootstrap builds the shared clients every querymesh binary needs
// from a loaded config.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/querymesh/querymesh/internal/cache"
	"github.com/querymesh/querymesh/internal/cache/qdrant"
	"github.com/querymesh/querymesh/internal/cache/valkey"
	catalogpostgres "github.com/querymesh/querymesh/internal/catalog/postgres"
	"github.com/querymesh/querymesh/internal/config"
	"github.com/querymesh/querymesh/internal/embedding"
	openaiembedding "github.com/querymesh/querymesh/internal/embedding/openai"
	"github.com/querymesh/querymesh/internal/export"
	"github.com/querymesh/querymesh/internal/llm"
	"github.com/querymesh/querymesh/internal/llm/anthropic"
	"github.com/querymesh/querymesh/internal/llm/google"
	openaillm "github.com/querymesh/querymesh/internal/llm/openai"
	"github.com/querymesh/querymesh/internal/nl2sql"
	"github.com/querymesh/querymesh/internal/pipeline"
	duckdbengine "github.com/querymesh/querymesh/internal/query/duckdb"
	querypostgres "github.com/querymesh/querymesh/internal/query/postgres"
	"github.com/querymesh/querymesh/internal/schemaindex"
	s3store "github.com/querymesh/querymesh/internal/storage/s3"
	"github.com/querymesh/querymesh/internal/tokens"
)

// Closer releases a client built here. It is never nil.
type Closer func() error

func noopCloser() error { return nil }

func OpenDatabase(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	return catalogpostgres.Open(ctx, catalogpostgres.DBConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
}

func NewEmbedder(cfg config.Config) (embedding.Provider, error) {
	switch cfg.Embedding.Provider {
	case config.ProviderOpenAI:
		return openaiembedding.New(openaiembedding.Config{
			BaseURL:    cfg.Embedding.BaseURL,
			APIKey:     cfg.Embedding.APIKey,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
			Timeout:    cfg.Embedding.Timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Embedding.Provider)
	}
}

func NewGenerator(ctx context.Context, cfg config.Config) (llm.Generator, Closer, error) {
	llmCfg := llm.Config{
		APIKey:      cfg.Generation.APIKey,
		BaseURL:     cfg.Generation.BaseURL,
		Model:       cfg.Generation.Model,
		MaxTokens:   cfg.Generation.MaxTokens,
		Temperature: cfg.Generation.Temperature,
		Timeout:     cfg.Generation.Timeout,
	}
	switch cfg.Generation.Provider {
	case config.ProviderAnthropic:
		generator, err := anthropic.New(llmCfg)
		return generator, noopCloser, err
	case config.ProviderOpenAI:
		generator, err := openaillm.New(llmCfg)
		return generator, noopCloser, err
	case config.ProviderGoogle:
		generator, err := google.New(ctx, llmCfg)
		if err != nil {
			return nil, noopCloser, err
		}
		return generator, generator.Close, nil
	default:
		return nil, noopCloser, fmt.Errorf("unsupported generation provider %q", cfg.Generation.Provider)
	}
}

// NewCache connects the configured vector backend and makes sure its index
// or collection exists. The none backend yields a disabled cache.
func NewCache(ctx context.Context, cfg config.Config, logger *slog.Logger) (*cache.Service, Closer, error) {
	cacheCfg := cache.Config{
		KeyPrefix: cfg.Cache.KeyPrefix,
		TTL:       cfg.Cache.TTL,
		Radius:    cfg.Cache.Radius,
		TopK:      cfg.Cache.TopK,
		Threshold: cfg.Cache.Threshold,
	}

	switch cfg.Cache.Backend {
	case config.CacheBackendNone:
		return cache.New(nil, cacheCfg, logger), noopCloser, nil
	case config.CacheBackendMemory:
		return cache.New(cache.NewMemoryStore(time.Now), cacheCfg, logger), noopCloser, nil
	case config.CacheBackendValkey:
		valkeyCfg := valkey.Config{
			Address:    cfg.Cache.Address,
			Username:   cfg.Cache.Username,
			Password:   cfg.Cache.Password,
			UseTLS:     cfg.Cache.UseTLS,
			IndexName:  cfg.Cache.IndexName,
			KeyPrefix:  cfg.Cache.KeyPrefix,
			Dimensions: cfg.Embedding.Dimensions,
		}
		client := valkey.NewClient(valkeyCfg)
		store, err := valkey.New(client, valkeyCfg)
		if err != nil {
			_ = client.Close()
			return nil, noopCloser, err
		}
		if err := store.EnsureIndex(ctx); err != nil {
			_ = client.Close()
			return nil, noopCloser, err
		}
		return cache.New(store, cacheCfg, logger), client.Close, nil
	case config.CacheBackendQdrant:
		qdrantCfg := qdrant.Config{
			Host:       cfg.Cache.QdrantHost,
			Port:       cfg.Cache.QdrantPort,
			APIKey:     cfg.Cache.QdrantAPIKey,
			UseTLS:     cfg.Cache.QdrantUseTLS,
			Collection: cfg.Cache.QdrantCollection,
			Dimensions: cfg.Embedding.Dimensions,
		}
		client, err := qdrant.NewClient(qdrantCfg)
		if err != nil {
			return nil, noopCloser, err
		}
		store, err := qdrant.New(client, qdrantCfg)
		if err != nil {
			_ = client.Close()
			return nil, noopCloser, err
		}
		if err := store.EnsureCollection(ctx); err != nil {
			_ = client.Close()
			return nil, noopCloser, err
		}
		return cache.New(store, cacheCfg, logger), client.Close, nil
	default:
		return nil, noopCloser, fmt.Errorf("unsupported cache backend %q", cfg.Cache.Backend)
	}
}

// NewExporter returns nil when result export is disabled.
func NewExporter(ctx context.Context, cfg config.Config, logger *slog.Logger) (*export.Exporter, error) {
	if !cfg.Export.Enabled {
		return nil, nil
	}
	store, err := s3store.New(ctx, s3store.Config{
		Endpoint:         cfg.Export.Endpoint,
		Region:           cfg.Export.Region,
		Bucket:           cfg.Export.Bucket,
		AccessKeyID:      cfg.Export.AccessKeyID,
		SecretAccessKey:  cfg.Export.SecretAccessKey,
		UseSSL:           cfg.Export.UseSSL,
		Prefix:           cfg.Export.Prefix,
		AutoCreateBucket: cfg.Export.AutoCreateBucket,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize object store: %w", err)
	}
	return export.NewExporter(store, duckdbengine.NewEngine(store), logger)
}

func NewSchemaIndex(db *sql.DB, cfg config.Config, logger *slog.Logger) *schemaindex.Index {
	return schemaindex.New(catalogpostgres.NewIndexRepository(db), schemaindex.Config{
		Database:      cfg.Database.TargetDatabase,
		TopK:          cfg.Index.TopK,
		MinSimilarity: cfg.Index.MinSimilarity,
	}, logger)
}

func NewIndexer(db *sql.DB, cfg config.Config, embedder embedding.Provider, logger *slog.Logger) *schemaindex.Indexer {
	return schemaindex.NewIndexer(
		NewSchemaIndex(db, cfg, logger),
		catalogpostgres.NewMetadataReader(db),
		embedder,
		schemaindex.IndexerConfig{
			Database: cfg.Database.TargetDatabase,
			Schema:   cfg.Database.TargetSchema,
		},
		logger,
	)
}

func NewConnector(db *sql.DB, cfg config.Config) *querypostgres.Connector {
	return querypostgres.NewConnector(db, querypostgres.Config{
		InitStatements: []string{querypostgres.ExtraFloatDigits(cfg.Database.ExtraFloatDigits)},
		ReadOnly:       cfg.Database.ReadOnly,
	})
}

// Pipeline holds the prompt pipeline and everything that must be released
// with it.
type Pipeline struct {
	Service  *pipeline.Service
	Cache    *cache.Service
	Exporter *export.Exporter
	Indexer  *schemaindex.Indexer
	closers  []Closer
}

func (p *Pipeline) Close() error {
	var first error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NewPipeline wires the prompt pipeline on top of an open database.
func NewPipeline(ctx context.Context, db *sql.DB, cfg config.Config, logger *slog.Logger) (*Pipeline, error) {
	p := &Pipeline{}

	embedder, err := NewEmbedder(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize embedder: %w", err)
	}
	generator, closeGenerator, err := NewGenerator(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize generator: %w", err)
	}
	p.closers = append(p.closers, closeGenerator)

	engine, err := nl2sql.NewEngine(generator, logger)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	semanticCache, closeCache, err := NewCache(ctx, cfg, logger)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("initialize cache: %w", err)
	}
	p.closers = append(p.closers, closeCache)
	p.Cache = semanticCache

	exporter, err := NewExporter(ctx, cfg, logger)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	p.Exporter = exporter

	counter, err := tokens.NewEncoder(cfg.Conversation.Encoding)
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	deps := pipeline.Dependencies{
		Engine:    engine,
		Embedder:  embedder,
		Cache:     semanticCache,
		Index:     NewSchemaIndex(db, cfg, logger),
		Connector: NewConnector(db, cfg),
		Counter:   counter,
		Logger:    logger,
	}
	if exporter != nil {
		deps.Exporter = exporter
	}
	service, err := pipeline.New(pipeline.Config{
		Database:  cfg.Database.TargetDatabase,
		Schema:    cfg.Database.TargetSchema,
		TopK:      cfg.Index.TopK,
		MaxTurns:  cfg.Conversation.MaxTurns,
		MaxTokens: cfg.Conversation.MaxTokens,
	}, deps)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	p.Service = service
	p.Indexer = NewIndexer(db, cfg, embedder, logger)
	return p, nil
}
