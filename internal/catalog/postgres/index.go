package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/querymesh/querymesh/internal/catalog"
)

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// IndexRepository stores relation descriptors in relation_embedding.
type IndexRepository struct {
	db *sql.DB
}

func NewIndexRepository(db *sql.DB) *IndexRepository {
	return &IndexRepository{db: db}
}

func (r *IndexRepository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping index db: %w", err)
	}
	return nil
}

func (r *IndexRepository) Exists(ctx context.Context, desc catalog.RelationDescriptor) (bool, error) {
	query := `
SELECT EXISTS (
    SELECT 1 FROM relation_embedding
    WHERE database_name = $1 AND schema_name = $2 AND table_name = $3 AND embedding_hash = $4
)`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, desc.Database, desc.Schema, desc.Table, desc.Hash).Scan(&exists); err != nil {
		return false, fmt.Errorf("check relation embedding: %w", err)
	}
	return exists, nil
}

// Insert stores desc unless a row with the same database, schema, table and
// hash exists. It reports whether a row was written.
func (r *IndexRepository) Insert(ctx context.Context, desc catalog.RelationDescriptor) (bool, error) {
	if len(desc.Embedding) == 0 {
		return false, fmt.Errorf("relation %s.%s has no embedding", desc.Schema, desc.Table)
	}
	query := `
INSERT INTO relation_embedding (database_name, schema_name, table_name, embedding_text, embedding_hash, embedding)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (database_name, schema_name, table_name, embedding_hash) DO NOTHING`
	result, err := r.db.ExecContext(ctx, query,
		desc.Database,
		desc.Schema,
		desc.Table,
		desc.Text,
		desc.Hash,
		pgvector.NewVector(desc.Embedding),
	)
	if err != nil {
		return false, fmt.Errorf("insert relation embedding: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert relation embedding rows affected: %w", err)
	}
	return affected > 0, nil
}

// Search returns the nearest descriptors of database by cosine similarity,
// best first.
func (r *IndexRepository) Search(ctx context.Context, database string, vec []float32, limit int) ([]catalog.ScoredRelation, error) {
	query := `
SELECT database_name, schema_name, table_name, embedding_text, embedding_hash,
       1 - (embedding <=> $1) AS similarity
FROM relation_embedding
WHERE database_name = $2
ORDER BY embedding <=> $1
LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, pgvector.NewVector(vec), database, limit)
	if err != nil {
		return nil, fmt.Errorf("search relation embeddings: %w", err)
	}
	defer rows.Close()

	var out []catalog.ScoredRelation
	for rows.Next() {
		var rel catalog.ScoredRelation
		if err := rows.Scan(&rel.Database, &rel.Schema, &rel.Table, &rel.Text, &rel.Hash, &rel.Similarity); err != nil {
			return nil, fmt.Errorf("scan relation embedding: %w", err)
		}
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relation embeddings: %w", err)
	}
	return out, nil
}

// DeleteStale removes descriptors of one table whose hash differs from keepHash.
func (r *IndexRepository) DeleteStale(ctx context.Context, desc catalog.RelationDescriptor) (int64, error) {
	query := `
DELETE FROM relation_embedding
WHERE database_name = $1 AND schema_name = $2 AND table_name = $3 AND embedding_hash <> $4`
	result, err := r.db.ExecContext(ctx, query, desc.Database, desc.Schema, desc.Table, desc.Hash)
	if err != nil {
		return 0, fmt.Errorf("delete stale relation embeddings: %w", err)
	}
	return rowsAffected(result)
}

type liveTable struct {
	Schema string `json:"schema_name"`
	Table  string `json:"table_name"`
}

// PruneMissing removes descriptors of database whose table is not in live.
func (r *IndexRepository) PruneMissing(ctx context.Context, database string, live []catalog.Table) (int64, error) {
	tables := make([]liveTable, 0, len(live))
	for _, t := range live {
		tables = append(tables, liveTable{Schema: t.Schema, Table: t.Name})
	}
	payload, err := json.Marshal(tables)
	if err != nil {
		return 0, fmt.Errorf("encode live tables: %w", err)
	}

	query := `
DELETE FROM relation_embedding r
WHERE r.database_name = $1
AND NOT EXISTS (
    SELECT 1 FROM jsonb_to_recordset($2::jsonb) AS live(schema_name text, table_name text)
    WHERE live.schema_name = r.schema_name AND live.table_name = r.table_name
)`
	result, err := r.db.ExecContext(ctx, query, database, string(payload))
	if err != nil {
		return 0, fmt.Errorf("prune relation embeddings: %w", err)
	}
	return rowsAffected(result)
}

func rowsAffected(result sql.Result) (int64, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
