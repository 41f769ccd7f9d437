package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/querymesh/querymesh/internal/catalog"
)

const metadataQuery = `
SELECT
    c.table_schema,
    c.table_name,
    c.column_name,
    c.data_type,
    c.character_maximum_length,
    c.numeric_precision,
    c.numeric_scale,
    c.is_nullable = 'YES' AS nullable,
    COALESCE(tc.constraint_type, '') AS constraint_type,
    COALESCE(ccu.table_schema, '') AS referenced_table_schema,
    COALESCE(ccu.table_name, '') AS referenced_table_name,
    COALESCE(ccu.column_name, '') AS referenced_column_name
FROM information_schema.tables t
JOIN information_schema.columns c
    ON c.table_schema = t.table_schema AND c.table_name = t.table_name
LEFT JOIN information_schema.key_column_usage kcu
    ON kcu.table_schema = c.table_schema AND kcu.table_name = c.table_name AND kcu.column_name = c.column_name
LEFT JOIN information_schema.table_constraints tc
    ON tc.constraint_schema = kcu.constraint_schema AND tc.constraint_name = kcu.constraint_name
    AND tc.constraint_type IN ('FOREIGN KEY', 'UNIQUE')
LEFT JOIN information_schema.referential_constraints rc
    ON rc.constraint_schema = tc.constraint_schema AND rc.constraint_name = tc.constraint_name
LEFT JOIN information_schema.constraint_column_usage ccu
    ON ccu.constraint_schema = rc.unique_constraint_schema AND ccu.constraint_name = rc.unique_constraint_name
WHERE t.table_type = 'BASE TABLE'
    AND t.table_schema NOT IN ('pg_catalog', 'information_schema')
    AND t.table_name NOT IN ('relation_embedding', 'querymesh_schema_migrations')
    AND ($1 = '' OR t.table_schema = $1)
ORDER BY c.table_schema, c.table_name, c.ordinal_position`

// MetadataReader reads table and column metadata of the target database.
type MetadataReader struct {
	db dbTX
}

func NewMetadataReader(db *sql.DB) *MetadataReader {
	return &MetadataReader{db: db}
}

// Tables returns every base table outside the system schemas. An empty
// schema reads all schemas.
func (r *MetadataReader) Tables(ctx context.Context, schema string) ([]catalog.Table, error) {
	rows, err := r.db.QueryContext(ctx, metadataQuery, schema)
	if err != nil {
		return nil, fmt.Errorf("query table metadata: %w", err)
	}
	defer rows.Close()

	var out []catalog.ColumnRow
	for rows.Next() {
		var (
			row                         catalog.ColumnRow
			maxLength, precision, scale sql.NullInt64
		)
		if err := rows.Scan(
			&row.Schema,
			&row.Table,
			&row.Column,
			&row.DataType,
			&maxLength,
			&precision,
			&scale,
			&row.Nullable,
			&row.ConstraintType,
			&row.RefSchema,
			&row.RefTable,
			&row.RefColumn,
		); err != nil {
			return nil, fmt.Errorf("scan table metadata: %w", err)
		}
		row.MaxLength = nullableInt(maxLength)
		row.Precision = nullableInt(precision)
		row.Scale = nullableInt(scale)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table metadata: %w", err)
	}
	return catalog.GroupTables(out), nil
}

func nullableInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
