// Package query executes generated SQL statements and holds the result types
// shared by the execution backends.
package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrStatementNotAllowed = errors.New("query: statement not allowed")

// Statement is a SQL text with positional parameters ($1, $2, ...).
type Statement struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

type Result struct {
	Columns  []string
	Rows     [][]any
	Duration time.Duration
}

// Session is a single checked-out database connection. Close releases it and
// must be called on every path.
type Session interface {
	Execute(ctx context.Context, stmt Statement) (Result, error)
	Ping(ctx context.Context) error
	Close() error
}

type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// TableFile is an archived result file exposed to a file query as a view.
type TableFile struct {
	TableName  string
	ObjectPath string
}

type FileRequest struct {
	SQL      string
	RowLimit int
	Files    []TableFile
}

type FileEngine interface {
	Execute(ctx context.Context, request FileRequest) (Result, error)
}

// ScanRows reads every row of rows into generic values. Byte slices become
// strings so results encode as JSON text.
func ScanRows(rows *sql.Rows) ([]string, [][]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, NormalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate rows: %w", err)
	}
	return columns, resultRows, nil
}

// NormalizeValues makes row values JSON encodable: byte slices become
// strings and NaN or infinite floats become "NaN", "Infinity" or "-Infinity"
// as PostgreSQL prints them.
func NormalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case float64:
			normalized[i] = finiteOrText(typed)
		case float32:
			normalized[i] = finiteOrText(float64(typed))
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func finiteOrText(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return f
}
