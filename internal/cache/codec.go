package cache

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/querymesh/querymesh/internal/query"
)

const (
	FieldVector    = "vector"
	FieldStatement = "sql_statement"
	FieldAnswer    = "text_response"
	FieldResults   = "query_results"
	FieldPrompt    = "prompt_text"
	FieldSchema    = "schema_text"
	FieldColumns   = "column_names"
	FieldScore     = "score"
	FieldExpiresAt = "expires_at"
)

// TextFields lists the string fields of a stored entry in wire order.
var TextFields = []string{FieldStatement, FieldAnswer, FieldResults, FieldPrompt, FieldSchema, FieldColumns}

// Fields encodes entry into its string hash fields. The statement is always
// stored as a {"sql","params"} object.
func Fields(entry Entry) (map[string]string, error) {
	params := entry.Statement.Params
	if params == nil {
		params = []any{}
	}
	statement, err := json.Marshal(query.Statement{SQL: entry.Statement.SQL, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode statement: %w", err)
	}
	rows := make([][]any, 0, len(entry.Rows))
	for _, row := range entry.Rows {
		rows = append(rows, query.NormalizeValues(row))
	}
	results, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encode results: %w", err)
	}
	columns := entry.Columns
	if columns == nil {
		columns = []string{}
	}
	columnNames, err := json.Marshal(columns)
	if err != nil {
		return nil, fmt.Errorf("encode columns: %w", err)
	}
	return map[string]string{
		FieldStatement: string(statement),
		FieldAnswer:    entry.Answer,
		FieldResults:   string(results),
		FieldPrompt:    entry.PromptText,
		FieldSchema:    entry.SchemaText,
		FieldColumns:   string(columnNames),
	}, nil
}

// FromFields decodes the string hash fields of a stored entry. A statement
// that is not a JSON object is kept verbatim as SQL without parameters.
func FromFields(fields map[string]string) (Entry, error) {
	entry := Entry{
		Answer:     fields[FieldAnswer],
		PromptText: fields[FieldPrompt],
		SchemaText: fields[FieldSchema],
	}

	raw := strings.TrimSpace(fields[FieldStatement])
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal([]byte(raw), &entry.Statement); err != nil {
			return Entry{}, fmt.Errorf("decode statement: %w", err)
		}
	} else {
		entry.Statement.SQL = raw
	}
	if entry.Statement.Params == nil {
		entry.Statement.Params = []any{}
	}

	if value := strings.TrimSpace(fields[FieldResults]); value != "" {
		if err := json.Unmarshal([]byte(value), &entry.Rows); err != nil {
			return Entry{}, fmt.Errorf("decode results: %w", err)
		}
	}
	if value := strings.TrimSpace(fields[FieldColumns]); value != "" {
		if err := json.Unmarshal([]byte(value), &entry.Columns); err != nil {
			return Entry{}, fmt.Errorf("decode columns: %w", err)
		}
	}
	if entry.Rows == nil {
		entry.Rows = [][]any{}
	}
	if entry.Columns == nil {
		entry.Columns = []string{}
	}
	return entry, nil
}
