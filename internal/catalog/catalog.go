// Package catalog describes database relations for schema retrieval: the
// metadata read from information_schema, its rendered text form and the
// stored descriptor that pairs that text with an embedding.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("catalog: not found")

// ColumnRow is one row of the metadata query. A column with several
// constraints appears once per constraint.
type ColumnRow struct {
	Schema         string
	Table          string
	Column         string
	DataType       string
	MaxLength      *int64
	Precision      *int64
	Scale          *int64
	Nullable       bool
	ConstraintType string
	RefSchema      string
	RefTable       string
	RefColumn      string
}

type ForeignKey struct {
	Schema string
	Table  string
	Column string
}

type Column struct {
	Name        string
	DataType    string
	MaxLength   *int64
	Precision   *int64
	Scale       *int64
	Nullable    bool
	Unique      bool
	ForeignKeys []ForeignKey
}

type Table struct {
	Schema  string
	Name    string
	Columns []Column
}

func (t Table) QualifiedName() string {
	return t.Schema + "." + t.Name
}

type RelationDescriptor struct {
	Database  string
	Schema    string
	Table     string
	Text      string
	Hash      string
	Embedding []float32
}

type ScoredRelation struct {
	RelationDescriptor
	Similarity float64
}

// GroupTables folds metadata rows into tables, keeping the first-seen order of
// tables and columns.
func GroupTables(rows []ColumnRow) []Table {
	var tables []Table
	tableIdx := map[string]int{}
	columnIdx := map[string]int{}

	for _, row := range rows {
		tableKey := row.Schema + "\x00" + row.Table
		ti, ok := tableIdx[tableKey]
		if !ok {
			tables = append(tables, Table{Schema: row.Schema, Name: row.Table})
			ti = len(tables) - 1
			tableIdx[tableKey] = ti
		}

		columnKey := tableKey + "\x00" + row.Column
		ci, ok := columnIdx[columnKey]
		if !ok {
			tables[ti].Columns = append(tables[ti].Columns, Column{
				Name:      row.Column,
				DataType:  row.DataType,
				MaxLength: row.MaxLength,
				Precision: row.Precision,
				Scale:     row.Scale,
				Nullable:  row.Nullable,
			})
			ci = len(tables[ti].Columns) - 1
			columnIdx[columnKey] = ci
		}

		col := &tables[ti].Columns[ci]
		switch row.ConstraintType {
		case "UNIQUE":
			col.Unique = true
		case "FOREIGN KEY":
			fk := ForeignKey{Schema: row.RefSchema, Table: row.RefTable, Column: row.RefColumn}
			if !containsForeignKey(col.ForeignKeys, fk) {
				col.ForeignKeys = append(col.ForeignKeys, fk)
			}
		}
	}
	return tables
}

func containsForeignKey(fks []ForeignKey, fk ForeignKey) bool {
	for _, existing := range fks {
		if existing == fk {
			return true
		}
	}
	return false
}

// Render produces the text that is embedded and shown to the generator:
//
//	Table: listings (Schema: public)
//	Columns:
//	- id (integer, NOT NULL) [UNIQUE]
//	- price (numeric(10,2), NULL)
func Render(t Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Table: %s (Schema: %s)\nColumns:\n", t.Name, t.Schema)
	for _, col := range t.Columns {
		nullable := "NOT NULL"
		if col.Nullable {
			nullable = "NULL"
		}
		fmt.Fprintf(&b, "- %s (%s, %s)", col.Name, renderType(col), nullable)

		var constraints []string
		if col.Unique {
			constraints = append(constraints, "UNIQUE")
		}
		for _, fk := range col.ForeignKeys {
			constraints = append(constraints, fmt.Sprintf("FOREIGN KEY references %s.%s(%s)", fk.Schema, fk.Table, fk.Column))
		}
		if len(constraints) > 0 {
			b.WriteString(" [" + strings.Join(constraints, ", ") + "]")
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func renderType(col Column) string {
	switch col.DataType {
	case "numeric", "decimal", "real", "double precision":
		if col.Precision == nil {
			return col.DataType
		}
		if col.Scale == nil {
			return fmt.Sprintf("%s(%d)", col.DataType, *col.Precision)
		}
		return fmt.Sprintf("%s(%d,%d)", col.DataType, *col.Precision, *col.Scale)
	case "character", "character varying", "varchar", "char":
		if col.MaxLength == nil {
			return col.DataType
		}
		return fmt.Sprintf("%s(%d)", col.DataType, *col.MaxLength)
	default:
		return col.DataType
	}
}

// ContentHash is the hex sha256 of rendered text. An unchanged hash means the
// table does not need to be embedded again.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func Describe(database string, t Table) RelationDescriptor {
	text := Render(t)
	return RelationDescriptor{
		Database: database,
		Schema:   t.Schema,
		Table:    t.Name,
		Text:     text,
		Hash:     ContentHash(text),
	}
}

// SchemaContext joins retrieved descriptors into the schema text handed to
// SQL generation.
func SchemaContext(relations []ScoredRelation) string {
	parts := make([]string, 0, len(relations))
	for _, rel := range relations {
		parts = append(parts, rel.Text)
	}
	return strings.Join(parts, "\n")
}
