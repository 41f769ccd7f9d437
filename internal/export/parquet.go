package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
)

type EncodeResult struct {
	Data        []byte
	RecordCount int64
	Columns     []string
}

type columnKind int

const (
	kindString columnKind = iota
	kindInt
	kindFloat
	kindBool
	kindTime
)

var unsafeColumnChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// EncodeResultToParquet writes rows as a single Parquet file. The schema is
// derived from the values: every column is optional and takes the narrowest
// of int64, double, boolean, timestamp or string that fits all its values.
func EncodeResultToParquet(columns []string, rows [][]any) (EncodeResult, error) {
	if len(columns) == 0 {
		return EncodeResult{}, fmt.Errorf("columns are required")
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return EncodeResult{}, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(columns))
		}
	}

	names := ColumnNames(columns)
	kinds := make([]columnKind, len(columns))
	fields := make([]reflect.StructField, len(columns))
	for i := range columns {
		kinds[i] = inferKind(rows, i)
		fields[i] = reflect.StructField{
			Name: "F" + strconv.Itoa(i),
			Type: kindType(kinds[i]),
			Tag:  reflect.StructTag(fmt.Sprintf(`parquet:"%s"`, names[i])),
		}
	}
	rowType := reflect.StructOf(fields)
	schema := parquet.SchemaOf(reflect.New(rowType).Elem().Interface())

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewWriter(buf, schema)
	for r, row := range rows {
		record := reflect.New(rowType).Elem()
		for i, value := range row {
			converted, err := convert(kinds[i], value)
			if err != nil {
				return EncodeResult{}, fmt.Errorf("row %d column %q: %w", r, columns[i], err)
			}
			if converted.IsValid() {
				record.Field(i).Set(converted)
			}
		}
		if err := writer.Write(record.Interface()); err != nil {
			return EncodeResult{}, fmt.Errorf("write parquet row %d: %w", r, err)
		}
	}
	if err := writer.Close(); err != nil {
		return EncodeResult{}, fmt.Errorf("close parquet writer: %w", err)
	}

	return EncodeResult{
		Data:        buf.Bytes(),
		RecordCount: int64(len(rows)),
		Columns:     names,
	}, nil
}

// ColumnNames makes result column names usable as Parquet field names:
// unsafe characters become underscores, blanks get a positional name and
// duplicates get a numeric suffix.
func ColumnNames(columns []string) []string {
	used := make(map[string]bool, len(columns))
	names := make([]string, len(columns))
	for i, column := range columns {
		name := unsafeColumnChars.ReplaceAllString(strings.TrimSpace(column), "_")
		if strings.Trim(name, "_") == "" {
			name = "column_" + strconv.Itoa(i+1)
		}
		candidate := name
		for n := 2; used[strings.ToLower(candidate)]; n++ {
			candidate = name + "_" + strconv.Itoa(n)
		}
		used[strings.ToLower(candidate)] = true
		names[i] = candidate
	}
	return names
}

func inferKind(rows [][]any, column int) columnKind {
	kind := columnKind(-1)
	for _, row := range rows {
		value := row[column]
		if value == nil {
			continue
		}
		next := valueKind(value)
		switch {
		case kind == -1:
			kind = next
		case kind == next:
		case (kind == kindInt && next == kindFloat) || (kind == kindFloat && next == kindInt):
			kind = kindFloat
		default:
			return kindString
		}
	}
	if kind == -1 {
		return kindString
	}
	return kind
}

func valueKind(value any) columnKind {
	switch value.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return kindInt
	case float32, float64:
		return kindFloat
	case bool:
		return kindBool
	case time.Time:
		return kindTime
	default:
		return kindString
	}
}

func kindType(kind columnKind) reflect.Type {
	switch kind {
	case kindInt:
		return reflect.TypeOf((*int64)(nil))
	case kindFloat:
		return reflect.TypeOf((*float64)(nil))
	case kindBool:
		return reflect.TypeOf((*bool)(nil))
	case kindTime:
		return reflect.TypeOf((*time.Time)(nil))
	default:
		return reflect.TypeOf((*string)(nil))
	}
}

// convert returns a pointer value for the field, or the zero Value for null.
func convert(kind columnKind, value any) (reflect.Value, error) {
	if value == nil {
		return reflect.Value{}, nil
	}
	switch kind {
	case kindInt:
		v := reflect.ValueOf(value).Convert(reflect.TypeOf(int64(0))).Int()
		return reflect.ValueOf(&v), nil
	case kindFloat:
		v := reflect.ValueOf(value).Convert(reflect.TypeOf(float64(0))).Float()
		return reflect.ValueOf(&v), nil
	case kindBool:
		v := value.(bool)
		return reflect.ValueOf(&v), nil
	case kindTime:
		v := value.(time.Time).UTC()
		return reflect.ValueOf(&v), nil
	default:
		v, err := stringify(value)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(&v), nil
	}
}

func stringify(value any) (string, error) {
	switch typed := value.(type) {
	case string:
		return typed, nil
	case []byte:
		return string(typed), nil
	case fmt.Stringer:
		return typed.String(), nil
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bool:
		return fmt.Sprint(typed), nil
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return "", fmt.Errorf("encode value of type %T: %w", value, err)
		}
		return string(encoded), nil
	}
}
