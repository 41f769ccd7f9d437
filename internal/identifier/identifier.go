// Package identifier validates configured PostgreSQL database and schema names
// before any connection is opened.
package identifier

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalid = errors.New("invalid identifier")

const maxLength = 63

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

var reserved = toSet(`all analyse analyze and any array as asc asymmetric authorization
binary both case cast check collate collation column concurrently constraint create
cross current_catalog current_date current_role current_schema current_time
current_timestamp current_user default deferrable desc distinct do else end except
false fetch for foreign freeze from full grant group having ilike in initially inner
intersect into is isnull join lateral leading left like limit localtime
localtimestamp natural not notnull null offset on only or order outer overlaps
placing primary references returning right select session_user similar some
symmetric system_user table tablesample then to trailing true union unique user
using variadic verbose when where window with`)

// Validate reports why name cannot be used as an unquoted identifier.
func Validate(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalid)
	case len(name) > maxLength:
		return fmt.Errorf("%w: %q exceeds %d bytes", ErrInvalid, name, maxLength)
	case strings.HasPrefix(name, "pg_"):
		return fmt.Errorf("%w: %q uses the reserved pg_ prefix", ErrInvalid, name)
	case !namePattern.MatchString(name):
		return fmt.Errorf("%w: %q has invalid characters", ErrInvalid, name)
	}
	if _, ok := reserved[strings.ToLower(name)]; ok {
		return fmt.Errorf("%w: %q is a reserved word", ErrInvalid, name)
	}
	return nil
}

func IsValid(name string) bool {
	return Validate(name) == nil
}

// ValidateTarget checks the database and schema pair used for query execution.
func ValidateTarget(database, schema string) error {
	if err := Validate(database); err != nil {
		return fmt.Errorf("database name: %w", err)
	}
	if err := Validate(schema); err != nil {
		return fmt.Errorf("schema name: %w", err)
	}
	return nil
}

func toSet(words string) map[string]struct{} {
	fields := strings.Fields(words)
	set := make(map[string]struct{}, len(fields))
	for _, word := range fields {
		set[word] = struct{}{}
	}
	return set
}
