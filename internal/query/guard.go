package query

import (
	"fmt"
	"strings"
	"unicode"
)

var allowedLeading = map[string]bool{
	"select":  true,
	"with":    true,
	"values":  true,
	"table":   true,
	"show":    true,
	"explain": true,
}

var forbiddenKeywords = map[string]bool{
	"insert":   true,
	"update":   true,
	"delete":   true,
	"merge":    true,
	"create":   true,
	"drop":     true,
	"alter":    true,
	"truncate": true,
	"grant":    true,
	"revoke":   true,
	"copy":     true,
	"vacuum":   true,
	"reindex":  true,
	"into":     true,
}

// CheckStatement accepts a single read-only statement and returns the text
// without trailing semicolons. Anything else wraps ErrStatementNotAllowed.
func CheckStatement(sqlText string) (string, error) {
	trimmed := StripTrailingSemicolons(sqlText)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty statement", ErrStatementNotAllowed)
	}

	words, multiple := scanWords(trimmed)
	if multiple {
		return "", fmt.Errorf("%w: multiple statements", ErrStatementNotAllowed)
	}
	if len(words) == 0 || !allowedLeading[words[0]] {
		return "", fmt.Errorf("%w: only read-only queries are allowed", ErrStatementNotAllowed)
	}
	if words[0] == "explain" {
		for _, w := range words[1:] {
			if w == "analyze" || w == "analyse" {
				return "", fmt.Errorf("%w: explain analyze executes the statement", ErrStatementNotAllowed)
			}
		}
	}
	for _, w := range words {
		if forbiddenKeywords[w] {
			return "", fmt.Errorf("%w: %s is not allowed", ErrStatementNotAllowed, strings.ToUpper(w))
		}
	}
	return trimmed, nil
}

func StripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

// scanWords lowercases the bare keywords of sqlText, skipping string
// literals, quoted identifiers and comments. multiple reports a statement
// separator outside those.
func scanWords(sqlText string) (words []string, multiple bool) {
	runes := []rune(sqlText)
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			words = append(words, strings.ToLower(current.String()))
			current.Reset()
		}
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\'' || r == '"':
			flush()
			i = skipQuoted(runes, i, r)
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			flush()
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			flush()
			i += 2
			for i+1 < len(runes) && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			i++
		case r == ';':
			flush()
			multiple = true
		case unicode.IsLetter(r) || r == '_':
			current.WriteRune(r)
		case unicode.IsDigit(r) || r == '$':
			if current.Len() > 0 {
				current.WriteRune(r)
			}
		default:
			flush()
		}
	}
	flush()
	return words, multiple
}

// skipQuoted returns the index of the closing quote, honouring doubled quotes.
func skipQuoted(runes []rune, start int, quote rune) int {
	for i := start + 1; i < len(runes); i++ {
		if runes[i] != quote {
			continue
		}
		if i+1 < len(runes) && runes[i+1] == quote {
			i++
			continue
		}
		return i
	}
	return len(runes)
}
