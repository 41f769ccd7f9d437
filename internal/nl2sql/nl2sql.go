// Package nl2sql turns a natural-language prompt into a parameterized SQL
// statement, runs it, and describes the rows in prose. Every step is a round
// trip to an llm.Generator; the parsing of model output lives in extract.go.
package nl2sql

import (
	"errors"
	"strings"

	"github.com/querymesh/querymesh/internal/query"
)

// ErrNoSQL is returned when the model response carries no <sql> block.
var ErrNoSQL = errors.New("nl2sql: model response contains no SQL statement")

// ErrStatementNotAllowed is returned when generated SQL fails the
// read-only statement check.
var ErrStatementNotAllowed = query.ErrStatementNotAllowed

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type FollowUp struct {
	IsFollowUp bool
	Answer     string
}

// Transcript renders history followed by the new prompt as "role: content"
// lines, the new prompt attributed to Human.
func Transcript(history []Turn, prompt string) string {
	var b strings.Builder
	for _, turn := range history {
		b.WriteString(turn.Role)
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	b.WriteString("Human: ")
	b.WriteString(prompt)
	return b.String()
}
