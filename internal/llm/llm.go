// Package llm defines the text-generation capability used for follow-up
// classification, SQL generation and result description.
package llm

import (
	"context"
	"errors"
	"time"
)

var ErrEmptyResponse = errors.New("llm: empty response")

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
