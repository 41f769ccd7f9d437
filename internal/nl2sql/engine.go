package nl2sql

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/querymesh/querymesh/internal/llm"
	"github.com/querymesh/querymesh/internal/observability"
	"github.com/querymesh/querymesh/internal/query"
)

type Engine struct {
	generator llm.Generator
	logger    *slog.Logger
}

func NewEngine(generator llm.Generator, logger *slog.Logger) (*Engine, error) {
	if generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Engine{generator: generator, logger: logger}, nil
}

// CheckFollowUp asks whether prompt can be answered from history alone. An
// unparseable verdict is treated as "not a follow-up"; a failed generator
// call is returned as an error.
func (e *Engine) CheckFollowUp(ctx context.Context, history []Turn, prompt string) (FollowUp, error) {
	response, err := e.generate(ctx, "follow_up", followUpPrompt(Transcript(history, prompt)))
	if err != nil {
		return FollowUp{}, fmt.Errorf("follow-up check: %w", err)
	}
	verdict, err := ParseFollowUp(response)
	if err != nil {
		observability.ObserveParseFallback("follow_up")
		e.logger.WarnContext(ctx, "follow-up verdict unparseable, treating as new question", slog.Any("error", err))
		return FollowUp{}, nil
	}
	if verdict.IsFollowUp && strings.TrimSpace(verdict.Answer) == "" {
		observability.ObserveParseFallback("follow_up_answer")
		e.logger.WarnContext(ctx, "follow-up verdict has no answer, treating as new question")
		return FollowUp{}, nil
	}
	return verdict, nil
}

// GenerateSQL asks for a parameterized statement over schemaContext. It
// returns ErrNoSQL when the response holds no <sql> block. Unparseable
// parameters fall back to an empty list.
func (e *Engine) GenerateSQL(ctx context.Context, prompt, schemaContext string) (query.Statement, error) {
	response, err := e.generate(ctx, "generate", generatePrompt(prompt, schemaContext))
	if err != nil {
		return query.Statement{}, fmt.Errorf("generate sql: %w", err)
	}
	sqlText, rawParams, err := ParseSQL(response)
	if err != nil {
		return query.Statement{}, err
	}
	sqlText, rewritten := NumberPlaceholders(sqlText)
	if rewritten > 0 {
		e.logger.DebugContext(ctx, "rewrote positional placeholders", slog.Int("count", rewritten))
	}

	params, err := ParseParams(rawParams)
	if err != nil {
		observability.ObserveParseFallback("params")
		e.logger.WarnContext(ctx, "generated params unparseable, using none",
			slog.String("raw_params", rawParams),
			slog.Any("error", err),
		)
		params = []any{}
	}
	e.logger.DebugContext(ctx, "generated sql", slog.String("sql", sqlText), slog.Int("params", len(params)))
	return query.Statement{SQL: sqlText, Params: params}, nil
}

// Execute runs stmt on session. Statements outside the read-only allow-list
// fail with ErrStatementNotAllowed before reaching the database.
func (e *Engine) Execute(ctx context.Context, session query.Session, stmt query.Statement) (query.Result, error) {
	started := time.Now()
	result, err := session.Execute(ctx, stmt)
	observability.ObserveStage("execute", time.Since(started))
	if err != nil {
		return query.Result{}, fmt.Errorf("execute sql: %w", err)
	}
	if result.Columns == nil {
		result.Columns = []string{}
	}
	if result.Rows == nil {
		result.Rows = [][]any{}
	}
	e.logger.InfoContext(ctx, "executed sql",
		slog.Int("rows", len(result.Rows)),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

// Describe asks for a prose description of result.
func (e *Engine) Describe(ctx context.Context, stmt query.Statement, result query.Result, schemaContext string) (string, error) {
	response, err := e.generate(ctx, "describe", describePrompt(stmt, result, schemaContext))
	if err != nil {
		return "", fmt.Errorf("describe results: %w", err)
	}
	return strings.TrimSpace(response), nil
}

func (e *Engine) generate(ctx context.Context, stage, prompt string) (string, error) {
	started := time.Now()
	response, err := e.generator.Generate(ctx, prompt)
	observability.ObserveStage(stage, time.Since(started))
	return response, err
}
