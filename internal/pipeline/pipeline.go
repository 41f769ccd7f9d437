// Package pipeline resolves a prompt end to end: follow-up check, semantic
// cache, schema retrieval, SQL generation, execution, description and the
// write back to the cache.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/querymesh/querymesh/internal/cache"
	"github.com/querymesh/querymesh/internal/catalog"
	"github.com/querymesh/querymesh/internal/embedding"
	"github.com/querymesh/querymesh/internal/identifier"
	"github.com/querymesh/querymesh/internal/nl2sql"
	"github.com/querymesh/querymesh/internal/observability"
	"github.com/querymesh/querymesh/internal/query"
	"github.com/querymesh/querymesh/internal/tokens"
)

const (
	OutcomeAnsweredDirectly  = "ANSWERED_DIRECTLY"
	OutcomeCacheHit          = "CACHE_HIT"
	OutcomeCacheMissResolved = "CACHE_MISS_RESOLVED"
	OutcomeFailed            = "FAILED"
)

const (
	FollowUpSentinel = "Follow-up question answered directly"
	NoSQLMessage     = "Unable to generate SQL for the provided prompt, please try again."
	FailureMessage   = "Unable to answer the prompt, please try again."
	ConfigMessage    = "The query service is misconfigured, please contact the operator."
)

var ErrEmptyQuery = errors.New("query is required")

type Request struct {
	Query        string        `json:"query"`
	Conversation []nl2sql.Turn `json:"conversation_context,omitempty"`
}

type Body struct {
	Response     string   `json:"response"`
	Query        any      `json:"query"`
	QueryResults [][]any  `json:"query_results"`
	ColumnNames  []string `json:"column_names"`
	CacheID      *string  `json:"cache_id"`
	ResultURI    string   `json:"result_uri,omitempty"`
}

// Response is the envelope returned for every prompt. StatusCode mirrors the
// HTTP status and Outcome records which path produced it.
type Response struct {
	StatusCode int               `json:"statusCode"`
	Body       Body              `json:"body"`
	Headers    map[string]string `json:"headers"`
	Outcome    string            `json:"-"`
}

type Engine interface {
	CheckFollowUp(ctx context.Context, history []nl2sql.Turn, prompt string) (nl2sql.FollowUp, error)
	GenerateSQL(ctx context.Context, prompt, schemaContext string) (query.Statement, error)
	Execute(ctx context.Context, session query.Session, stmt query.Statement) (query.Result, error)
	Describe(ctx context.Context, stmt query.Statement, result query.Result, schemaContext string) (string, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, vec []float32, topK int) ([]catalog.ScoredRelation, error)
}

type Exporter interface {
	Export(ctx context.Context, id string, columns []string, rows [][]any) (string, error)
}

type Config struct {
	Database  string
	Schema    string
	TopK      int
	MaxTurns  int
	MaxTokens int
}

// Dependencies are built once per process and shared by all requests.
// Exporter and Counter are optional.
type Dependencies struct {
	Engine    Engine
	Embedder  embedding.Provider
	Cache     *cache.Service
	Index     Retriever
	Connector query.Connector
	Exporter  Exporter
	Counter   tokens.Counter
	Logger    *slog.Logger
}

type Service struct {
	cfg  Config
	deps Dependencies
}

func New(cfg Config, deps Dependencies) (*Service, error) {
	switch {
	case deps.Engine == nil:
		return nil, fmt.Errorf("generation engine is required")
	case deps.Embedder == nil:
		return nil, fmt.Errorf("embedding provider is required")
	case deps.Index == nil:
		return nil, fmt.Errorf("schema index is required")
	case deps.Connector == nil:
		return nil, fmt.Errorf("database connector is required")
	}
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	if deps.Cache == nil {
		deps.Cache = cache.New(nil, cache.Config{}, deps.Logger)
	}
	return &Service{cfg: cfg, deps: deps}, nil
}

// Resolve answers req. Every failure is reported inside the returned
// response; only an empty query is rejected with an error.
func (s *Service) Resolve(ctx context.Context, req Request) (Response, error) {
	prompt := strings.TrimSpace(req.Query)
	if prompt == "" {
		return Response{}, ErrEmptyQuery
	}
	logger := s.deps.Logger.With(slog.String("trace_id", observability.TraceIDFromContext(ctx)))

	response, err := s.resolve(ctx, logger, prompt, s.budget(req.Conversation))
	if err != nil {
		response = Failure(err)
		logger.ErrorContext(ctx, "prompt failed", slog.Any("error", err))
	}
	observability.ObservePromptOutcome(response.Outcome)
	return response, nil
}

func (s *Service) resolve(ctx context.Context, logger *slog.Logger, prompt string, history []nl2sql.Turn) (Response, error) {
	if len(history) > 0 {
		verdict, err := s.deps.Engine.CheckFollowUp(ctx, history, prompt)
		if err != nil {
			return Response{}, err
		}
		if verdict.IsFollowUp {
			logger.InfoContext(ctx, "answered follow-up from conversation")
			return success(OutcomeAnsweredDirectly, Body{
				Response: verdict.Answer,
				Query:    FollowUpSentinel,
			}), nil
		}
	}

	if err := identifier.ValidateTarget(s.cfg.Database, s.cfg.Schema); err != nil {
		return Response{}, err
	}

	session, err := s.deps.Connector.Connect(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("connect database: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.WarnContext(ctx, "release database connection", slog.Any("error", err))
		}
	}()

	started := time.Now()
	vec, err := s.deps.Embedder.Embed(ctx, prompt)
	observability.ObserveStage("embed", time.Since(started))
	if err != nil {
		return Response{}, err
	}

	started = time.Now()
	entries := s.deps.Cache.Lookup(ctx, vec, 0)
	decision := s.deps.Cache.Admit(entries, prompt)
	observability.ObserveStage("cache_lookup", time.Since(started))
	observability.ObserveCacheLookup(decision.Reason)
	if decision.Hit {
		logger.InfoContext(ctx, "cache hit",
			slog.String("reason", decision.Reason),
			slog.Float64("score", decision.Entry.Score),
			slog.Int("candidates", len(entries)),
		)
		return s.fromCache(decision.Entry), nil
	}
	logger.InfoContext(ctx, "cache miss", slog.Int("candidates", len(entries)))

	started = time.Now()
	relations, err := s.deps.Index.Retrieve(ctx, vec, s.cfg.TopK)
	observability.ObserveStage("retrieve", time.Since(started))
	if err != nil {
		return Response{}, err
	}
	schemaContext := catalog.SchemaContext(relations)

	stmt, err := s.deps.Engine.GenerateSQL(ctx, prompt, schemaContext)
	if err != nil {
		return Response{}, err
	}
	result, err := s.deps.Engine.Execute(ctx, session, stmt)
	if err != nil {
		return Response{}, err
	}
	answer, err := s.deps.Engine.Describe(ctx, stmt, result, schemaContext)
	if err != nil {
		return Response{}, err
	}

	body := Body{
		Response:     answer,
		Query:        statementPair(stmt),
		QueryResults: normalizeRows(result.Rows),
		ColumnNames:  result.Columns,
	}

	written := s.deps.Cache.Write(ctx, prompt, vec, cache.Entry{
		Statement:  stmt,
		Answer:     answer,
		Rows:       result.Rows,
		Columns:    result.Columns,
		SchemaText: schemaContext,
	})
	observability.ObserveCacheWrite(written)
	key := cache.Key(s.deps.Cache.Config().KeyPrefix, prompt)
	if written {
		body.CacheID = &key
	}

	if s.deps.Exporter != nil {
		id := cache.ID(s.deps.Cache.Config().KeyPrefix, key)
		objectPath, err := s.deps.Exporter.Export(ctx, id, result.Columns, result.Rows)
		switch {
		case err != nil:
			logger.WarnContext(ctx, "result export failed", slog.Any("error", err))
		case objectPath != "":
			body.ResultURI = ResultURI(id)
		}
	}

	return success(OutcomeCacheMissResolved, body), nil
}

func (s *Service) fromCache(entry cache.ScoredEntry) Response {
	key := entry.Key
	body := Body{
		Response:     entry.Answer,
		Query:        statementPair(entry.Statement),
		QueryResults: entry.Rows,
		ColumnNames:  entry.Columns,
		CacheID:      &key,
	}
	if s.deps.Exporter != nil && key != "" {
		body.ResultURI = ResultURI(cache.ID(s.deps.Cache.Config().KeyPrefix, key))
	}
	return success(OutcomeCacheHit, body)
}

// budget keeps the most recent turns that fit the configured turn and token
// limits.
func (s *Service) budget(history []nl2sql.Turn) []nl2sql.Turn {
	if len(history) == 0 {
		return nil
	}
	texts := make([]string, len(history))
	for i, turn := range history {
		texts[i] = turn.Role + ": " + turn.Content
	}
	return history[tokens.KeepRecent(s.deps.Counter, texts, s.cfg.MaxTurns, s.cfg.MaxTokens):]
}

// ResultURI is the API path that serves the archived result id.
func ResultURI(id string) string {
	return "/v1/results/" + id
}

func statementPair(stmt query.Statement) []any {
	params := stmt.Params
	if params == nil {
		params = []any{}
	}
	return []any{stmt.SQL, params}
}

func normalizeRows(rows [][]any) [][]any {
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, query.NormalizeValues(row))
	}
	return out
}

func success(outcome string, body Body) Response {
	if body.QueryResults == nil {
		body.QueryResults = [][]any{}
	}
	if body.ColumnNames == nil {
		body.ColumnNames = []string{}
	}
	return Response{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Outcome:    outcome,
	}
}

// Failure is the envelope returned when err stops a prompt. The message is
// safe to show to the caller.
func Failure(err error) Response {
	message := FailureMessage
	switch {
	case errors.Is(err, nl2sql.ErrNoSQL):
		message = NoSQLMessage
	case errors.Is(err, identifier.ErrInvalid):
		message = ConfigMessage
	}
	return Response{
		StatusCode: http.StatusInternalServerError,
		Body: Body{
			Response:     message,
			QueryResults: [][]any{},
			ColumnNames:  []string{},
		},
		Headers: map[string]string{"Content-Type": "application/json"},
		Outcome: OutcomeFailed,
	}
}
