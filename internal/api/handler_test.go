package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/querymesh/querymesh/internal/auth"
	"github.com/querymesh/querymesh/internal/catalog"
	"github.com/querymesh/querymesh/internal/config"
	"github.com/querymesh/querymesh/internal/embedding"
	"github.com/querymesh/querymesh/internal/nl2sql"
	"github.com/querymesh/querymesh/internal/pipeline"
	"github.com/querymesh/querymesh/internal/query"
	"github.com/querymesh/querymesh/internal/schemaindex"
	"github.com/querymesh/querymesh/internal/storage"
)

func TestHealthEndpoint(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Header().Get("X-Trace-ID") == "" {
		t.Fatal("expected trace id header")
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{
		Readiness: CheckPing("cache", pingFunc(func(context.Context) error {
			return errors.New("connection refused")
		})),
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if !strings.Contains(body["message"].(string), "cache unavailable") {
		t.Fatalf("message = %v", body["message"])
	}
}

func TestPromptEndpointMirrorsResponseStatus(t *testing.T) {
	resolver := &fakeResolver{response: pipeline.Response{
		StatusCode: http.StatusInternalServerError,
		Body: pipeline.Body{
			Response:     pipeline.NoSQLMessage,
			QueryResults: [][]any{},
			ColumnNames:  []string{},
		},
		Headers: map[string]string{"Content-Type": "application/json"},
	}}
	h := NewHandler(loadConfig(t, nil), Dependencies{Prompts: resolver})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/prompt", strings.NewReader(`{"query":"how many homes?"}`)))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["statusCode"] != float64(http.StatusInternalServerError) {
		t.Fatalf("statusCode = %v", body["statusCode"])
	}
	inner := body["body"].(map[string]any)
	if inner["response"] != pipeline.NoSQLMessage {
		t.Fatalf("response = %v", inner["response"])
	}
	if inner["query"] != nil || inner["cache_id"] != nil {
		t.Fatalf("expected null query and cache_id, got %v", inner)
	}
	if resolver.last.Query != "how many homes?" {
		t.Fatalf("resolver saw %q", resolver.last.Query)
	}
}

func TestPromptEndpointPassesConversationAndTimeout(t *testing.T) {
	resolver := &fakeResolver{response: pipeline.Response{StatusCode: http.StatusOK, Body: pipeline.Body{Response: "ok"}}}
	h := NewHandler(loadConfig(t, map[string]string{"QUERYMESH_REQUEST_TIMEOUT": "3s"}), Dependencies{Prompts: resolver})

	payload := `{"query":"and in Austin?","conversation_context":[{"role":"human","content":"homes in Dallas"},{"role":"assistant","content":"There are 12."}]}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/prompt", strings.NewReader(payload)))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	want := []nl2sql.Turn{{Role: "human", Content: "homes in Dallas"}, {Role: "assistant", Content: "There are 12."}}
	if len(resolver.last.Conversation) != len(want) {
		t.Fatalf("Conversation = %+v", resolver.last.Conversation)
	}
	for i := range want {
		if resolver.last.Conversation[i] != want[i] {
			t.Fatalf("Conversation[%d] = %+v, want %+v", i, resolver.last.Conversation[i], want[i])
		}
	}
	if !resolver.hadDeadline {
		t.Fatal("expected request timeout to set a deadline")
	}
	if resolver.remaining > 3*time.Second {
		t.Fatalf("deadline too far away: %s", resolver.remaining)
	}
}

func TestPromptEndpointNormalizesRoles(t *testing.T) {
	resolver := &fakeResolver{response: pipeline.Response{StatusCode: http.StatusOK, Body: pipeline.Body{Response: "ok"}}}
	h := NewHandler(loadConfig(t, nil), Dependencies{Prompts: resolver})

	payload := `{"query":"and in Austin?","conversation_context":[{"role":"Human","content":"homes in Dallas"},{"role":" ASSISTANT ","content":"There are 12."},{"role":"user","content":"and Houston?"}]}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/prompt", strings.NewReader(payload)))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	wantRoles := []string{"human", "assistant", "human"}
	if len(resolver.last.Conversation) != len(wantRoles) {
		t.Fatalf("Conversation = %+v", resolver.last.Conversation)
	}
	for i, role := range wantRoles {
		if resolver.last.Conversation[i].Role != role {
			t.Fatalf("Conversation[%d].Role = %q, want %q", i, resolver.last.Conversation[i].Role, role)
		}
	}
}

func TestPromptEndpointRejectsBadRequests(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{Prompts: &fakeResolver{err: pipeline.ErrEmptyQuery}})

	tests := []struct {
		name string
		body string
		code string
	}{
		{name: "invalid json", body: `{"query":`, code: "INVALID_JSON"},
		{name: "empty query", body: `{"query":"   "}`, code: "QUERY_REQUIRED"},
		{name: "unknown role", body: `{"query":"x","conversation_context":[{"role":"system","content":"y"}]}`, code: "INVALID_CONVERSATION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/prompt", strings.NewReader(tt.body)))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
			}
			if got := decodeBody(t, rr)["error_code"]; got != tt.code {
				t.Fatalf("error_code = %v, want %s", got, tt.code)
			}
		})
	}
}

func TestPromptEndpointNotConfigured(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/prompt", strings.NewReader(`{"query":"x"}`)))
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestProtectedRoutesRequireAuthAndRoles(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"QUERYMESH_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("reader:analyst:query,ops:operator:admin")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	indexer := &fakeIndexer{summary: schemaindex.RunSummary{Tables: 3, Embedded: 1, Unchanged: 2}}
	h := NewHandler(cfg, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
		Prompts:        &fakeResolver{response: pipeline.Response{StatusCode: http.StatusOK}},
		Indexer:        indexer,
	})

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		want   int
	}{
		{name: "prompt without key", method: http.MethodPost, path: "/v1/prompt", want: http.StatusUnauthorized},
		{name: "prompt with query key", method: http.MethodPost, path: "/v1/prompt", key: "reader", want: http.StatusOK},
		{name: "prompt with admin key", method: http.MethodPost, path: "/v1/prompt", key: "ops", want: http.StatusOK},
		{name: "index with query key", method: http.MethodPost, path: "/v1/index/run", key: "reader", want: http.StatusForbidden},
		{name: "index with admin key", method: http.MethodPost, path: "/v1/index/run", key: "ops", want: http.StatusOK},
		{name: "health stays public", method: http.MethodGet, path: "/v1/health", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{"query":"x"}`))
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d, body=%s", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
	if indexer.calls != 1 {
		t.Fatalf("indexer calls = %d, want 1", indexer.calls)
	}
}

func TestAuthRequiredWithoutMiddlewareFailsClosed(t *testing.T) {
	h := NewHandler(loadConfig(t, map[string]string{"QUERYMESH_AUTH_REQUIRED": "true"}), Dependencies{
		Prompts: &fakeResolver{response: pipeline.Response{StatusCode: http.StatusOK}},
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/prompt", strings.NewReader(`{"query":"x"}`)))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestIndexRunReportsPartialFailure(t *testing.T) {
	source := tableSource{catalog.Table{Schema: "public", Name: "listings"}, catalog.Table{Schema: "public", Name: "brokers"}}
	embedder := embedFunc(func(_ context.Context, text string) ([]float32, error) {
		if strings.Contains(text, "brokers") {
			return nil, &embedding.Error{Provider: "fake", Err: errors.New("rate limited")}
		}
		return []float32{1, 0}, nil
	})
	store := &indexStore{}
	indexer := schemaindex.NewIndexer(
		schemaindex.New(store, schemaindex.Config{Database: "postgres"}, nil),
		source, embedder, schemaindex.IndexerConfig{Database: "postgres"}, nil,
	)
	h := NewHandler(loadConfig(t, nil), Dependencies{Indexer: indexer})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/index/run", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["status"] != "completed_with_errors" {
		t.Fatalf("status field = %v", body["status"])
	}
	summary := body["summary"].(map[string]any)
	if summary["embedded"] != float64(1) || summary["failed"] != float64(1) {
		t.Fatalf("summary = %v", summary)
	}
	if errs, _ := summary["errors"].([]any); len(errs) != 1 {
		t.Fatalf("errors = %v", summary["errors"])
	}
}

func TestIndexRunFailsOnMetadataError(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{Indexer: &fakeIndexer{err: errors.New("metadata unavailable")}})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/index/run", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := decodeBody(t, rr)["error_code"]; got != "INDEX_RUN_FAILED" {
		t.Fatalf("error_code = %v", got)
	}
}

func TestPromptEndpointNeverSendsEmptyBody(t *testing.T) {
	resolver := &fakeResolver{response: pipeline.Response{
		StatusCode: http.StatusOK,
		Body: pipeline.Body{
			Response:     "The ratio is undefined.",
			QueryResults: [][]any{{math.NaN()}},
			ColumnNames:  []string{"ratio"},
		},
		Headers: map[string]string{"Content-Type": "application/json"},
	}}
	h := NewHandler(loadConfig(t, nil), Dependencies{Prompts: resolver})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/prompt", strings.NewReader(`{"query":"ratio of sold to listed?"}`)))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	inner := decodeBody(t, rr)["body"].(map[string]any)
	if inner["response"] != pipeline.FailureMessage {
		t.Fatalf("response = %v", inner["response"])
	}
}

func TestWriteJSONReportsUnencodablePayload(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSON(rr, http.StatusOK, map[string]any{"value": math.Inf(1)})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := decodeBody(t, rr)["error_code"]; got != "ENCODE_FAILED" {
		t.Fatalf("error_code = %v", got)
	}
}

func TestGetResultEndpoint(t *testing.T) {
	reader := &fakeResults{results: map[string]query.Result{
		"abc123": {Columns: []string{"city", "homes"}, Rows: [][]any{{"Austin", int64(12)}}},
	}}
	h := NewHandler(loadConfig(t, nil), Dependencies{Results: reader})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/results/abc123?limit=10", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	rows := body["query_results"].([]any)
	if len(rows) != 1 {
		t.Fatalf("rows = %v", rows)
	}
	if reader.lastLimit != 10 {
		t.Fatalf("limit = %d", reader.lastLimit)
	}

	tests := []struct {
		path string
		want int
	}{
		{path: "/v1/results/missing", want: http.StatusNotFound},
		{path: "/v1/results/..hidden", want: http.StatusBadRequest},
		{path: "/v1/results/abc123?limit=0", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rr.Code != tt.want {
			t.Fatalf("GET %s status = %d, want %d", tt.path, rr.Code, tt.want)
		}
	}
}

func TestGetResultWithoutExport(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/results/abc123", nil))
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	order := make([]int, 0, 3)
	combined := CombineReadinessChecks(
		func(_ context.Context) error {
			order = append(order, 1)
			return nil
		},
		func(_ context.Context) error {
			order = append(order, 2)
			return errors.New("boom")
		},
		nil,
		func(_ context.Context) error {
			order = append(order, 3)
			return nil
		},
	)

	err := combined(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("execution order = %#v", order)
	}
}

func TestCheckTargetRequiresDSN(t *testing.T) {
	cfg := loadConfig(t, nil)
	cfg.Database.DSN = ""
	if err := CheckTarget(cfg)(context.Background()); err == nil {
		t.Fatal("expected error for missing dsn")
	}
	if err := CheckPing("database", nil)(context.Background()); err == nil {
		t.Fatal("expected error for nil pinger")
	}
}

type fakeResolver struct {
	response    pipeline.Response
	err         error
	last        pipeline.Request
	hadDeadline bool
	remaining   time.Duration
}

func (f *fakeResolver) Resolve(ctx context.Context, req pipeline.Request) (pipeline.Response, error) {
	f.last = req
	if deadline, ok := ctx.Deadline(); ok {
		f.hadDeadline = true
		f.remaining = time.Until(deadline)
	}
	if f.err != nil && strings.TrimSpace(req.Query) == "" {
		return pipeline.Response{}, f.err
	}
	return f.response, nil
}

type fakeIndexer struct {
	summary schemaindex.RunSummary
	err     error
	calls   int
}

func (f *fakeIndexer) Run(context.Context) (schemaindex.RunSummary, error) {
	f.calls++
	return f.summary, f.err
}

type fakeResults struct {
	results   map[string]query.Result
	lastLimit int
}

func (f *fakeResults) Read(_ context.Context, id string, limit int) (query.Result, error) {
	f.lastLimit = limit
	result, ok := f.results[id]
	if !ok {
		return query.Result{}, storage.ErrObjectNotFound
	}
	return result, nil
}

type tableSource []catalog.Table

func (s tableSource) Tables(context.Context, string) ([]catalog.Table, error) {
	return s, nil
}

type embedFunc func(ctx context.Context, text string) ([]float32, error)

func (f embedFunc) Embed(ctx context.Context, text string) ([]float32, error) { return f(ctx, text) }

type indexStore struct {
	rows []catalog.RelationDescriptor
}

func (s *indexStore) Exists(_ context.Context, desc catalog.RelationDescriptor) (bool, error) {
	for _, row := range s.rows {
		if row.Schema == desc.Schema && row.Table == desc.Table && row.Hash == desc.Hash {
			return true, nil
		}
	}
	return false, nil
}

func (s *indexStore) Insert(_ context.Context, desc catalog.RelationDescriptor) (bool, error) {
	s.rows = append(s.rows, desc)
	return true, nil
}

func (s *indexStore) Search(context.Context, string, []float32, int) ([]catalog.ScoredRelation, error) {
	return nil, nil
}

func (s *indexStore) DeleteStale(context.Context, catalog.RelationDescriptor) (int64, error) {
	return 0, nil
}

func (s *indexStore) PruneMissing(context.Context, string, []catalog.Table) (int64, error) {
	return 0, nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func loadConfig(t *testing.T, values map[string]string) config.Config {
	t.Helper()
	cfg, err := config.Load("querymesh-api", mapLookup(values))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v, body=%s", err, rr.Body.String())
	}
	return body
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
