package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/querymesh/querymesh/internal/auth"
	"github.com/querymesh/querymesh/internal/config"
	"github.com/querymesh/querymesh/internal/observability"
	"github.com/querymesh/querymesh/internal/pipeline"
	"github.com/querymesh/querymesh/internal/query"
	"github.com/querymesh/querymesh/internal/schemaindex"
)

type ReadinessCheck func(ctx context.Context) error

type PromptResolver interface {
	Resolve(ctx context.Context, req pipeline.Request) (pipeline.Response, error)
}

type IndexRunner interface {
	Run(ctx context.Context) (schemaindex.RunSummary, error)
}

type ResultReader interface {
	Read(ctx context.Context, id string, limit int) (query.Result, error)
}

// Dependencies wires the handler. Prompts is required for /v1/prompt;
// Indexer and Results are optional and their routes answer 501 when nil.
type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Prompts           PromptResolver
	Indexer           IndexRunner
	Results           ResultReader
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.Handle("POST /v1/prompt", auth.RequireRole(auth.RoleQuery, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePrompt(cfg, deps, w, r)
	})))
	protected.Handle("GET /v1/results/{id}", auth.RequireRole(auth.RoleQuery, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleGetResult(deps, w, r)
	})))
	protected.Handle("POST /v1/index/run", auth.RequireRole(auth.RoleAdmin, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleIndexRun(deps, w, r)
	})))

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/prompt", protectedHandler)
	mux.Handle("GET /v1/results/{id}", protectedHandler)
	mux.Handle("POST /v1/index/run", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares,
			observability.LoggingMiddleware(deps.Logger),
			observability.RecoverMiddleware(deps.Logger),
		)
	}
	return chain(mux, middlewares...)
}

// Pinger is satisfied by *sql.DB and *cache.Service.
type Pinger interface {
	Ping(ctx context.Context) error
}

func CheckPing(name string, target Pinger) ReadinessCheck {
	return func(ctx context.Context) error {
		if target == nil {
			return errors.New(name + " is not configured")
		}
		if err := target.Ping(ctx); err != nil {
			return errors.New(name + " unavailable: " + err.Error())
		}
		return nil
	}
}

func CheckTarget(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Database.DSN == "" {
			return errors.New("database dsn is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

// writeJSON encodes payload before sending the header, so an unencodable
// payload becomes a 500 error body instead of an empty response.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := encodeJSON(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = encodeJSON(map[string]any{
			"error_code": "ENCODE_FAILED",
			"message":    "response could not be encoded",
			"retryable":  false,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func encodeJSON(payload any) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
