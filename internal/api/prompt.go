package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/querymesh/querymesh/internal/config"
	"github.com/querymesh/querymesh/internal/pipeline"
)

const maxPromptBodyBytes = 1 << 20

func handlePrompt(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Prompts == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PROMPT_NOT_CONFIGURED", "prompt pipeline is not configured", false, nil)
		return
	}

	var request pipeline.Request
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPromptBodyBytes))
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid prompt request body", false, map[string]any{"details": err.Error()})
		return
	}
	for i, turn := range request.Conversation {
		role, ok := normalizeRole(turn.Role)
		if !ok {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_CONVERSATION", "conversation roles must be human or assistant", false, map[string]any{"index": i, "role": turn.Role})
			return
		}
		request.Conversation[i].Role = role
	}

	ctx := r.Context()
	if cfg.Request.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Request.Timeout)
		defer cancel()
	}

	response, err := deps.Prompts.Resolve(ctx, request)
	if err != nil {
		if errors.Is(err, pipeline.ErrEmptyQuery) {
			writeError(r.Context(), w, http.StatusBadRequest, "QUERY_REQUIRED", err.Error(), false, nil)
			return
		}
		if deps.Logger != nil {
			deps.Logger.ErrorContext(r.Context(), "prompt resolution failed", slog.Any("error", err))
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "PROMPT_FAILED", "prompt resolution failed", true, nil)
		return
	}

	body, err := encodeJSON(response)
	if err != nil {
		if deps.Logger != nil {
			deps.Logger.ErrorContext(r.Context(), "encode prompt response", slog.Any("error", err))
		}
		response = pipeline.Failure(err)
		body, _ = encodeJSON(response)
	}
	for name, value := range response.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(response.StatusCode)
	_, _ = w.Write(body)
}

// normalizeRole folds case and accepts "user" as an alias for "human".
func normalizeRole(role string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "human", "user":
		return "human", true
	case "assistant":
		return "assistant", true
	default:
		return "", false
	}
}
