package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/querymesh/querymesh/internal/pipeline"
	"github.com/querymesh/querymesh/internal/storage"
)

type resultResponse struct {
	ID          string         `json:"id"`
	ColumnNames []string       `json:"column_names"`
	Rows        [][]any        `json:"query_results"`
	Stats       map[string]any `json:"stats"`
}

func handleGetResult(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Results == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "result export is not enabled", false, nil)
		return
	}

	id := r.PathValue("id")
	if _, err := storage.ResultPath(id); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_RESULT_ID", err.Error(), false, nil)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false, map[string]any{"limit": raw})
			return
		}
		limit = parsed
	}

	result, err := deps.Results.Read(r.Context(), id, limit)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "RESULT_NOT_FOUND", "result was not found", false, map[string]any{"uri": pipeline.ResultURI(id)})
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "RESULT_READ_FAILED", "failed to read archived result", true, map[string]any{"details": err.Error()})
		return
	}

	rows := result.Rows
	if rows == nil {
		rows = [][]any{}
	}
	writeJSON(w, http.StatusOK, resultResponse{
		ID:          id,
		ColumnNames: result.Columns,
		Rows:        rows,
		Stats: map[string]any{
			"duration_ms": result.Duration.Milliseconds(),
			"row_count":   len(rows),
		},
	})
}
