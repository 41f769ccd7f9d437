package api

import (
	"net/http"
)

func handleIndexRun(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Indexer == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "INDEXER_NOT_CONFIGURED", "schema indexer is not configured", false, nil)
		return
	}

	summary, err := deps.Indexer.Run(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "INDEX_RUN_FAILED", "index run failed", true, map[string]any{
			"details": err.Error(),
			"summary": summary,
		})
		return
	}

	status := "completed"
	if summary.Failed > 0 {
		status = "completed_with_errors"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"summary": summary,
	})
}
