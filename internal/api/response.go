package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/branchchat/branchd/internal/tree"
)

// ErrorResponse is the JSON error body. The front-end only reads
// `detail`.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// writeJSON writes a JSON response. Buffer-first so headers are only
// sent after successful encoding and a proper 500 can still go out if
// encoding fails.
func writeJSON(w http.ResponseWriter, status int, data any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		// Client disconnects are common and expected.
		slog.Debug("failed to write response body", "error", err)
	}
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, ErrorResponse{Detail: detail})
}

// writeEngineError maps engine errors to HTTP statuses. tree.ErrNotFound
// covers foreign sessions too, so 404 never reveals whether an ID exists.
func writeEngineError(w http.ResponseWriter, err error, logger *slog.Logger) {
	switch {
	case errors.Is(err, tree.ErrNotFound):
		writeError(w, http.StatusNotFound, "session or branch not found")
	case errors.Is(err, tree.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "message must not be empty")
	case errors.Is(err, tree.ErrConflict):
		writeError(w, http.StatusConflict, "concurrent modification, please retry")
	default:
		logger.Error("engine operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
