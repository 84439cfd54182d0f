package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/google/uuid"

	"github.com/branchchat/branchd/internal/tree"
)

// maxBodyBytes bounds request bodies. User messages are chat-sized.
const maxBodyBytes = 64 * 1024

// sessionHandler serves session and branch operations.
type sessionHandler struct {
	engine *tree.Engine
	logger *slog.Logger
}

// createSessionRequest is the body of POST /api/v1/sessions.
type createSessionRequest struct {
	InitialMessage string `json:"initial_message"`
}

// createBranchRequest is the body of POST /api/v1/sessions/{id}/branches.
// is_new_branch is sent by the web client but carries no server-side
// meaning: every insert is a branch insert.
type createBranchRequest struct {
	ParentID    uuid.UUID `json:"parent_id"`
	UserMessage string    `json:"user_message"`
	IsNewBranch bool      `json:"is_new_branch"`
}

// sendMessageRequest is the body of the /msgs reply route. The parent is
// taken from the URL, not the body.
type sendMessageRequest struct {
	UserMessage string `json:"user_message"`
}

// listSessions handles GET /api/v1/sessions (and the /sessions/user/
// alias). Returns the user's sessions newest-first with nested trees.
func (h *sessionHandler) listSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	sessions, err := h.engine.ListSessions(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// createSession handles POST /api/v1/sessions.
func (h *sessionHandler) createSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sess, err := h.engine.CreateSession(r.Context(), userID, req.InitialMessage)
	if err != nil {
		writeEngineError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// getSession handles GET /api/v1/sessions/{id}.
func (h *sessionHandler) getSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	sessionID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	sess, err := h.engine.GetSession(r.Context(), userID, sessionID)
	if err != nil {
		writeEngineError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// deleteSession handles DELETE /api/v1/sessions/{id}.
func (h *sessionHandler) deleteSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	sessionID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.engine.DeleteSession(r.Context(), userID, sessionID); err != nil {
		writeEngineError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pathUUID parses a UUID path segment, writing a 400 on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody decodes a JSON request body into dst, enforcing the
// content type and size limit. Writes the error response itself and
// returns false when decoding fails.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || mt != "application/json" {
			writeError(w, http.StatusUnsupportedMediaType, "expected application/json")
			return false
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "unexpected data after JSON body")
		return false
	}
	return true
}
