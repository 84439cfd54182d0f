package api

import (
	"net/http"
)

// createBranch handles POST /api/v1/sessions/{id}/branches. The new
// node is returned immediately with an empty llm_response; the response
// is filled in asynchronously.
func (h *sessionHandler) createBranch(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	sessionID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req createBranchRequest
	if !decodeBody(w, r, &req) {
		return
	}

	node, err := h.engine.CreateBranch(r.Context(), userID, sessionID, req.ParentID, req.UserMessage)
	if err != nil {
		writeEngineError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

// sendMessage handles POST /api/v1/sessions/{id}/branches/{branchId}/msgs.
// A reply is an insert under the branch node named in the URL, so it
// shares the branch-creation path.
func (h *sessionHandler) sendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	sessionID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	branchID, ok := pathUUID(w, r, "branchId")
	if !ok {
		return
	}

	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	node, err := h.engine.CreateBranch(r.Context(), userID, sessionID, branchID, req.UserMessage)
	if err != nil {
		writeEngineError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

// deleteBranch handles DELETE /api/v1/sessions/{id}/branches/{branchId}.
// Removes the node and its entire subtree.
func (h *sessionHandler) deleteBranch(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	sessionID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	branchID, ok := pathUUID(w, r, "branchId")
	if !ok {
		return
	}

	if err := h.engine.DeleteBranch(r.Context(), userID, sessionID, branchID); err != nil {
		writeEngineError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
