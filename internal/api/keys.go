package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/branchchat/branchd/internal/apikey"
)

// keyHandler serves API key management.
type keyHandler struct {
	keys   *apikey.Service
	logger *slog.Logger
}

// generateKeyResponse carries the plaintext key. This is the only time
// it is ever shown.
type generateKeyResponse struct {
	APIKey string      `json:"api_key"`
	Key    *apikey.Key `json:"key"`
}

// generateKey handles POST /api/v1/keys/generate.
func (h *keyHandler) generateKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	token, key, err := h.keys.Generate(r.Context(), userID)
	if err != nil {
		h.logger.Error("generating api key", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, generateKeyResponse{APIKey: token, Key: key})
}

// listKeys handles GET /api/v1/keys/.
func (h *keyHandler) listKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	keys, err := h.keys.List(r.Context(), userID)
	if err != nil {
		h.logger.Error("listing api keys", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

// deactivateKey handles DELETE /api/v1/keys/{id}.
func (h *keyHandler) deactivateKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	keyID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.keys.Deactivate(r.Context(), userID, keyID); err != nil {
		if errors.Is(err, apikey.ErrKeyNotFound) {
			writeError(w, http.StatusNotFound, "api key not found")
			return
		}
		h.logger.Error("deactivating api key", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
