package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// sseKeepaliveInterval paces comment lines that keep idle connections
// open through proxies.
const sseKeepaliveInterval = 15 * time.Second

// streamEvents handles GET /api/v1/sessions/{id}/events. It streams
// response completions for the session as server-sent events:
//
//	event: completion
//	data: {"session_id":...,"node_id":...,"llm_response":...}
//
// A "deleted" event is sent and the stream closed when the session is
// deleted. The client reconnects with plain EventSource semantics.
func (h *sessionHandler) streamEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	sessionID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	// Ownership check before subscribing, so foreign session IDs get the
	// same 404 as absent ones.
	if _, err := h.engine.GetSession(r.Context(), userID, sessionID); err != nil {
		writeEngineError(w, err, h.logger)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	completions, cancel := h.engine.Watch(sessionID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()

		case completion, open := <-completions:
			if !open {
				// Session deleted.
				fmt.Fprint(w, "event: deleted\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(completion)
			if err != nil {
				h.logger.Error("encoding completion event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: completion\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
