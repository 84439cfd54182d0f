package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/branchchat/branchd/internal/usage"
)

// usageHandler serves the per-user usage report.
type usageHandler struct {
	recorder *usage.Recorder
	logger   *slog.Logger
}

// report handles GET /api/v1/usage?start_date=YYYY-MM-DD&end_date=YYYY-MM-DD.
// Both bounds are inclusive calendar days; absent bounds default to the
// last 30 days ending today.
func (h *usageHandler) report(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	now := time.Now().UTC()
	end := now.Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -30)

	var err error
	if raw := r.URL.Query().Get("start_date"); raw != "" {
		if start, err = time.Parse(usage.DateFormat, raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid start_date, expected YYYY-MM-DD")
			return
		}
	}
	if raw := r.URL.Query().Get("end_date"); raw != "" {
		if end, err = time.Parse(usage.DateFormat, raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid end_date, expected YYYY-MM-DD")
			return
		}
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "end_date is before start_date")
		return
	}

	report, err := h.recorder.Report(r.Context(), userID, start, end)
	if err != nil {
		h.logger.Error("building usage report", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
