package handlers

import (
	"net/http"
	"strconv"

	"github.com/ngommans/mcode-sub001/internal/audit"
)

// Auditor is set from main.go during init.
var Auditor *audit.Recorder

// GetBridgeEvents handles GET /api/v1/audit.
// Query parameters:
//   - session_id (optional): filter by session
//   - codespace (optional): filter by codespace name
//   - event_type (optional): filter by event type
//   - limit (optional): entries per page (default 100, max 1000)
//   - offset (optional): pagination offset
func GetBridgeEvents(w http.ResponseWriter, r *http.Request) {
	if Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit recording not initialized")
		return
	}

	opts := audit.QueryOptions{
		SessionID: r.URL.Query().Get("session_id"),
		Codespace: r.URL.Query().Get("codespace"),
		EventType: r.URL.Query().Get("event_type"),
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = limit
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = offset
	}

	events, total, err := Auditor.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query bridge events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": events,
		"total":   total,
	})
}
