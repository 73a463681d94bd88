package handlers

import "net/http"

// ListSessions reports every live browser session and its bridge state.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	if Sessions == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"sessions": []any{},
			"total":    0,
		})
		return
	}

	infos := Sessions.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": infos,
		"total":    len(infos),
	})
}
