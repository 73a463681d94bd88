package handlers

import (
	"net/http"
	"strconv"

	"github.com/ngommans/mcode-sub001/internal/logging"
)

// maxLogLines caps one log-tail response.
const maxLogLines = 5000

func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid lines")
			return
		}
		lines = n
	}
	if lines > maxLogLines {
		lines = maxLogLines
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read logs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to clear logs")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
