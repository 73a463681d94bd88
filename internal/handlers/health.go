package handlers

import (
	"net/http"

	"github.com/ngommans/mcode-sub001/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		if sqlDB, err := database.DB.DB(); err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	sessions := 0
	if Sessions != nil {
		sessions = Sessions.Len()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"database": dbStatus,
		"sessions": sessions,
	})
}
