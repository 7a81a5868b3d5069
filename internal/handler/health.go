// health.go -- Health check handler for GET /health.
package handler

import (
	"net/http"
)

// CheckHealth pings Postgres and Redis, returns per-dependency status.
// Returns 200 if both are healthy, 503 if either is down.
func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	postgresStatus := "ok"
	redisStatus := "disabled"

	if err := h.Postgres.CheckHealth(r.Context()); err != nil {
		logError(r, "postgres health check failed", "error", err)
		postgresStatus = "error"
	}
	if h.Redis != nil {
		redisStatus = "ok"
		if err := h.Redis.CheckHealth(r.Context()); err != nil {
			logError(r, "redis health check failed", "error", err)
			redisStatus = "error"
		}
	}

	status := http.StatusOK
	if postgresStatus == "error" || redisStatus == "error" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
	}{postgresStatus, redisStatus})
}
