package api

import (
	"net/http"
)

// Health status values
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusDegraded  = "degraded"
	HealthStatusUnhealthy = "unhealthy"
)

// HealthHandler handles HTTP health check requests
type HealthHandler struct {
	streams StreamProvider
}

func NewHealthHandler(streams StreamProvider) *HealthHandler {
	return &HealthHandler{streams: streams}
}

// Health reports the service and per-stream status. A degraded service still
// answers 200.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.streams.HealthStatus()
	writeJSON(w, statusCode(status.Status), status)
}

// Live answers as long as the process serves HTTP.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Ready fails while the service is unhealthy.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	status := h.streams.HealthStatus()
	writeJSON(w, statusCode(status.Status), map[string]string{"status": status.Status})
}

func statusCode(status string) int {
	switch status {
	case HealthStatusHealthy, HealthStatusDegraded:
		return http.StatusOK
	case HealthStatusUnhealthy:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
