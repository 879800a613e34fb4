package api //nolint:revive // package name is intentional

import (
	"net/http"
)

// RegisterRoutes registers the memory API on mux. limiter may be nil.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, limiter *RoomLimiter) {
	mux.HandleFunc("GET /health/live", h.HealthCheck)
	mux.HandleFunc("GET /health/ready", h.ReadinessCheck)

	mux.Handle("POST /v1/rooms/{room}/memory", limiter.Wrap(http.HandlerFunc(h.Process)))
	mux.HandleFunc("GET /v1/rooms/{room}/memory", h.GetMemory)
	mux.HandleFunc("DELETE /v1/rooms/{room}/memory", h.ResetMemory)
	mux.HandleFunc("PUT /v1/rooms/{room}/summaries/{id}/important", h.SetImportant)
}
