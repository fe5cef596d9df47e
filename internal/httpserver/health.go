package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthResponse is the JSON response for the health check endpoint
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Storage string `json:"storage,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.deps.Version,
	}

	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.deps.Ping(ctx); err != nil {
			slog.Warn("health check: storage unreachable", "error", err)
			resp.Status = "unavailable"
			resp.Storage = "unreachable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Storage = "ok"
	}

	writeJSON(w, http.StatusOK, resp)
}
