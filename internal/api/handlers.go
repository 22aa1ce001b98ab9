package api

import (
	"encoding/json"
	"net/http"
	"time"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.backend != nil {
		resp.BackendState = s.backend.State().String()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleBackend returns the negotiated port once the backend is ready.
func (s *Server) handleBackend(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no backend")
		return
	}
	state := s.backend.State()
	port, err := s.backend.Port()
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, BackendResponse{State: state.String(), Error: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, BackendResponse{State: state.String(), Port: port})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
