package api

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	BackendState  string `json:"backend_state,omitempty"`
}

// BackendResponse is returned by GET /backend. Port is set only when the
// backend is ready.
type BackendResponse struct {
	State string `json:"state"`
	Port  uint16 `json:"port,omitempty"`
	Error string `json:"error,omitempty"`
}
