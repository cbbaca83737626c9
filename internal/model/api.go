package model

// StatusResponse is the body of the demo routes and of DELETE /users/{id}.
type StatusResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// WorkResponse is the body of a successful GET /work.
type WorkResponse struct {
	OK     bool  `json:"ok"`
	TookMS int64 `json:"took_ms"`
}

// FailureResponse is the body of a failed demo route.
type FailureResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// ErrorResponse is the body of a failed /users route.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK       bool   `json:"ok"`
	Status   string `json:"status"`
	Database string `json:"database"`
	// LogBuffer is ok, high or critical; omitted when log export is off.
	LogBuffer string `json:"log_buffer,omitempty"`
	Version  string `json:"version"`
	UptimeS  int64  `json:"uptime_s"`
}
