package api

import (
	"net/http"
	"time"
)

// HealthResponse represents the liveness check response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler is a simple liveness check: 200 if the process is alive.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// readyHandler reports whether the core can accept and place work.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true
	var message string

	if s.system == nil {
		checks["system"] = "not initialized"
		ready = false
		message = "System not initialized"
	} else {
		checks["system"] = "ok"

		status := s.system.Status()
		available := 0
		for agentStatus, n := range status.Agents.ByStatus {
			switch agentStatus {
			case "idle", "active":
				available += n
			}
		}
		if available == 0 {
			checks["agents"] = "none available"
			if status.QueueDepth > 0 {
				ready = false
				message = "Queued work but no available agents"
			}
		} else {
			checks["agents"] = "ok"
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}
