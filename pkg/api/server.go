package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/droverhq/drover/pkg/coordinator"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/registry"
	"github.com/droverhq/drover/pkg/types"
)

// Server exposes the orchestration core over HTTP with JSON payloads.
type Server struct {
	system *coordinator.System
	mux    *http.ServeMux
	http   *http.Server
}

// NewServer creates the admin API server around an assembled system.
func NewServer(sys *coordinator.System) *Server {
	mux := http.NewServeMux()
	s := &Server{
		system: sys,
		mux:    mux,
	}

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /ready", s.readyHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /v1/status", s.statusHandler)
	mux.HandleFunc("GET /v1/graph", s.graphHandler)

	mux.HandleFunc("POST /v1/tasks", s.createTaskHandler)
	mux.HandleFunc("GET /v1/tasks", s.listTasksHandler)
	mux.HandleFunc("GET /v1/tasks/{id}", s.getTaskHandler)
	mux.HandleFunc("DELETE /v1/tasks/{id}", s.cancelTaskHandler)
	mux.HandleFunc("POST /v1/tasks/{id}/progress", s.progressHandler)

	mux.HandleFunc("POST /v1/agents", s.registerAgentHandler)
	mux.HandleFunc("GET /v1/agents", s.listAgentsHandler)
	mux.HandleFunc("POST /v1/agents/{id}/heartbeat", s.heartbeatHandler)
	mux.HandleFunc("GET /v1/agents/{id}/health", s.agentHealthHandler)

	return s
}

// Start serves the API on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", addr).Msg("api listening")
	return s.http.ListenAndServe()
}

// Stop closes the listener.
func (s *Server) Stop() {
	if s.http != nil {
		_ = s.http.Close()
	}
}

// Handler returns the routing handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ReadOnlyHandler wraps the routes so only read operations are allowed.
// Used for listeners exposed beyond the operator boundary.
func (s *Server) ReadOnlyHandler() http.Handler {
	return readOnly(s.mux)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error string          `json:"error"`
	Kind  types.ErrorKind `json:"kind"`
}

// writeError maps the error's kind onto an HTTP status code.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch types.Kind(err) {
	case types.KindValidation:
		code = http.StatusBadRequest
	case types.KindNotFound:
		code = http.StatusNotFound
	case types.KindConflict:
		code = http.StatusConflict
	case types.KindPrecondition:
		code = http.StatusUnprocessableEntity
	case types.KindResourceExhausted:
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, errorResponse{Error: err.Error(), Kind: types.Kind(err)})
}

// TaskRequest is the JSON body accepted by POST /v1/tasks.
type TaskRequest struct {
	ID                   string                 `json:"id,omitempty"`
	Title                string                 `json:"title"`
	Description          string                 `json:"description,omitempty"`
	Category             string                 `json:"category,omitempty"`
	Priority             int                    `json:"priority,omitempty"`
	Complexity           int                    `json:"complexity,omitempty"`
	EstimatedEffort      string                 `json:"estimated_effort,omitempty"`
	Dependencies         []string               `json:"dependencies,omitempty"`
	RequiredResources    []string               `json:"required_resources,omitempty"`
	RequiredCapabilities []string               `json:"required_capabilities,omitempty"`
	Deadline             *time.Time             `json:"deadline,omitempty"`
	MaxRetries           int                    `json:"max_retries,omitempty"`
	Origin               string                 `json:"origin,omitempty"`
	Metadata             map[string]types.Value `json:"metadata,omitempty"`
}

func (s *Server) createTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", types.ErrInvalidTask, err))
		return
	}

	effort, err := parseEffort(req.EstimatedEffort)
	if err != nil {
		writeError(w, err)
		return
	}

	task, err := s.system.CreateTask(coordinator.CreateTaskRequest{
		ID:                   req.ID,
		Title:                req.Title,
		Description:          req.Description,
		Category:             types.TaskCategory(req.Category),
		Priority:             types.Priority(req.Priority),
		Complexity:           req.Complexity,
		EstimatedEffort:      effort,
		Dependencies:         req.Dependencies,
		RequiredResources:    req.RequiredResources,
		RequiredCapabilities: req.RequiredCapabilities,
		Deadline:             req.Deadline,
		MaxRetries:           req.MaxRetries,
		Origin:               req.Origin,
		Metadata:             req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func parseEffort(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	effort, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: bad estimated_effort: %v", types.ErrInvalidTask, err)
	}
	return effort, nil
}

func (s *Server) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.system.Tasks())
}

func (s *Server) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	task, err := s.system.GetTask(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) cancelTaskHandler(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled via api"
	}
	if err := s.system.Cancel(r.PathValue("id"), reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ProgressRequest is the JSON body accepted by the progress endpoint.
type ProgressRequest struct {
	Percent int    `json:"percent"`
	Note    string `json:"note,omitempty"`
}

func (s *Server) progressHandler(w http.ResponseWriter, r *http.Request) {
	var req ProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", types.ErrInvalidTask, err))
		return
	}
	if err := s.system.UpdateProgress(r.PathValue("id"), req.Percent, req.Note); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AgentRequest is the JSON body accepted by POST /v1/agents.
type AgentRequest struct {
	ID            string            `json:"id,omitempty"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	MaxConcurrent int               `json:"max_concurrent"`
	Labels        map[string]string `json:"labels,omitempty"`
}

func (s *Server) registerAgentHandler(w http.ResponseWriter, r *http.Request) {
	var req AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", types.ErrInvalidTask, err))
		return
	}
	agent, err := s.system.RegisterAgent(coordinator.RegisterAgentRequest{
		ID:            req.ID,
		Capabilities:  req.Capabilities,
		MaxConcurrent: req.MaxConcurrent,
		Labels:        req.Labels,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) listAgentsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.system.Agents())
}

// HeartbeatRequest is the optional JSON body for heartbeats carrying
// updated performance counters.
type HeartbeatRequest struct {
	CompletedTasks int    `json:"completed_tasks,omitempty"`
	FailedTasks    int    `json:"failed_tasks,omitempty"`
	AvgCompletion  string `json:"avg_completion,omitempty"`
}

func (s *Server) heartbeatHandler(w http.ResponseWriter, r *http.Request) {
	var stats *registry.HeartbeatStats
	if r.ContentLength > 0 {
		var req HeartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fmt.Errorf("%w: %v", types.ErrInvalidTask, err))
			return
		}
		avg, err := parseEffort(req.AvgCompletion)
		if err != nil {
			writeError(w, err)
			return
		}
		stats = &registry.HeartbeatStats{
			CompletedTasks: req.CompletedTasks,
			FailedTasks:    req.FailedTasks,
			AvgCompletion:  avg,
		}
	}
	if err := s.system.Heartbeat(r.PathValue("id"), stats); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// agentHealthHandler returns the monitor's view of one agent: recent
// checks, detected trends, and the current SLA report.
func (s *Server) agentHealthHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	mon := s.system.Health()
	body := map[string]any{
		"history": mon.History(id),
		"trends":  mon.Trends(id),
		"sla":     mon.SLA(id),
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.system.Status())
}

func (s *Server) graphHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.system.Analyze()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
