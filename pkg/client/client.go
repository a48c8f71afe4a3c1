// Package client is a thin HTTP client for the drover admin API, used
// by remote agents and CLI tooling.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/droverhq/drover/pkg/api"
	"github.com/droverhq/drover/pkg/coordinator"
	"github.com/droverhq/drover/pkg/types"
)

// Client talks to one drover core.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the core at baseURL (e.g. "http://127.0.0.1:8080").
func New(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response decoded from the server.
type APIError struct {
	StatusCode int
	Kind       types.ErrorKind
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Kind, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string          `json:"error"`
			Kind  types.ErrorKind `json:"kind"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &APIError{StatusCode: resp.StatusCode, Kind: apiErr.Kind, Message: apiErr.Error}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// CreateTask submits a task.
func (c *Client) CreateTask(ctx context.Context, req api.TaskRequest) (*types.Task, error) {
	var task types.Task
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var task types.Task
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+id, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks fetches every task.
func (c *Client) ListTasks(ctx context.Context) ([]*types.Task, error) {
	var tasks []*types.Task
	if err := c.do(ctx, http.MethodGet, "/v1/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Cancel cancels a task.
func (c *Client) Cancel(ctx context.Context, id, reason string) error {
	path := "/v1/tasks/" + id
	if reason != "" {
		path += "?reason=" + reason
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Progress reports task progress, which also counts as a heartbeat.
func (c *Client) Progress(ctx context.Context, id string, percent int, note string) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+id+"/progress",
		api.ProgressRequest{Percent: percent, Note: note}, nil)
}

// RegisterAgent adds or refreshes an agent.
func (c *Client) RegisterAgent(ctx context.Context, req api.AgentRequest) (*types.Agent, error) {
	var agent types.Agent
	if err := c.do(ctx, http.MethodPost, "/v1/agents", req, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// Heartbeat refreshes an agent's liveness.
func (c *Client) Heartbeat(ctx context.Context, id string, stats *api.HeartbeatRequest) error {
	var body any
	if stats != nil {
		body = stats
	}
	return c.do(ctx, http.MethodPost, "/v1/agents/"+id+"/heartbeat", body, nil)
}

// Status fetches the aggregate system status.
func (c *Client) Status(ctx context.Context) (*coordinator.SystemStatus, error) {
	var status coordinator.SystemStatus
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Ready probes the readiness endpoint.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ready", nil, nil)
}
