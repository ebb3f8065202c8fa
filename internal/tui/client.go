package tui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/controlplane"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/llm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/orchestrator"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/processor"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/swarm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/validate"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 30 * time.Second

// APIError is a non-2xx reply from the control plane.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == status
}

// Client wraps HTTP calls to the bifrost control plane.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates an API client. token is sent as a bearer credential.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// BaseURL returns the API address.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var er controlplane.ErrorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func withStatus(path, status string) string {
	if status == "" {
		return path
	}
	return path + "?status=" + url.QueryEscape(status)
}

// Health fetches GET /health. The payload is returned alongside the error
// when the server reports itself unhealthy.
func (c *Client) Health(ctx context.Context) (*controlplane.HealthResponse, error) {
	var h controlplane.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &h)
	if IsStatus(err, http.StatusServiceUnavailable) {
		h.OK = false
		return &h, err
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// CreateJob enqueues a job.
func (c *Client) CreateJob(ctx context.Context, req validate.CreateJobRequest) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodPost, "/jobs", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Jobs lists jobs, optionally filtered by status.
func (c *Client) Jobs(ctx context.Context, status string) ([]models.Job, error) {
	var jobs []models.Job
	err := c.do(ctx, http.MethodGet, withStatus("/jobs", status), nil, &jobs)
	return jobs, err
}

// Job fetches one job.
func (c *Client) Job(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ApproveJob approves a job held for human review.
func (c *Client) ApproveJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/approve", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateTask creates a swarm task.
func (c *Client) CreateTask(ctx context.Context, req validate.CreateTaskRequest) (*models.SwarmTask, error) {
	var task models.SwarmTask
	if err := c.do(ctx, http.MethodPost, "/v1/swarm/tasks", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Tasks lists swarm tasks, optionally filtered by status.
func (c *Client) Tasks(ctx context.Context, status string) ([]models.SwarmTask, error) {
	var tasks []models.SwarmTask
	err := c.do(ctx, http.MethodGet, withStatus("/v1/swarm/tasks", status), nil, &tasks)
	return tasks, err
}

// NextTask checks out the highest priority pending task.
func (c *Client) NextTask(ctx context.Context) (*models.SwarmTask, error) {
	var task models.SwarmTask
	if err := c.do(ctx, http.MethodGet, "/v1/swarm/next", nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTask reports progress or completion of a task.
func (c *Client) UpdateTask(ctx context.Context, req validate.TaskUpdateRequest) (*swarm.UpdateResult, error) {
	var res swarm.UpdateResult
	if err := c.do(ctx, http.MethodPost, "/v1/swarm/update", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Batch runs one batch of pending jobs. A zero limit uses the server default.
func (c *Client) Batch(ctx context.Context, limit int) (*processor.BatchResult, error) {
	path := "/v1/admin/batch"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var res processor.BatchResult
	if err := c.do(ctx, http.MethodPost, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Sync pulls ready issues from the tracker.
func (c *Client) Sync(ctx context.Context) (*processor.SyncResult, error) {
	var res processor.SyncResult
	if err := c.do(ctx, http.MethodPost, "/v1/admin/sync", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Maintain runs circuit recovery and retention cleanup now.
func (c *Client) Maintain(ctx context.Context) (*orchestrator.MaintenanceResult, error) {
	var res orchestrator.MaintenanceResult
	if err := c.do(ctx, http.MethodPost, "/v1/admin/maintenance", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Wipe deletes all orchestrator state.
func (c *Client) Wipe(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/wipe", nil, nil)
}

// Metrics fetches the orchestrator snapshot.
func (c *Client) Metrics(ctx context.Context) (*orchestrator.Snapshot, error) {
	var snap orchestrator.Snapshot
	if err := c.do(ctx, http.MethodGet, "/metrics", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Errors fetches the error ring buffer.
func (c *Client) Errors(ctx context.Context) ([]models.ErrorLogEntry, error) {
	var errs []models.ErrorLogEntry
	err := c.do(ctx, http.MethodGet, "/errors", nil, &errs)
	return errs, err
}

// Circuits fetches circuit breaker state.
func (c *Client) Circuits(ctx context.Context) (map[string]models.CircuitBreakerState, error) {
	var circuits map[string]models.CircuitBreakerState
	err := c.do(ctx, http.MethodGet, "/admin/circuits", nil, &circuits)
	return circuits, err
}

// Heartbeat fetches heartbeat counters.
func (c *Client) Heartbeat(ctx context.Context) (*orchestrator.HeartbeatStats, error) {
	var stats orchestrator.HeartbeatStats
	if err := c.do(ctx, http.MethodGet, "/admin/heartbeat", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Chat sends a routed LLM request.
func (c *Client) Chat(ctx context.Context, req validate.ChatRequest) (*llm.Response, error) {
	var resp llm.Response
	if err := c.do(ctx, http.MethodPost, "/v2/chat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
