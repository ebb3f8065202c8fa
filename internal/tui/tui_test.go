package tui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/controlplane"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/orchestrator"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/processor"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/validate"
)

// stubAPI serves canned control plane replies and records requests.
type stubAPI struct {
	mu       sync.Mutex
	requests []string
	auth     []string
}

func (s *stubAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" "+r.URL.RequestURI())
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.mu.Unlock()

	reply := func(status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}

	switch r.Method + " " + r.URL.Path {
	case "GET /health":
		reply(http.StatusOK, controlplane.HealthResponse{OK: true, Store: "ok", Version: "test"})
	case "GET /jobs":
		reply(http.StatusOK, []models.Job{
			{ID: "job-aaaaaaaaaa", Type: models.JobTypeIngestion, Status: models.JobStatusAwaitingHITL, Priority: 20},
		})
	case "POST /jobs":
		var req validate.CreateJobRequest
		json.NewDecoder(r.Body).Decode(&req)
		reply(http.StatusCreated, models.Job{ID: "job-new", Type: req.Type, Status: models.JobStatusPending, Priority: req.Priority})
	case "POST /jobs/job-aaaaaaaaaa/approve":
		reply(http.StatusOK, models.Job{ID: "job-aaaaaaaaaa", Status: models.JobStatusCompleted})
	case "POST /jobs/missing/approve":
		reply(http.StatusNotFound, controlplane.ErrorResponse{Error: "job not found: missing"})
	case "GET /v1/swarm/tasks":
		reply(http.StatusOK, []models.SwarmTask{
			{ID: "task-1", Type: models.TaskTypeCoding, Status: models.TaskStatusPending, Title: "Implement cache"},
		})
	case "GET /metrics":
		reply(http.StatusOK, orchestrator.Snapshot{
			PendingJobs: 1,
			HealthScore: 1,
			Circuits: map[string]models.CircuitBreakerState{
				"linear": {State: models.CircuitOpen, FailureCount: 2, Reason: "down"},
			},
		})
	case "GET /errors":
		reply(http.StatusOK, []models.ErrorLogEntry{})
	case "GET /admin/heartbeat":
		reply(http.StatusOK, orchestrator.HeartbeatStats{})
	case "POST /v1/admin/batch":
		reply(http.StatusOK, processor.BatchResult{Completed: 2, Deferred: 1})
	default:
		reply(http.StatusNotFound, controlplane.ErrorResponse{Error: "no route"})
	}
}

func newStub(t *testing.T) (*stubAPI, *Client) {
	t.Helper()
	api := &stubAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return api, NewClient(srv.URL+"/", "secret")
}

func TestClient_SendsBearerAndDecodes(t *testing.T) {
	api, c := newStub(t)
	ctx := context.Background()

	job, err := c.CreateJob(ctx, validate.CreateJobRequest{Type: models.JobTypeRunnerTask, Priority: 7})
	require.NoError(t, err)
	assert.Equal(t, "job-new", job.ID)
	assert.Equal(t, 7, job.Priority)

	jobs, err := c.Jobs(ctx, "awaiting_hitl")
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	assert.Equal(t, []string{"POST /jobs", "GET /jobs?status=awaiting_hitl"}, api.requests)
	for _, h := range api.auth {
		assert.Equal(t, "Bearer secret", h)
	}
}

func TestClient_APIError(t *testing.T) {
	_, c := newStub(t)

	_, err := c.ApproveJob(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusNotFound))
	assert.Contains(t, err.Error(), "job not found")
}

func TestClient_Unreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "")
	_, err := c.Health(context.Background())
	assert.Error(t, err)
}

func key(s string) tea.KeyMsg {
	switch s {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func loaded(t *testing.T, c *Client) *App {
	t.Helper()
	a := New(c)
	a.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	msg := a.fetch()()
	a.Update(msg)
	require.True(t, a.snap.online)
	return a
}

func TestApp_RendersTabs(t *testing.T) {
	_, c := newStub(t)
	a := loaded(t, c)

	view := a.View()
	assert.Contains(t, view, "online")
	assert.Contains(t, view, "Implement cache")

	a.Update(key("tab"))
	assert.Contains(t, a.View(), "awaiting_hitl")

	a.Update(key("tab"))
	view = a.View()
	assert.Contains(t, view, "linear")
	assert.Contains(t, view, "down")
}

func TestApp_Offline(t *testing.T) {
	a := New(NewClient("http://127.0.0.1:1", ""))
	a.Update(a.fetch()())
	assert.Contains(t, a.View(), "unreachable")
}

func TestApp_ApproveSelectedJob(t *testing.T) {
	api, c := newStub(t)
	a := loaded(t, c)

	// Approve only acts on the jobs tab.
	_, cmd := a.Update(key("a"))
	assert.Nil(t, cmd)

	a.Update(key("tab"))
	_, cmd = a.Update(key("a"))
	require.NotNil(t, cmd)
	msg := cmd()
	res, ok := msg.(resultMsg)
	require.True(t, ok, "got %T", msg)
	assert.Contains(t, res.message, "Approved job-aaaaaaaaaa")
	assert.Contains(t, api.requests, "POST /jobs/job-aaaaaaaaaa/approve")
}

func TestApp_CommandBar(t *testing.T) {
	_, c := newStub(t)
	a := loaded(t, c)

	a.Update(key(":"))
	require.True(t, a.input.Focused())
	a.input.SetValue("batch 3")
	_, cmd := a.Update(key("enter"))
	require.NotNil(t, cmd)
	assert.False(t, a.input.Focused())

	msg := cmd()
	res, ok := msg.(resultMsg)
	require.True(t, ok, "got %T", msg)
	assert.Contains(t, res.message, "2 completed")

	a.Update(msg)
	assert.Contains(t, a.View(), "2 completed")
}

func TestApp_CommandErrors(t *testing.T) {
	_, c := newStub(t)
	a := loaded(t, c)

	for _, line := range []string{"approve", "batch x", "launch"} {
		msg := a.execute(line)()
		em, ok := msg.(errMsg)
		require.True(t, ok, line)
		assert.True(t, strings.HasPrefix(em.err.Error(), "usage:"), line)
	}

	a.Update(a.execute("approve missing")())
	assert.True(t, a.isErr)
	assert.Contains(t, a.View(), "job not found")
}

func TestApp_Detail(t *testing.T) {
	_, c := newStub(t)
	a := loaded(t, c)

	a.Update(key("enter"))
	assert.Equal(t, "Task task-1", a.detail)
	assert.Contains(t, a.View(), `"title": "Implement cache"`)

	a.Update(key("esc"))
	assert.Empty(t, a.detail)
}
