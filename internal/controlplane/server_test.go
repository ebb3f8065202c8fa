package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors/fake"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/kv"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/llm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/orchestrator"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/processor"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/resilience"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/store"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/swarm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/webhook"
)

const testKey = "test-key"

type echoProvider struct{}

func (echoProvider) Name() string    { return llm.Anthropic }
func (echoProvider) Available() bool { return true }

func (echoProvider) Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	return &llm.Response{Content: "pong", Usage: llm.Usage{TotalTokens: 3}}, nil
}

type testOpts struct {
	keys      []string
	rateLimit *resilience.RateLimitConfig
	secrets   *webhook.Secrets
}

func newTestServer(t *testing.T, o testOpts) http.Handler {
	t.Helper()
	b, err := kv.OpenSQLite(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := store.New(b, store.WithClock(func() time.Time { return now }))
	require.NoError(t, s.Initialize(context.Background()))

	tracker := fake.NewTracker()
	scm := fake.NewSourceControl()
	reg := llm.NewRegistry()
	require.NoError(t, reg.Register(echoProvider{}))
	router := llm.NewRouter(reg)

	mgr := swarm.NewManager(s, swarm.DefaultConfig(), swarm.WithTracker(tracker), swarm.WithSourceControl(scm))
	proc := processor.New(s, mgr,
		processor.WithTracker(tracker),
		processor.WithSourceControl(scm),
		processor.WithRouter(router),
	)
	secrets := webhook.Secrets{Linear: "linear-secret", GitHub: "github-secret"}
	if o.secrets != nil {
		secrets = *o.secrets
	}
	hooks := webhook.NewHandler(s, mgr, proc, secrets, nil)

	cfg := orchestrator.DefaultConfig()
	if o.rateLimit != nil {
		cfg.RateLimit = *o.rateLimit
	}
	orch := orchestrator.New(orchestrator.Deps{
		Store:     s,
		Swarm:     mgr,
		Processor: proc,
		Webhooks:  hooks,
		Router:    router,
	}, cfg, nil)

	keys := o.keys
	if keys == nil {
		keys = []string{testKey}
	}
	srvCfg := DefaultConfig()
	srvCfg.APIKeys = keys
	return NewServer(orch, srvCfg).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(v)
	case []byte:
		r = bytes.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testKey)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, testOpts{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	health := decode[HealthResponse](t, w)
	assert.True(t, health.OK)
	assert.Equal(t, "ok", health.Store)
	assert.Equal(t, Version, health.Version)
	assert.NotEmpty(t, health.Time)
}

func TestHealth_MethodNotAllowed(t *testing.T) {
	h := newTestServer(t, testOpts{})
	w := do(t, h, http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAuth(t *testing.T) {
	h := newTestServer(t, testOpts{})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testKey, http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + testKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestAuth_NoKeysConfigured(t *testing.T) {
	h := newTestServer(t, testOpts{keys: []string{}})
	w := do(t, h, http.MethodGet, "/jobs", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, decode[ErrorResponse](t, w).Error, "no API keys")
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, testOpts{rateLimit: &resilience.RateLimitConfig{Max: 2, RefillPerSec: 1, StressThreshold: 50}})

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/jobs", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/jobs", nil).Code)

	// The store clock is frozen so the bucket never refills.
	w := do(t, h, http.MethodGet, "/jobs", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// Health is never throttled.
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil).Code)
}

func TestJobs(t *testing.T) {
	h := newTestServer(t, testOpts{})

	w := do(t, h, http.MethodPost, "/jobs", map[string]any{
		"type":     "ingestion",
		"priority": 20,
		"payload":  map[string]string{"title": "Add caching", "repository": "acme/app"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	job := decode[models.Job](t, w)
	assert.Equal(t, models.JobStatusPending, job.Status)

	w = do(t, h, http.MethodGet, "/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, job.ID, decode[models.Job](t, w).ID)

	w = do(t, h, http.MethodGet, "/jobs?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.Job](t, w), 1)

	w = do(t, h, http.MethodGet, "/jobs?status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))

	w = do(t, h, http.MethodPatch, "/jobs/"+job.ID, map[string]any{"priority": 90})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 90, decode[models.Job](t, w).Priority)
}

func TestJobs_Validation(t *testing.T) {
	h := newTestServer(t, testOpts{})

	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"malformed", "{"},
		{"unknown type", `{"type":"launch"}`},
		{"priority out of range", `{"type":"ingestion","priority":101}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, decode[ErrorResponse](t, w).Error, "invalid request")
		})
	}
}

func TestJobs_NotFound(t *testing.T) {
	h := newTestServer(t, testOpts{})
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/jobs/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/jobs/missing/approve", nil).Code)
}

func TestApprove_ConflictWhenNotHeld(t *testing.T) {
	h := newTestServer(t, testOpts{})

	w := do(t, h, http.MethodPost, "/jobs", map[string]any{"type": "runner_task"})
	require.Equal(t, http.StatusCreated, w.Code)
	job := decode[models.Job](t, w)

	w = do(t, h, http.MethodPost, "/jobs/"+job.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestApprove_HeldIngestion(t *testing.T) {
	h := newTestServer(t, testOpts{})

	w := do(t, h, http.MethodPost, "/jobs", map[string]any{
		"type":    "ingestion",
		"payload": map[string]string{"title": "Add caching", "repository": "acme/app"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	job := decode[models.Job](t, w)

	w = do(t, h, http.MethodPost, "/v1/admin/batch?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, http.MethodGet, "/jobs/"+job.ID, nil)
	require.Equal(t, models.JobStatusAwaitingHITL, decode[models.Job](t, w).Status)

	w = do(t, h, http.MethodPost, "/jobs/"+job.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.JobStatusCompleted, decode[models.Job](t, w).Status)

	w = do(t, h, http.MethodGet, "/jobs?status=pending", nil)
	pending := decode[[]models.Job](t, w)
	require.Len(t, pending, 1)
	assert.Equal(t, models.JobTypeOrchestration, pending[0].Type)
	assert.Equal(t, job.ID, pending[0].CorrelationID)
}

func TestBatch_RejectsBadLimit(t *testing.T) {
	h := newTestServer(t, testOpts{})
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/admin/batch?limit=x", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/admin/batch?limit=500", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/admin/batch", `{"limit":3}`).Code)
}

func TestSwarmTasks(t *testing.T) {
	h := newTestServer(t, testOpts{})

	w := do(t, h, http.MethodGet, "/v1/swarm/next", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/v1/swarm/tasks", map[string]any{
		"issueId":  "issue-1",
		"type":     "coding",
		"title":    "Implement cache",
		"priority": 50,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	task := decode[models.SwarmTask](t, w)
	assert.Equal(t, models.TaskStatusPending, task.Status)

	w = do(t, h, http.MethodGet, "/v1/swarm/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.SwarmTask](t, w), 1)

	w = do(t, h, http.MethodGet, "/v1/swarm/next", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, task.ID, decode[models.SwarmTask](t, w).ID)

	w = do(t, h, http.MethodPost, "/v1/swarm/update", map[string]any{"taskId": "missing", "status": "completed"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/v1/swarm/update", map[string]any{"taskId": task.ID, "status": "bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkerPoll(t *testing.T) {
	h := newTestServer(t, testOpts{})

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/worker/poll", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/v1/worker/poll", `{"workerId":"w1"}`).Code)

	w := do(t, h, http.MethodPost, "/v1/swarm/tasks", map[string]any{"issueId": "issue-1", "type": "chore", "title": "Tidy"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, h, http.MethodPost, "/v1/worker/poll", `{"workerId":"w1"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Tidy", decode[models.SwarmTask](t, w).Title)
}

func TestLinearWebhook(t *testing.T) {
	h := newTestServer(t, testOpts{})
	body := []byte(`{"action":"create","type":"Issue","data":{"id":"lin-1","identifier":"BIF-9","title":"Cache","priority":2,"labels":[{"id":"lbl-ready","name":"swarm:ready"}]}}`)

	noAuth := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/linear", bytes.NewReader(body))
		req.Header.Set(webhook.LinearSignatureHeader, sig)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, noAuth("deadbeef").Code)

	w := noAuth(webhook.Sign("linear-secret", body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[webhook.Result](t, w)
	assert.False(t, res.Ignored)
	assert.NotEmpty(t, res.JobID)

	w = noAuth(webhook.Sign("linear-secret", body))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[webhook.Result](t, w).Ignored)
}

func TestWebhook_NotConfigured(t *testing.T) {
	h := newTestServer(t, testOpts{secrets: &webhook.Secrets{}})
	body := []byte(`{"zen":"hi"}`)
	w := do(t, h, http.MethodPost, "/webhooks/github", body,
		webhook.GitHubEventHeader, webhook.EventPing,
		webhook.GitHubSignatureHeader, "sha256="+webhook.Sign("", body))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGitHubWebhook_Ping(t *testing.T) {
	h := newTestServer(t, testOpts{})
	body := []byte(`{"zen":"hi"}`)
	w := do(t, h, http.MethodPost, "/webhooks/github", body,
		webhook.GitHubEventHeader, webhook.EventPing,
		webhook.GitHubSignatureHeader, "sha256="+webhook.Sign("github-secret", body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, webhook.EventPing, decode[webhook.Result](t, w).Event)
}

func TestChat(t *testing.T) {
	h := newTestServer(t, testOpts{})

	w := do(t, h, http.MethodPost, "/v2/chat", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "ping"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "pong", decode[llm.Response](t, w).Content)

	w = do(t, h, http.MethodPost, "/v2/chat", `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[orchestrator.Snapshot](t, w)
	assert.Equal(t, int64(1), snap.Metrics.TotalRequests)
}

func TestDiagnostics(t *testing.T) {
	h := newTestServer(t, testOpts{})

	w := do(t, h, http.MethodGet, "/errors", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))

	w = do(t, h, http.MethodGet, "/admin/circuits", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/admin/heartbeat", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(0), decode[orchestrator.HeartbeatStats](t, w).Runs)

	w = do(t, h, http.MethodGet, "/metrics/prometheus", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bifrost_http_requests_total")
}

func TestWipe(t *testing.T) {
	h := newTestServer(t, testOpts{})

	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/jobs", map[string]any{"type": "runner_task"}).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/admin/wipe", nil).Code)

	w := do(t, h, http.MethodGet, "/jobs", nil)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}
