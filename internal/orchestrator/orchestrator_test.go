package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors/fake"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/kv"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/llm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/processor"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/resilience"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/store"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/swarm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/validate"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/webhook"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type echoProvider struct {
	err error
}

func (echoProvider) Name() string    { return llm.Anthropic }
func (echoProvider) Available() bool { return true }

func (p echoProvider) Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	if p.err != nil {
		return nil, p.err
	}
	last := messages[len(messages)-1].Content
	return &llm.Response{Content: "echo: " + last, Usage: llm.Usage{TotalTokens: 7}}, nil
}

type stalledProvider struct{}

func (stalledProvider) Name() string    { return llm.Anthropic }
func (stalledProvider) Available() bool { return true }

func (stalledProvider) Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type env struct {
	store   *store.Store
	clock   *clock
	tracker *fake.Tracker
	audit   *fake.AuditLog
	orch    *Orchestrator
}

type envOpts struct {
	cfg      Config
	provider   llm.Provider
	routerOpts []llm.RouterOption
	noRouter   bool
}

func newEnv(t *testing.T, o envOpts) *env {
	t.Helper()
	b, err := kv.OpenSQLite(filepath.Join(t.TempDir(), "orch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	c := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := store.New(b, store.WithClock(c.Now))
	require.NoError(t, s.Initialize(context.Background()))

	e := &env{store: s, clock: c, tracker: fake.NewTracker(), audit: &fake.AuditLog{}}
	scm := fake.NewSourceControl()

	var router *llm.Router
	if !o.noRouter {
		reg := llm.NewRegistry()
		p := o.provider
		if p == nil {
			p = echoProvider{}
		}
		require.NoError(t, reg.Register(p))
		router = llm.NewRouter(reg, o.routerOpts...)
	}

	mgr := swarm.NewManager(s, swarm.DefaultConfig(), swarm.WithTracker(e.tracker), swarm.WithSourceControl(scm))
	popts := []processor.Option{
		processor.WithTracker(e.tracker),
		processor.WithSourceControl(scm),
		processor.WithAuditLog(e.audit),
	}
	if router != nil {
		popts = append(popts, processor.WithRouter(router), processor.WithOptimizationStore(llm.NewKVOptimizationStore(b)))
	}
	proc := processor.New(s, mgr, popts...)
	hooks := webhook.NewHandler(s, mgr, proc, webhook.Secrets{Linear: "l", GitHub: "g"}, nil)

	cfg := o.cfg
	if cfg.Heartbeat.Interval == 0 {
		cfg = DefaultConfig()
	}
	e.orch = New(Deps{
		Store:     s,
		Swarm:     mgr,
		Processor: proc,
		Webhooks:  hooks,
		Router:    router,
		Audit:     e.audit,
	}, cfg, nil)
	return e
}

func TestApproveJob(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()

	payload, _ := json.Marshal(processor.IngestionPayload{Title: "Add caching", Repository: "acme/app"})
	job, err := e.orch.CreateJob(ctx, validate.CreateJobRequest{Type: models.JobTypeIngestion, Priority: 20, Payload: payload})
	require.NoError(t, err)

	_, err = e.orch.Batch(ctx, 1)
	require.NoError(t, err)
	held, err := e.orch.Job(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusAwaitingHITL, held.Status)
	require.NotEmpty(t, held.IssueID)

	approved, err := e.orch.ApproveJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, approved.Status)

	var res ApprovalResult
	require.NoError(t, json.Unmarshal(approved.Result, &res))
	assert.True(t, res.Approved)
	assert.Equal(t, held.IssueID, res.ApprovalIssueID)

	next, err := e.orch.Job(ctx, res.OrchestrationJobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobTypeOrchestration, next.Type)
	assert.Equal(t, models.JobStatusPending, next.Status)
	assert.Equal(t, held.IssueID, next.IssueID)
	assert.Equal(t, 20, next.Priority)

	var pl processor.OrchestrationPayload
	require.NoError(t, json.Unmarshal(next.Payload, &pl))
	assert.Equal(t, processor.ActionInitializeAndPlan, pl.Action)
	assert.Equal(t, "Add caching", pl.Title)
	assert.Equal(t, "acme/app", pl.Repository)

	assert.Contains(t, e.audit.Types(), "job.approved")

	_, err = e.orch.ApproveJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrConflict)
	_, err = e.orch.ApproveJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAllowRequest_BucketPerKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = resilience.RateLimitConfig{Max: 2, RefillPerSec: 1, StressThreshold: 50}
	e := newEnv(t, envOpts{cfg: cfg})
	ctx := context.Background()

	require.NoError(t, e.orch.AllowRequest(ctx, "key-a"))
	require.NoError(t, e.orch.AllowRequest(ctx, "key-a"))
	assert.ErrorIs(t, e.orch.AllowRequest(ctx, "key-a"), ErrRateLimited)
	assert.NoError(t, e.orch.AllowRequest(ctx, "key-b"))

	e.clock.Advance(time.Second)
	assert.NoError(t, e.orch.AllowRequest(ctx, "key-a"))
}

func TestMaintain_RecoversCircuitsAfterFiveMinutes(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, e.store.RecordFailure(ctx, resilience.CircuitLinear, 2, "test", errors.New("down")))
	}
	require.True(t, e.store.CircuitOpen(resilience.CircuitLinear))

	e.clock.Advance(4 * time.Minute)
	res, err := e.orch.Maintain(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Recovered)

	e.clock.Advance(2 * time.Minute)
	res, err = e.orch.Maintain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{resilience.CircuitLinear}, res.Recovered)

	circuits, err := e.orch.Circuits(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.CircuitClosed, circuits[resilience.CircuitLinear].State)
	assert.Zero(t, circuits[resilience.CircuitLinear].FailureCount)
	assert.Equal(t, e.clock.Now(), e.store.Meta().LastMaintenance)
}

func TestMaintain_PrunesTerminalRecords(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Heartbeat.Retention = 1
	cfg.Heartbeat.OptimizationInterval = 0
	e := newEnv(t, envOpts{cfg: cfg})
	ctx := context.Background()

	done := models.JobStatusCompleted
	for i := 0; i < 3; i++ {
		j, err := e.orch.CreateJob(ctx, validate.CreateJobRequest{Type: models.JobTypeRunCommand})
		require.NoError(t, err)
		e.clock.Advance(time.Second)
		_, err = e.orch.UpdateJob(ctx, j.ID, validate.UpdateJobRequest{Status: &done})
		require.NoError(t, err)
	}
	_, err := e.orch.CreateJob(ctx, validate.CreateJobRequest{Type: models.JobTypeRunCommand})
	require.NoError(t, err)

	res, err := e.orch.Maintain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Removed)

	jobs, err := e.orch.Jobs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestMaintain_SchedulesOptimizationOncePerInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Heartbeat.OptimizationInterval = time.Hour
	e := newEnv(t, envOpts{cfg: cfg})
	ctx := context.Background()

	res, err := e.orch.Maintain(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.OptimizationJobID, "interval counts from service start")

	e.clock.Advance(2 * time.Hour)
	res, err = e.orch.Maintain(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, res.OptimizationJobID)

	res, err = e.orch.Maintain(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.OptimizationJobID)

	job, err := e.orch.Job(ctx, e.mustOptimizationJob(t))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
}

func (e *env) mustOptimizationJob(t *testing.T) string {
	t.Helper()
	for _, j := range e.store.Jobs() {
		if isOptimizationJob(j) {
			return j.ID
		}
	}
	t.Fatal("no optimization job")
	return ""
}

func TestMaintain_NoOptimizationWithoutRouter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Heartbeat.OptimizationInterval = time.Minute
	e := newEnv(t, envOpts{cfg: cfg, noRouter: true})

	e.clock.Advance(time.Hour)
	res, err := e.orch.Maintain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.OptimizationJobID)
}

func TestBeat_RecoversCircuitsBetweenMaintenancePasses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Heartbeat.MaintenanceInterval = time.Hour
	e := newEnv(t, envOpts{cfg: cfg})
	ctx := context.Background()

	res, err := e.orch.Beat(ctx)
	require.NoError(t, err)
	require.NotNil(t, res.Maintenance)

	for i := 0; i < 2; i++ {
		require.NoError(t, e.store.RecordFailure(ctx, resilience.CircuitLinear, 2, "test", errors.New("down")))
	}
	require.True(t, e.store.CircuitOpen(resilience.CircuitLinear))

	e.clock.Advance(5*time.Minute + time.Second)
	res, err = e.orch.Beat(ctx)
	require.NoError(t, err)
	assert.Nil(t, res.Maintenance)
	assert.Equal(t, []string{resilience.CircuitLinear}, res.Recovered)

	circuits, err := e.orch.Circuits(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.CircuitClosed, circuits[resilience.CircuitLinear].State)
}

func TestBeat_SyncBatchAndMaintenanceWhenDue(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()

	e.tracker.Issues["issue-9"] = &connectors.Issue{ID: "issue-9", Identifier: "BIF-9", Title: "Ready work", Labels: []string{"swarm:ready"}}

	res, err := e.orch.Beat(ctx)
	require.NoError(t, err)
	require.NotNil(t, res.Sync)
	assert.Len(t, res.Sync.Created, 1)
	require.NotNil(t, res.Batch)
	assert.Len(t, res.Batch.Outcomes, 1)
	assert.NotNil(t, res.Maintenance, "first beat always maintains")

	e.clock.Advance(time.Minute)
	res, err = e.orch.Beat(ctx)
	require.NoError(t, err)
	assert.Nil(t, res.Maintenance)
	assert.Empty(t, res.Sync.Created)

	e.clock.Advance(5 * time.Minute)
	res, err = e.orch.Beat(ctx)
	require.NoError(t, err)
	assert.NotNil(t, res.Maintenance)
}

func TestBeat_SyncFailureDoesNotStopBatch(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()

	_, err := e.orch.CreateJob(ctx, validate.CreateJobRequest{Type: models.JobTypeRunCommand})
	require.NoError(t, err)
	e.tracker.Err = errors.New("tracker down")

	res, err := e.orch.Beat(ctx)
	require.NoError(t, err)
	assert.Contains(t, res.SyncError, "tracker down")
	require.NotNil(t, res.Batch)
	assert.Len(t, res.Batch.Outcomes, 1)
}

func TestHeartbeat_TickNeverOverlaps(t *testing.T) {
	e := newEnv(t, envOpts{})
	h := NewHeartbeat(e.orch, nil)

	h.sem <- struct{}{}
	_, ran := h.Tick(context.Background())
	assert.False(t, ran)
	<-h.sem

	_, ran = h.Tick(context.Background())
	assert.True(t, ran)

	stats := h.Stats()
	assert.EqualValues(t, 1, stats.Runs)
	assert.EqualValues(t, 1, stats.Skipped)
	assert.False(t, stats.Running)
	assert.Empty(t, stats.LastError)
}

func TestHeartbeat_StartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Heartbeat.Interval = 20 * time.Millisecond
	e := newEnv(t, envOpts{cfg: cfg})
	h := NewHeartbeat(e.orch, nil)

	require.NoError(t, h.Start())
	require.Eventually(t, func() bool { return h.Stats().Runs > 0 }, 3*time.Second, 10*time.Millisecond)
	h.Stop()
}

func TestChat_RecordsMetrics(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()

	resp, err := e.orch.Chat(ctx, validate.ChatRequest{
		Messages: []validate.ChatMessage{{Role: "user", Content: "hello"}},
		TaskType: llm.TaskPlanning,
	})
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", resp.Content)
	assert.Equal(t, llm.Anthropic, resp.Provider)

	snap, err := e.orch.Metrics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.Metrics.TotalRequests)
	assert.EqualValues(t, 7, snap.Metrics.TokensConsumed)
	assert.EqualValues(t, 1, snap.Metrics.Providers[llm.Anthropic].Successes)
}

func TestChat_FailureCountsAgainstLLMCircuit(t *testing.T) {
	e := newEnv(t, envOpts{provider: echoProvider{err: errors.New("overloaded")}})
	ctx := context.Background()

	_, err := e.orch.Chat(ctx, validate.ChatRequest{Messages: []validate.ChatMessage{{Role: "user", Content: "hi"}}})
	require.Error(t, err)

	circuits, err := e.orch.Circuits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, circuits[resilience.CircuitLLM].FailureCount)

	errs, err := e.orch.Errors(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Message, "overloaded")

	snap, err := e.orch.Metrics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.Metrics.TotalRequests)
	assert.EqualValues(t, 1, snap.Metrics.ErrorCount)
	assert.EqualValues(t, 1, snap.Metrics.Providers[llm.Anthropic].Failures)
}

func TestChat_StalledProviderTimesOutAndTripsCircuit(t *testing.T) {
	e := newEnv(t, envOpts{
		provider:   stalledProvider{},
		routerOpts: []llm.RouterOption{llm.WithCallTimeout(20 * time.Millisecond)},
	})
	ctx := context.Background()

	_, err := e.orch.Chat(ctx, validate.ChatRequest{Messages: []validate.ChatMessage{{Role: "user", Content: "hi"}}})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	circuits, err := e.orch.Circuits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, circuits[resilience.CircuitLLM].FailureCount)

	// The actor lock is free again.
	_, err = e.orch.Jobs(ctx, "")
	require.NoError(t, err)
}

func TestChat_NotConfigured(t *testing.T) {
	e := newEnv(t, envOpts{noRouter: true})
	_, err := e.orch.Chat(context.Background(), validate.ChatRequest{Messages: []validate.ChatMessage{{Role: "user", Content: "hi"}}})
	assert.ErrorIs(t, err, connectors.ErrNotConfigured)
}

func TestCallsWaitForHydration(t *testing.T) {
	b, err := kv.OpenSQLite(filepath.Join(t.TempDir(), "cold.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	s := store.New(b)
	mgr := swarm.NewManager(s, swarm.DefaultConfig())
	o := New(Deps{Store: s, Swarm: mgr, Processor: processor.New(s, mgr)}, DefaultConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = o.Jobs(ctx, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, o.Health(context.Background()), store.ErrNotReady)

	require.NoError(t, s.Initialize(context.Background()))
	jobs, err := o.Jobs(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.NoError(t, o.Health(context.Background()))
}

func TestTasks_ReturnCopies(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()

	task, err := e.orch.CreateTask(ctx, validate.CreateTaskRequest{
		IssueID:  "i1",
		Type:     models.TaskTypeChore,
		Title:    "tidy",
		Metadata: map[string]string{"k": "v"},
	})
	require.NoError(t, err)
	task.Metadata["k"] = "changed"

	tasks, err := e.orch.Tasks(ctx, "")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "v", tasks[0].Metadata["k"])
}
