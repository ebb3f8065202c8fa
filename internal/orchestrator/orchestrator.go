// Package orchestrator is the single actor that owns the shared store. Every
// read and write of jobs, tasks and metadata goes through one mutex, so the
// swarm manager, job processor and webhook handlers never run concurrently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/llm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/observability"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/processor"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/resilience"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/store"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/swarm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/validate"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/webhook"
)

var (
	// ErrNotFound is returned for an unknown job.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a job is not in a state the call accepts.
	ErrConflict = errors.New("conflict")

	// ErrRateLimited is returned when a caller's bucket is empty.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Config tunes the actor.
type Config struct {
	Heartbeat  HeartbeatConfig
	RateLimit  resilience.RateLimitConfig
	Thresholds resilience.CircuitThresholds
}

// HeartbeatConfig controls the periodic sync, batch and maintenance cycle.
type HeartbeatConfig struct {
	Interval  time.Duration
	BatchSize int
	// Sync pulls ready issues from the tracker on every beat.
	Sync                 bool
	MaintenanceInterval  time.Duration
	OptimizationInterval time.Duration
	// Retention is how many terminal jobs and tasks maintenance keeps.
	Retention int
}

// DefaultConfig returns the actor defaults.
func DefaultConfig() Config {
	return Config{
		Heartbeat: HeartbeatConfig{
			Interval:             10 * time.Second,
			BatchSize:            processor.DefaultBatchSize,
			Sync:                 true,
			MaintenanceInterval:  5 * time.Minute,
			OptimizationInterval: 24 * time.Hour,
			Retention:            100,
		},
		RateLimit:  resilience.DefaultRateLimitConfig(),
		Thresholds: resilience.DefaultCircuitThresholds(),
	}
}

// Deps are the components the actor serializes.
type Deps struct {
	Store     *store.Store
	Swarm     *swarm.Manager
	Processor *processor.Processor
	Webhooks  *webhook.Handler
	// Router and Gate are optional; chat returns ErrNotConfigured without a
	// router.
	Router *llm.Router
	Gate   processor.Gate
	Audit  connectors.AuditLog
}

// Orchestrator serializes access to the store and the components over it.
type Orchestrator struct {
	mu sync.Mutex

	store   *store.Store
	swarm   *swarm.Manager
	proc    *processor.Processor
	hooks   *webhook.Handler
	router  *llm.Router
	gate    processor.Gate
	audit   connectors.AuditLog
	metrics *metricsBuffer

	cfg    Config
	logger *slog.Logger
}

// New creates an Orchestrator. If a router is given, its call metrics are
// buffered and folded into the store under the actor lock.
func New(d Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:   d.Store,
		swarm:   d.Swarm,
		proc:    d.Processor,
		hooks:   d.Webhooks,
		router:  d.Router,
		gate:    d.Gate,
		audit:   d.Audit,
		metrics: &metricsBuffer{},
		cfg:     cfg,
		logger:  logger,
	}
	if o.router != nil {
		o.router.SetMetrics(o.metrics)
	}
	return o
}

// Config returns the actor configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Ready is closed once the store finished hydrating.
func (o *Orchestrator) Ready() <-chan struct{} {
	return o.store.Ready()
}

// Health reports whether the store is hydrated and its backend reachable.
func (o *Orchestrator) Health(ctx context.Context) error {
	if !o.store.Hydrated() {
		return store.ErrNotReady
	}
	return o.store.Ping(ctx)
}

// do runs fn under the actor lock once hydration has finished. Buffered LLM
// metrics are flushed before the lock is released.
func (o *Orchestrator) do(ctx context.Context, fn func() error) error {
	select {
	case <-o.store.Ready():
	case <-ctx.Done():
		return ctx.Err()
	}
	if !o.store.Hydrated() {
		return store.ErrNotReady
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	err := fn()
	o.flushMetrics(ctx)
	return err
}

// AllowRequest spends one token from the caller's bucket.
func (o *Orchestrator) AllowRequest(ctx context.Context, key string) error {
	return o.do(ctx, func() error {
		ok, err := o.store.AllowRequest(ctx, key, o.cfg.RateLimit)
		if err != nil {
			o.logger.Warn("persist rate limit", slog.String("error", err.Error()))
		}
		if !ok {
			observability.RateLimited()
			return ErrRateLimited
		}
		return nil
	})
}

// --- Jobs ---

// CreateJob enqueues a job from an API request.
func (o *Orchestrator) CreateJob(ctx context.Context, req validate.CreateJobRequest) (*models.Job, error) {
	var out *models.Job
	err := o.do(ctx, func() error {
		job, err := o.proc.Enqueue(ctx, processor.NewJob{
			Type:            req.Type,
			Priority:        req.Priority,
			Payload:         req.Payload,
			IssueID:         req.IssueID,
			IssueIdentifier: req.IssueIdentifier,
			Topic:           req.Topic,
			CorrelationID:   req.CorrelationID,
		})
		if err != nil {
			return err
		}
		out = cloneJob(job)
		return nil
	})
	return out, err
}

// Jobs lists jobs, newest first, optionally filtered by status.
func (o *Orchestrator) Jobs(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	var out []*models.Job
	err := o.do(ctx, func() error {
		for _, j := range o.store.Jobs() {
			if status == "" || j.Status == status {
				out = append(out, cloneJob(j))
			}
		}
		return nil
	})
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, err
}

// Job returns one job.
func (o *Orchestrator) Job(ctx context.Context, id string) (*models.Job, error) {
	var out *models.Job
	err := o.do(ctx, func() error {
		j, ok := o.store.Job(id)
		if !ok {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		out = cloneJob(j)
		return nil
	})
	return out, err
}

// UpdateJob applies the non-nil fields of req.
func (o *Orchestrator) UpdateJob(ctx context.Context, id string, req validate.UpdateJobRequest) (*models.Job, error) {
	var out *models.Job
	err := o.do(ctx, func() error {
		j, ok := o.store.Job(id)
		if !ok {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if req.Status != nil {
			j.Status = *req.Status
		}
		if req.Priority != nil {
			j.Priority = *req.Priority
		}
		if len(req.Result) > 0 {
			j.Result = req.Result
		}
		if req.Error != nil {
			j.Error = *req.Error
		}
		if err := o.store.SaveJob(ctx, j); err != nil {
			return err
		}
		out = cloneJob(j)
		return nil
	})
	return out, err
}

// Batch runs one batch of pending jobs.
func (o *Orchestrator) Batch(ctx context.Context, limit int) (*processor.BatchResult, error) {
	var res *processor.BatchResult
	err := o.do(ctx, func() error {
		var err error
		res, err = o.batch(ctx, limit)
		return err
	})
	return res, err
}

func (o *Orchestrator) batch(ctx context.Context, limit int) (*processor.BatchResult, error) {
	res, err := o.proc.ProcessBatch(ctx, limit)
	if res != nil {
		for _, out := range res.Outcomes {
			status := string(out.Status)
			if out.Deferred {
				status = "deferred"
			}
			observability.JobProcessed(string(out.Type), status)
		}
		observability.SetPendingJobs(res.Pending)
	}
	return res, err
}

// Sync pulls ready issues from the tracker.
func (o *Orchestrator) Sync(ctx context.Context) (*processor.SyncResult, error) {
	var res *processor.SyncResult
	err := o.do(ctx, func() error {
		var err error
		res, err = o.proc.Sync(ctx)
		return err
	})
	return res, err
}

// --- Swarm tasks ---

// CreateTask adds a task from an API request.
func (o *Orchestrator) CreateTask(ctx context.Context, req validate.CreateTaskRequest) (*models.SwarmTask, error) {
	var out *models.SwarmTask
	err := o.do(ctx, func() error {
		t, err := o.swarm.CreateTask(ctx, req)
		if err != nil {
			return err
		}
		out = cloneTask(t)
		return nil
	})
	return out, err
}

// Tasks lists tasks, optionally filtered by status.
func (o *Orchestrator) Tasks(ctx context.Context, status models.TaskStatus) ([]*models.SwarmTask, error) {
	var out []*models.SwarmTask
	err := o.do(ctx, func() error {
		for _, t := range o.swarm.ListTasks(status) {
			out = append(out, cloneTask(t))
		}
		return nil
	})
	return out, err
}

// NextTask checks out the highest priority pending task.
func (o *Orchestrator) NextTask(ctx context.Context) (*models.SwarmTask, error) {
	var out *models.SwarmTask
	err := o.do(ctx, func() error {
		t, err := o.swarm.CheckoutNextTask(ctx)
		if err != nil {
			return err
		}
		out = cloneTask(t)
		return nil
	})
	return out, err
}

// WorkerPoll assigns the oldest pending task to workerID.
func (o *Orchestrator) WorkerPoll(ctx context.Context, workerID string) (*models.SwarmTask, error) {
	var out *models.SwarmTask
	err := o.do(ctx, func() error {
		t, err := o.swarm.HandleWorkerPoll(ctx, workerID)
		if err != nil {
			return err
		}
		out = cloneTask(t)
		return nil
	})
	return out, err
}

// UpdateTask applies a worker report and drives the task chain.
func (o *Orchestrator) UpdateTask(ctx context.Context, req validate.TaskUpdateRequest) (*swarm.UpdateResult, error) {
	var out *swarm.UpdateResult
	err := o.do(ctx, func() error {
		res, err := o.swarm.HandleTaskUpdate(ctx, req)
		if res != nil {
			out = cloneUpdate(res)
			observability.TaskTransition(string(res.Task.Type), string(res.Task.Status))
		}
		return err
	})
	return out, err
}

// --- Webhooks ---

// LinearWebhook verifies and applies an issue tracker event.
func (o *Orchestrator) LinearWebhook(ctx context.Context, body []byte, signature string) (*webhook.Result, error) {
	return o.webhook(ctx, "linear", func() (*webhook.Result, error) {
		return o.hooks.Linear(ctx, body, signature)
	})
}

// GitHubWebhook verifies and applies a source control event.
func (o *Orchestrator) GitHubWebhook(ctx context.Context, event string, body []byte, signature string) (*webhook.Result, error) {
	return o.webhook(ctx, "github", func() (*webhook.Result, error) {
		return o.hooks.GitHub(ctx, event, body, signature)
	})
}

func (o *Orchestrator) webhook(ctx context.Context, source string, fn func() (*webhook.Result, error)) (*webhook.Result, error) {
	if o.hooks == nil {
		return nil, fmt.Errorf("%s webhooks: %w", source, connectors.ErrNotConfigured)
	}
	var res *webhook.Result
	err := o.do(ctx, func() error {
		var err error
		res, err = fn()
		return err
	})
	switch {
	case err != nil:
		observability.WebhookEvent(source, "rejected")
	case res.Ignored:
		observability.WebhookEvent(source, "ignored")
	default:
		observability.WebhookEvent(source, "handled")
	}
	return res, err
}

// --- Chat ---

// Chat routes a direct chat request. The provider call runs outside the
// actor lock; only the metrics it produces are folded in under it.
func (o *Orchestrator) Chat(ctx context.Context, req validate.ChatRequest) (*llm.Response, error) {
	if o.router == nil {
		return nil, fmt.Errorf("llm router: %w", connectors.ErrNotConfigured)
	}
	if o.gate != nil {
		if err := o.gate.Allow(ctx); err != nil {
			return nil, err
		}
	}

	msgs := make([]llm.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	resp, err := o.router.Route(ctx, llm.Request{
		Messages: msgs,
		TaskType: req.TaskType,
		Provider: req.Provider,
		Options: llm.Options{
			Model:       req.Model,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		},
	})

	ferr := o.do(ctx, func() error {
		if errors.Is(err, llm.ErrNoProvider) || errors.Is(err, llm.ErrUnknownProvider) {
			return nil
		}
		if err != nil {
			return o.store.RecordFailure(ctx, resilience.CircuitLLM, o.cfg.Thresholds.LLM, "chat", err)
		}
		return o.store.RecordSuccess(ctx, resilience.CircuitLLM)
	})
	if ferr != nil {
		o.logger.Warn("record chat outcome", slog.String("error", ferr.Error()))
	}
	return resp, err
}

// --- Diagnostics ---

// Snapshot is the read-only view served by GET /metrics.
type Snapshot struct {
	Metrics         models.RouterMetrics                  `json:"metrics"`
	Jobs            map[models.JobStatus]int              `json:"jobs"`
	Tasks           map[models.TaskStatus]int             `json:"tasks"`
	PendingJobs     int                                   `json:"pendingJobs"`
	HealthScore     float64                               `json:"healthScore"`
	Circuits        map[string]models.CircuitBreakerState `json:"circuits"`
	IngestedIssues  int                                   `json:"ingestedIssues"`
	LastMaintenance time.Time                             `json:"lastMaintenance"`
}

// Metrics returns counters, queue depth and circuit state.
func (o *Orchestrator) Metrics(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	err := o.do(ctx, func() error {
		meta := o.store.Meta()
		snap = &Snapshot{
			Metrics:     cloneMetrics(meta.Metrics),
			Jobs:        make(map[models.JobStatus]int),
			Tasks:       make(map[models.TaskStatus]int),
			PendingJobs: o.store.PendingJobCount(),
			Circuits:    o.store.Circuits(),
		}
		snap.IngestedIssues = len(meta.IngestedIDs)
		snap.LastMaintenance = meta.LastMaintenance
		snap.HealthScore = resilience.HealthScore(snap.PendingJobs, o.cfg.RateLimit.StressThreshold)
		for _, j := range o.store.Jobs() {
			snap.Jobs[j.Status]++
		}
		for _, t := range o.store.Tasks() {
			snap.Tasks[t.Status]++
		}
		return nil
	})
	return snap, err
}

// Errors returns the error ring buffer, newest first.
func (o *Orchestrator) Errors(ctx context.Context) ([]models.ErrorLogEntry, error) {
	var out []models.ErrorLogEntry
	err := o.do(ctx, func() error {
		out = o.store.Errors()
		return nil
	})
	return out, err
}

// Circuits returns every circuit's state.
func (o *Orchestrator) Circuits(ctx context.Context) (map[string]models.CircuitBreakerState, error) {
	var out map[string]models.CircuitBreakerState
	err := o.do(ctx, func() error {
		out = o.store.Circuits()
		return nil
	})
	return out, err
}

// Wipe deletes all state.
func (o *Orchestrator) Wipe(ctx context.Context) error {
	return o.do(ctx, func() error {
		o.logger.Warn("wiping orchestrator state")
		return o.store.Wipe(ctx)
	})
}
