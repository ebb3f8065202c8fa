// Package store provides the orchestrator's durable state: jobs, tasks and
// the metadata blob, mirrored in memory and written through on every change.
//
// The store is not safe for concurrent mutation. The orchestrator actor
// serializes every caller; the store only guards hydration.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/kv"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/resilience"
)

const (
	jobPrefix  = "job:"
	taskPrefix = "task:"
	metaKey    = "meta"

	// MaxErrorLog is the capacity of the error ring buffer.
	MaxErrorLog = 50
)

// ErrNotReady is returned when state is used before Initialize completed.
var ErrNotReady = errors.New("store not initialized")

// Meta is the metadata blob persisted under a single key.
type Meta struct {
	Metrics                models.RouterMetrics                   `json:"metrics"`
	RateLimits             map[string]*models.RateLimitState      `json:"rateLimits"`
	Circuits               map[string]*models.CircuitBreakerState `json:"circuitBreakers"`
	IngestedIDs            map[string]bool                        `json:"ingestedIds"`
	Errors                 []models.ErrorLogEntry                 `json:"errors"`
	LastMaintenance        time.Time                              `json:"lastMaintenance"`
	LastOptimizationReview time.Time                              `json:"lastOptimizationReview"`
}

func newMeta(now time.Time) *Meta {
	return &Meta{
		Metrics:     models.NewRouterMetrics(now),
		RateLimits:  make(map[string]*models.RateLimitState),
		Circuits:    make(map[string]*models.CircuitBreakerState),
		IngestedIDs: make(map[string]bool),
	}
}

// fill replaces nil maps left by an older or partial blob.
func (m *Meta) fill(now time.Time) {
	if m.Metrics.StartTime.IsZero() {
		m.Metrics.StartTime = now
	}
	if m.Metrics.Providers == nil {
		m.Metrics.Providers = make(map[string]*models.ProviderMetrics)
	}
	if m.RateLimits == nil {
		m.RateLimits = make(map[string]*models.RateLimitState)
	}
	if m.Circuits == nil {
		m.Circuits = make(map[string]*models.CircuitBreakerState)
	}
	if m.IngestedIDs == nil {
		m.IngestedIDs = make(map[string]bool)
	}
}

// Store is the typed facade over a kv.Backend.
type Store struct {
	backend kv.Backend
	logger  *slog.Logger
	now     func() time.Time

	once    sync.Once
	ready   chan struct{}
	initErr error

	jobs  map[string]*models.Job
	tasks map[string]*models.SwarmTask
	meta  *Meta

	// last encoding written for each job and task, used to roll the mirror
	// back when a write fails
	savedJobs  map[string][]byte
	savedTasks map[string][]byte
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store over backend. Call Initialize before use.
func New(backend kv.Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  slog.Default(),
		now:     time.Now,
		ready:   make(chan struct{}),
		jobs:    make(map[string]*models.Job),
		tasks:   make(map[string]*models.SwarmTask),

		savedJobs:  make(map[string][]byte),
		savedTasks: make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.meta = newMeta(s.now().UTC())
	return s
}

// Initialize hydrates the mirror from the backend exactly once. Concurrent
// callers block until the first hydration finishes and share its result.
func (s *Store) Initialize(ctx context.Context) error {
	s.once.Do(func() {
		s.initErr = s.hydrate(ctx)
		close(s.ready)
	})
	<-s.ready
	return s.initErr
}

// Ready is closed once hydration has finished.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// Hydrated reports whether Initialize completed successfully.
func (s *Store) Hydrated() bool {
	select {
	case <-s.ready:
		return s.initErr == nil
	default:
		return false
	}
}

func (s *Store) hydrate(ctx context.Context) error {
	jobs, err := s.backend.List(ctx, jobPrefix)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	for _, e := range jobs {
		var job models.Job
		if err := json.Unmarshal(e.Value, &job); err != nil {
			s.logger.Warn("skipping corrupt job record", slog.String("key", e.Key), slog.String("error", err.Error()))
			continue
		}
		s.jobs[job.ID] = &job
		s.savedJobs[job.ID] = e.Value
	}

	tasks, err := s.backend.List(ctx, taskPrefix)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	for _, e := range tasks {
		var task models.SwarmTask
		if err := json.Unmarshal(e.Value, &task); err != nil {
			s.logger.Warn("skipping corrupt task record", slog.String("key", e.Key), slog.String("error", err.Error()))
			continue
		}
		s.tasks[task.ID] = &task
		s.savedTasks[task.ID] = e.Value
	}

	raw, err := s.backend.Get(ctx, metaKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load metadata: %w", err)
	default:
		meta := &Meta{}
		if err := json.Unmarshal(raw, meta); err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
		s.meta = meta
	}
	s.meta.fill(s.now().UTC())

	s.logger.Info("state hydrated",
		slog.Int("jobs", len(s.jobs)),
		slog.Int("tasks", len(s.tasks)),
		slog.Int("circuits", len(s.meta.Circuits)),
	)
	return nil
}

// Ping checks the backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Backend exposes the underlying KV backend for co-located stores.
func (s *Store) Backend() kv.Backend {
	return s.backend
}

// --- Jobs ---

// Job returns the job with id.
func (s *Store) Job(id string) (*models.Job, bool) {
	j, ok := s.jobs[id]
	return j, ok
}

// Jobs returns all jobs ordered by creation time, newest first.
func (s *Store) Jobs() []*models.Job {
	out := make([]*models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out
}

// PendingJobCount counts jobs waiting to be processed.
func (s *Store) PendingJobCount() int {
	n := 0
	for _, j := range s.jobs {
		if j.Status == models.JobStatusPending {
			n++
		}
	}
	return n
}

// SaveJob upserts job in memory and in the backend. If the write fails, the
// mirrored job and job itself are restored to their last persisted state.
func (s *Store) SaveJob(ctx context.Context, job *models.Job) error {
	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	data, err := json.Marshal(job)
	if err == nil {
		err = s.backend.Put(ctx, jobPrefix+job.ID, data)
	}
	if err != nil {
		s.revertJob(job)
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	s.jobs[job.ID] = job
	s.savedJobs[job.ID] = data
	return nil
}

func (s *Store) revertJob(job *models.Job) {
	raw, ok := s.savedJobs[job.ID]
	if !ok {
		if cur, ok := s.jobs[job.ID]; ok && cur == job {
			delete(s.jobs, job.ID)
		}
		return
	}
	var prev models.Job
	if err := json.Unmarshal(raw, &prev); err != nil {
		s.logger.Error("restore job after failed write", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}
	if cur, ok := s.jobs[job.ID]; ok && cur != job {
		*cur = prev
	}
	*job = prev
}

// --- Tasks ---

// Task returns the task with id.
func (s *Store) Task(id string) (*models.SwarmTask, bool) {
	t, ok := s.tasks[id]
	return t, ok
}

// Tasks returns all tasks ordered by creation time, newest first.
func (s *Store) Tasks() []*models.SwarmTask {
	out := make([]*models.SwarmTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out
}

// SaveTask upserts task in memory and in the backend, rolling both back to
// the last persisted state if the write fails.
func (s *Store) SaveTask(ctx context.Context, task *models.SwarmTask) error {
	now := s.now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	data, err := json.Marshal(task)
	if err == nil {
		err = s.backend.Put(ctx, taskPrefix+task.ID, data)
	}
	if err != nil {
		s.revertTask(task)
		return fmt.Errorf("persist task %s: %w", task.ID, err)
	}
	s.tasks[task.ID] = task
	s.savedTasks[task.ID] = data
	return nil
}

func (s *Store) revertTask(task *models.SwarmTask) {
	raw, ok := s.savedTasks[task.ID]
	if !ok {
		if cur, ok := s.tasks[task.ID]; ok && cur == task {
			delete(s.tasks, task.ID)
		}
		return
	}
	var prev models.SwarmTask
	if err := json.Unmarshal(raw, &prev); err != nil {
		s.logger.Error("restore task after failed write", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		return
	}
	if cur, ok := s.tasks[task.ID]; ok && cur != task {
		*cur = prev
	}
	*task = prev
}

// --- Metadata ---

// Meta returns the live metadata. Mutations must be followed by SaveMeta.
func (s *Store) Meta() *Meta {
	return s.meta
}

// SaveMeta persists the metadata blob.
func (s *Store) SaveMeta(ctx context.Context) error {
	data, err := json.Marshal(s.meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := s.backend.Put(ctx, metaKey, data); err != nil {
		return fmt.Errorf("persist metadata: %w", err)
	}
	return nil
}

// IsIngested reports whether an external issue was already turned into work.
func (s *Store) IsIngested(issueID string) bool {
	return s.meta.IngestedIDs[issueID]
}

// MarkIngested records an external issue id and persists the metadata.
func (s *Store) MarkIngested(ctx context.Context, issueID string) error {
	s.meta.IngestedIDs[issueID] = true
	return s.SaveMeta(ctx)
}

// LogError prepends an entry to the error ring buffer, evicting the oldest
// beyond MaxErrorLog. RouterMetrics.ErrorCount is left to the LLM router.
func (s *Store) LogError(ctx context.Context, message, errContext, stack string) error {
	entry := models.ErrorLogEntry{
		Timestamp: s.now().UTC(),
		Message:   message,
		Context:   errContext,
		Stack:     stack,
	}
	s.meta.Errors = append([]models.ErrorLogEntry{entry}, s.meta.Errors...)
	if len(s.meta.Errors) > MaxErrorLog {
		s.meta.Errors = s.meta.Errors[:MaxErrorLog]
	}
	return s.SaveMeta(ctx)
}

// Errors returns the error log, newest first.
func (s *Store) Errors() []models.ErrorLogEntry {
	out := make([]models.ErrorLogEntry, len(s.meta.Errors))
	copy(out, s.meta.Errors)
	return out
}

// CleanupOldRecords keeps the keep most recently updated terminal jobs and
// terminal tasks and deletes the rest from memory and the backend.
func (s *Store) CleanupOldRecords(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	var terminalJobs []*models.Job
	for _, j := range s.jobs {
		if j.Status.Terminal() {
			terminalJobs = append(terminalJobs, j)
		}
	}
	sort.Slice(terminalJobs, func(a, b int) bool { return terminalJobs[a].UpdatedAt.After(terminalJobs[b].UpdatedAt) })

	var terminalTasks []*models.SwarmTask
	for _, t := range s.tasks {
		if t.Status.Terminal() {
			terminalTasks = append(terminalTasks, t)
		}
	}
	sort.Slice(terminalTasks, func(a, b int) bool { return terminalTasks[a].UpdatedAt.After(terminalTasks[b].UpdatedAt) })

	var keys []string
	var jobIDs, taskIDs []string
	if len(terminalJobs) > keep {
		for _, j := range terminalJobs[keep:] {
			keys = append(keys, jobPrefix+j.ID)
			jobIDs = append(jobIDs, j.ID)
		}
	}
	if len(terminalTasks) > keep {
		for _, t := range terminalTasks[keep:] {
			keys = append(keys, taskPrefix+t.ID)
			taskIDs = append(taskIDs, t.ID)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}

	if err := s.backend.Delete(ctx, keys...); err != nil {
		return 0, fmt.Errorf("delete old records: %w", err)
	}
	for _, id := range jobIDs {
		delete(s.jobs, id)
		delete(s.savedJobs, id)
	}
	for _, id := range taskIDs {
		delete(s.tasks, id)
		delete(s.savedTasks, id)
	}
	return len(keys), nil
}

// Wipe clears every record and resets the metadata.
func (s *Store) Wipe(ctx context.Context) error {
	if err := s.backend.DeleteAll(ctx); err != nil {
		return fmt.Errorf("wipe backend: %w", err)
	}
	s.jobs = make(map[string]*models.Job)
	s.tasks = make(map[string]*models.SwarmTask)
	s.savedJobs = make(map[string][]byte)
	s.savedTasks = make(map[string][]byte)
	s.meta = newMeta(s.now().UTC())
	return s.SaveMeta(ctx)
}

// --- Dependency health ---

// Now returns the store's clock reading in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// CircuitOpen reports whether calls to the named dependency should be held
// back right now.
func (s *Store) CircuitOpen(circuit string) bool {
	return resilience.IsCircuitOpen(s.meta.Circuits, circuit, s.now().UTC())
}

// RecordFailure counts a failure against circuit and logs it to the error
// ring buffer. Both land in one metadata write.
func (s *Store) RecordFailure(ctx context.Context, circuit string, threshold int, where string, cause error) error {
	msg := cause.Error()
	if resilience.RecordCircuitFailure(s.meta.Circuits, circuit, threshold, msg, s.now().UTC()) {
		s.logger.Warn("circuit open",
			slog.String("circuit", circuit),
			slog.Int("failures", s.meta.Circuits[circuit].FailureCount),
			slog.String("reason", msg),
		)
	}
	return s.LogError(ctx, msg, where, "")
}

// RecordSuccess closes circuit. It only writes when the circuit had state
// to clear.
func (s *Store) RecordSuccess(ctx context.Context, circuit string) error {
	cb, ok := s.meta.Circuits[circuit]
	if ok && cb.State == models.CircuitClosed && cb.FailureCount == 0 {
		return nil
	}
	resilience.RecordCircuitSuccess(s.meta.Circuits, circuit)
	return s.SaveMeta(ctx)
}

// RecoverCircuits force-closes every circuit tripped longer than the
// recovery window ago and returns their names.
func (s *Store) RecoverCircuits(ctx context.Context) ([]string, error) {
	now := s.now().UTC()
	var recovered []string
	for name := range s.meta.Circuits {
		if resilience.AttemptCircuitRecovery(s.meta.Circuits, name, now) {
			recovered = append(recovered, name)
		}
	}
	if len(recovered) == 0 {
		return nil, nil
	}
	sort.Strings(recovered)
	s.logger.Info("circuits recovered", slog.Any("circuits", recovered))
	return recovered, s.SaveMeta(ctx)
}

// Circuits returns a copy of every circuit's state.
func (s *Store) Circuits() map[string]models.CircuitBreakerState {
	out := make(map[string]models.CircuitBreakerState, len(s.meta.Circuits))
	for name, cb := range s.meta.Circuits {
		out[name] = *cb
	}
	return out
}

// --- Rate limiting ---

// AllowRequest spends one token from key's bucket, throttled by the current
// pending job count. Only the bucket is persisted.
func (s *Store) AllowRequest(ctx context.Context, key string, cfg resilience.RateLimitConfig) (bool, error) {
	ok := resilience.CheckRateLimit(s.meta.RateLimits, key, s.PendingJobCount(), cfg, s.now().UTC())
	return ok, s.SaveMeta(ctx)
}
