// Package processor executes pending jobs (ingestion, orchestration, runner
// and local command jobs) and pulls ready work from the issue tracker.
//
// A Processor mutates the shared store and must only be driven from the
// orchestrator actor.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"

	"github.com/google/uuid"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/audit"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/governance"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/llm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/resilience"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/store"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/swarm"
)

// DefaultBatchSize is used when ProcessBatch is called with limit <= 0.
const DefaultBatchSize = 5

// errDeferred leaves a job pending for a later batch.
var errDeferred = errors.New("deferred")

// Gate is the pre-flight quota check for calls that spend external budget.
// Both governance.Governor and governance.Client satisfy it.
type Gate interface {
	Allow(ctx context.Context) error
}

// Processor runs jobs against the collaborators it was given. Missing
// collaborators fail the jobs that need them with connectors.ErrNotConfigured.
type Processor struct {
	store      *store.Store
	swarm      *swarm.Manager
	tracker    connectors.Tracker
	scm        connectors.SourceControl
	machines   connectors.Machines
	local      connectors.Executor
	audit      connectors.AuditLog
	router     *llm.Router
	optimizer  llm.OptimizationStore
	gate       Gate
	runner     RunnerConfig
	newRunner  func(baseURL, token string) CommandRunner
	thresholds resilience.CircuitThresholds
	logger     *slog.Logger
	newID      func() string
}

// Option configures a Processor.
type Option func(*Processor)

// WithTracker sets the issue tracker.
func WithTracker(t connectors.Tracker) Option { return func(p *Processor) { p.tracker = t } }

// WithSourceControl sets the source control client.
func WithSourceControl(s connectors.SourceControl) Option { return func(p *Processor) { p.scm = s } }

// WithMachines sets the remote machine client.
func WithMachines(m connectors.Machines) Option { return func(p *Processor) { p.machines = m } }

// WithLocalExecutor sets the executor for run_command jobs.
func WithLocalExecutor(e connectors.Executor) Option { return func(p *Processor) { p.local = e } }

// WithAuditLog sets the audit log.
func WithAuditLog(a connectors.AuditLog) Option { return func(p *Processor) { p.audit = a } }

// WithRouter sets the LLM router used for planning and optimization review.
func WithRouter(r *llm.Router) Option { return func(p *Processor) { p.router = r } }

// WithOptimizationStore sets where optimization reviews write learned prompts.
func WithOptimizationStore(s llm.OptimizationStore) Option {
	return func(p *Processor) { p.optimizer = s }
}

// WithGate sets the governance pre-flight check.
func WithGate(g Gate) Option { return func(p *Processor) { p.gate = g } }

// WithRunnerConfig sets how runner machines are found and addressed.
func WithRunnerConfig(c RunnerConfig) Option { return func(p *Processor) { p.runner = c } }

// WithThresholds overrides the circuit thresholds.
func WithThresholds(t resilience.CircuitThresholds) Option {
	return func(p *Processor) { p.thresholds = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.logger = l } }

// WithIDGenerator overrides uuid generation for jobs.
func WithIDGenerator(f func() string) Option { return func(p *Processor) { p.newID = f } }

// New creates a Processor.
func New(s *store.Store, mgr *swarm.Manager, opts ...Option) *Processor {
	p := &Processor{
		store:      s,
		swarm:      mgr,
		runner:     DefaultRunnerConfig(),
		newRunner:  newRemoteRunner,
		thresholds: resilience.DefaultCircuitThresholds(),
		logger:     slog.Default(),
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewJob describes a job to enqueue.
type NewJob struct {
	Type            models.JobType
	Priority        int
	Payload         any
	IssueID         string
	IssueIdentifier string
	Topic           string
	CorrelationID   string
}

// Enqueue stores a new pending job.
func (p *Processor) Enqueue(ctx context.Context, nj NewJob) (*models.Job, error) {
	var payload json.RawMessage
	switch v := nj.Payload.(type) {
	case nil:
	case json.RawMessage:
		payload = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		payload = data
	}
	job := &models.Job{
		ID:              p.newID(),
		Type:            nj.Type,
		Status:          models.JobStatusPending,
		Priority:        nj.Priority,
		Payload:         payload,
		IssueID:         nj.IssueID,
		IssueIdentifier: nj.IssueIdentifier,
		Topic:           nj.Topic,
		CorrelationID:   nj.CorrelationID,
	}
	if err := p.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	p.logger.Info("job enqueued",
		slog.String("job_id", job.ID),
		slog.String("type", string(job.Type)),
		slog.Int("priority", job.Priority),
	)
	return job, nil
}

// Outcome is what happened to one job in a batch.
type Outcome struct {
	JobID    string           `json:"jobId"`
	Type     models.JobType   `json:"type"`
	Status   models.JobStatus `json:"status"`
	Deferred bool             `json:"deferred,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// BatchResult summarizes one ProcessBatch call.
type BatchResult struct {
	Outcomes  []Outcome `json:"outcomes"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Deferred  int       `json:"deferred"`
	Pending   int       `json:"pending"`
}

// PendingJobs returns pending jobs in processing order: priority
// descending, then oldest first.
func (p *Processor) PendingJobs() []*models.Job {
	var pending []*models.Job
	for _, j := range p.store.Jobs() {
		if j.Status == models.JobStatusPending {
			pending = append(pending, j)
		}
	}
	sort.SliceStable(pending, func(a, b int) bool {
		ja, jb := pending[a], pending[b]
		if ja.Priority != jb.Priority {
			return ja.Priority > jb.Priority
		}
		if !ja.CreatedAt.Equal(jb.CreatedAt) {
			return ja.CreatedAt.Before(jb.CreatedAt)
		}
		return ja.ID < jb.ID
	})
	return pending
}

// ProcessBatch runs up to limit pending jobs to completion, one at a time.
// A failing or panicking job is recorded and never stops the batch. Jobs
// whose dependency circuit is open stay pending.
func (p *Processor) ProcessBatch(ctx context.Context, limit int) (*BatchResult, error) {
	if !p.store.Hydrated() {
		return nil, store.ErrNotReady
	}
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	pending := p.PendingJobs()
	if len(pending) > limit {
		pending = pending[:limit]
	}

	res := &BatchResult{}
	for _, job := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		out := p.process(ctx, job)
		switch {
		case out.Deferred:
			res.Deferred++
		case out.Status == models.JobStatusFailed:
			res.Failed++
		case out.Status == models.JobStatusCompleted:
			res.Completed++
		}
		res.Outcomes = append(res.Outcomes, out)
	}
	res.Pending = p.store.PendingJobCount()
	return res, nil
}

func (p *Processor) process(ctx context.Context, job *models.Job) Outcome {
	log := p.logger.With(slog.String("job_id", job.ID), slog.String("type", string(job.Type)))

	if circuit := p.circuitFor(job); circuit != "" && p.store.CircuitOpen(circuit) {
		log.Info("job deferred, circuit open", slog.String("circuit", circuit))
		return Outcome{JobID: job.ID, Type: job.Type, Status: job.Status, Deferred: true}
	}

	job.Status = models.JobStatusProcessing
	job.Error = ""
	if err := p.store.SaveJob(ctx, job); err != nil {
		log.Error("mark job processing", slog.String("error", err.Error()))
		return Outcome{JobID: job.ID, Type: job.Type, Status: job.Status, Error: err.Error()}
	}

	status, result, stack, err := p.run(ctx, job)
	out := Outcome{JobID: job.ID, Type: job.Type}

	switch {
	case errors.Is(err, errDeferred):
		job.Status = models.JobStatusPending
		out.Deferred = true
		log.Info("job deferred", slog.String("reason", err.Error()))
	case err != nil:
		job.Status = models.JobStatusFailed
		job.Error = err.Error()
		out.Error = err.Error()
		log.Warn("job failed", slog.String("error", err.Error()))
		if lerr := p.store.LogError(ctx, err.Error(), "job "+job.ID, stack); lerr != nil {
			log.Error("log error", slog.String("error", lerr.Error()))
		}
	default:
		job.Status = status
		log.Info("job finished", slog.String("status", string(status)))
	}
	if result != nil {
		job.Result = result
	}
	if err := p.store.SaveJob(ctx, job); err != nil {
		log.Error("save job", slog.String("error", err.Error()))
	}
	out.Status = job.Status
	return out
}

// run dispatches job and converts a panic into an error.
func (p *Processor) run(ctx context.Context, job *models.Job) (status models.JobStatus, result json.RawMessage, stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			stack = string(debug.Stack())
		}
	}()

	var res any
	switch job.Type {
	case models.JobTypeIngestion:
		status, res, err = p.ingest(ctx, job)
	case models.JobTypeOrchestration:
		status, res, err = p.orchestrate(ctx, job)
	case models.JobTypeRunnerTask:
		status, res, err = p.runOnRunner(ctx, job)
	case models.JobTypeRunCommand:
		status, res, err = p.runCommand(ctx, job)
	default:
		err = fmt.Errorf("unknown job type %q", job.Type)
	}
	if res != nil {
		data, merr := json.Marshal(res)
		if merr != nil && err == nil {
			err = fmt.Errorf("encode result: %w", merr)
		}
		result = data
	}
	return status, result, stack, err
}

// circuitFor names the dependency a job cannot run without.
func (p *Processor) circuitFor(job *models.Job) string {
	switch job.Type {
	case models.JobTypeIngestion:
		return resilience.CircuitLinear
	case models.JobTypeRunnerTask:
		return resilience.CircuitRunner
	case models.JobTypeOrchestration:
		var pl OrchestrationPayload
		_ = json.Unmarshal(job.Payload, &pl)
		if pl.Action == ActionOptimizationReview {
			return resilience.CircuitLLM
		}
		return resilience.CircuitGitHub
	}
	return ""
}

// preflight runs the governance gate. Quota exhaustion defers the job.
func (p *Processor) preflight(ctx context.Context) error {
	if p.gate == nil {
		return nil
	}
	err := p.gate.Allow(ctx)
	if errors.Is(err, governance.ErrQuotaExceeded) {
		return fmt.Errorf("%w: %v", errDeferred, err)
	}
	if err != nil {
		return fmt.Errorf("governance check: %w", err)
	}
	return nil
}

func (p *Processor) failure(ctx context.Context, circuit string, threshold int, where string, err error) {
	if rerr := p.store.RecordFailure(ctx, circuit, threshold, where, err); rerr != nil {
		p.logger.Error("record failure", slog.String("error", rerr.Error()))
	}
}

func (p *Processor) success(ctx context.Context, circuit string) {
	if err := p.store.RecordSuccess(ctx, circuit); err != nil {
		p.logger.Error("record success", slog.String("error", err.Error()))
	}
}

func (p *Processor) record(ctx context.Context, eventType string, job *models.Job, inputs any, outcome string, data map[string]string) {
	if p.audit == nil {
		return
	}
	topic := job.Topic
	if topic == "" {
		topic = "job:" + job.ID
	}
	ev := models.AuditEvent{
		Type:          eventType,
		Topic:         topic,
		CorrelationID: job.CorrelationID,
		InputsHash:    audit.HashInputs(inputs),
		Outcome:       outcome,
		Data:          data,
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = job.ID
	}
	if err := p.audit.Append(ctx, ev); err != nil {
		p.logger.Warn("audit append failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
}

func decodePayload(job *models.Job, v any) error {
	if len(job.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", job.Type, err)
	}
	return nil
}
