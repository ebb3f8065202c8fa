// Package swarm owns the agent task chain (coding, verify, review, merge)
// and the worker checkout protocol.
//
// Manager methods mutate the shared store and must be called from the
// orchestrator actor.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/resilience"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/store"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/validate"
)

var (
	// ErrNoTasks is returned when no pending task is available.
	ErrNoTasks = errors.New("no pending tasks")

	// ErrTaskNotFound is returned for an unknown task id.
	ErrTaskNotFound = errors.New("task not found")
)

// Metadata keys carried on tasks.
const (
	MetaParentTask      = "parentTaskId"
	MetaIssueIdentifier = "issueIdentifier"
	MetaBranch          = "branch"
)

// Config tunes the task chain.
type Config struct {
	// ReviewOnVerify spawns a review task when a verify task completes.
	// When false, review tasks come from pull request webhooks.
	ReviewOnVerify bool   `yaml:"review_on_verify" toml:"review_on_verify"`
	ReadyLabel     string `yaml:"ready_label" toml:"ready_label"`
	ActiveLabel    string `yaml:"active_label" toml:"active_label"`
	ReviewLabel    string `yaml:"review_label" toml:"review_label"`
	HITLLabel      string `yaml:"hitl_label" toml:"hitl_label"`
	DoneState      string `yaml:"done_state" toml:"done_state"`
	MergeMethod    string `yaml:"merge_method" toml:"merge_method"`
	// Repository is used for branches when a task names none.
	Repository string `yaml:"repository" toml:"repository"`
	BaseBranch string `yaml:"base_branch" toml:"base_branch"`
}

// DefaultConfig returns the default labels and chain behavior.
func DefaultConfig() Config {
	return Config{
		ReviewOnVerify: false,
		ReadyLabel:     "swarm:ready",
		ActiveLabel:    "swarm:active",
		ReviewLabel:    "swarm:in-review",
		HITLLabel:      "swarm:hitl",
		DoneState:      "Done",
		MergeMethod:    "squash",
		BaseBranch:     "main",
	}
}

// Manager implements the task lifecycle.
type Manager struct {
	store      *store.Store
	tracker    connectors.Tracker
	scm        connectors.SourceControl
	audit      connectors.AuditLog
	cfg        Config
	thresholds resilience.CircuitThresholds
	logger     *slog.Logger
	newID      func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithTracker sets the issue tracker.
func WithTracker(t connectors.Tracker) Option {
	return func(m *Manager) { m.tracker = t }
}

// WithSourceControl sets the source control client.
func WithSourceControl(s connectors.SourceControl) Option {
	return func(m *Manager) { m.scm = s }
}

// WithAuditLog records merge events.
func WithAuditLog(a connectors.AuditLog) Option {
	return func(m *Manager) { m.audit = a }
}

// WithThresholds overrides the circuit thresholds.
func WithThresholds(t resilience.CircuitThresholds) Option {
	return func(m *Manager) { m.thresholds = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithIDGenerator overrides uuid generation.
func WithIDGenerator(f func() string) Option {
	return func(m *Manager) { m.newID = f }
}

// NewManager creates a Manager over s.
func NewManager(s *store.Store, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:      s,
		cfg:        cfg,
		thresholds: resilience.DefaultCircuitThresholds(),
		logger:     slog.Default(),
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the chain configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// CreateTask stores a new pending task.
func (m *Manager) CreateTask(ctx context.Context, req validate.CreateTaskRequest) (*models.SwarmTask, error) {
	task := &models.SwarmTask{
		ID:          m.newID(),
		IssueID:     req.IssueID,
		Type:        req.Type,
		Title:       req.Title,
		Description: req.Description,
		Files:       req.Files,
		Status:      models.TaskStatusPending,
		Priority:    req.Priority,
		IsHighRisk:  req.IsHighRisk,
		Metadata:    copyMeta(req.Metadata),
		PRNumber:    req.PRNumber,
		PRURL:       req.PRURL,
		Repository:  req.Repository,
	}
	if err := m.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	m.store.Meta().Metrics.TotalTasks++
	if err := m.store.SaveMeta(ctx); err != nil {
		return nil, err
	}
	m.logger.Info("task created",
		slog.String("task_id", task.ID),
		slog.String("type", string(task.Type)),
		slog.String("issue_id", task.IssueID),
	)
	return task, nil
}

// ListTasks returns tasks, newest first, optionally filtered by status.
func (m *Manager) ListTasks(status models.TaskStatus) []*models.SwarmTask {
	all := m.store.Tasks()
	if status == "" {
		return all
	}
	out := make([]*models.SwarmTask, 0, len(all))
	for _, t := range all {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

func (m *Manager) pending() []*models.SwarmTask {
	var out []*models.SwarmTask
	for _, t := range m.store.Tasks() {
		if t.Status == models.TaskStatusPending {
			out = append(out, t)
		}
	}
	return out
}

// CheckoutNextTask promotes the highest priority pending task to active,
// oldest first within a priority. With nothing pending it returns
// ErrNoTasks and changes nothing.
func (m *Manager) CheckoutNextTask(ctx context.Context) (*models.SwarmTask, error) {
	pending := m.pending()
	if len(pending) == 0 {
		return nil, ErrNoTasks
	}
	sort.SliceStable(pending, func(a, b int) bool {
		if pending[a].Priority != pending[b].Priority {
			return pending[a].Priority > pending[b].Priority
		}
		return olderFirst(pending[a], pending[b])
	})

	task := pending[0]
	task.Status = models.TaskStatusActive
	if err := m.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// HandleWorkerPoll hands the oldest pending task to workerID and marks it
// in progress. Coding tasks flag their issue with the active label.
func (m *Manager) HandleWorkerPoll(ctx context.Context, workerID string) (*models.SwarmTask, error) {
	pending := m.pending()
	if len(pending) == 0 {
		return nil, ErrNoTasks
	}
	sort.SliceStable(pending, func(a, b int) bool { return olderFirst(pending[a], pending[b]) })

	task := pending[0]
	task.Status = models.TaskStatusInProgress
	task.AssignedTo = workerID
	if err := m.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}

	if task.Type == models.TaskTypeCoding && task.IssueID != "" {
		if err := m.addLabel(ctx, task.IssueID, m.cfg.ActiveLabel); err != nil {
			m.dependencyFailure(ctx, resilience.CircuitLinear, m.thresholds.Sync, "worker poll label", err)
		}
	}
	m.logger.Info("task assigned", slog.String("task_id", task.ID), slog.String("worker", workerID))
	return task, nil
}

func olderFirst(a, b *models.SwarmTask) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// UpdateResult is the outcome of HandleTaskUpdate.
type UpdateResult struct {
	Task    *models.SwarmTask   `json:"task"`
	Spawned []*models.SwarmTask `json:"spawned,omitempty"`
	Merge   *CompletionReport   `json:"merge,omitempty"`
}

// HandleTaskUpdate merges a worker's report into the task and drives the
// chain when the task reaches a terminal status.
func (m *Manager) HandleTaskUpdate(ctx context.Context, req validate.TaskUpdateRequest) (*UpdateResult, error) {
	task, ok := m.store.Task(req.TaskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, req.TaskID)
	}
	wasTerminal := task.Status.Terminal()

	if req.Status != "" {
		task.Status = req.Status
	}
	if req.EngineeringLog != nil {
		task.EngineeringLog = req.EngineeringLog
	}
	if req.ReviewDecision != "" {
		task.ReviewDecision = req.ReviewDecision
	}
	if req.PRNumber > 0 {
		task.PRNumber = req.PRNumber
	}
	if req.PRURL != "" {
		task.PRURL = req.PRURL
	}
	if req.Repository != "" {
		task.Repository = req.Repository
	}
	if len(req.Metadata) > 0 {
		if task.Metadata == nil {
			task.Metadata = make(map[string]string, len(req.Metadata))
		}
		for k, v := range req.Metadata {
			task.Metadata[k] = v
		}
	}
	if err := m.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}

	result := &UpdateResult{Task: task}
	if wasTerminal || !task.Status.Terminal() {
		return result, nil
	}

	m.postEngineeringLog(ctx, task)
	if task.Status != models.TaskStatusCompleted {
		return result, nil
	}

	switch task.Type {
	case models.TaskTypeCoding:
		next, err := m.spawnFollowUp(ctx, task, models.TaskTypeVerify, "Verify: ")
		if err != nil {
			return result, err
		}
		result.Spawned = append(result.Spawned, next)
	case models.TaskTypeVerify:
		if m.cfg.ReviewOnVerify {
			next, err := m.spawnFollowUp(ctx, task, models.TaskTypeReview, "Review: ")
			if err != nil {
				return result, err
			}
			result.Spawned = append(result.Spawned, next)
		}
	case models.TaskTypeReview:
		if task.ReviewDecision == models.ReviewApprove {
			result.Merge = m.CompleteTask(ctx, task)
		}
	}
	return result, nil
}

// spawnFollowUp clones from into a new pending task of type typ.
func (m *Manager) spawnFollowUp(ctx context.Context, from *models.SwarmTask, typ models.TaskType, prefix string) (*models.SwarmTask, error) {
	title := from.Title
	for _, p := range []string{"Verify: ", "Review: "} {
		title = strings.TrimPrefix(title, p)
	}
	meta := copyMeta(from.Metadata)
	if meta == nil {
		meta = make(map[string]string)
	}
	meta[MetaParentTask] = from.ID

	next := &models.SwarmTask{
		ID:          m.newID(),
		IssueID:     from.IssueID,
		Type:        typ,
		Title:       prefix + title,
		Description: from.Description,
		Files:       append([]string(nil), from.Files...),
		Status:      models.TaskStatusPending,
		Priority:    from.Priority,
		IsHighRisk:  from.IsHighRisk,
		Metadata:    meta,
		PRNumber:    from.PRNumber,
		PRURL:       from.PRURL,
		Repository:  from.Repository,
	}
	if err := m.store.SaveTask(ctx, next); err != nil {
		return nil, err
	}
	m.store.Meta().Metrics.TotalTasks++
	if err := m.store.SaveMeta(ctx); err != nil {
		return nil, err
	}
	m.logger.Info("task chained",
		slog.String("from", from.ID),
		slog.String("task_id", next.ID),
		slog.String("type", string(typ)),
	)
	return next, nil
}

// SpawnReview creates a review task for a pull request opened against
// issueID, unless an open review task for that PR already exists.
func (m *Manager) SpawnReview(ctx context.Context, issueID, identifier, repo string, pr connectors.PullRequest) (*models.SwarmTask, bool, error) {
	if existing := m.OpenReviewForPR(repo, pr.Number); existing != nil {
		return existing, false, nil
	}

	var parent *models.SwarmTask
	for _, t := range m.store.Tasks() {
		if t.IssueID == issueID && t.Type != models.TaskTypeReview {
			parent = t
			break
		}
	}

	req := validate.CreateTaskRequest{
		IssueID:     issueID,
		Type:        models.TaskTypeReview,
		Title:       "Review: " + pr.Title,
		Description: pr.Body,
		PRNumber:    pr.Number,
		PRURL:       pr.URL,
		Repository:  repo,
		Metadata:    map[string]string{MetaIssueIdentifier: identifier, MetaBranch: pr.Head},
	}
	if parent != nil {
		req.Priority = parent.Priority
		req.IsHighRisk = parent.IsHighRisk
		req.Files = parent.Files
		req.Metadata[MetaParentTask] = parent.ID
	}
	task, err := m.CreateTask(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if err := m.addLabel(ctx, issueID, m.cfg.ReviewLabel); err != nil {
		m.dependencyFailure(ctx, resilience.CircuitLinear, m.thresholds.Sync, "review label", err)
	}
	return task, true, nil
}

// OpenReviewForPR finds the non-terminal review task for a pull request.
func (m *Manager) OpenReviewForPR(repo string, number int) *models.SwarmTask {
	for _, t := range m.store.Tasks() {
		if t.Type == models.TaskTypeReview && t.PRNumber == number && !t.Status.Terminal() &&
			strings.EqualFold(t.Repository, repo) {
			return t
		}
	}
	return nil
}

// IssueForIdentifier resolves a tracker identifier such as "BIF-12" to the
// issue id of a known task.
func (m *Manager) IssueForIdentifier(identifier string) (string, bool) {
	if identifier == "" {
		return "", false
	}
	for _, t := range m.store.Tasks() {
		if strings.EqualFold(t.Metadata[MetaIssueIdentifier], identifier) {
			return t.IssueID, true
		}
	}
	return "", false
}

// KnownIdentifiers returns the issue identifiers carried by tasks.
func (m *Manager) KnownIdentifiers() []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range m.store.Tasks() {
		id := t.Metadata[MetaIssueIdentifier]
		if id != "" && !seen[strings.ToLower(id)] {
			seen[strings.ToLower(id)] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Manager) postEngineeringLog(ctx context.Context, task *models.SwarmTask) {
	if m.tracker == nil || task.IssueID == "" {
		return
	}
	if m.store.CircuitOpen(resilience.CircuitLinear) {
		m.logger.Warn("skipping engineering log comment, tracker circuit open", slog.String("task_id", task.ID))
		return
	}
	if err := m.tracker.AddComment(ctx, task.IssueID, FormatEngineeringLog(task)); err != nil {
		m.dependencyFailure(ctx, resilience.CircuitLinear, m.thresholds.Sync, "engineering log comment", err)
		return
	}
	m.dependencySuccess(ctx, resilience.CircuitLinear)
}

// addLabel resolves a label by name and attaches it to issueID.
func (m *Manager) addLabel(ctx context.Context, issueID, name string) error {
	return m.changeLabel(ctx, issueID, name, true)
}

func (m *Manager) removeLabel(ctx context.Context, issueID, name string) error {
	return m.changeLabel(ctx, issueID, name, false)
}

func (m *Manager) changeLabel(ctx context.Context, issueID, name string, add bool) error {
	if m.tracker == nil || name == "" {
		return nil
	}
	labels, err := m.tracker.ListLabels(ctx)
	if err != nil {
		return fmt.Errorf("list labels: %w", err)
	}
	for _, l := range labels {
		if strings.EqualFold(l.Name, name) {
			update := connectors.IssueUpdate{}
			if add {
				update.AddLabelIDs = []string{l.ID}
			} else {
				update.RemoveLabelIDs = []string{l.ID}
			}
			return m.tracker.UpdateIssue(ctx, issueID, update)
		}
	}
	return fmt.Errorf("label %q not found", name)
}

func (m *Manager) dependencyFailure(ctx context.Context, circuit string, threshold int, where string, err error) {
	m.logger.Warn("dependency call failed",
		slog.String("circuit", circuit),
		slog.String("where", where),
		slog.String("error", err.Error()),
	)
	if rerr := m.store.RecordFailure(ctx, circuit, threshold, where, err); rerr != nil {
		m.logger.Error("record failure", slog.String("error", rerr.Error()))
	}
}

func (m *Manager) dependencySuccess(ctx context.Context, circuit string) {
	if err := m.store.RecordSuccess(ctx, circuit); err != nil {
		m.logger.Error("record success", slog.String("circuit", circuit), slog.String("error", err.Error()))
	}
}

func copyMeta(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
