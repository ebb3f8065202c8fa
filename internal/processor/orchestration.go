package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/llm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/resilience"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/swarm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/validate"
)

// Orchestration actions.
const (
	ActionInitializeAndPlan   = "initialize_and_plan"
	ActionInitializeWorkspace = "initialize_workspace"
	ActionOptimizationReview  = "optimization_review"
)

// maxSlugLen caps the title part of a branch name.
const maxSlugLen = 50

// recentErrorsForReview is how many error log entries an optimization
// review sees.
const recentErrorsForReview = 10

// OrchestrationPayload is the payload of an orchestration job.
type OrchestrationPayload struct {
	Action          string `json:"action"`
	IssueID         string `json:"issueId,omitempty"`
	IssueIdentifier string `json:"issueIdentifier,omitempty"`
	Title           string `json:"title,omitempty"`
	Description     string `json:"description,omitempty"`
	Repository      string `json:"repository,omitempty"`
	BaseBranch      string `json:"baseBranch,omitempty"`
	// TargetTaskType is the task type an optimization review tunes.
	TargetTaskType string `json:"targetTaskType,omitempty"`
}

// WorkspaceResult is stored on initialize jobs.
type WorkspaceResult struct {
	Branch        string `json:"branch"`
	Repository    string `json:"repository"`
	BranchExisted bool   `json:"branchExisted,omitempty"`
	Planned       bool   `json:"planned"`
	CodingTaskID  string `json:"codingTaskId,omitempty"`
}

// OptimizationResult is stored on optimization_review jobs.
type OptimizationResult struct {
	TaskType string `json:"taskType"`
	Provider string `json:"provider"`
	Updated  bool   `json:"updated"`
}

func (p *Processor) orchestrate(ctx context.Context, job *models.Job) (models.JobStatus, any, error) {
	var pl OrchestrationPayload
	if err := decodePayload(job, &pl); err != nil {
		return "", nil, err
	}
	if pl.IssueID == "" {
		pl.IssueID = job.IssueID
	}
	if pl.IssueIdentifier == "" {
		pl.IssueIdentifier = job.IssueIdentifier
	}

	switch pl.Action {
	case ActionInitializeAndPlan:
		return p.initializeWorkspace(ctx, job, pl, true)
	case ActionInitializeWorkspace:
		return p.initializeWorkspace(ctx, job, pl, false)
	case ActionOptimizationReview:
		return p.optimizationReview(ctx, pl)
	default:
		return "", nil, fmt.Errorf("unknown orchestration action %q", pl.Action)
	}
}

func (p *Processor) initializeWorkspace(ctx context.Context, job *models.Job, pl OrchestrationPayload, plan bool) (models.JobStatus, any, error) {
	if pl.IssueID == "" {
		return "", nil, validate.Errorf("issueId is required for %s", pl.Action)
	}
	if p.scm == nil {
		return "", nil, fmt.Errorf("source control: %w", connectors.ErrNotConfigured)
	}
	cfg := p.swarm.Config()
	repo := firstNonEmpty(pl.Repository, cfg.Repository)
	if repo == "" {
		return "", nil, fmt.Errorf("no repository for issue %s: %w", pl.IssueID, connectors.ErrNotConfigured)
	}
	base := firstNonEmpty(pl.BaseBranch, cfg.BaseBranch, "main")

	result := WorkspaceResult{
		Branch:     BranchName(firstNonEmpty(pl.IssueIdentifier, pl.IssueID), firstNonEmpty(pl.Title, pl.IssueID)),
		Repository: repo,
	}

	err := p.scm.CreateBranch(ctx, repo, result.Branch, base)
	switch {
	case errors.Is(err, connectors.ErrBranchExists):
		result.BranchExisted = true
		p.success(ctx, resilience.CircuitGitHub)
	case err != nil:
		p.failure(ctx, resilience.CircuitGitHub, p.thresholds.GitHub, "create branch", err)
		return "", nil, fmt.Errorf("create branch %s: %w", result.Branch, err)
	default:
		p.success(ctx, resilience.CircuitGitHub)
	}

	var implPlan string
	if plan {
		implPlan = p.plan(ctx, pl)
		result.Planned = implPlan != ""
	}

	p.comment(ctx, pl.IssueID, swarm.FormatPlanComment(result.Branch, implPlan))

	if plan {
		desc := implPlan
		if desc == "" {
			desc = pl.Description
		}
		task, err := p.swarm.CreateTask(ctx, validate.CreateTaskRequest{
			IssueID:     pl.IssueID,
			Type:        models.TaskTypeCoding,
			Title:       firstNonEmpty(pl.Title, "Implement "+firstNonEmpty(pl.IssueIdentifier, pl.IssueID)),
			Description: desc,
			Priority:    job.Priority,
			Repository:  repo,
			Metadata: map[string]string{
				swarm.MetaIssueIdentifier: pl.IssueIdentifier,
				swarm.MetaBranch:          result.Branch,
			},
		})
		if err != nil {
			return "", nil, fmt.Errorf("create coding task: %w", err)
		}
		result.CodingTaskID = task.ID
	}
	return models.JobStatusCompleted, result, nil
}

// plan asks the router for an implementation plan. Planning is optional:
// any failure is recorded and an empty plan returned.
func (p *Processor) plan(ctx context.Context, pl OrchestrationPayload) string {
	if p.router == nil || p.store.CircuitOpen(resilience.CircuitLLM) {
		return ""
	}
	if err := p.preflight(ctx); err != nil {
		p.logger.Warn("skipping plan", slog.String("issue_id", pl.IssueID), slog.String("reason", err.Error()))
		return ""
	}

	prompt := fmt.Sprintf("Write a concise technical implementation plan for this issue.\n\nTitle: %s\n\n%s",
		firstNonEmpty(pl.Title, pl.IssueIdentifier, pl.IssueID), pl.Description)
	resp, err := p.router.Route(ctx, llm.Request{
		TaskType: llm.TaskPlanning,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You are a senior engineer planning work for an autonomous coding agent."},
			{Role: llm.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		if !errors.Is(err, llm.ErrNoProvider) {
			p.failure(ctx, resilience.CircuitLLM, p.thresholds.LLM, "implementation plan", err)
		}
		p.logger.Warn("planning failed", slog.String("issue_id", pl.IssueID), slog.String("error", err.Error()))
		return ""
	}
	p.success(ctx, resilience.CircuitLLM)
	return strings.TrimSpace(resp.Content)
}

func (p *Processor) comment(ctx context.Context, issueID, body string) {
	if p.tracker == nil {
		return
	}
	if err := p.tracker.AddComment(ctx, issueID, body); err != nil {
		p.failure(ctx, resilience.CircuitLinear, p.thresholds.Sync, "workspace comment", err)
		return
	}
	p.success(ctx, resilience.CircuitLinear)
}

// optimizationReview asks the router to critique recent behavior and stores
// the learned prompt it returns.
func (p *Processor) optimizationReview(ctx context.Context, pl OrchestrationPayload) (models.JobStatus, any, error) {
	if p.router == nil {
		return "", nil, fmt.Errorf("llm router: %w", connectors.ErrNotConfigured)
	}
	if p.optimizer == nil {
		return "", nil, fmt.Errorf("optimization store: %w", connectors.ErrNotConfigured)
	}
	if err := p.preflight(ctx); err != nil {
		return "", nil, err
	}
	target := firstNonEmpty(pl.TargetTaskType, llm.TaskCoding)

	prompt, err := p.reviewPrompt(target)
	if err != nil {
		return "", nil, err
	}
	resp, err := p.router.Route(ctx, llm.Request{
		TaskType: llm.TaskOptimization,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You review an autonomous engineering system and tune its prompts."},
			{Role: llm.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		if !errors.Is(err, llm.ErrNoProvider) {
			p.failure(ctx, resilience.CircuitLLM, p.thresholds.LLM, "optimization review", err)
		}
		return "", nil, fmt.Errorf("optimization review: %w", err)
	}
	p.success(ctx, resilience.CircuitLLM)

	result := OptimizationResult{TaskType: target, Provider: resp.Provider}
	if learned, ok := llm.ExtractOptimizedPrompt(resp.Content); ok {
		if err := p.optimizer.Put(ctx, target, learned); err != nil {
			return "", nil, fmt.Errorf("store optimized prompt: %w", err)
		}
		result.Updated = true
		p.logger.Info("optimized prompt updated", slog.String("task_type", target), slog.String("provider", resp.Provider))
	} else {
		p.logger.Info("optimization review produced no prompt", slog.String("task_type", target))
	}

	p.store.Meta().LastOptimizationReview = p.store.Now()
	if err := p.store.SaveMeta(ctx); err != nil {
		return "", nil, err
	}
	return models.JobStatusCompleted, result, nil
}

func (p *Processor) reviewPrompt(target string) (string, error) {
	metrics, err := json.MarshalIndent(p.store.Meta().Metrics, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode metrics: %w", err)
	}
	errs := p.store.Errors()
	if len(errs) > recentErrorsForReview {
		errs = errs[:recentErrorsForReview]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Review the recent performance of the %q workflow and propose concrete improvements.\n\n", target)
	fmt.Fprintf(&b, "## Metrics\n```json\n%s\n```\n\n## Recent errors\n", metrics)
	if len(errs) == 0 {
		b.WriteString("(none)\n")
	}
	for _, e := range errs {
		fmt.Fprintf(&b, "- %s [%s] %s\n", e.Timestamp.Format("2006-01-02T15:04:05Z"), e.Context, e.Message)
	}
	b.WriteString("\nEnd your answer with a section headed `## OPTIMIZED_PROMPT` containing only the improved system prompt.\n")
	return b.String(), nil
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and collapses everything but letters and digits
// into single dashes, capped at 50 characters.
func Slugify(s string) string {
	slug := nonAlnum.ReplaceAllString(strings.ToLower(s), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	return slug
}

// BranchName derives the workspace branch for an issue.
func BranchName(identifier, title string) string {
	id := Slugify(identifier)
	slug := Slugify(title)
	switch {
	case id == "":
		return slug
	case slug == "" || slug == id:
		return id
	default:
		return id + "-" + slug
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
