package webhook

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/processor"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/store"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/swarm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/validate"
)

// Header names carrying signatures and event types.
const (
	LinearSignatureHeader = "Linear-Signature"
	GitHubSignatureHeader = "X-Hub-Signature-256"
	GitHubEventHeader     = "X-GitHub-Event"
)

// GitHub event names handled.
const (
	EventPing              = "ping"
	EventPullRequest       = "pull_request"
	EventPullRequestReview = "pull_request_review"
)

// Secrets holds the shared webhook secrets.
type Secrets struct {
	Linear string `yaml:"-" toml:"-"`
	GitHub string `yaml:"-" toml:"-"`
}

// Result describes what a webhook did.
type Result struct {
	Event   string                  `json:"event"`
	Action  string                  `json:"action,omitempty"`
	Ignored bool                    `json:"ignored,omitempty"`
	Reason  string                  `json:"reason,omitempty"`
	JobID   string                  `json:"jobId,omitempty"`
	TaskID  string                  `json:"taskId,omitempty"`
	Merge   *swarm.CompletionReport `json:"merge,omitempty"`
}

func ignored(event, action, reason string) *Result {
	return &Result{Event: event, Action: action, Ignored: true, Reason: reason}
}

// Handler applies verified webhook events to orchestrator state. Its
// methods mutate the store and must be called from the orchestrator actor.
type Handler struct {
	store   *store.Store
	swarm   *swarm.Manager
	proc    *processor.Processor
	secrets Secrets
	logger  *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(s *store.Store, mgr *swarm.Manager, proc *processor.Processor, secrets Secrets, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: s, swarm: mgr, proc: proc, secrets: secrets, logger: logger}
}

// Linear handles an issue tracker webhook. Issues carrying the ready label
// are queued for orchestration once.
func (h *Handler) Linear(ctx context.Context, body []byte, signature string) (*Result, error) {
	if h.secrets.Linear == "" {
		return nil, fmt.Errorf("linear webhook secret: %w", connectors.ErrNotConfigured)
	}
	if err := Verify(h.secrets.Linear, body, signature); err != nil {
		return nil, err
	}
	var ev validate.LinearWebhook
	if err := validate.Decode(bytes.NewReader(body), &ev); err != nil {
		return nil, err
	}

	const event = "linear"
	if !strings.EqualFold(ev.Type, "Issue") {
		return ignored(event, ev.Action, "not an issue event"), nil
	}
	if ev.Action == "remove" {
		return ignored(event, ev.Action, "removal"), nil
	}
	issue := ev.Data
	if !hasLabel(issue.Labels, h.swarm.Config().ReadyLabel) {
		return ignored(event, ev.Action, "not labeled ready"), nil
	}
	if h.store.IsIngested(issue.ID) {
		return ignored(event, ev.Action, "already ingested"), nil
	}

	job, err := h.proc.Enqueue(ctx, processor.NewJob{
		Type:     models.JobTypeOrchestration,
		Priority: processor.TrackerPriority(issue.Priority),
		Payload: processor.OrchestrationPayload{
			Action:          processor.ActionInitializeAndPlan,
			IssueID:         issue.ID,
			IssueIdentifier: issue.Identifier,
			Title:           issue.Title,
			Description:     issue.Description,
		},
		IssueID:         issue.ID,
		IssueIdentifier: issue.Identifier,
	})
	if err != nil {
		return nil, err
	}
	if err := h.store.MarkIngested(ctx, issue.ID); err != nil {
		return nil, err
	}
	h.logger.Info("linear issue queued", slog.String("issue_id", issue.ID), slog.String("job_id", job.ID))
	return &Result{Event: event, Action: ev.Action, JobID: job.ID}, nil
}

func hasLabel(labels []validate.LinearLabel, name string) bool {
	for _, l := range labels {
		if strings.EqualFold(l.Name, name) {
			return true
		}
	}
	return false
}

// GitHub handles a source control webhook. Opened pull requests that name a
// tracked issue get a review task; approving reviews complete it.
func (h *Handler) GitHub(ctx context.Context, event string, body []byte, signature string) (*Result, error) {
	if h.secrets.GitHub == "" {
		return nil, fmt.Errorf("github webhook secret: %w", connectors.ErrNotConfigured)
	}
	if err := Verify(h.secrets.GitHub, body, signature); err != nil {
		return nil, err
	}

	switch event {
	case EventPing:
		return &Result{Event: event}, nil
	case EventPullRequest, EventPullRequestReview:
	default:
		return ignored(event, "", "unhandled event"), nil
	}

	var ev validate.GitHubPullRequestEvent
	if err := validate.Decode(bytes.NewReader(body), &ev); err != nil {
		return nil, err
	}
	if event == EventPullRequest {
		return h.pullRequest(ctx, ev)
	}
	return h.pullRequestReview(ctx, ev)
}

var identifierPattern = regexp.MustCompile(`(?i)\b[a-z][a-z0-9]*-\d+\b`)

// issueFor finds the tracked issue a pull request refers to, by head branch
// first and title second.
func (h *Handler) issueFor(pr validate.GitHubPullRequest) (issueID, identifier string, ok bool) {
	for _, text := range []string{pr.Head.Ref, pr.Title} {
		for _, cand := range identifierPattern.FindAllString(text, -1) {
			if id, found := h.swarm.IssueForIdentifier(cand); found {
				return id, strings.ToUpper(cand), true
			}
		}
	}
	return "", "", false
}

func (h *Handler) pullRequest(ctx context.Context, ev validate.GitHubPullRequestEvent) (*Result, error) {
	if ev.Action != "opened" && ev.Action != "reopened" && ev.Action != "ready_for_review" {
		return ignored(EventPullRequest, ev.Action, "action not handled"), nil
	}
	issueID, identifier, ok := h.issueFor(ev.PullRequest)
	if !ok {
		return ignored(EventPullRequest, ev.Action, "no tracked issue"), nil
	}

	pr := connectors.PullRequest{
		Number: ev.PullRequest.Number,
		Title:  ev.PullRequest.Title,
		Body:   ev.PullRequest.Body,
		URL:    ev.PullRequest.HTMLURL,
		Head:   ev.PullRequest.Head.Ref,
		State:  "open",
	}
	task, created, err := h.swarm.SpawnReview(ctx, issueID, identifier, ev.Repository.FullName, pr)
	if err != nil {
		return nil, err
	}
	res := &Result{Event: EventPullRequest, Action: ev.Action, TaskID: task.ID}
	if !created {
		res.Ignored = true
		res.Reason = "review already open"
	}
	return res, nil
}

func (h *Handler) pullRequestReview(ctx context.Context, ev validate.GitHubPullRequestEvent) (*Result, error) {
	if ev.Action != "submitted" || ev.Review == nil || !strings.EqualFold(ev.Review.State, "approved") {
		return ignored(EventPullRequestReview, ev.Action, "not an approval"), nil
	}
	task := h.swarm.OpenReviewForPR(ev.Repository.FullName, ev.PullRequest.Number)
	if task == nil {
		return ignored(EventPullRequestReview, ev.Action, "no open review task"), nil
	}

	upd, err := h.swarm.HandleTaskUpdate(ctx, validate.TaskUpdateRequest{
		TaskID:         task.ID,
		Status:         models.TaskStatusCompleted,
		ReviewDecision: models.ReviewApprove,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Event: EventPullRequestReview, Action: ev.Action, TaskID: task.ID, Merge: upd.Merge}, nil
}
