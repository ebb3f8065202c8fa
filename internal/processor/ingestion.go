package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/resilience"
)

// IngestionPayload is the payload of an ingestion job.
type IngestionPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Source      string `json:"source,omitempty"`
	Repository  string `json:"repository,omitempty"`
}

// IngestionResult is stored on an ingestion job.
type IngestionResult struct {
	ApprovalIssueID    string `json:"approvalIssueId,omitempty"`
	ApprovalIdentifier string `json:"approvalIdentifier,omitempty"`
	ApprovalURL        string `json:"approvalUrl,omitempty"`
	OrchestrationJobID string `json:"orchestrationJobId,omitempty"`
}

// ingest opens a human approval issue for unlinked work. Work that already
// has an issue goes straight to orchestration.
func (p *Processor) ingest(ctx context.Context, job *models.Job) (models.JobStatus, any, error) {
	var pl IngestionPayload
	if err := decodePayload(job, &pl); err != nil {
		return "", nil, err
	}

	if job.IssueID != "" {
		next, err := p.Enqueue(ctx, NewJob{
			Type:     models.JobTypeOrchestration,
			Priority: job.Priority,
			Payload: OrchestrationPayload{
				Action:          ActionInitializeAndPlan,
				IssueID:         job.IssueID,
				IssueIdentifier: job.IssueIdentifier,
				Title:           pl.Title,
				Description:     pl.Description,
				Repository:      pl.Repository,
			},
			IssueID:         job.IssueID,
			IssueIdentifier: job.IssueIdentifier,
			CorrelationID:   job.ID,
		})
		if err != nil {
			return "", nil, err
		}
		if err := p.store.MarkIngested(ctx, job.IssueID); err != nil {
			return "", nil, err
		}
		return models.JobStatusCompleted, IngestionResult{OrchestrationJobID: next.ID}, nil
	}

	if p.tracker == nil {
		return "", nil, fmt.Errorf("issue tracker: %w", connectors.ErrNotConfigured)
	}

	title := strings.TrimSpace(pl.Title)
	if title == "" {
		title = "Untitled request"
	}
	in := connectors.CreateIssueInput{
		Title:       "[HITL] Approve: " + title,
		Description: hitlDescription(job, pl),
	}
	if id, err := p.labelID(ctx, p.swarm.Config().HITLLabel); err == nil && id != "" {
		in.LabelIDs = []string{id}
	}

	issue, err := p.tracker.CreateIssue(ctx, in)
	if err != nil {
		p.failure(ctx, resilience.CircuitLinear, p.thresholds.Ingestion, "ingestion create issue", err)
		return "", nil, fmt.Errorf("create approval issue: %w", err)
	}
	p.success(ctx, resilience.CircuitLinear)

	job.IssueID = issue.ID
	job.IssueIdentifier = issue.Identifier
	return models.JobStatusAwaitingHITL, IngestionResult{
		ApprovalIssueID:    issue.ID,
		ApprovalIdentifier: issue.Identifier,
		ApprovalURL:        issue.URL,
	}, nil
}

func (p *Processor) labelID(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	labels, err := p.tracker.ListLabels(ctx)
	if err != nil {
		return "", err
	}
	for _, l := range labels {
		if strings.EqualFold(l.Name, name) {
			return l.ID, nil
		}
	}
	return "", nil
}

func hitlDescription(job *models.Job, pl IngestionPayload) string {
	var b strings.Builder
	b.WriteString("A new request is waiting for human approval before the swarm picks it up.\n\n")
	if pl.Source != "" {
		fmt.Fprintf(&b, "**Source:** %s\n", pl.Source)
	}
	if pl.Repository != "" {
		fmt.Fprintf(&b, "**Repository:** %s\n", pl.Repository)
	}
	fmt.Fprintf(&b, "**Job:** `%s`\n", job.ID)
	if pl.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", pl.Description)
	}
	fmt.Fprintf(&b, "\nApprove with `POST /jobs/%s/approve`.\n", job.ID)
	return b.String()
}
