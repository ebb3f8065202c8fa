package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/audit"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/processor"
)

// ApprovalResult is stored on an approved job and returned to the caller.
type ApprovalResult struct {
	Approved           bool   `json:"approved"`
	ApprovalIssueID    string `json:"approvalIssueId,omitempty"`
	OrchestrationJobID string `json:"orchestrationJobId"`
}

// ApproveJob releases a job held for human approval. The job completes and
// an initialize_and_plan job is queued against its approval issue. Jobs in
// any other status are rejected with ErrConflict.
func (o *Orchestrator) ApproveJob(ctx context.Context, id string) (*models.Job, error) {
	var out *models.Job
	err := o.do(ctx, func() error {
		job, ok := o.store.Job(id)
		if !ok {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if job.Status != models.JobStatusAwaitingHITL {
			return fmt.Errorf("job %s is %s, not %s: %w", id, job.Status, models.JobStatusAwaitingHITL, ErrConflict)
		}

		var pl processor.IngestionPayload
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &pl); err != nil {
				return fmt.Errorf("decode job %s payload: %w", id, err)
			}
		}

		next, err := o.proc.Enqueue(ctx, processor.NewJob{
			Type:     models.JobTypeOrchestration,
			Priority: job.Priority,
			Payload: processor.OrchestrationPayload{
				Action:          processor.ActionInitializeAndPlan,
				IssueID:         job.IssueID,
				IssueIdentifier: job.IssueIdentifier,
				Title:           pl.Title,
				Description:     pl.Description,
				Repository:      pl.Repository,
			},
			IssueID:         job.IssueID,
			IssueIdentifier: job.IssueIdentifier,
			Topic:           job.Topic,
			CorrelationID:   job.ID,
		})
		if err != nil {
			return err
		}

		res := ApprovalResult{Approved: true, ApprovalIssueID: job.IssueID, OrchestrationJobID: next.ID}
		data, err := json.Marshal(res)
		if err != nil {
			return err
		}
		job.Status = models.JobStatusCompleted
		job.Result = data
		if err := o.store.SaveJob(ctx, job); err != nil {
			return err
		}
		if job.IssueID != "" {
			if err := o.store.MarkIngested(ctx, job.IssueID); err != nil {
				return err
			}
		}
		o.recordApproval(ctx, job, next)
		out = cloneJob(job)
		return nil
	})
	return out, err
}

func (o *Orchestrator) recordApproval(ctx context.Context, job, next *models.Job) {
	if o.audit == nil {
		return
	}
	topic := job.Topic
	if topic == "" {
		topic = "job:" + job.ID
	}
	ev := models.AuditEvent{
		Type:          audit.EventJobApproved,
		Topic:         topic,
		CorrelationID: job.ID,
		InputsHash:    audit.HashInputs(job.Payload),
		Outcome:       "approved",
		Data:          map[string]string{"orchestrationJobId": next.ID, "issueId": job.IssueID},
	}
	if err := o.audit.Append(ctx, ev); err != nil {
		o.logger.Warn("audit append failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
}
