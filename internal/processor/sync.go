package processor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/resilience"
)

// SyncResult summarizes one Sync call.
type SyncResult struct {
	Seen    int      `json:"seen"`
	Created []string `json:"created,omitempty"`
	Skipped bool     `json:"skipped,omitempty"`
}

// Sync turns every tracker issue carrying the ready label into an
// orchestration job, once per issue.
func (p *Processor) Sync(ctx context.Context) (*SyncResult, error) {
	if p.tracker == nil {
		return nil, fmt.Errorf("issue tracker: %w", connectors.ErrNotConfigured)
	}
	if p.store.CircuitOpen(resilience.CircuitLinear) {
		return &SyncResult{Skipped: true}, nil
	}

	label := p.swarm.Config().ReadyLabel
	issues, err := p.tracker.ListIssuesByLabel(ctx, label)
	if err != nil {
		p.failure(ctx, resilience.CircuitLinear, p.thresholds.Sync, "sync list issues", err)
		return nil, fmt.Errorf("list %s issues: %w", label, err)
	}
	p.success(ctx, resilience.CircuitLinear)

	res := &SyncResult{Seen: len(issues)}
	for _, issue := range issues {
		if p.store.IsIngested(issue.ID) {
			continue
		}
		job, err := p.Enqueue(ctx, NewJob{
			Type:     models.JobTypeOrchestration,
			Priority: TrackerPriority(issue.Priority),
			Payload: OrchestrationPayload{
				Action:          ActionInitializeAndPlan,
				IssueID:         issue.ID,
				IssueIdentifier: issue.Identifier,
				Title:           issue.Title,
				Description:     issue.Description,
			},
			IssueID:         issue.ID,
			IssueIdentifier: issue.Identifier,
		})
		if err != nil {
			return res, err
		}
		if err := p.store.MarkIngested(ctx, issue.ID); err != nil {
			return res, err
		}
		res.Created = append(res.Created, job.ID)
	}
	if len(res.Created) > 0 {
		p.logger.Info("sync created jobs", slog.Int("count", len(res.Created)), slog.Int("seen", res.Seen))
	}
	return res, nil
}

// TrackerPriority maps the tracker's 0-4 scale (1 urgent, 4 low, 0 none)
// onto job priority, where higher runs sooner.
func TrackerPriority(p int) int {
	if p < 1 || p > 4 {
		return 0
	}
	return (5 - p) * 10
}
