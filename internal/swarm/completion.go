package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/audit"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/resilience"
)

// Merge-and-close steps, in order.
const (
	StepReview       = "review"
	StepMerge        = "merge"
	StepResolveState = "resolve_state"
	StepTransition   = "transition"
	StepComment      = "comment"
	StepRemoveLabel  = "remove_label"
)

// StepResult is the outcome of one merge-and-close step.
type StepResult struct {
	Step    string `json:"step"`
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CompletionReport lists what merge-and-close did.
type CompletionReport struct {
	TaskID string       `json:"taskId"`
	Steps  []StepResult `json:"steps"`
}

// Failed reports whether any step failed.
func (r *CompletionReport) Failed() bool {
	for _, s := range r.Steps {
		if !s.OK && !s.Skipped {
			return true
		}
	}
	return false
}

func (r *CompletionReport) add(step string, err error) {
	res := StepResult{Step: step, OK: err == nil}
	if err != nil {
		res.Error = err.Error()
	}
	r.Steps = append(r.Steps, res)
}

func (r *CompletionReport) skip(step, reason string) {
	r.Steps = append(r.Steps, StepResult{Step: step, Skipped: true, Error: reason})
}

var errNoPR = errors.New("task has no linked pull request")

// CompleteTask approves and squash-merges the task's pull request, moves
// the issue to the done state, comments, and drops the review label. Each
// step runs even if an earlier one failed; nothing is rolled back.
func (m *Manager) CompleteTask(ctx context.Context, task *models.SwarmTask) *CompletionReport {
	report := &CompletionReport{TaskID: task.ID}
	log := m.logger.With(slog.String("task_id", task.ID), slog.String("issue_id", task.IssueID))

	hasPR := task.PRNumber > 0 && task.Repository != ""
	switch {
	case m.scm == nil:
		report.skip(StepReview, connectors.ErrNotConfigured.Error())
		report.skip(StepMerge, connectors.ErrNotConfigured.Error())
	case !hasPR:
		report.skip(StepReview, errNoPR.Error())
		report.skip(StepMerge, errNoPR.Error())
	default:
		body := fmt.Sprintf("Approved by the swarm review task `%s`.", task.ID)
		err := m.scm.CreateReview(ctx, task.Repository, task.PRNumber, connectors.ReviewEventApprove, body)
		m.scmOutcome(ctx, "approve review", err)
		report.add(StepReview, err)

		err = m.scm.MergePR(ctx, task.Repository, task.PRNumber, m.mergeMethod())
		m.scmOutcome(ctx, "merge pull request", err)
		report.add(StepMerge, err)
	}

	if m.tracker == nil || task.IssueID == "" {
		reason := connectors.ErrNotConfigured.Error()
		if task.IssueID == "" {
			reason = "task has no linked issue"
		}
		for _, s := range []string{StepResolveState, StepTransition, StepComment, StepRemoveLabel} {
			report.skip(s, reason)
		}
	} else {
		stateID, err := m.tracker.GetStateIDByName(ctx, m.cfg.DoneState)
		m.trackerOutcome(ctx, "resolve done state", err)
		report.add(StepResolveState, err)

		if err == nil {
			err = m.tracker.UpdateIssue(ctx, task.IssueID, connectors.IssueUpdate{StateID: stateID})
			m.trackerOutcome(ctx, "transition issue", err)
			report.add(StepTransition, err)
		} else {
			report.skip(StepTransition, "done state unresolved")
		}

		err = m.tracker.AddComment(ctx, task.IssueID, closingComment(task))
		m.trackerOutcome(ctx, "closing comment", err)
		report.add(StepComment, err)

		err = m.removeLabel(ctx, task.IssueID, m.cfg.ReviewLabel)
		m.trackerOutcome(ctx, "remove review label", err)
		report.add(StepRemoveLabel, err)
	}

	m.recordMerge(ctx, task, report)

	if report.Failed() {
		log.Warn("merge and close finished with failures", slog.Any("steps", report.Steps))
	} else {
		log.Info("merge and close finished")
	}
	return report
}

func (m *Manager) recordMerge(ctx context.Context, task *models.SwarmTask, report *CompletionReport) {
	if m.audit == nil {
		return
	}
	outcome := "success"
	if report.Failed() {
		outcome = "partial"
	}
	ev := models.AuditEvent{
		Type:          audit.EventTaskMerged,
		Topic:         "issue:" + task.IssueID,
		CorrelationID: task.ID,
		InputsHash:    audit.HashInputs(report.Steps),
		Outcome:       outcome,
		Data: map[string]string{
			"repository": task.Repository,
			"prNumber":   strconv.Itoa(task.PRNumber),
		},
	}
	if err := m.audit.Append(ctx, ev); err != nil {
		m.logger.Warn("audit append failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
	}
}

func (m *Manager) mergeMethod() string {
	if m.cfg.MergeMethod == "" {
		return "squash"
	}
	return m.cfg.MergeMethod
}

func (m *Manager) scmOutcome(ctx context.Context, where string, err error) {
	if err != nil {
		m.dependencyFailure(ctx, resilience.CircuitGitHub, m.thresholds.GitHub, where, err)
		return
	}
	m.dependencySuccess(ctx, resilience.CircuitGitHub)
}

func (m *Manager) trackerOutcome(ctx context.Context, where string, err error) {
	if err != nil {
		m.dependencyFailure(ctx, resilience.CircuitLinear, m.thresholds.Sync, where, err)
		return
	}
	m.dependencySuccess(ctx, resilience.CircuitLinear)
}

func closingComment(task *models.SwarmTask) string {
	if task.PRURL != "" {
		return fmt.Sprintf("Review approved and [pull request #%d](%s) merged. Closing this issue.", task.PRNumber, task.PRURL)
	}
	if task.PRNumber > 0 {
		return fmt.Sprintf("Review approved and pull request #%d merged. Closing this issue.", task.PRNumber)
	}
	return "Review approved. Closing this issue."
}
