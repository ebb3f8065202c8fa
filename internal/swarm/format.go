package swarm

import (
	"fmt"
	"strings"
	"time"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
)

// maxDiffChars keeps comments under tracker size limits.
const maxDiffChars = 6000

// FormatEngineeringLog renders a task's engineering log as a markdown
// comment for the tracker.
func FormatEngineeringLog(task *models.SwarmTask) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Engineering Log: %s\n\n", task.Title)
	fmt.Fprintf(&b, "**Task:** `%s` (%s)  \n", task.ID, task.Type)
	fmt.Fprintf(&b, "**Status:** %s\n", task.Status)
	if task.AssignedTo != "" {
		fmt.Fprintf(&b, "**Worker:** %s\n", task.AssignedTo)
	}
	if task.PRURL != "" {
		fmt.Fprintf(&b, "**Pull request:** %s\n", task.PRURL)
	}
	if task.ReviewDecision != "" {
		fmt.Fprintf(&b, "**Review decision:** %s\n", task.ReviewDecision)
	}

	log := task.EngineeringLog
	if log == nil {
		b.WriteString("\n_No engineering log was reported._\n")
		return b.String()
	}
	if log.DurationSec > 0 {
		fmt.Fprintf(&b, "**Duration:** %s\n", time.Duration(log.DurationSec)*time.Second)
	}
	if log.Summary != "" {
		fmt.Fprintf(&b, "\n### Summary\n%s\n", log.Summary)
	}
	writeList(&b, "What worked", log.WhatWorked)
	writeList(&b, "What failed", log.WhatFailed)
	writeList(&b, "Lessons", log.Lessons)
	writeList(&b, "Next steps", log.NextSteps)

	if log.Diff != "" {
		diff := log.Diff
		if len(diff) > maxDiffChars {
			diff = diff[:maxDiffChars] + "\n... (truncated)"
		}
		fmt.Fprintf(&b, "\n### Diff\n```diff\n%s\n```\n", diff)
	}
	return b.String()
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n### %s\n", heading)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}

// FormatPlanComment renders the planning comment posted when a workspace is
// initialized.
func FormatPlanComment(branch, plan string) string {
	var b strings.Builder
	b.WriteString("## Engineering Log: Workspace initialized\n\n")
	fmt.Fprintf(&b, "**Branch:** `%s`\n", branch)
	if plan != "" {
		fmt.Fprintf(&b, "\n### Implementation plan\n%s\n", plan)
	}
	return b.String()
}
