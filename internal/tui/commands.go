package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// execute runs one command bar line against the API.
func (a *App) execute(line string) tea.Cmd {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	c := a.client
	name, args := strings.ToLower(fields[0]), fields[1:]

	run := func(fn func(ctx context.Context) (tea.Msg, error)) tea.Cmd {
		return func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), DefaultClientTimeout)
			defer cancel()
			msg, err := fn(ctx)
			if err != nil {
				return errMsg{err: err}
			}
			return msg
		}
	}

	switch name {
	case "approve":
		if len(args) != 1 {
			return usage("approve <job-id>")
		}
		return run(func(ctx context.Context) (tea.Msg, error) {
			job, err := c.ApproveJob(ctx, args[0])
			if err != nil {
				return nil, err
			}
			return resultMsg{message: fmt.Sprintf("✓ Approved %s (%s)", job.ID, job.Status)}, nil
		})

	case "batch":
		limit := 0
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return usage("batch [limit]")
			}
			limit = n
		}
		return run(func(ctx context.Context) (tea.Msg, error) {
			res, err := c.Batch(ctx, limit)
			if err != nil {
				return nil, err
			}
			return resultMsg{message: fmt.Sprintf("✓ Batch: %d completed, %d failed, %d deferred, %d pending",
				res.Completed, res.Failed, res.Deferred, res.Pending)}, nil
		})

	case "sync":
		return run(func(ctx context.Context) (tea.Msg, error) {
			res, err := c.Sync(ctx)
			if err != nil {
				return nil, err
			}
			if res.Skipped {
				return resultMsg{message: "Sync skipped: tracker circuit open"}, nil
			}
			return resultMsg{message: fmt.Sprintf("✓ Sync: %d seen, %d queued", res.Seen, len(res.Created))}, nil
		})

	case "maint", "maintenance":
		return run(func(ctx context.Context) (tea.Msg, error) {
			res, err := c.Maintain(ctx)
			if err != nil {
				return nil, err
			}
			return resultMsg{message: fmt.Sprintf("✓ Maintenance: %d circuits recovered, %d records pruned",
				len(res.Recovered), res.Removed)}, nil
		})

	case "next":
		return run(func(ctx context.Context) (tea.Msg, error) {
			task, err := c.NextTask(ctx)
			if err != nil {
				return nil, err
			}
			return detailMsg{title: "Checked out " + task.ID, body: renderJSON(task)}, nil
		})

	default:
		return usage(fmt.Sprintf("unknown command %q", name))
	}
}

func usage(text string) tea.Cmd {
	return func() tea.Msg { return errMsg{err: fmt.Errorf("usage: %s", text)} }
}
