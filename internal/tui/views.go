package tui

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder
	width := a.width
	if width <= 0 {
		width = 80
	}

	b.WriteString(a.renderHeader() + "\n")
	b.WriteString(a.renderTabs() + "\n")
	b.WriteString(strings.Repeat("─", width) + "\n")

	height := a.height - 9
	if height < 5 {
		height = 5
	}

	switch {
	case a.loading:
		b.WriteString("\n  " + a.spinner.View() + " Loading...\n")
	case !a.snap.online:
		b.WriteString("\n  " + errStyle.Render("Control plane unreachable at "+a.client.BaseURL()) + "\n")
	case a.detail != "":
		b.WriteString(titleStyle.Render(a.detail) + "\n")
		b.WriteString(a.viewport.View())
	default:
		b.WriteString(a.renderTab(height))
	}

	if a.message != "" {
		style := messageStyle
		if a.isErr {
			style = errStyle
		}
		b.WriteString("\n" + style.Render(a.message))
	}
	b.WriteString("\n")

	if a.input.Focused() {
		b.WriteString(inputBoxStyle.Render(a.input.View()) + "\n")
	}

	status := " tab:switch | ↑↓:nav | enter:detail | a:approve | b:batch | s:sync | r:refresh | ::command | q:quit"
	if a.detail != "" {
		status = " esc:back | ↑↓:scroll | q:quit"
	}
	b.WriteString(statusBarStyle.Width(width).Render(status))
	return b.String()
}

func (a *App) renderHeader() string {
	header := titleStyle.Render("BIFROST")
	if a.snap.online {
		header += "  " + okStyle.Render("● online")
	} else {
		header += "  " + errStyle.Render("○ offline")
	}
	if m := a.snap.metrics; m != nil {
		header += "  " + accentStyle.Render(fmt.Sprintf("pending %d", m.PendingJobs))
		header += "  " + mutedStyle.Render(fmt.Sprintf("health %.2f", m.HealthScore))
		header += "  " + mutedStyle.Render(fmt.Sprintf("llm %d req / %d tok", m.Metrics.TotalRequests, m.Metrics.TokensConsumed))
	}
	if hb := a.snap.heartbeat; hb != nil && hb.Runs > 0 {
		beat := fmt.Sprintf("beat %d (%s ago)", hb.Runs, time.Since(hb.LastRun).Truncate(time.Second))
		if hb.LastError != "" {
			header += "  " + errStyle.Render(beat)
		} else {
			header += "  " + mutedStyle.Render(beat)
		}
	}
	return header
}

func (a *App) renderTabs() string {
	var tabs []string
	for i, name := range tabNames {
		if tab(i) == a.tab {
			tabs = append(tabs, activeTabStyle.Render(name))
		} else {
			tabs = append(tabs, tabStyle.Render(name))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (a *App) renderTab(height int) string {
	var header string
	var rows []string

	switch a.tab {
	case tabTasks:
		header = fmt.Sprintf("%-10s %-8s %-12s %-4s %s", "ID", "TYPE", "STATUS", "PRI", "TITLE")
		for _, t := range a.snap.tasks {
			rows = append(rows, fmt.Sprintf("%-10s %-8s %s %-4d %s",
				ShortID(t.ID), t.Type, pad(StatusStyle(string(t.Status)).Render(string(t.Status)), string(t.Status), 12), t.Priority, t.Title))
		}
	case tabJobs:
		header = fmt.Sprintf("%-10s %-14s %-14s %-4s %s", "ID", "TYPE", "STATUS", "PRI", "ISSUE")
		for _, j := range a.snap.jobs {
			rows = append(rows, fmt.Sprintf("%-10s %-14s %s %-4d %s",
				ShortID(j.ID), j.Type, pad(StatusStyle(string(j.Status)).Render(string(j.Status)), string(j.Status), 14), j.Priority, j.IssueIdentifier))
		}
	case tabCircuits:
		header = fmt.Sprintf("%-10s %-8s %-9s %s", "CIRCUIT", "STATE", "FAILURES", "REASON")
		if m := a.snap.metrics; m != nil {
			names := make([]string, 0, len(m.Circuits))
			for name := range m.Circuits {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				c := m.Circuits[name]
				rows = append(rows, fmt.Sprintf("%-10s %s %-9d %s",
					name, pad(StatusStyle(string(c.State)).Render(string(c.State)), string(c.State), 8), c.FailureCount, c.Reason))
			}
		}
	case tabErrors:
		header = fmt.Sprintf("%-20s %-16s %s", "TIME", "CONTEXT", "MESSAGE")
		for _, e := range a.snap.errors {
			rows = append(rows, fmt.Sprintf("%-20s %-16s %s", e.Timestamp.Format("2006-01-02 15:04:05"), e.Context, e.Message))
		}
	}

	if len(rows) == 0 {
		return headerStyle.Render("  "+header) + "\n\n  " + mutedStyle.Render("Nothing here yet.") + "\n"
	}

	// Scroll so the selection stays visible.
	start := 0
	if a.selected >= height-1 {
		start = a.selected - (height - 2)
	}
	end := min(len(rows), start+height-1)

	var lines []string
	lines = append(lines, headerStyle.Render("  "+header))
	for i := start; i < end; i++ {
		if i == a.selected {
			lines = append(lines, selectedStyle.Render(rows[i]))
		} else {
			lines = append(lines, itemStyle.Render(rows[i]))
		}
	}
	return strings.Join(lines, "\n")
}

// pad right-pads a styled string to width using the width of its plain text.
func pad(styled, plain string, width int) string {
	if n := width - len(plain); n > 0 {
		return styled + strings.Repeat(" ", n)
	}
	return styled
}

// ShortID shortens a uuid for tables.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func renderJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err.Error()
	}
	return string(data)
}
