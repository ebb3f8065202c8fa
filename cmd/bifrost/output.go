package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/tui"
)

var (
	headerCell = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED")).Padding(0, 1)
	cell       = lipgloss.NewStyle().Padding(0, 1)
	okText     = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	mutedText  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

var jsonOutput bool

// printTable renders rows with a lipgloss table.
func printTable(w io.Writer, headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedText).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerCell
			}
			return cell
		})
	fmt.Fprintln(w, t)
}

// printJSON writes v indented.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emit prints v as JSON when --json is set, otherwise calls human.
func emit(v any, human func(w io.Writer)) error {
	if jsonOutput {
		return printJSON(os.Stdout, v)
	}
	human(os.Stdout)
	return nil
}

func status(s string) string {
	return tui.StatusStyle(s).Render(s)
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Truncate(time.Second).String() + " ago"
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func success(format string, args ...any) {
	fmt.Println(okText.Render("✓ " + fmt.Sprintf(format, args...)))
}
