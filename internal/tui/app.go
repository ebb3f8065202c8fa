// Package tui provides the bifrost watch view: a live terminal dashboard over
// the control plane API.
package tui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/orchestrator"
)

// DefaultRefresh is how often the view polls the API.
const DefaultRefresh = 2 * time.Second

type tab int

const (
	tabTasks tab = iota
	tabJobs
	tabCircuits
	tabErrors
)

var tabNames = []string{"Tasks", "Jobs", "Circuits", "Errors"}

// snapshot is everything one refresh pulls from the API.
type snapshot struct {
	online    bool
	tasks     []models.SwarmTask
	jobs      []models.Job
	metrics   *orchestrator.Snapshot
	errors    []models.ErrorLogEntry
	heartbeat *orchestrator.HeartbeatStats
}

type (
	refreshMsg struct{ snap snapshot }
	tickMsg    time.Time
	resultMsg  struct{ message string }
	errMsg     struct{ err error }
	detailMsg  struct{ title, body string }
)

// App is the watch view model.
type App struct {
	client  *Client
	refresh time.Duration

	snap     snapshot
	tab      tab
	selected int
	loading  bool
	message  string
	isErr    bool

	// detail is shown in the viewport instead of the current tab.
	detail   string
	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model

	width  int
	height int
}

// New creates a watch view over client.
func New(client *Client) *App {
	ti := textinput.New()
	ti.Placeholder = "approve <job> | batch [n] | sync | maint | next"
	ti.CharLimit = 256
	ti.Width = 80

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = accentStyle

	return &App{
		client:   client,
		refresh:  DefaultRefresh,
		loading:  true,
		viewport: viewport.New(80, 20),
		input:    ti,
		spinner:  sp,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.fetch(), a.tick())
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(a.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// fetch loads every panel in one go. Only health failure marks the server
// offline; the other calls degrade to empty panels.
func (a *App) fetch() tea.Cmd {
	c := a.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultClientTimeout)
		defer cancel()

		var s snapshot
		if _, err := c.Health(ctx); err != nil {
			return refreshMsg{snap: s}
		}
		s.online = true
		s.tasks, _ = c.Tasks(ctx, "")
		s.jobs, _ = c.Jobs(ctx, "")
		s.metrics, _ = c.Metrics(ctx)
		s.errors, _ = c.Errors(ctx)
		s.heartbeat, _ = c.Heartbeat(ctx)
		return refreshMsg{snap: s}
	}
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.input.Focused() {
			switch msg.String() {
			case "ctrl+c":
				return a, tea.Quit
			case "esc":
				a.input.Blur()
				a.input.SetValue("")
				return a, nil
			case "enter":
				line := strings.TrimSpace(a.input.Value())
				a.input.SetValue("")
				a.input.Blur()
				return a, a.execute(line)
			}
			var cmd tea.Cmd
			a.input, cmd = a.input.Update(msg)
			return a, cmd
		}

		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "esc":
			a.detail = ""
		case ":", "/":
			a.input.Focus()
			return a, textinput.Blink
		case "tab", "right", "l":
			a.switchTab(1)
		case "shift+tab", "left", "h":
			a.switchTab(-1)
		case "up", "k":
			if a.detail != "" {
				a.viewport.LineUp(1)
			} else if a.selected > 0 {
				a.selected--
			}
		case "down", "j":
			if a.detail != "" {
				a.viewport.LineDown(1)
			} else if a.selected < a.rows()-1 {
				a.selected++
			}
		case "enter":
			if a.detail == "" {
				a.openDetail()
			}
		case "a":
			if id, ok := a.selectedJob(); ok {
				return a, a.execute("approve " + id)
			}
		case "b":
			return a, a.execute("batch")
		case "s":
			return a, a.execute("sync")
		case "r":
			a.loading = true
			return a, a.fetch()
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 6
		a.viewport.Width = msg.Width
		a.viewport.Height = max(msg.Height-8, 5)

	case refreshMsg:
		a.loading = false
		a.snap = msg.snap
		if a.selected >= a.rows() {
			a.selected = max(0, a.rows()-1)
		}

	case tickMsg:
		cmds = append(cmds, a.fetch(), a.tick())

	case resultMsg:
		a.message, a.isErr = msg.message, false
		cmds = append(cmds, a.fetch())

	case errMsg:
		a.message, a.isErr = "Error: "+msg.err.Error(), true

	case detailMsg:
		a.detail = msg.title
		a.viewport.SetContent(msg.body)
		a.viewport.GotoTop()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	return a, tea.Batch(cmds...)
}

func (a *App) switchTab(delta int) {
	n := len(tabNames)
	a.tab = tab((int(a.tab) + delta + n) % n)
	a.selected = 0
	a.detail = ""
}

func (a *App) rows() int {
	switch a.tab {
	case tabTasks:
		return len(a.snap.tasks)
	case tabJobs:
		return len(a.snap.jobs)
	case tabCircuits:
		if a.snap.metrics == nil {
			return 0
		}
		return len(a.snap.metrics.Circuits)
	case tabErrors:
		return len(a.snap.errors)
	}
	return 0
}

func (a *App) selectedJob() (string, bool) {
	if a.tab != tabJobs || a.selected >= len(a.snap.jobs) {
		return "", false
	}
	return a.snap.jobs[a.selected].ID, true
}

func (a *App) openDetail() {
	switch a.tab {
	case tabTasks:
		if a.selected < len(a.snap.tasks) {
			t := a.snap.tasks[a.selected]
			a.detail = "Task " + t.ID
			a.viewport.SetContent(renderJSON(t))
		}
	case tabJobs:
		if a.selected < len(a.snap.jobs) {
			j := a.snap.jobs[a.selected]
			a.detail = "Job " + j.ID
			a.viewport.SetContent(renderJSON(j))
		}
	case tabErrors:
		if a.selected < len(a.snap.errors) {
			a.detail = "Error"
			a.viewport.SetContent(renderJSON(a.snap.errors[a.selected]))
		}
	}
	a.viewport.GotoTop()
}
