// Package fake provides in-memory collaborators that record every call.
// They back the orchestrator's tests and the local "dry run" mode.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
)

// Comment is a recorded tracker comment.
type Comment struct {
	IssueID string
	Body    string
}

// Update is a recorded tracker issue update.
type Update struct {
	IssueID string
	Update  connectors.IssueUpdate
}

// Tracker is an in-memory connectors.Tracker.
type Tracker struct {
	mu sync.Mutex

	Issues         map[string]*connectors.Issue
	Labels         []connectors.Label
	States         map[string]string
	Comments       []Comment
	Updates        []Update
	ProjectUpdates []string

	// Err, when set, is returned by every call.
	Err error

	next int
}

// NewTracker returns a Tracker with the standard labels and states.
func NewTracker() *Tracker {
	return &Tracker{
		Issues: make(map[string]*connectors.Issue),
		Labels: []connectors.Label{
			{ID: "lbl-ready", Name: "swarm:ready"},
			{ID: "lbl-active", Name: "swarm:active"},
			{ID: "lbl-review", Name: "swarm:in-review"},
			{ID: "lbl-hitl", Name: "swarm:hitl"},
		},
		States: map[string]string{"Todo": "st-todo", "In Progress": "st-progress", "Done": "st-done"},
	}
}

func (t *Tracker) CreateIssue(ctx context.Context, in connectors.CreateIssueInput) (*connectors.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return nil, t.Err
	}
	t.next++
	issue := &connectors.Issue{
		ID:          fmt.Sprintf("issue-%d", t.next),
		Identifier:  fmt.Sprintf("BIF-%d", t.next),
		Title:       in.Title,
		Description: in.Description,
		Labels:      in.LabelIDs,
	}
	t.Issues[issue.ID] = issue
	return issue, nil
}

func (t *Tracker) AddComment(ctx context.Context, issueID, body string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return t.Err
	}
	t.Comments = append(t.Comments, Comment{IssueID: issueID, Body: body})
	return nil
}

func (t *Tracker) UpdateIssue(ctx context.Context, issueID string, update connectors.IssueUpdate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return t.Err
	}
	t.Updates = append(t.Updates, Update{IssueID: issueID, Update: update})
	return nil
}

func (t *Tracker) ListLabels(ctx context.Context) ([]connectors.Label, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return nil, t.Err
	}
	return append([]connectors.Label(nil), t.Labels...), nil
}

func (t *Tracker) ListIssuesByLabel(ctx context.Context, label string) ([]connectors.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return nil, t.Err
	}
	var out []connectors.Issue
	for _, issue := range t.Issues {
		for _, l := range issue.Labels {
			if l == label {
				out = append(out, *issue)
				break
			}
		}
	}
	return out, nil
}

func (t *Tracker) GetStateIDByName(ctx context.Context, name string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return "", t.Err
	}
	id, ok := t.States[name]
	if !ok {
		return "", fmt.Errorf("state %q not found", name)
	}
	return id, nil
}

func (t *Tracker) PostProjectUpdate(ctx context.Context, body string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return t.Err
	}
	t.ProjectUpdates = append(t.ProjectUpdates, body)
	return nil
}

// CommentsFor returns the comments posted to issueID.
func (t *Tracker) CommentsFor(issueID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, c := range t.Comments {
		if c.IssueID == issueID {
			out = append(out, c.Body)
		}
	}
	return out
}

// Review is a recorded pull request review.
type Review struct {
	Repo   string
	Number int
	Event  string
	Body   string
}

// Merge is a recorded pull request merge.
type Merge struct {
	Repo   string
	Number int
	Method string
}

// SourceControl is an in-memory connectors.SourceControl.
type SourceControl struct {
	mu sync.Mutex

	Branches map[string]bool
	PRs      map[int]*connectors.PullRequest
	Reviews  []Review
	Merges   []Merge
	Comments []string

	// Err, when set, is returned by every call.
	Err error
	// MergeErr, when set, is returned by MergePR only.
	MergeErr error
}

// NewSourceControl returns an empty SourceControl.
func NewSourceControl() *SourceControl {
	return &SourceControl{
		Branches: make(map[string]bool),
		PRs:      make(map[int]*connectors.PullRequest),
	}
}

func (s *SourceControl) Token(ctx context.Context) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	return "fake-token", nil
}

func (s *SourceControl) CreateBranch(ctx context.Context, repo, branch, base string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	key := repo + "@" + branch
	if s.Branches[key] {
		return connectors.ErrBranchExists
	}
	s.Branches[key] = true
	return nil
}

// HasBranch reports whether branch was created in repo.
func (s *SourceControl) HasBranch(repo, branch string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Branches[repo+"@"+branch]
}

func (s *SourceControl) GetPR(ctx context.Context, repo string, number int) (*connectors.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	pr, ok := s.PRs[number]
	if !ok {
		return nil, fmt.Errorf("pull request %d not found", number)
	}
	cp := *pr
	return &cp, nil
}

func (s *SourceControl) CreatePR(ctx context.Context, repo string, in connectors.PullRequestInput) (*connectors.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	n := len(s.PRs) + 1
	pr := &connectors.PullRequest{Number: n, Title: in.Title, Body: in.Body, Head: in.Head, Base: in.Base, State: "open"}
	s.PRs[n] = pr
	cp := *pr
	return &cp, nil
}

func (s *SourceControl) CreateReview(ctx context.Context, repo string, number int, event, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Reviews = append(s.Reviews, Review{Repo: repo, Number: number, Event: event, Body: body})
	return nil
}

func (s *SourceControl) MergePR(ctx context.Context, repo string, number int, method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if s.MergeErr != nil {
		return s.MergeErr
	}
	s.Merges = append(s.Merges, Merge{Repo: repo, Number: number, Method: method})
	if pr, ok := s.PRs[number]; ok {
		pr.Merged = true
		pr.State = "closed"
	}
	return nil
}

func (s *SourceControl) IssueComment(ctx context.Context, repo string, number int, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Comments = append(s.Comments, body)
	return nil
}

// MergeCount returns how many merges were recorded.
func (s *SourceControl) MergeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Merges)
}

// Machines is an in-memory connectors.Machines.
type Machines struct {
	mu sync.Mutex

	List    []connectors.Machine
	Volumes []connectors.Volume
	Calls   []string

	// Err, when set, is returned by every call.
	Err error
}

func (m *Machines) record(call string) {
	m.Calls = append(m.Calls, call)
}

func (m *Machines) ListMachines(ctx context.Context) ([]connectors.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("list")
	if m.Err != nil {
		return nil, m.Err
	}
	return append([]connectors.Machine(nil), m.List...), nil
}

func (m *Machines) CreateMachine(ctx context.Context, cfg connectors.MachineConfig) (*connectors.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create:" + cfg.Name)
	if m.Err != nil {
		return nil, m.Err
	}
	mach := connectors.Machine{
		ID:        fmt.Sprintf("m-%d", len(m.List)+1),
		Name:      cfg.Name,
		State:     connectors.MachineStarted,
		Region:    cfg.Region,
		PrivateIP: "127.0.0.1",
	}
	m.List = append(m.List, mach)
	return &mach, nil
}

func (m *Machines) setState(id, state string) error {
	for i := range m.List {
		if m.List[i].ID == id {
			m.List[i].State = state
			return nil
		}
	}
	return fmt.Errorf("machine %s not found", id)
}

func (m *Machines) StartMachine(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("start:" + id)
	if m.Err != nil {
		return m.Err
	}
	return m.setState(id, connectors.MachineStarted)
}

func (m *Machines) StopMachine(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("stop:" + id)
	if m.Err != nil {
		return m.Err
	}
	return m.setState(id, connectors.MachineStopped)
}

func (m *Machines) DestroyMachine(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("destroy:" + id)
	if m.Err != nil {
		return m.Err
	}
	return m.setState(id, connectors.MachineDestroyed)
}

func (m *Machines) ListVolumes(ctx context.Context) ([]connectors.Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return append([]connectors.Volume(nil), m.Volumes...), nil
}

func (m *Machines) CreateVolume(ctx context.Context, name, region string, sizeGB int) (*connectors.Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create-volume:" + name)
	if m.Err != nil {
		return nil, m.Err
	}
	v := connectors.Volume{ID: fmt.Sprintf("vol-%d", len(m.Volumes)+1), Name: name, Region: region, SizeGB: sizeGB}
	m.Volumes = append(m.Volumes, v)
	return &v, nil
}

func (m *Machines) DeleteVolume(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("delete-volume:" + id)
	if m.Err != nil {
		return m.Err
	}
	for i, v := range m.Volumes {
		if v.ID == id {
			m.Volumes = append(m.Volumes[:i], m.Volumes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("volume %s not found", id)
}

// Executor is a connectors.Executor that returns a canned result.
type Executor struct {
	mu sync.Mutex

	Result connectors.ExecResult
	Err    error
	Runs   [][]string
}

func (e *Executor) Name() string { return "fake" }

func (e *Executor) IsAllowed(cmd string, args []string) bool { return cmd != "" }

func (e *Executor) Execute(ctx context.Context, cmd string, args []string) (*connectors.ExecResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Runs = append(e.Runs, append([]string{cmd}, args...))
	if e.Err != nil {
		return nil, e.Err
	}
	r := e.Result
	r.Command = cmd
	r.Args = args
	return &r, nil
}

// AuditLog is an in-memory connectors.AuditLog.
type AuditLog struct {
	mu     sync.Mutex
	Events []models.AuditEvent
}

func (a *AuditLog) Append(ctx context.Context, event models.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Events = append(a.Events, event)
	return nil
}

func (a *AuditLog) State(ctx context.Context, topic string) ([]models.AuditEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.AuditEvent
	for _, ev := range a.Events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Types returns the recorded event types in order.
func (a *AuditLog) Types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.Events))
	for i, ev := range a.Events {
		out[i] = ev.Type
	}
	return out
}
