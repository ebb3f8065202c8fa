// Package connectors defines the external collaborators the orchestrator
// talks to: the issue tracker, source control, the remote machine control
// plane, the audit log, and command executors.
package connectors

import (
	"context"
	"errors"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
)

var (
	// ErrBranchExists is returned by CreateBranch when the ref already exists.
	ErrBranchExists = errors.New("branch already exists")

	// ErrNotConfigured is returned when a collaborator has no credentials.
	ErrNotConfigured = errors.New("connector not configured")

	// ErrCommandNotAllowed is returned by executors for commands outside
	// their allowlist.
	ErrCommandNotAllowed = errors.New("command not allowed")
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// Executor runs commands, locally or on a remote machine.
type Executor interface {
	// Name returns the executor identifier.
	Name() string

	// Execute runs a command and returns the result.
	Execute(ctx context.Context, cmd string, args []string) (*ExecResult, error)

	// IsAllowed checks if a command is allowed to execute.
	IsAllowed(cmd string, args []string) bool
}

// --- Issue tracker ---

// Issue is an issue in the external tracker.
type Issue struct {
	ID          string   `json:"id"`
	Identifier  string   `json:"identifier"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	URL         string   `json:"url,omitempty"`
	Priority    int      `json:"priority"`
	Labels      []string `json:"labels,omitempty"`
	State       string   `json:"state,omitempty"`
}

// Label is a tracker label.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateIssueInput describes a new issue.
type CreateIssueInput struct {
	Title       string
	Description string
	LabelIDs    []string
}

// IssueUpdate changes fields of an issue. Empty fields are left alone.
type IssueUpdate struct {
	Title          string
	StateID        string
	AddLabelIDs    []string
	RemoveLabelIDs []string
}

// Tracker is the issue tracker client.
type Tracker interface {
	CreateIssue(ctx context.Context, in CreateIssueInput) (*Issue, error)
	AddComment(ctx context.Context, issueID, body string) error
	UpdateIssue(ctx context.Context, issueID string, update IssueUpdate) error
	ListLabels(ctx context.Context) ([]Label, error)
	ListIssuesByLabel(ctx context.Context, label string) ([]Issue, error)
	GetStateIDByName(ctx context.Context, name string) (string, error)
	PostProjectUpdate(ctx context.Context, body string) error
}

// --- Source control ---

// PullRequest is a source control pull request.
type PullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	URL     string `json:"url"`
	Head    string `json:"head"`
	Base    string `json:"base"`
	State   string `json:"state"`
	Merged  bool   `json:"merged"`
	HeadSHA string `json:"headSha,omitempty"`
}

// PullRequestInput describes a new pull request.
type PullRequestInput struct {
	Title string
	Body  string
	Head  string
	Base  string
}

// Review events accepted by CreateReview.
const (
	ReviewEventApprove        = "APPROVE"
	ReviewEventRequestChanges = "REQUEST_CHANGES"
	ReviewEventComment        = "COMMENT"
)

// SourceControl is the source control client. Repositories are "owner/name".
type SourceControl interface {
	// Token returns an installation token for app-style auth.
	Token(ctx context.Context) (string, error)
	CreateBranch(ctx context.Context, repo, branch, base string) error
	GetPR(ctx context.Context, repo string, number int) (*PullRequest, error)
	CreatePR(ctx context.Context, repo string, in PullRequestInput) (*PullRequest, error)
	CreateReview(ctx context.Context, repo string, number int, event, body string) error
	// MergePR merges with method "merge", "squash" or "rebase".
	MergePR(ctx context.Context, repo string, number int, method string) error
	IssueComment(ctx context.Context, repo string, number int, body string) error
}

// --- Remote machines ---

// Machine is a remote execution machine.
type Machine struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	Region    string `json:"region"`
	PrivateIP string `json:"privateIp,omitempty"`
}

// Machine states reported by the control plane.
const (
	MachineStarted   = "started"
	MachineStopped   = "stopped"
	MachineDestroyed = "destroyed"
)

// MachineConfig describes a machine to create.
type MachineConfig struct {
	Name     string            `json:"name"`
	Region   string            `json:"region"`
	Image    string            `json:"image"`
	VolumeID string            `json:"volumeId,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

// Volume is persistent storage attached to machines.
type Volume struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Region string `json:"region"`
	SizeGB int    `json:"sizeGb"`
}

// Machines is the remote machine control plane client.
type Machines interface {
	ListMachines(ctx context.Context) ([]Machine, error)
	CreateMachine(ctx context.Context, cfg MachineConfig) (*Machine, error)
	StartMachine(ctx context.Context, id string) error
	StopMachine(ctx context.Context, id string) error
	DestroyMachine(ctx context.Context, id string) error
	ListVolumes(ctx context.Context) ([]Volume, error)
	CreateVolume(ctx context.Context, name, region string, sizeGB int) (*Volume, error)
	DeleteVolume(ctx context.Context, id string) error
}

// --- Audit log ---

// AuditLog is the append-only event log.
type AuditLog interface {
	Append(ctx context.Context, event models.AuditEvent) error
	// State returns every event recorded for topic, oldest first.
	State(ctx context.Context, topic string) ([]models.AuditEvent, error)
}
