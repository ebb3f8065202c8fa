// Package remoteexec runs commands on a remote runner machine over HTTP.
package remoteexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors"
)

// DefaultTimeout bounds one remote command, including queueing on the runner.
const DefaultTimeout = 5 * time.Minute

// Command is the body posted to the runner.
type Command struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
	JobID   string            `json:"jobId,omitempty"`
}

// RemoteExec implements connectors.Executor against a runner's /exec endpoint.
type RemoteExec struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a RemoteExec for the runner at baseURL.
func New(baseURL, token string) *RemoteExec {
	return &RemoteExec{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// Name returns the executor identifier.
func (r *RemoteExec) Name() string {
	return "remoteexec"
}

// IsAllowed accepts any non-empty command. The runner enforces its own
// sandbox.
func (r *RemoteExec) IsAllowed(cmd string, args []string) bool {
	return strings.TrimSpace(cmd) != ""
}

// Execute posts the command and decodes the runner's result.
func (r *RemoteExec) Execute(ctx context.Context, cmd string, args []string) (*connectors.ExecResult, error) {
	return r.Run(ctx, Command{Command: cmd, Args: args})
}

// Run posts a full Command.
func (r *RemoteExec) Run(ctx context.Context, c Command) (*connectors.ExecResult, error) {
	if !r.IsAllowed(c.Command, c.Args) {
		return nil, fmt.Errorf("%w: empty command", connectors.ErrCommandNotAllowed)
	}

	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/exec", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runner request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("runner returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result connectors.ExecResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode runner result: %w", err)
	}
	if result.Command == "" {
		result.Command = c.Command
		result.Args = c.Args
	}
	return &result, nil
}
