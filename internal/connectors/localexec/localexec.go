// Package localexec runs allowlisted commands on the orchestrator host.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors"
)

// DefaultAllowlist maps commands to the subcommands run_command jobs may use.
var DefaultAllowlist = map[string][]string{
	"go":  {"test", "vet", "build"},
	"git": {"diff", "status", "log", "fetch"},
}

// LocalExec implements connectors.Executor for local command execution.
type LocalExec struct {
	workDir   string
	allowlist map[string][]string
}

// New creates a LocalExec rooted at workDir. A nil allowlist uses
// DefaultAllowlist.
func New(workDir string, allowlist map[string][]string) *LocalExec {
	if allowlist == nil {
		allowlist = DefaultAllowlist
	}
	return &LocalExec{workDir: workDir, allowlist: allowlist}
}

// Name returns the executor identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks the command and its first argument against the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	allowedSubcmds, ok := l.allowlist[cmd]
	if !ok || len(args) == 0 {
		return false
	}
	for _, allowed := range allowedSubcmds {
		if args[0] == allowed {
			return true
		}
	}
	return false
}

// Execute runs cmd if it is allowed. A non-zero exit is reported in the
// result, not as an error.
func (l *LocalExec) Execute(ctx context.Context, cmd string, args []string) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("%w: %s %s", connectors.ErrCommandNotAllowed, cmd, strings.Join(args, " "))
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	exitCode := 0
	if err := execCmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("exec %s: %w", cmd, err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &connectors.ExecResult{
		Command:  cmd,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}
