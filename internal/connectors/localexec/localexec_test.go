package localexec

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors"
)

func TestIsAllowed(t *testing.T) {
	ex := New("", nil)

	tests := []struct {
		cmd     string
		args    []string
		allowed bool
	}{
		{"go", []string{"test", "./..."}, true},
		{"git", []string{"status"}, true},
		{"git", []string{"diff"}, true},
		{"git", []string{"push"}, false},    // not in allowlist
		{"rm", []string{"-rf", "/"}, false}, // not in allowlist
		{"go", []string{"run", "."}, false}, // subcommand not allowed
		{"go", []string{}, false},           // no subcommand
		{"unknown", []string{"cmd"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.cmd+" "+strings.Join(tt.args, " "), func(t *testing.T) {
			got := ex.IsAllowed(tt.cmd, tt.args)
			if got != tt.allowed {
				t.Errorf("IsAllowed(%s, %v) = %v, want %v", tt.cmd, tt.args, got, tt.allowed)
			}
		})
	}
}

func TestIsAllowed_CustomAllowlist(t *testing.T) {
	ex := New("", map[string][]string{"echo": {"hello"}})
	if ex.IsAllowed("git", []string{"status"}) {
		t.Error("custom allowlist should replace the default")
	}
	if !ex.IsAllowed("echo", []string{"hello"}) {
		t.Error("echo hello should be allowed")
	}
}

func TestExecute_NotAllowed(t *testing.T) {
	ex := New("", nil)

	_, err := ex.Execute(context.Background(), "rm", []string{"-rf", "/"})
	if !errors.Is(err, connectors.ErrCommandNotAllowed) {
		t.Errorf("expected ErrCommandNotAllowed, got %v", err)
	}
}

func TestExecute_CapturesOutput(t *testing.T) {
	if _, err := exec.LookPath("echo"); err != nil {
		t.Skip("echo not available")
	}
	ex := New(t.TempDir(), map[string][]string{"echo": {"hello"}})

	result, err := ex.Execute(context.Background(), "echo", []string{"hello", "world"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != "hello world" {
		t.Errorf("stdout = %q", result.Stdout)
	}
}

func TestName(t *testing.T) {
	if New("", nil).Name() != "localexec" {
		t.Error("unexpected executor name")
	}
}
