package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/audit"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors/remoteexec"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/resilience"
)

// RunnerConfig locates the remote execution machine.
type RunnerConfig struct {
	MachineName string `yaml:"machine_name" toml:"machine_name"`
	Region      string `yaml:"region" toml:"region"`
	Image       string `yaml:"image" toml:"image"`
	Port        int    `yaml:"port" toml:"port"`
	// URL, when set, is used instead of the machine's private address.
	URL   string `yaml:"url" toml:"url"`
	Token string `yaml:"-" toml:"-"`
}

// DefaultRunnerConfig returns the runner defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		MachineName: "bifrost-runner",
		Region:      "iad",
		Image:       "registry.fly.io/bifrost-runner:latest",
		Port:        8080,
	}
}

// CommandRunner posts one command to a runner.
type CommandRunner interface {
	Run(ctx context.Context, c remoteexec.Command) (*connectors.ExecResult, error)
}

func newRemoteRunner(baseURL, token string) CommandRunner {
	return remoteexec.New(baseURL, token)
}

// RunnerPayload is the payload of runner_task and run_command jobs.
type RunnerPayload struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// RunnerResult is stored on runner_task and run_command jobs.
type RunnerResult struct {
	Executor  string `json:"executor"`
	MachineID string `json:"machineId,omitempty"`
	ExitCode  int    `json:"exitCode"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
}

// runOnRunner wakes the runner machine and executes the job's command on it.
func (p *Processor) runOnRunner(ctx context.Context, job *models.Job) (models.JobStatus, any, error) {
	var pl RunnerPayload
	if err := decodePayload(job, &pl); err != nil {
		return "", nil, err
	}
	if strings.TrimSpace(pl.Command) == "" {
		return "", nil, fmt.Errorf("%w: runner job has no command", connectors.ErrCommandNotAllowed)
	}
	if err := p.preflight(ctx); err != nil {
		return "", nil, err
	}

	machine, err := p.ensureMachine(ctx)
	if err != nil {
		p.failure(ctx, resilience.CircuitRunner, p.thresholds.Runner, "ensure runner machine", err)
		p.record(ctx, audit.EventRunnerFailed, job, pl, "failure", map[string]string{"error": err.Error()})
		return "", nil, err
	}

	baseURL := p.runner.URL
	if baseURL == "" {
		baseURL = "http://" + machine.PrivateIP + ":" + strconv.Itoa(p.runner.Port)
	}
	p.record(ctx, audit.EventRunnerStarted, job, pl, "started", map[string]string{
		"machineId": machine.ID,
		"command":   pl.Command,
	})

	res, err := p.newRunner(baseURL, p.runner.Token).Run(ctx, remoteexec.Command{
		Command: pl.Command,
		Args:    pl.Args,
		Env:     pl.Env,
		JobID:   job.ID,
	})
	if err != nil {
		p.failure(ctx, resilience.CircuitRunner, p.thresholds.Runner, "runner exec", err)
		p.record(ctx, audit.EventRunnerFailed, job, pl, "failure", map[string]string{"error": err.Error()})
		return "", nil, err
	}
	p.success(ctx, resilience.CircuitRunner)

	result := RunnerResult{
		Executor:  "remoteexec",
		MachineID: machine.ID,
		ExitCode:  res.ExitCode,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
	}
	data := map[string]string{"machineId": machine.ID, "exitCode": strconv.Itoa(res.ExitCode)}
	if res.ExitCode != 0 {
		p.record(ctx, audit.EventRunnerFailed, job, pl, "failure", data)
		return "", result, fmt.Errorf("command exited with code %d", res.ExitCode)
	}
	p.record(ctx, audit.EventRunnerCompleted, job, pl, "success", data)
	return models.JobStatusCompleted, result, nil
}

// ensureMachine returns a started runner machine, starting or creating one
// as needed.
func (p *Processor) ensureMachine(ctx context.Context) (*connectors.Machine, error) {
	if p.machines == nil {
		return nil, fmt.Errorf("machine control plane: %w", connectors.ErrNotConfigured)
	}
	list, err := p.machines.ListMachines(ctx)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}

	for i := range list {
		m := list[i]
		if m.Name != p.runner.MachineName || m.State == connectors.MachineDestroyed {
			continue
		}
		if m.State != connectors.MachineStarted {
			p.logger.Info("starting runner machine", slog.String("machine_id", m.ID), slog.String("state", m.State))
			if err := p.machines.StartMachine(ctx, m.ID); err != nil {
				return nil, fmt.Errorf("start machine %s: %w", m.ID, err)
			}
			m.State = connectors.MachineStarted
		}
		return &m, nil
	}

	p.logger.Info("creating runner machine", slog.String("name", p.runner.MachineName))
	m, err := p.machines.CreateMachine(ctx, connectors.MachineConfig{
		Name:   p.runner.MachineName,
		Region: p.runner.Region,
		Image:  p.runner.Image,
	})
	if err != nil {
		return nil, fmt.Errorf("create machine: %w", err)
	}
	return m, nil
}

// runCommand executes an allowlisted command on the orchestrator host.
func (p *Processor) runCommand(ctx context.Context, job *models.Job) (models.JobStatus, any, error) {
	var pl RunnerPayload
	if err := decodePayload(job, &pl); err != nil {
		return "", nil, err
	}
	if p.local == nil {
		return "", nil, fmt.Errorf("local executor: %w", connectors.ErrNotConfigured)
	}

	res, err := p.local.Execute(ctx, pl.Command, pl.Args)
	if err != nil {
		return "", nil, err
	}
	result := RunnerResult{Executor: p.local.Name(), ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	if res.ExitCode != 0 {
		return "", result, fmt.Errorf("command exited with code %d", res.ExitCode)
	}
	return models.JobStatusCompleted, result, nil
}
