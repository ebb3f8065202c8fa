// Package config loads the bifrost configuration file and overlays secrets
// from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/controlplane"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/governance"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/kv"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/llm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/orchestrator"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/processor"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/resilience"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/swarm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/webhook"
)

// Duration is a time.Duration written as "10s" or "5m" in config files.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the whole bifrost configuration.
type Config struct {
	Server     ServerConfig                 `yaml:"server" toml:"server"`
	Storage    kv.Config                    `yaml:"storage" toml:"storage"`
	RateLimit  resilience.RateLimitConfig   `yaml:"ratelimit" toml:"ratelimit"`
	Circuits   resilience.CircuitThresholds `yaml:"circuits" toml:"circuits"`
	Heartbeat  HeartbeatConfig              `yaml:"heartbeat" toml:"heartbeat"`
	Swarm      swarm.Config                 `yaml:"swarm" toml:"swarm"`
	Governance governance.Config            `yaml:"governance" toml:"governance"`
	LLM        LLMConfig                    `yaml:"llm" toml:"llm"`
	Runner     processor.RunnerConfig       `yaml:"runner" toml:"runner"`
	Exec       ExecConfig                   `yaml:"exec" toml:"exec"`
	Log        LogConfig                    `yaml:"log" toml:"log"`

	// Webhooks holds signing secrets. Environment only.
	Webhooks webhook.Secrets `yaml:"-" toml:"-"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string   `yaml:"addr" toml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout" toml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`

	// APIKeys are the accepted bearer tokens. Environment only.
	APIKeys []string `yaml:"-" toml:"-"`
}

// HeartbeatConfig configures the periodic sync, batch and maintenance pass.
type HeartbeatConfig struct {
	Interval             Duration `yaml:"interval" toml:"interval"`
	BatchSize            int      `yaml:"batch_size" toml:"batch_size"`
	Sync                 bool     `yaml:"sync" toml:"sync"`
	MaintenanceInterval  Duration `yaml:"maintenance_interval" toml:"maintenance_interval"`
	OptimizationInterval Duration `yaml:"optimization_interval" toml:"optimization_interval"`
	Retention            int      `yaml:"retention" toml:"retention"`
}

// LLMConfig lists the providers and routing knobs.
type LLMConfig struct {
	Providers             []llm.ProviderConfig `yaml:"providers" toml:"providers"`
	ContextThresholdChars int                  `yaml:"context_threshold_chars" toml:"context_threshold_chars"`
	CallTimeout           Duration             `yaml:"call_timeout" toml:"call_timeout"`
}

// ExecConfig configures run_command jobs.
type ExecConfig struct {
	WorkDir   string              `yaml:"work_dir" toml:"work_dir"`
	Allowlist map[string][]string `yaml:"allowlist" toml:"allowlist"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // text or json
}

// Default returns the built-in configuration.
func Default() *Config {
	hb := orchestrator.DefaultConfig().Heartbeat
	srv := controlplane.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr:            srv.Addr,
			ReadTimeout:     Duration(srv.ReadTimeout),
			WriteTimeout:    Duration(srv.WriteTimeout),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Storage:   kv.Config{Backend: "sqlite", Path: DefaultDataPath()},
		RateLimit: resilience.DefaultRateLimitConfig(),
		Circuits:  resilience.DefaultCircuitThresholds(),
		Heartbeat: HeartbeatConfig{
			Interval:             Duration(hb.Interval),
			BatchSize:            hb.BatchSize,
			Sync:                 hb.Sync,
			MaintenanceInterval:  Duration(hb.MaintenanceInterval),
			OptimizationInterval: Duration(hb.OptimizationInterval),
			Retention:            hb.Retention,
		},
		Swarm:      swarm.DefaultConfig(),
		Governance: governance.DefaultConfig(),
		LLM: LLMConfig{
			Providers:             llm.DefaultProviders(),
			ContextThresholdChars: llm.DefaultContextThreshold,
			CallTimeout:           Duration(llm.DefaultCallTimeout),
		},
		Runner: processor.DefaultRunnerConfig(),
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// DefaultDataPath returns ~/.bifrost/bifrost.db, or a relative path when the
// home directory is unknown.
func DefaultDataPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "bifrost.db"
	}
	return filepath.Join(home, ".bifrost", "bifrost.db")
}

// Load reads path over the defaults. A missing file yields the defaults.
// The format follows the extension: .toml is TOML, anything else YAML.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Environment variables read by ApplyEnv.
const (
	EnvAPIKeys       = "BIFROST_API_KEYS"
	EnvLinearSecret  = "LINEAR_WEBHOOK_SECRET"
	EnvGitHubSecret  = "GITHUB_WEBHOOK_SECRET"
	EnvGovernanceURL = "GOVERNANCE_URL"
	EnvRunnerToken   = "RUNNER_TOKEN"
)

// ApplyEnv overlays secrets and deployment overrides from the environment
// using getenv (os.Getenv when nil).
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(EnvAPIKeys); v != "" {
		c.Server.APIKeys = splitList(v)
	}
	if v := getenv(EnvLinearSecret); v != "" {
		c.Webhooks.Linear = v
	}
	if v := getenv(EnvGitHubSecret); v != "" {
		c.Webhooks.GitHub = v
	}
	if v := getenv(EnvGovernanceURL); v != "" {
		c.Governance.URL = v
	}
	if v := getenv(EnvRunnerToken); v != "" {
		c.Runner.Token = v
	}
	for i := range c.LLM.Providers {
		p := &c.LLM.Providers[i]
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = getenv(p.APIKeyEnv)
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks values that would otherwise fail later and obscurely.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case "", "sqlite", "badger":
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be sqlite or badger, got %q", c.Storage.Backend))
	}
	if c.Heartbeat.Interval.Std() <= 0 {
		errs = append(errs, errors.New("heartbeat.interval must be positive"))
	}
	if c.Heartbeat.BatchSize <= 0 {
		errs = append(errs, errors.New("heartbeat.batch_size must be positive"))
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.RefillPerSec <= 0 {
		errs = append(errs, errors.New("ratelimit.max and ratelimit.refill_per_sec must be positive"))
	}
	if c.Governance.DailyLimit <= 0 {
		errs = append(errs, errors.New("governance.daily_limit must be positive"))
	}
	seen := make(map[string]bool)
	for _, p := range c.LLM.Providers {
		if p.Name == "" {
			errs = append(errs, errors.New("llm.providers: name is required"))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("llm.providers: duplicate provider %q", p.Name))
		}
		seen[p.Name] = true
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Orchestrator returns the orchestrator settings.
func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		Heartbeat: orchestrator.HeartbeatConfig{
			Interval:             c.Heartbeat.Interval.Std(),
			BatchSize:            c.Heartbeat.BatchSize,
			Sync:                 c.Heartbeat.Sync,
			MaintenanceInterval:  c.Heartbeat.MaintenanceInterval.Std(),
			OptimizationInterval: c.Heartbeat.OptimizationInterval.Std(),
			Retention:            c.Heartbeat.Retention,
		},
		RateLimit:  c.RateLimit,
		Thresholds: c.Circuits,
	}
}

// ControlPlane returns the HTTP server settings.
func (c *Config) ControlPlane() controlplane.Config {
	return controlplane.Config{
		Addr:         c.Server.Addr,
		ReadTimeout:  c.Server.ReadTimeout.Std(),
		WriteTimeout: c.Server.WriteTimeout.Std(),
		APIKeys:      c.Server.APIKeys,
	}
}

// Logger builds the process logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
