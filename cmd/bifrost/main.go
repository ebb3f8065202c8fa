package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/config"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/tui"
)

var rootCmd = &cobra.Command{
	Use:   "bifrost",
	Short: "Bifrost - swarm orchestration control plane",
	Long: `Bifrost turns tracker issues into agent work: it schedules coding, verify
and review tasks, routes LLM calls across providers, and guards every external
dependency with rate limits, circuit breakers and a daily quota.`,
	SilenceUsage: true,
}

var (
	apiAddr    string
	apiToken   string
	configPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "API server address")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "Bearer token (default $BIFROST_TOKEN, then the first of $BIFROST_API_KEYS)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to a YAML or TOML config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON instead of tables")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(governorCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(adminCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "bifrost.yaml"
	}
	return home + "/.bifrost/bifrost.yaml"
}

// loadConfig reads the config file and overlays the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(nil)
	return cfg, nil
}

// client returns an API client for the --api address.
func client() *tui.Client {
	token := apiToken
	if token == "" {
		token = os.Getenv("BIFROST_TOKEN")
	}
	if token == "" {
		if keys := strings.Split(os.Getenv(config.EnvAPIKeys), ","); len(keys) > 0 {
			token = strings.TrimSpace(keys[0])
		}
	}
	return tui.NewClient(apiAddr, token)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
