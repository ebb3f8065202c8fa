package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/audit"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/config"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors/localexec"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/controlplane"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/governance"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/kv"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/llm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/orchestrator"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/processor"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/store"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/swarm"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/webhook"
)

var (
	listenAddr  string
	storagePath string
	noHeartbeat bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator, governor and heartbeat",
	Long: `Starts the control plane HTTP API, the heartbeat that runs sync, batch and
maintenance, and an in-process governance actor unless governance.url points
at a remote one.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides server.addr)")
	serveCmd.Flags().StringVar(&storagePath, "db", "", "Storage path (overrides storage.path)")
	serveCmd.Flags().BoolVar(&noHeartbeat, "no-heartbeat", false, "Serve the API without the periodic heartbeat")
}

// governanceStorage keeps quota state apart from orchestrator state so a
// wipe cannot reset the daily budget.
func governanceStorage(c kv.Config) kv.Config {
	c.Path = c.Path + "-governance"
	return c
}

func openBackend(c kv.Config) (kv.Backend, error) {
	if c.Path != "" {
		if err := os.MkdirAll(filepath.Dir(c.Path), 0o700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}
	return kv.Open(c)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.Addr = listenAddr
	}
	if storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer backend.Close()

	g, ctx := errgroup.WithContext(ctx)

	// Governance: remote when configured, otherwise in-process with its own
	// HTTP surface for other processes.
	var gate processor.Gate
	var govServer *http.Server
	if cfg.Governance.URL != "" {
		gate = governance.NewClient(cfg.Governance.URL)
		logger.Info("using remote governor", slog.String("url", cfg.Governance.URL))
	} else {
		govBackend, err := openBackend(governanceStorage(cfg.Storage))
		if err != nil {
			return fmt.Errorf("open governance storage: %w", err)
		}
		defer govBackend.Close()
		gov, err := governance.New(govBackend, cfg.Governance, governance.WithLogger(logger))
		if err != nil {
			return err
		}
		gate = gov
		govServer = &http.Server{Addr: cfg.Governance.Addr, Handler: gov.Handler()}
		g.Go(func() error { return gov.Run(ctx) })
		g.Go(func() error {
			logger.Info("governor listening", slog.String("addr", cfg.Governance.Addr))
			if err := govServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("governor server: %w", err)
			}
			return nil
		})
	}

	st := store.New(backend, store.WithLogger(logger))
	orch := buildOrchestrator(cfg, st, backend, gate, logger)

	// Hydration runs behind the store's ready barrier; requests that arrive
	// first wait for it.
	g.Go(func() error {
		if err := st.Initialize(ctx); err != nil {
			return fmt.Errorf("hydrate store: %w", err)
		}
		logger.Info("store hydrated")
		return nil
	})

	opts := []controlplane.Option{controlplane.WithLogger(logger)}
	if !noHeartbeat {
		hb := orchestrator.NewHeartbeat(orch, logger)
		opts = append(opts, controlplane.WithHeartbeat(hb))
		g.Go(func() error { return hb.Run(ctx) })
	}
	if len(cfg.Server.APIKeys) == 0 {
		logger.Warn("no API keys configured; authenticated routes will answer 503", slog.String("env", config.EnvAPIKeys))
	}

	server := controlplane.NewServer(orch, cfg.ControlPlane(), opts...)
	g.Go(server.Start)

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		if govServer != nil {
			if err := govServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("governor shutdown error", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// buildOrchestrator wires the actor and everything it serializes. Tracker,
// source control and machine clients are external collaborators; jobs that
// need one fail with connectors.ErrNotConfigured until they are supplied.
func buildOrchestrator(cfg *config.Config, st *store.Store, backend kv.Backend, gate processor.Gate, logger *slog.Logger) *orchestrator.Orchestrator {
	auditLog := audit.New(backend)
	optStore := llm.NewKVOptimizationStore(backend)

	registry := llm.NewRegistryFromConfig(cfg.LLM.Providers)
	router := llm.NewRouter(registry,
		llm.WithOptimizationStore(optStore),
		llm.WithContextThreshold(cfg.LLM.ContextThresholdChars),
		llm.WithCallTimeout(cfg.LLM.CallTimeout.Std()),
		llm.WithLogger(logger),
	)

	mgr := swarm.NewManager(st, cfg.Swarm,
		swarm.WithAuditLog(auditLog),
		swarm.WithThresholds(cfg.Circuits),
		swarm.WithLogger(logger),
	)

	workDir := cfg.Exec.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	proc := processor.New(st, mgr,
		processor.WithAuditLog(auditLog),
		processor.WithRouter(router),
		processor.WithOptimizationStore(optStore),
		processor.WithGate(gate),
		processor.WithLocalExecutor(localexec.New(workDir, cfg.Exec.Allowlist)),
		processor.WithRunnerConfig(cfg.Runner),
		processor.WithThresholds(cfg.Circuits),
		processor.WithLogger(logger),
	)

	hooks := webhook.NewHandler(st, mgr, proc, cfg.Webhooks, logger)

	return orchestrator.New(orchestrator.Deps{
		Store:     st,
		Swarm:     mgr,
		Processor: proc,
		Webhooks:  hooks,
		Router:    router,
		Gate:      gate,
		Audit:     auditLog,
	}, cfg.Orchestrator(), logger)
}
