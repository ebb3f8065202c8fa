package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/governance"
)

var governorAddr string

var governorCmd = &cobra.Command{
	Use:   "governor",
	Short: "Run the governance actor alone",
	Long: `Runs only the daily-quota governor and its HTTP API (GET /check, GET /metrics).
Point orchestrators at it with governance.url or $GOVERNANCE_URL.`,
	RunE: runGovernor,
}

func init() {
	governorCmd.Flags().StringVar(&governorAddr, "listen", "", "Listen address (overrides governance.addr)")
}

func runGovernor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if governorAddr != "" {
		cfg.Governance.Addr = governorAddr
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	backend, err := openBackend(governanceStorage(cfg.Storage))
	if err != nil {
		return fmt.Errorf("open governance storage: %w", err)
	}
	defer backend.Close()

	gov, err := governance.New(backend, cfg.Governance, governance.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	server := &http.Server{
		Addr:              cfg.Governance.Addr,
		Handler:           gov.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error { return gov.Run(ctx) })
	g.Go(func() error {
		logger.Info("governor listening",
			slog.String("addr", cfg.Governance.Addr),
			slog.Int("daily_limit", gov.Limit()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
