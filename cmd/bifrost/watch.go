package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open the live terminal dashboard",
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	c := client()
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
	defer cancel()
	if _, err := c.Health(ctx); err != nil {
		return fmt.Errorf("control plane not reachable at %s (start it with `bifrost serve`): %w", apiAddr, err)
	}

	app := tui.New(c)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
