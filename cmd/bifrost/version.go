package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/controlplane"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print client and server versions",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bifrost %s\n", controlplane.Version)
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()
		if h, err := client().Health(ctx); err == nil {
			fmt.Printf("server  %s (%s)\n", h.Version, apiAddr)
		}
	},
}
