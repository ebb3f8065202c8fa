package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operate the orchestrator",
}

var adminBatchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Process one batch of pending jobs now",
	RunE:  runAdminBatch,
}

var adminSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull ready issues from the tracker now",
	RunE:  runAdminSync,
}

var adminMaintainCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Recover circuits and prune old records now",
	RunE:  runAdminMaintain,
}

var adminWipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Delete all orchestrator state",
	RunE:  runAdminWipe,
}

var adminCircuitsCmd = &cobra.Command{
	Use:   "circuits",
	Short: "Show circuit breaker state",
	RunE:  runAdminCircuits,
}

var adminErrorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Show recent errors",
	RunE:  runAdminErrors,
}

var adminMetricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show queue, task and LLM counters",
	RunE:  runAdminMetrics,
}

var (
	batchLimit  int
	wipeConfirm bool
)

func init() {
	adminCmd.AddCommand(adminBatchCmd, adminSyncCmd, adminMaintainCmd, adminWipeCmd,
		adminCircuitsCmd, adminErrorsCmd, adminMetricsCmd)

	adminBatchCmd.Flags().IntVar(&batchLimit, "limit", 0, "Maximum jobs to process (0 uses the server default)")
	adminWipeCmd.Flags().BoolVar(&wipeConfirm, "yes", false, "Confirm the wipe")
}

func runAdminBatch(cmd *cobra.Command, args []string) error {
	res, err := client().Batch(cmd.Context(), batchLimit)
	if err != nil {
		return err
	}
	return emit(res, func(w io.Writer) {
		success("Batch: %d completed, %d failed, %d deferred, %d still pending",
			res.Completed, res.Failed, res.Deferred, res.Pending)
		if len(res.Outcomes) > 0 {
			printJSON(w, res.Outcomes)
		}
	})
}

func runAdminSync(cmd *cobra.Command, args []string) error {
	res, err := client().Sync(cmd.Context())
	if err != nil {
		return err
	}
	return emit(res, func(w io.Writer) {
		if res.Skipped {
			fmt.Fprintln(w, "Sync skipped: tracker circuit is open")
			return
		}
		success("Sync: %d ready issues seen, %d queued", res.Seen, len(res.Created))
	})
}

func runAdminMaintain(cmd *cobra.Command, args []string) error {
	res, err := client().Maintain(cmd.Context())
	if err != nil {
		return err
	}
	return emit(res, func(w io.Writer) {
		success("Maintenance: %d circuits recovered, %d records pruned", len(res.Recovered), res.Removed)
		if res.OptimizationJobID != "" {
			fmt.Fprintf(w, "  optimization review queued: %s\n", res.OptimizationJobID)
		}
	})
}

func runAdminWipe(cmd *cobra.Command, args []string) error {
	if !wipeConfirm {
		return fmt.Errorf("refusing to wipe without --yes")
	}
	if err := client().Wipe(cmd.Context()); err != nil {
		return err
	}
	success("Wiped orchestrator state")
	return nil
}

func runAdminCircuits(cmd *cobra.Command, args []string) error {
	circuits, err := client().Circuits(cmd.Context())
	if err != nil {
		return err
	}
	return emit(circuits, func(w io.Writer) {
		if len(circuits) == 0 {
			fmt.Fprintln(w, "All circuits closed")
			return
		}
		names := make([]string, 0, len(circuits))
		for name := range circuits {
			names = append(names, name)
		}
		sort.Strings(names)
		rows := make([][]string, 0, len(names))
		for _, name := range names {
			c := circuits[name]
			tripped := "-"
			if c.TrippedAt != nil {
				tripped = since(*c.TrippedAt)
			}
			rows = append(rows, []string{name, status(string(c.State)), strconv.Itoa(c.FailureCount), tripped, truncate(c.Reason, 60)})
		}
		printTable(w, []string{"CIRCUIT", "STATE", "FAILURES", "TRIPPED", "REASON"}, rows)
	})
}

func runAdminErrors(cmd *cobra.Command, args []string) error {
	errs, err := client().Errors(cmd.Context())
	if err != nil {
		return err
	}
	return emit(errs, func(w io.Writer) {
		if len(errs) == 0 {
			fmt.Fprintln(w, "No errors recorded")
			return
		}
		rows := make([][]string, 0, len(errs))
		for _, e := range errs {
			rows = append(rows, []string{e.Timestamp.Format("2006-01-02 15:04:05"), e.Context, truncate(e.Message, 80)})
		}
		printTable(w, []string{"TIME", "CONTEXT", "MESSAGE"}, rows)
	})
}

func runAdminMetrics(cmd *cobra.Command, args []string) error {
	snap, err := client().Metrics(cmd.Context())
	if err != nil {
		return err
	}
	return emit(snap, func(w io.Writer) {
		m := snap.Metrics
		fmt.Fprintf(w, "Pending jobs:    %d (health %.2f)\n", snap.PendingJobs, snap.HealthScore)
		fmt.Fprintf(w, "Ingested issues: %d\n", snap.IngestedIssues)
		fmt.Fprintf(w, "LLM requests:    %d (%d ok, %d errors, %d tokens)\n", m.TotalRequests, m.SuccessCount, m.ErrorCount, m.TokensConsumed)
		fmt.Fprintf(w, "Last maintenance: %s\n\n", since(snap.LastMaintenance))

		var rows [][]string
		for s, n := range snap.Jobs {
			rows = append(rows, []string{"job", status(string(s)), strconv.Itoa(n)})
		}
		for s, n := range snap.Tasks {
			rows = append(rows, []string{"task", status(string(s)), strconv.Itoa(n)})
		}
		sort.Slice(rows, func(i, j int) bool {
			if rows[i][0] != rows[j][0] {
				return rows[i][0] < rows[j][0]
			}
			return rows[i][1] < rows[j][1]
		})
		if len(rows) > 0 {
			printTable(w, []string{"KIND", "STATUS", "COUNT"}, rows)
		}
	})
}
