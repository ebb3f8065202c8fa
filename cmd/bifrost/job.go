package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/tui"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/validate"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage backend jobs",
}

var jobAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Enqueue a job",
	Example: `  bifrost job add --type ingestion --payload '{"title":"Add caching","repository":"acme/app"}'
  bifrost job add --type run_command --payload '{"command":"go","args":["test","./..."]}'`,
	RunE: runJobAdd,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobList,
}

var jobShowCmd = &cobra.Command{
	Use:   "show [job-id]",
	Short: "Show job details",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobApproveCmd = &cobra.Command{
	Use:   "approve [job-id]",
	Short: "Approve a job awaiting human review",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobApprove,
}

var (
	jobType     string
	jobPriority int
	jobPayload  string
	jobIssue    string
	jobTopic    string
	jobStatus   string
)

func init() {
	jobCmd.AddCommand(jobAddCmd, jobListCmd, jobShowCmd, jobApproveCmd)

	jobAddCmd.Flags().StringVar(&jobType, "type", "", "Job type: ingestion, orchestration, runner_task, run_command (required)")
	jobAddCmd.Flags().IntVar(&jobPriority, "priority", 10, "Priority 0-100, higher runs sooner")
	jobAddCmd.Flags().StringVar(&jobPayload, "payload", "", "JSON payload")
	jobAddCmd.Flags().StringVar(&jobIssue, "issue", "", "Linked tracker issue id")
	jobAddCmd.Flags().StringVar(&jobTopic, "topic", "", "Audit topic")
	jobAddCmd.MarkFlagRequired("type")

	jobListCmd.Flags().StringVar(&jobStatus, "status", "", "Filter by status (pending, processing, awaiting_hitl, completed, failed)")
}

func runJobAdd(cmd *cobra.Command, args []string) error {
	req := validate.CreateJobRequest{
		Type:     models.JobType(jobType),
		Priority: jobPriority,
		IssueID:  jobIssue,
		Topic:    jobTopic,
	}
	if jobPayload != "" {
		if !json.Valid([]byte(jobPayload)) {
			return fmt.Errorf("--payload is not valid JSON")
		}
		req.Payload = json.RawMessage(jobPayload)
	}
	job, err := client().CreateJob(cmd.Context(), req)
	if err != nil {
		return err
	}
	return emit(job, func(w io.Writer) {
		success("Created job %s (%s, priority %d)", job.ID, job.Type, job.Priority)
	})
}

func runJobList(cmd *cobra.Command, args []string) error {
	jobs, err := client().Jobs(cmd.Context(), jobStatus)
	if err != nil {
		return err
	}
	return emit(jobs, func(w io.Writer) {
		if len(jobs) == 0 {
			fmt.Fprintln(w, "No jobs found")
			return
		}
		rows := make([][]string, 0, len(jobs))
		for _, j := range jobs {
			rows = append(rows, []string{
				tui.ShortID(j.ID), string(j.Type), status(string(j.Status)),
				strconv.Itoa(j.Priority), j.IssueIdentifier, since(j.CreatedAt),
			})
		}
		printTable(w, []string{"ID", "TYPE", "STATUS", "PRI", "ISSUE", "CREATED"}, rows)
	})
}

func runJobShow(cmd *cobra.Command, args []string) error {
	job, err := client().Job(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return emit(job, func(w io.Writer) {
		fmt.Fprintf(w, "ID:       %s\n", job.ID)
		fmt.Fprintf(w, "Type:     %s\n", job.Type)
		fmt.Fprintf(w, "Status:   %s\n", status(string(job.Status)))
		fmt.Fprintf(w, "Priority: %d\n", job.Priority)
		if job.IssueID != "" {
			fmt.Fprintf(w, "Issue:    %s %s\n", job.IssueID, job.IssueIdentifier)
		}
		if job.CorrelationID != "" {
			fmt.Fprintf(w, "Follows:  %s\n", job.CorrelationID)
		}
		fmt.Fprintf(w, "Created:  %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "Updated:  %s\n", job.UpdatedAt.Format("2006-01-02 15:04:05"))
		if job.Error != "" {
			fmt.Fprintf(w, "Error:    %s\n", job.Error)
		}
		if len(job.Payload) > 0 {
			fmt.Fprintln(w, "\nPayload:")
			printJSON(w, job.Payload)
		}
		if len(job.Result) > 0 {
			fmt.Fprintln(w, "\nResult:")
			printJSON(w, job.Result)
		}
	})
}

func runJobApprove(cmd *cobra.Command, args []string) error {
	job, err := client().ApproveJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return emit(job, func(w io.Writer) {
		success("Approved %s; planning job queued", job.ID)
	})
}
