package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/tui"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/validate"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage swarm tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a swarm task",
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List swarm tasks",
	RunE:  runTaskList,
}

var taskNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Check out the highest priority pending task",
	RunE:  runTaskNext,
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update [task-id]",
	Short: "Report progress or completion of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskUpdate,
}

var (
	taskIssue    string
	taskType     string
	taskTitle    string
	taskDesc     string
	taskFiles    []string
	taskPriority int
	taskHighRisk bool
	taskStatus   string
	taskDecision string
	taskPR       int
	taskRepo     string
	taskSummary  string
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskNextCmd, taskUpdateCmd)

	taskAddCmd.Flags().StringVar(&taskIssue, "issue", "", "Tracker issue id (required)")
	taskAddCmd.Flags().StringVar(&taskType, "type", "coding", "Task type: coding, verify, review, chore, feature, bug")
	taskAddCmd.Flags().StringVar(&taskTitle, "title", "", "Task title (required)")
	taskAddCmd.Flags().StringVar(&taskDesc, "desc", "", "Task description")
	taskAddCmd.Flags().StringSliceVar(&taskFiles, "file", nil, "File the task touches (repeatable)")
	taskAddCmd.Flags().IntVar(&taskPriority, "priority", 10, "Priority 0-100")
	taskAddCmd.Flags().BoolVar(&taskHighRisk, "high-risk", false, "Require human review of the result")
	taskAddCmd.Flags().StringVar(&taskRepo, "repo", "", "Repository owner/name")
	taskAddCmd.MarkFlagRequired("issue")
	taskAddCmd.MarkFlagRequired("title")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (pending, active, in_progress, completed, failed)")

	taskUpdateCmd.Flags().StringVar(&taskStatus, "status", "", "New status (in_progress, completed, failed)")
	taskUpdateCmd.Flags().StringVar(&taskDecision, "decision", "", "Review decision: APPROVE, REQUEST_CHANGES, COMMENT")
	taskUpdateCmd.Flags().IntVar(&taskPR, "pr", 0, "Pull request number")
	taskUpdateCmd.Flags().StringVar(&taskRepo, "repo", "", "Repository owner/name")
	taskUpdateCmd.Flags().StringVar(&taskSummary, "summary", "", "Engineering log summary")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	task, err := client().CreateTask(cmd.Context(), validate.CreateTaskRequest{
		IssueID:     taskIssue,
		Type:        models.TaskType(taskType),
		Title:       taskTitle,
		Description: taskDesc,
		Files:       taskFiles,
		Priority:    taskPriority,
		IsHighRisk:  taskHighRisk,
		Repository:  taskRepo,
	})
	if err != nil {
		return err
	}
	return emit(task, func(w io.Writer) {
		success("Created %s task %s", task.Type, task.ID)
	})
}

func runTaskList(cmd *cobra.Command, args []string) error {
	tasks, err := client().Tasks(cmd.Context(), taskStatus)
	if err != nil {
		return err
	}
	return emit(tasks, func(w io.Writer) {
		if len(tasks) == 0 {
			fmt.Fprintln(w, "No tasks found")
			return
		}
		rows := make([][]string, 0, len(tasks))
		for _, t := range tasks {
			rows = append(rows, []string{
				tui.ShortID(t.ID), string(t.Type), status(string(t.Status)),
				strconv.Itoa(t.Priority), t.IssueID, truncate(t.Title, 48), t.AssignedTo,
			})
		}
		printTable(w, []string{"ID", "TYPE", "STATUS", "PRI", "ISSUE", "TITLE", "WORKER"}, rows)
	})
}

func runTaskNext(cmd *cobra.Command, args []string) error {
	task, err := client().NextTask(cmd.Context())
	if err != nil {
		return err
	}
	return emit(task, func(w io.Writer) {
		success("Checked out %s task %s", task.Type, task.ID)
		fmt.Fprintf(w, "Issue: %s\nTitle: %s\n", task.IssueID, task.Title)
		if len(task.Files) > 0 {
			fmt.Fprintf(w, "Files: %s\n", strings.Join(task.Files, ", "))
		}
		if task.Description != "" {
			fmt.Fprintf(w, "\n%s\n", task.Description)
		}
	})
}

func runTaskUpdate(cmd *cobra.Command, args []string) error {
	req := validate.TaskUpdateRequest{
		TaskID:         args[0],
		Status:         models.TaskStatus(taskStatus),
		ReviewDecision: models.ReviewDecision(strings.ToUpper(taskDecision)),
		PRNumber:       taskPR,
		Repository:     taskRepo,
	}
	if taskSummary != "" {
		req.EngineeringLog = &models.EngineeringLog{Summary: taskSummary}
	}
	res, err := client().UpdateTask(cmd.Context(), req)
	if err != nil {
		return err
	}
	return emit(res, func(w io.Writer) {
		success("Task %s is %s", res.Task.ID, res.Task.Status)
		for _, s := range res.Spawned {
			fmt.Fprintf(w, "  → spawned %s task %s\n", s.Type, s.ID)
		}
		if res.Merge != nil {
			fmt.Fprintln(w, "  merge and close:")
			for _, step := range res.Merge.Steps {
				switch {
				case step.Skipped:
					fmt.Fprintln(w, mutedText.Render("    - "+step.Step+" (skipped)"))
				case step.OK:
					fmt.Fprintln(w, okText.Render("    ✓ "+step.Step))
				default:
					fmt.Fprintln(w, status("failed")+" "+step.Step+": "+step.Error)
				}
			}
		}
	})
}
