package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/inkwell-works/inkwell/config"
	"github.com/inkwell-works/inkwell/errors"
	"github.com/inkwell-works/inkwell/job"
)

// JobsCmd represents the jobs command - job inspection and maintenance
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and clean up ingestion jobs",
	Long: `jobs — ingestion job management.

Job management commands:
  inkwell jobs ls              # List recent jobs
  inkwell jobs status <id>     # Show job details
  inkwell jobs cleanup         # Delete old terminal jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// JobsLsCmd lists ingestion jobs
var JobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List ingestion jobs",
	Long: `List ingestion jobs, optionally filtered by status.

Status filters:
  pending   - Jobs acquired but not yet started
  running   - Jobs currently being processed
  completed - Jobs that finished every page
  failed    - Jobs that stopped with an error (resumable)

Examples:
  inkwell jobs ls                    # List recent jobs
  inkwell jobs ls --status failed    # List only failed jobs
  inkwell jobs ls --limit 50         # Show up to 50 jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return runJobsLs(statusFilter, limit)
	},
}

// JobsStatusCmd shows the status of one job
var JobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show status of an ingestion job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsStatus(args[0])
	},
}

// JobsCleanupCmd deletes old terminal jobs
var JobsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old completed and failed jobs",
	Long: `Delete terminal jobs older than the configured retention period.

Active (pending or running) jobs are never deleted.

Examples:
  inkwell jobs cleanup            # Use the configured retention
  inkwell jobs cleanup --days 30  # Override retention to 30 days`,
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		return runJobsCleanup(days)
	},
}

func init() {
	JobsLsCmd.Flags().String("status", "", "Filter by status (pending, running, completed, failed)")
	JobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")
	JobsCleanupCmd.Flags().Int("days", 0, "Override retention period in days")

	JobsCmd.AddCommand(JobsLsCmd)
	JobsCmd.AddCommand(JobsStatusCmd)
	JobsCmd.AddCommand(JobsCleanupCmd)
}

func runJobsLs(statusFilter string, limit int) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	store := job.NewStore(database)

	var status *job.Status
	if statusFilter != "" {
		if !job.IsValidStatus(statusFilter) {
			return errors.NewInvalidRequestError("unknown status: %s", statusFilter)
		}
		s := job.Status(statusFilter)
		status = &s
	}

	jobs, err := store.ListJobs(context.Background(), status, limit)
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-20s %-10s %-16s %-20s %-12s %s\n", "JOB ID", "STATUS", "TYPE", "RESOURCE", "PROGRESS", "CREATED")
	fmt.Printf("%-20s %-10s %-16s %-20s %-12s %s\n", "------", "------", "----", "--------", "--------", "-------")

	for _, j := range jobs {
		progress := fmt.Sprintf("%d/%d", j.CompletedItems, j.TotalItems)
		fmt.Printf("%-20s %-10s %-16s %-20s %-12s %s\n",
			truncate(j.ID, 20),
			j.Status,
			j.Type,
			truncate(j.ResourceID, 20),
			progress,
			j.CreatedAt.Format("2006-01-02 15:04"))
	}

	fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
	return nil
}

func runJobsStatus(jobID string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	store := job.NewStore(database)
	j, err := store.GetJob(context.Background(), jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to get job %s", jobID)
	}

	fmt.Printf("Job ID: %s\n", j.ID)
	fmt.Printf("  Resource: %s\n", j.ResourceID)
	fmt.Printf("  Type: %s\n", j.Type)
	fmt.Printf("  Status: %s\n", j.Status)
	fmt.Println()

	fmt.Printf("Progress: %d/%d completed, %d failed\n", j.CompletedItems, j.TotalItems, j.FailedItems)
	if j.LastCompletedItem > 0 {
		fmt.Printf("Last completed item: %d\n", j.LastCompletedItem)
	}
	if j.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", j.ErrorMessage)
	}
	if j.Detail != nil && len(j.Detail.ItemErrors) > 0 {
		fmt.Printf("\nItem errors (%d):\n", len(j.Detail.ItemErrors))
		for page, itemErr := range j.Detail.ItemErrors {
			fmt.Printf("  page %d [%s]: %s\n", page, itemErr.Classification, itemErr.Error)
		}
	}
	fmt.Println()

	fmt.Printf("Created: %s\n", j.CreatedAt.Format("2006-01-02 15:04:05"))
	if j.StartedAt != nil {
		fmt.Printf("Started: %s\n", j.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if j.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", j.CompletedAt.Format("2006-01-02 15:04:05"))
	}

	return nil
}

func runJobsCleanup(days int) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if days <= 0 {
		days = cfg.Ingest.RetentionDays
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	store := job.NewStore(database)
	deleted, err := store.CleanupOldJobs(context.Background(), time.Duration(days)*24*time.Hour)
	if err != nil {
		return errors.Wrap(err, "failed to clean up jobs")
	}

	fmt.Printf("Deleted %d terminal job(s) older than %d days\n", deleted, days)
	return nil
}

// truncate truncates a string to maxLen characters
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
