package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/inkwell-works/inkwell/cmd/inkwell/commands"
	"github.com/inkwell-works/inkwell/logger"
)

var rootCmd = &cobra.Command{
	Use:   "inkwell",
	Short: "inkwell - document ingestion job engine",
	Long: `inkwell - background document ingestion with resumable page pipelines.

inkwell extracts page text from bound sources through an external extraction
service, tracks per-page progress in SQLite, and resumes failed runs from the
last completed page.

Available commands:
  serve  - Start the HTTP server and job engine
  db     - Manage the inkwell database
  jobs   - Inspect and clean up ingestion jobs

Examples:
  inkwell serve                  # Start server on the configured port
  inkwell jobs ls                # List recent jobs
  inkwell jobs ls --status failed
  inkwell jobs cleanup           # Delete old terminal jobs
  inkwell db migrate             # Apply pending migrations`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console format")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
