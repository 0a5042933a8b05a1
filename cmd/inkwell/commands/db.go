package commands

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inkwell-works/inkwell/config"
	"github.com/inkwell-works/inkwell/db"
	"github.com/inkwell-works/inkwell/errors"
	"github.com/inkwell-works/inkwell/logger"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the inkwell database",
	Long: `db — Manage inkwell database operations

Examples:
  inkwell db migrate    # Apply pending schema migrations
  inkwell db stats      # Show job table statistics`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job table statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

// openDatabase opens and migrates the configured database
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return database, nil
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Printf("Migrations applied: %s\n", cfg.Database.Path)
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	var totalJobs, uniqueResources int
	err = database.QueryRow(`
		SELECT COUNT(*), COUNT(DISTINCT resource_id) FROM ingest_jobs
	`).Scan(&totalJobs, &uniqueResources)
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrap(err, "failed to query job stats")
	}

	fmt.Printf("Database Statistics\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database Path:    %s\n", cfg.Database.Path)
	fmt.Printf("Total Jobs:       %d\n", totalJobs)
	fmt.Printf("Unique Resources: %d\n", uniqueResources)
	fmt.Println()

	rows, err := database.Query(`
		SELECT status, COUNT(*) FROM ingest_jobs GROUP BY status ORDER BY status
	`)
	if err != nil {
		return errors.Wrap(err, "failed to query status counts")
	}
	defer rows.Close()

	fmt.Printf("Jobs by Status:\n")
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return errors.Wrap(err, "failed to scan status count")
		}
		fmt.Printf("  %-10s %d\n", status, count)
	}
	return rows.Err()
}
