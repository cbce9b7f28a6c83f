package commands

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/tempo/config"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the tempo database",
	Long: `Manage database operations including migrations and statistics.

Examples:
  tempo db migrate    # Apply pending schema migrations
  tempo db stats      # Show job and run-history statistics`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long:  "Open the configured database and apply any pending schema migrations. Safe to run repeatedly.",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	Long:  "Display job counts by state and run-history volume.",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	var version string
	err = database.QueryRow(`SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	fmt.Printf("Migrations applied (schema version %s)\n", version)
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	var totalJobs, enabledJobs, runningJobs int
	err = database.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(enabled), 0),
			COALESCE(SUM(running_at_ms IS NOT NULL), 0)
		FROM cron_jobs
	`).Scan(&totalJobs, &enabledJobs, &runningJobs)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to query job stats: %w", err)
	}

	var totalRuns, failedRuns int
	err = database.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(status = 'error'), 0)
		FROM cron_runs
		WHERE action = 'finished'
	`).Scan(&totalRuns, &failedRuns)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to query run stats: %w", err)
	}

	fmt.Printf("Database Statistics\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database Path:   %s\n", cfg.Database.Path)
	fmt.Printf("Total Jobs:      %d\n", totalJobs)
	fmt.Printf("Enabled Jobs:    %d\n", enabledJobs)
	fmt.Printf("Running Jobs:    %d\n", runningJobs)
	fmt.Println()
	fmt.Printf("Finished Runs:   %d (retained, capped at %d per job)\n", totalRuns, cfg.Cron.HistoryLimit)
	fmt.Printf("Failed Runs:     %d\n", failedRuns)
	return nil
}
