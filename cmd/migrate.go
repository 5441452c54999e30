package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snoopyh42/CanaryProtocol/internal/database"
	"github.com/snoopyh42/CanaryProtocol/internal/migration"
)

var (
	migrateStatus   bool
	migrateRollback string
	migrateTarget   string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations to the live database",
	Long: `Applies all pending schema migrations in version order, each in its own
transaction. A failing migration is rolled back and aborts the remaining
batch. Use --status to inspect without changing anything, or --rollback to
reverse the most recently applied migration.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "show migration status without applying")
	migrateCmd.Flags().StringVar(&migrateRollback, "rollback", "", "roll back the given (current) version")
	migrateCmd.Flags().StringVar(&migrateTarget, "target", "", "stop applying at this version")
	migrateCmd.MarkFlagsMutuallyExclusive("status", "rollback")

	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}

	svc := database.NewService(logger)
	db, err := svc.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	engine := migration.NewEngine(db, logger)

	if migrateStatus {
		status, err := engine.Status(cmd.Context())
		if err != nil {
			return err
		}
		return printMigrationStatus(status)
	}

	engine.SetLock(newLock(cfg))

	if migrateRollback != "" {
		if err := engine.Rollback(cmd.Context(), migrateRollback); err != nil {
			return err
		}
		fmt.Printf("%s rolled back migration %s\n", passMark, migrateRollback)
		return nil
	}

	result, err := engine.ApplyPending(cmd.Context(), migrateTarget)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(result)
	}
	if result.Applied == 0 {
		fmt.Printf("%s database is up to date at version %s\n", passMark, result.CurrentVersion)
		return nil
	}
	for _, version := range result.AppliedVersions {
		fmt.Printf("%s applied migration %s\n", passMark, version)
	}
	fmt.Printf("Current version: %s\n", infoTint(result.CurrentVersion))
	return nil
}

func printMigrationStatus(status *migration.Status) error {
	if jsonOutput {
		return printJSON(status)
	}

	fmt.Printf("Current version: %s\n", infoTint(status.CurrentVersion))
	fmt.Printf("Latest version:  %s\n", infoTint(status.LatestVersion))
	fmt.Printf("Applied: %d, pending: %d\n", status.AppliedCount, status.PendingCount)
	for _, version := range status.PendingVersions {
		fmt.Printf("  %s %s\n", warnTint("pending"), version)
	}
	if status.UpToDate() {
		fmt.Printf("%s database is up to date\n", passMark)
	}
	return nil
}

// printJSON renders a command result for machine consumption
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
