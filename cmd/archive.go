package cmd

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/snoopyh42/CanaryProtocol/internal/archival"
	"github.com/snoopyh42/CanaryProtocol/internal/config"
	"github.com/snoopyh42/CanaryProtocol/internal/database"
	"github.com/snoopyh42/CanaryProtocol/internal/errors"
)

var (
	archiveTable   string
	archiveRun     bool
	archiveSummary bool
	archiveRestore string
	archiveHistory int
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive expired rows and log files",
	Long: `Moves rows older than their retention window out of the live database into
compressed snapshot files. Without flags, shows what would be archived. Use
--run for a full sweep over all configured tables and logs, --table for one
table, --summary for a read-only view of existing archives, or --restore to
re-import a snapshot.`,
	RunE: runArchive,
}

func init() {
	archiveCmd.Flags().StringVar(&archiveTable, "table", "", "archive a single table")
	archiveCmd.Flags().BoolVar(&archiveRun, "run", false, "archive all configured tables and logs")
	archiveCmd.Flags().BoolVar(&archiveSummary, "summary", false, "summarize existing archive files")
	archiveCmd.Flags().StringVar(&archiveRestore, "restore", "", "restore rows from an archive snapshot")
	archiveCmd.Flags().IntVar(&archiveHistory, "history", 0, "show the last N archival runs from the bookkeeping table")
	archiveCmd.MarkFlagsMutuallyExclusive("table", "run", "summary", "restore", "history")

	rootCmd.AddCommand(archiveCmd)
}

func runArchive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}

	manager, err := archival.NewManager(cfg, logger)
	if err != nil {
		return err
	}

	if archiveSummary {
		summary, err := manager.ArchiveSummary()
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(summary)
		}
		fmt.Printf("Archive files: %d (%.1f MB)\n",
			summary.TotalFiles, float64(summary.TotalSizeBytes)/(1024*1024))
		kinds := make([]string, 0, len(summary.FilesByKind))
		for kind := range summary.FilesByKind {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			fmt.Printf("  %s: %d\n", kind, summary.FilesByKind[kind])
		}
		if summary.NewestArchive != "" {
			fmt.Printf("Newest: %s\n", summary.NewestArchive)
			fmt.Printf("Oldest: %s\n", summary.OldestArchive)
		}
		return nil
	}

	svc := database.NewService(logger)
	db, err := svc.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	manager.SetLock(newLock(cfg))

	switch {
	case archiveRestore != "":
		result, err := manager.RestoreFromArchive(cmd.Context(), db, archiveRestore)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(result)
		}
		fmt.Printf("%s restored %d rows into %s (%d duplicates skipped)\n",
			passMark, result.RestoredRows, result.Table, result.SkippedRows)
		return nil

	case archiveHistory > 0:
		entries, err := manager.History(cmd.Context(), db, archiveHistory)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(entries)
		}
		for _, e := range entries {
			fmt.Printf("%s %s: %d rows (cutoff %s) -> %s\n",
				e.CreatedAt.Format("2006-01-02 15:04:05"),
				e.Table, e.ArchivedRows, e.Cutoff, e.ArchiveFile)
		}
		return nil

	case archiveTable != "":
		result, err := manager.ArchiveTable(cmd.Context(), db, archiveTable)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(result)
		}
		if result.ArchivedRows == 0 {
			fmt.Printf("%s nothing to archive in %s\n", passMark, archiveTable)
			return nil
		}
		fmt.Printf("%s archived %d rows from %s to %s\n",
			passMark, result.ArchivedRows, result.Table, result.ArchiveFile)
		return nil

	case archiveRun:
		result, err := manager.RunFullArchival(cmd.Context(), db)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(result)
		}
		for _, r := range result.Results {
			fmt.Printf("%s %s: %d rows archived\n", passMark, r.Table, r.ArchivedRows)
		}
		if result.LogFilesArchived > 0 {
			fmt.Printf("%s logs: %d files -> %s\n",
				passMark, result.LogFilesArchived, result.LogArchiveFile)
		}
		for _, msg := range result.Errors {
			fmt.Printf("%s %s\n", failMark, msg)
		}
		fmt.Printf("Total rows archived: %d\n", result.TotalArchived)
		if result.ReportFile != "" {
			fmt.Printf("Report written to %s\n", infoTint(result.ReportFile))
		}
		if len(result.Errors) > 0 {
			return errors.NewStorageError(
				fmt.Sprintf("%d archival items failed", len(result.Errors)), nil)
		}
		return nil

	default:
		return printArchiveCandidates(cmd, cfg, manager, db)
	}
}

// printArchiveCandidates previews what a sweep would archive, table by table
func printArchiveCandidates(cmd *cobra.Command, cfg *config.Config, manager *archival.Manager, db *sql.DB) error {
	tables := make([]string, 0, len(cfg.Archival.Tables))
	for table := range cfg.Archival.Tables {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	total := 0
	for _, table := range tables {
		count, cutoff, err := manager.FindCandidates(cmd.Context(), db, table)
		if err != nil {
			fmt.Printf("%s %s: %v\n", failMark, table, err)
			continue
		}
		total += count
		fmt.Printf("%s: %d rows older than %s\n", table, count, cutoff)
	}
	fmt.Printf("Total candidate rows: %d (use --run to archive)\n", total)
	return nil
}
