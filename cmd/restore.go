package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/snoopyh42/CanaryProtocol/internal/restore"
)

var (
	restoreFile        string
	restoreType        string
	restoreInteractive bool
	restoreHistory     bool
	restoreList        bool
	restoreYes         bool
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the database or a full-system bundle from a backup",
	Long: `Restores live state from a backup artifact. A safety backup of the current
database is always created before anything is overwritten, and every attempt
is recorded in the restore history. Use --list to see available backups,
--interactive to pick one, or --file to restore a specific artifact.`,
	RunE: runRestore,
}

func init() {
	restoreCmd.Flags().StringVar(&restoreFile, "file", "", "backup file to restore")
	restoreCmd.Flags().StringVar(&restoreType, "type", "auto", "backup type (auto, database, full_system)")
	restoreCmd.Flags().BoolVar(&restoreInteractive, "interactive", false, "choose a backup interactively")
	restoreCmd.Flags().BoolVar(&restoreHistory, "history", false, "show past restore attempts")
	restoreCmd.Flags().BoolVar(&restoreList, "list", false, "list available backups")
	restoreCmd.Flags().BoolVar(&restoreYes, "yes", false, "skip the confirmation prompt")
	restoreCmd.MarkFlagsMutuallyExclusive("file", "interactive", "history", "list")

	rootCmd.AddCommand(restoreCmd)
}

func runRestore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}

	coordinator := restore.NewCoordinator(cfg, logger)
	coordinator.SetLock(newLock(cfg))
	if !restoreYes {
		coordinator.SetConfirm(promptConfirm)
	}

	switch {
	case restoreHistory:
		return printRestoreHistory(cmd, coordinator)
	case restoreList:
		return printBackupList(coordinator)
	case restoreInteractive:
		return interactiveRestore(cmd, coordinator)
	case restoreFile != "":
		backupType := restore.BackupType(restoreType)
		if restoreType == "auto" {
			backupType = ""
		}
		if err := coordinator.RestoreFromBackup(cmd.Context(), restoreFile, backupType); err != nil {
			return err
		}
		fmt.Printf("%s restored from %s\n", passMark, restoreFile)
		return nil
	default:
		return cmd.Help()
	}
}

func printBackupList(coordinator *restore.Coordinator) error {
	backups, err := coordinator.ListAvailableBackups()
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(backups)
	}
	if len(backups) == 0 {
		fmt.Println("No backups found")
		return nil
	}
	for i, b := range backups {
		fmt.Printf("%2d. %s (%s, %.1f MB, %s)\n",
			i+1, b.Path, b.Type,
			float64(b.SizeBytes)/(1024*1024),
			b.ModTime.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func printRestoreHistory(cmd *cobra.Command, coordinator *restore.Coordinator) error {
	history, err := coordinator.RestoreHistory(cmd.Context(), 10)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(history)
	}
	if len(history) == 0 {
		fmt.Println("No restore attempts recorded")
		return nil
	}
	for _, e := range history {
		mark := passMark
		if e.Status != restore.StatusSuccess {
			mark = failMark
		}
		fmt.Printf("%s %s %s %s", mark, e.Timestamp, e.RestoreType, e.BackupFile)
		if e.Notes != "" {
			fmt.Printf(" (%s)", e.Notes)
		}
		fmt.Println()
	}
	return nil
}

func interactiveRestore(cmd *cobra.Command, coordinator *restore.Coordinator) error {
	backups, err := coordinator.ListAvailableBackups()
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		fmt.Println("No backups found")
		return nil
	}

	for i, b := range backups {
		fmt.Printf("%2d. %s (%s, %s)\n",
			i+1, b.Path, b.Type, b.ModTime.Format("2006-01-02 15:04:05"))
	}
	fmt.Print("Select a backup number (or q to quit): ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read selection: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "q" || line == "" {
		fmt.Println("Restore aborted")
		return nil
	}

	choice, err := strconv.Atoi(line)
	if err != nil || choice < 1 || choice > len(backups) {
		return fmt.Errorf("invalid selection: %s", line)
	}

	selected := backups[choice-1]
	if err := coordinator.RestoreFromBackup(cmd.Context(), selected.Path, selected.Type); err != nil {
		return err
	}
	fmt.Printf("%s restored from %s\n", passMark, selected.Path)
	return nil
}

// promptConfirm asks the operator for a yes/no answer on stdin
func promptConfirm(prompt string) bool {
	fmt.Printf("%s %s [y/N]: ", warnTint("!"), prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
