package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snoopyh42/CanaryProtocol/internal/errors"
	"github.com/snoopyh42/CanaryProtocol/internal/verification"
)

var (
	verifyFile        string
	verifyHistoryDays int
	verifyTestRestore bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify backup integrity",
	Long: `Without flags, verifies every recent backup in the backup directory and
writes a timestamped JSON report. Use --file to verify a single backup, or
--history to review past verification runs. Verification never modifies
backups or the live database.`,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyFile, "file", "", "verify a single backup file")
	verifyCmd.Flags().IntVar(&verifyHistoryDays, "history", 0, "show verification runs from the last N days")
	verifyCmd.Flags().BoolVar(&verifyTestRestore, "test-restore", false, "also run a trial restore against a scratch copy")
	verifyCmd.MarkFlagsMutuallyExclusive("file", "history")

	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}

	verifier := verification.NewVerifier(cfg, logger)

	if verifyHistoryDays > 0 {
		return printVerificationHistory(verifier)
	}
	if verifyFile != "" {
		return verifySingle(cmd, verifier)
	}
	return verifyBatch(cmd, verifier)
}

func verifySingle(cmd *cobra.Command, verifier *verification.Verifier) error {
	report, err := verifier.VerifyIntegrity(cmd.Context(), verifyFile)
	if err != nil {
		return err
	}

	if verifyTestRestore && report.OverallValid {
		test, err := verifier.TestRestoration(cmd.Context(), verifyFile)
		if err != nil {
			return err
		}
		if !test.Success {
			report.OverallValid = false
			report.Errors = append(report.Errors, test.Errors...)
		}
	}

	if jsonOutput {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		printReport(report)
	}

	if !report.OverallValid {
		return errors.NewIntegrityError(
			fmt.Sprintf("backup failed verification: %s", verifyFile), nil)
	}
	return nil
}

func verifyBatch(cmd *cobra.Command, verifier *verification.Verifier) error {
	result, err := verifier.RunBatchVerification(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(result)
	}

	for _, report := range result.Reports {
		printReport(report)
	}
	fmt.Printf("\nVerified %d backups: %d passed, %d failed (%.1f%% success)\n",
		result.TotalBackups, result.PassedBackups, result.FailedBackups, result.SuccessRate)
	fmt.Printf("Total backup size: %.1f MB\n", result.TotalBackupSizeMB)
	fmt.Printf("Report written to %s\n", infoTint(result.ReportFile))

	if result.FailedBackups > 0 {
		return errors.NewIntegrityError(
			fmt.Sprintf("%d of %d backups failed verification", result.FailedBackups, result.TotalBackups), nil)
	}
	return nil
}

func printReport(report *verification.Report) {
	mark := passMark
	if !report.OverallValid {
		mark = failMark
	}
	fmt.Printf("%s %s (%d tables, %d bytes)\n",
		mark, report.BackupFile, report.TableCount, report.FileSizeBytes)
	for _, msg := range report.Errors {
		fmt.Printf("    %s %s\n", warnTint("-"), msg)
	}
}

func printVerificationHistory(verifier *verification.Verifier) error {
	history, err := verifier.VerificationHistory(verifyHistoryDays)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(history)
	}

	if len(history) == 0 {
		fmt.Printf("No verification runs in the last %d days\n", verifyHistoryDays)
		return nil
	}
	for _, run := range history {
		mark := passMark
		if run.FailedBackups > 0 {
			mark = failMark
		}
		fmt.Printf("%s %s: %d/%d passed (%.1f%%)\n",
			mark, run.Timestamp.Format("2006-01-02 15:04:05"),
			run.PassedBackups, run.TotalBackups, run.SuccessRate)
	}
	return nil
}
