package verification

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/snoopyh42/CanaryProtocol/internal/config"
	"github.com/snoopyh42/CanaryProtocol/internal/database"
	"github.com/snoopyh42/CanaryProtocol/internal/errors"
	"github.com/snoopyh42/CanaryProtocol/internal/logging"
)

// Verifier checks backup files without ever writing to them or to the live
// database. All checks are read-only; a verification run can never make a
// backup worse.
type Verifier struct {
	cfg    *config.Config
	svc    *database.Service
	logger *logging.Logger
}

// NewVerifier creates a verifier for the given configuration
func NewVerifier(cfg *config.Config, logger *logging.Logger) *Verifier {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Verifier{
		cfg:    cfg,
		svc:    database.NewService(logger),
		logger: logger,
	}
}

// VerifyIntegrity runs the full check suite against one backup file: file
// presence, checksum, database readability, schema comparison against the
// live database, and a data sample of the critical tables. Failures are
// recorded in the report rather than returned; the error return covers only
// infrastructure problems.
func (v *Verifier) VerifyIntegrity(ctx context.Context, backupPath string) (*Report, error) {
	startTime := time.Now()
	report := &Report{
		BackupFile: backupPath,
		Timestamp:  startTime.UTC(),
		Errors:     []string{},
	}
	defer func() {
		report.finalize()
		v.logger.LogVerification(backupPath, report.OverallValid, len(report.Errors), time.Since(startTime))
	}()

	info, err := os.Stat(backupPath)
	if err != nil {
		report.addError(fmt.Sprintf("backup file not found: %s", backupPath))
		return report, nil
	}
	report.FileExists = true
	report.FileSizeBytes = info.Size()

	if info.Size() == 0 {
		report.addError("backup file is empty")
		return report, nil
	}

	checksum, err := FileChecksum(backupPath)
	if err != nil {
		report.addError(fmt.Sprintf("checksum failed: %v", err))
		return report, nil
	}
	report.Checksum = checksum

	db, err := v.svc.OpenReadOnly(backupPath)
	if err != nil {
		report.addError(fmt.Sprintf("backup is not a readable database: %v", err))
		return report, nil
	}
	defer db.Close()

	var integrity string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		report.addError(fmt.Sprintf("integrity check failed: %v", err))
		return report, nil
	}
	if integrity != "ok" {
		report.addError(fmt.Sprintf("integrity check reported: %s", integrity))
		return report, nil
	}
	report.DatabaseReadable = true

	backupSchema, err := InspectSchema(ctx, db)
	if err != nil {
		report.addError(fmt.Sprintf("failed to inspect backup schema: %v", err))
		return report, nil
	}
	report.TableCount = len(backupSchema.Tables)

	v.compareSchema(ctx, report, backupSchema)
	v.sampleData(ctx, report, db, backupSchema)

	return report, nil
}

// compareSchema checks that every table of the live database exists in the
// backup. When the live database is unavailable the backup only has to
// contain at least one table.
func (v *Verifier) compareSchema(ctx context.Context, report *Report, backupSchema *SchemaInfo) {
	liveDB, err := v.svc.OpenReadOnly(v.cfg.DatabasePath)
	if err != nil {
		v.logger.WithField("path", v.cfg.DatabasePath).
			Debug("Live database unavailable, skipping schema comparison")
		report.SchemaValid = report.TableCount > 0
		if !report.SchemaValid {
			report.addError("backup contains no tables")
		}
		return
	}
	defer liveDB.Close()

	liveSchema, err := InspectSchema(ctx, liveDB)
	if err != nil {
		report.addError(fmt.Sprintf("failed to inspect live schema: %v", err))
		return
	}

	comparison := &SchemaComparison{
		OriginalTables: len(liveSchema.Tables),
		BackupTables:   len(backupSchema.Tables),
	}
	var missing, mismatched []string
	for _, name := range liveSchema.TableNames() {
		backupTable, ok := backupSchema.Tables[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		comparison.MatchingTables++
		if !columnsMatch(liveSchema.Tables[name].Columns, backupTable.Columns) {
			mismatched = append(mismatched, name)
		}
	}
	report.SchemaComparison = comparison

	if len(missing) > 0 {
		report.addError(fmt.Sprintf("backup is missing tables: %s", strings.Join(missing, ", ")))
	}
	if len(mismatched) > 0 {
		report.addError(fmt.Sprintf("backup has mismatched columns in: %s", strings.Join(mismatched, ", ")))
	}
	report.SchemaValid = len(missing) == 0 && len(mismatched) == 0
}

func columnsMatch(live, backup []ColumnInfo) bool {
	if len(live) != len(backup) {
		return false
	}
	byName := make(map[string]ColumnInfo, len(backup))
	for _, col := range backup {
		byName[col.Name] = col
	}
	for _, col := range live {
		other, ok := byName[col.Name]
		if !ok || other != col {
			return false
		}
	}
	return true
}

// sampleData reads up to SampleSize rows from each critical table present in
// the backup. Critical tables absent from the backup are tolerated here
// because compareSchema already accounts for missing tables.
func (v *Verifier) sampleData(ctx context.Context, report *Report, db *sql.DB, schema *SchemaInfo) {
	report.DataSampleValid = true
	for _, table := range v.cfg.Verification.CriticalTables {
		if !schema.HasTable(table) {
			continue
		}
		if err := v.sampleTable(ctx, db, schema.Tables[table]); err != nil {
			report.DataSampleValid = false
			report.addError(fmt.Sprintf("data sample of %s failed: %v", table, err))
		}
	}
}

// sampleTable asserts that no NOT NULL column holds a null in the sampled
// rows. Nulls elsewhere are legitimate data.
func (v *Verifier) sampleTable(ctx context.Context, db *sql.DB, table TableInfo) error {
	rows, err := db.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %q LIMIT %d", table.Name, v.cfg.Verification.SampleSize))
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	required := make(map[string]bool, len(table.Columns))
	for _, col := range table.Columns {
		if col.NotNull || col.PrimaryKey {
			required[col.Name] = true
		}
	}

	rowNum := 0
	for rows.Next() {
		rowNum++
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}

		for i, col := range cols {
			if required[col] && values[i] == nil {
				return fmt.Errorf("row %d has null in required column %s", rowNum, col)
			}
		}
	}
	return rows.Err()
}

// TestRestoration copies the backup into a scratch directory, re-runs the
// integrity suite against the copy, and runs a representative query to catch
// structural problems the integrity checks miss. The live database is never
// touched and the scratch copy is always removed.
func (v *Verifier) TestRestoration(ctx context.Context, backupPath string) (*RestorationTest, error) {
	startTime := time.Now()
	test := &RestorationTest{
		BackupFile: backupPath,
		Timestamp:  startTime.UTC(),
		Errors:     []string{},
	}

	tempDir, err := os.MkdirTemp("", "canary_restore_test_")
	if err != nil {
		return nil, errors.NewStorageError("failed to create scratch directory", err)
	}
	defer os.RemoveAll(tempDir)

	copyStart := time.Now()
	scratch := filepath.Join(tempDir, filepath.Base(backupPath))
	if err := copyFile(backupPath, scratch); err != nil {
		test.Errors = append(test.Errors, fmt.Sprintf("copy failed: %v", err))
		test.TotalDuration = time.Since(startTime)
		return test, nil
	}
	test.CopyDuration = time.Since(copyStart)

	verifyStart := time.Now()
	report, err := v.VerifyIntegrity(ctx, scratch)
	if err != nil {
		test.Errors = append(test.Errors, fmt.Sprintf("verification of restored copy failed: %v", err))
		test.TotalDuration = time.Since(startTime)
		return test, nil
	}
	if !report.OverallValid {
		test.Errors = append(test.Errors, report.Errors...)
	}

	db, err := v.svc.OpenReadOnly(scratch)
	if err != nil {
		test.Errors = append(test.Errors, fmt.Sprintf("scratch copy unreadable: %v", err))
		test.TotalDuration = time.Since(startTime)
		return test, nil
	}
	defer db.Close()

	schema, err := InspectSchema(ctx, db)
	if err != nil {
		test.Errors = append(test.Errors, fmt.Sprintf("schema inspection failed: %v", err))
	}

	if schema != nil && schema.HasTable("weekly_digests") {
		err := db.QueryRowContext(ctx, `
			SELECT COUNT(DISTINCT wd.id)
			FROM weekly_digests wd
			LEFT JOIN user_feedback uf ON uf.digest_date = wd.date`).Scan(&test.DigestCount)
		if err != nil {
			test.Errors = append(test.Errors, fmt.Sprintf("representative query failed: %v", err))
		}
	}
	test.VerifyDuration = time.Since(verifyStart)
	test.TotalDuration = time.Since(startTime)
	test.Success = len(test.Errors) == 0

	v.logger.WithFields(map[string]interface{}{
		"backup_file": backupPath,
		"success":     test.Success,
		"duration":    test.TotalDuration.String(),
	}).Info("Restoration test completed")

	return test, nil
}

// RunBatchVerification verifies every database backup and SQL dump in the
// backup directory that is newer than the configured age limit, writes a
// JSON report into the verification directory, and returns the summary. One
// bad backup never stops the sweep.
func (v *Verifier) RunBatchVerification(ctx context.Context) (*BatchResult, error) {
	runID := uuid.NewString()
	done := v.logger.LogOperationStart("batch_verification", map[string]interface{}{
		"backup_dir": v.cfg.BackupDir,
		"run_id":     runID,
	})

	result := &BatchResult{
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Reports:   []*Report{},
	}

	backups, err := v.discoverBackups()
	if err != nil {
		done(err)
		return nil, err
	}
	if len(backups) == 0 {
		err := errors.NewNotFoundError(
			fmt.Sprintf("no backups found in %s", v.cfg.BackupDir), nil)
		done(err)
		return nil, err
	}

	var totalBytes int64
	var oldest, newest time.Time
	for _, path := range backups {
		if err := ctx.Err(); err != nil {
			done(err)
			return result, errors.Classify(err)
		}

		report, err := v.VerifyIntegrity(ctx, path)
		if err != nil {
			report = &Report{
				BackupFile: path,
				Timestamp:  time.Now().UTC(),
				Errors:     []string{err.Error()},
			}
		}

		// integrity checks miss some structural problems that only show up
		// when the backup is actually used; only database files can be
		// trial-restored
		if report.OverallValid && strings.HasSuffix(path, ".db") {
			if test, terr := v.TestRestoration(ctx, path); terr != nil {
				report.addError(fmt.Sprintf("restoration test failed: %v", terr))
				report.OverallValid = false
			} else if !test.Success {
				report.Errors = append(report.Errors, test.Errors...)
				report.OverallValid = false
			}
		}
		result.Reports = append(result.Reports, report)
		result.TotalBackups++
		if report.OverallValid {
			result.PassedBackups++
		} else {
			result.FailedBackups++
		}

		if info, statErr := os.Stat(path); statErr == nil {
			totalBytes += info.Size()
			if oldest.IsZero() || info.ModTime().Before(oldest) {
				oldest = info.ModTime()
				result.OldestBackup = path
			}
			if newest.IsZero() || info.ModTime().After(newest) {
				newest = info.ModTime()
				result.NewestBackup = path
			}
		}
	}

	if result.TotalBackups > 0 {
		result.SuccessRate = float64(result.PassedBackups) / float64(result.TotalBackups) * 100
	}
	result.TotalBackupSizeMB = float64(totalBytes) / (1024 * 1024)

	reportFile, err := v.writeReport(result)
	if err != nil {
		done(err)
		return result, err
	}
	result.ReportFile = reportFile

	done(nil)
	return result, nil
}

// discoverBackups lists database backups and SQL dumps under BackupDir newer
// than the configured age limit, sorted by name.
func (v *Verifier) discoverBackups() ([]string, error) {
	entries, err := os.ReadDir(v.cfg.BackupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError(
				fmt.Sprintf("backup directory does not exist: %s", v.cfg.BackupDir), err)
		}
		return nil, errors.NewStorageError(
			fmt.Sprintf("failed to read backup directory %s", v.cfg.BackupDir), err)
	}

	cutoff := time.Now().AddDate(0, 0, -v.cfg.Verification.MaxBackupAgeDays)

	var backups []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".db") && !strings.HasSuffix(name, ".sql")) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			v.logger.WithField("file", entry.Name()).Debug("Skipping backup older than age limit")
			continue
		}
		backups = append(backups, filepath.Join(v.cfg.BackupDir, entry.Name()))
	}
	sort.Strings(backups)
	return backups, nil
}

func (v *Verifier) writeReport(result *BatchResult) (string, error) {
	if err := os.MkdirAll(v.cfg.VerificationDir, 0o755); err != nil {
		return "", errors.NewStorageError(
			fmt.Sprintf("failed to create verification directory %s", v.cfg.VerificationDir), err)
	}

	name := fmt.Sprintf("verification_report_%s.json", result.Timestamp.Format("20060102_150405"))
	path := filepath.Join(v.cfg.VerificationDir, name)

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", errors.NewStorageError("failed to encode verification report", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.NewStorageError(fmt.Sprintf("failed to write report %s", path), err)
	}
	return path, nil
}

// VerificationHistory loads batch reports from the verification directory
// written within the last N days, newest first.
func (v *Verifier) VerificationHistory(days int) ([]*BatchResult, error) {
	entries, err := os.ReadDir(v.cfg.VerificationDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewStorageError(
			fmt.Sprintf("failed to read verification directory %s", v.cfg.VerificationDir), err)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	var history []*BatchResult
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "verification_report_") || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(v.cfg.VerificationDir, name))
		if err != nil {
			v.logger.WithField("file", name).Warnf("Failed to read report: %v", err)
			continue
		}
		var result BatchResult
		if err := json.Unmarshal(data, &result); err != nil {
			v.logger.WithField("file", name).Warnf("Failed to parse report: %v", err)
			continue
		}
		if result.Timestamp.Before(cutoff) {
			continue
		}
		history = append(history, &result)
	}

	sort.Slice(history, func(i, j int) bool {
		return history[i].Timestamp.After(history[j].Timestamp)
	})
	return history, nil
}

// copyFile copies src to dst and syncs the destination before returning
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
