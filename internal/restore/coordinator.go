package restore

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/snoopyh42/CanaryProtocol/internal/config"
	"github.com/snoopyh42/CanaryProtocol/internal/database"
	"github.com/snoopyh42/CanaryProtocol/internal/errors"
	"github.com/snoopyh42/CanaryProtocol/internal/logging"
	"github.com/snoopyh42/CanaryProtocol/internal/verification"
)

// BackupType classifies a backup artifact by its file extension
type BackupType string

const (
	BackupTypeDatabase   BackupType = "database"
	BackupTypeJSONData   BackupType = "json_data"
	BackupTypeFullSystem BackupType = "full_system"
	BackupTypeSQLDump    BackupType = "sql_dump"
	BackupTypeArchive    BackupType = "archive"
)

// restore outcome statuses recorded in restore_history
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// DetectBackupType infers the backup type from the file name
func DetectBackupType(name string) (BackupType, error) {
	switch {
	case strings.HasSuffix(name, ".tar.gz"):
		return BackupTypeFullSystem, nil
	case strings.HasSuffix(name, ".db"):
		return BackupTypeDatabase, nil
	case strings.HasSuffix(name, ".json"):
		return BackupTypeJSONData, nil
	case strings.HasSuffix(name, ".sql"):
		return BackupTypeSQLDump, nil
	case strings.HasSuffix(name, ".zip"):
		return BackupTypeArchive, nil
	default:
		return "", errors.NewUnsupportedFormatError(
			fmt.Sprintf("unrecognized backup format: %s", name), nil)
	}
}

// BackupInfo describes one discovered backup artifact
type BackupInfo struct {
	Path      string     `json:"path"`
	Type      BackupType `json:"type"`
	SizeBytes int64      `json:"size_bytes"`
	ModTime   time.Time  `json:"mod_time"`
	Checksum  string     `json:"checksum,omitempty"`
}

// HistoryEntry is a row from the restore_history audit table
type HistoryEntry struct {
	ID           int64  `json:"id"`
	Timestamp    string `json:"timestamp"`
	BackupFile   string `json:"backup_file"`
	RestoreType  string `json:"restore_type"`
	SafetyBackup string `json:"safety_backup,omitempty"`
	Status       string `json:"status"`
	Notes        string `json:"notes,omitempty"`
}

// ConfirmFunc asks the operator to approve a destructive action
type ConfirmFunc func(prompt string) bool

// Coordinator restores backups over live state. Every destructive restore is
// preceded by a mandatory safety backup, and every attempt, whatever its
// outcome, appends exactly one restore_history row.
type Coordinator struct {
	cfg      *config.Config
	svc      *database.Service
	logger   *logging.Logger
	verifier *verification.Verifier
	lock     *database.FileLock
	confirm  ConfirmFunc
}

// NewCoordinator creates a restore coordinator for the given configuration
func NewCoordinator(cfg *config.Config, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Coordinator{
		cfg:      cfg,
		svc:      database.NewService(logger),
		logger:   logger,
		verifier: verification.NewVerifier(cfg, logger),
	}
}

// SetLock attaches the advisory lock held across restore windows
func (c *Coordinator) SetLock(lock *database.FileLock) {
	c.lock = lock
}

// SetConfirm installs the operator confirmation callback. Without one,
// restores proceed unprompted.
func (c *Coordinator) SetConfirm(confirm ConfirmFunc) {
	c.confirm = confirm
}

// ListAvailableBackups enumerates supported backup files in the backup
// directory, newest first.
func (c *Coordinator) ListAvailableBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(c.cfg.BackupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewStorageError(
			fmt.Sprintf("failed to read backup directory %s", c.cfg.BackupDir), err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		backupType, err := DetectBackupType(entry.Name())
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		path := filepath.Join(c.cfg.BackupDir, entry.Name())
		checksum, err := verification.FileChecksum(path)
		if err != nil {
			c.logger.WithField("file", path).Warnf("Failed to checksum backup: %v", err)
		}
		backups = append(backups, BackupInfo{
			Path:      path,
			Type:      backupType,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
			Checksum:  checksum,
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].ModTime.After(backups[j].ModTime)
	})
	return backups, nil
}

// CreateSafetyBackup copies the target to a timestamped sibling path. When
// the target does not exist yet there is nothing to protect and the safety
// backup is skipped.
func (c *Coordinator) CreateSafetyBackup(targetPath string) (string, error) {
	if _, err := os.Stat(targetPath); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.NewStorageError(fmt.Sprintf("failed to stat %s", targetPath), err)
	}

	safetyPath := fmt.Sprintf("%s.safety_backup.%d", targetPath, time.Now().Unix())
	if err := copyFile(targetPath, safetyPath); err != nil {
		return "", errors.NewStorageError(
			fmt.Sprintf("failed to create safety backup of %s", targetPath), err)
	}

	c.logger.WithField("safety_backup", safetyPath).Info("Safety backup created")
	return safetyPath, nil
}

// RestoreDatabase overwrites the live database with a database backup. The
// backup is verified first; a failing verification is surfaced in the
// confirmation prompt rather than blocking the restore outright, since
// recovering from a degraded backup can still beat total loss.
func (c *Coordinator) RestoreDatabase(ctx context.Context, backupPath string) error {
	if _, err := os.Stat(backupPath); err != nil {
		return errors.NewNotFoundError(
			fmt.Sprintf("backup file not found: %s", backupPath), err)
	}

	prompt := fmt.Sprintf("Restore database from %s?", filepath.Base(backupPath))
	report, err := c.verifier.VerifyIntegrity(ctx, backupPath)
	if err == nil && !report.OverallValid {
		c.logger.WithFields(map[string]interface{}{
			"backup_file": backupPath,
			"errors":      strings.Join(report.Errors, "; "),
		}).Warn("Backup failed verification before restore")
		prompt = fmt.Sprintf("Backup %s FAILED verification (%d errors). Restore anyway?",
			filepath.Base(backupPath), len(report.Errors))
	}

	if c.confirm != nil && !c.confirm(prompt) {
		c.recordHistory(ctx, backupPath, string(BackupTypeDatabase), "", StatusCancelled,
			"declined by operator")
		c.logger.LogRestore(backupPath, string(BackupTypeDatabase), StatusCancelled, nil)
		return errors.NewConfirmationDeclinedError("database restore declined")
	}

	if c.lock != nil {
		if err := c.lock.Acquire(c.cfg.LockTimeout); err != nil {
			return err
		}
		defer c.lock.Release()
	}

	safetyBackup, err := c.CreateSafetyBackup(c.cfg.DatabasePath)
	if err != nil {
		c.recordHistory(ctx, backupPath, string(BackupTypeDatabase), "", StatusFailed, err.Error())
		c.logger.LogRestore(backupPath, string(BackupTypeDatabase), StatusFailed, err)
		return err
	}

	if err := c.overwriteDatabase(backupPath); err != nil {
		c.recordHistory(ctx, backupPath, string(BackupTypeDatabase), safetyBackup, StatusFailed, err.Error())
		c.logger.LogRestore(backupPath, string(BackupTypeDatabase), StatusFailed, err)
		return err
	}

	notes := ""
	if safetyBackup != "" {
		notes = fmt.Sprintf("Safety backup: %s", safetyBackup)
	}
	c.recordHistory(ctx, backupPath, string(BackupTypeDatabase), safetyBackup, StatusSuccess, notes)
	c.logger.LogRestore(backupPath, string(BackupTypeDatabase), StatusSuccess, nil)
	return nil
}

// overwriteDatabase replaces the live database file. The backup is copied to
// a temp file beside the target first so the swap itself is a rename.
func (c *Coordinator) overwriteDatabase(backupPath string) error {
	if dir := filepath.Dir(c.cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.NewStorageError(
				fmt.Sprintf("failed to create database directory %s", dir), err)
		}
	}

	tempPath := c.cfg.DatabasePath + ".restore_tmp"
	if err := copyFile(backupPath, tempPath); err != nil {
		os.Remove(tempPath)
		return errors.NewStorageError("failed to stage restored database", err)
	}
	if err := os.Rename(tempPath, c.cfg.DatabasePath); err != nil {
		os.Remove(tempPath)
		return errors.NewStorageError("failed to replace live database", err)
	}
	return nil
}

// RestoreFromBackup dispatches a restore by backup type. The zero value of
// backupType infers the type from the file extension.
func (c *Coordinator) RestoreFromBackup(ctx context.Context, backupPath string, backupType BackupType) error {
	if backupType == "" {
		detected, err := DetectBackupType(filepath.Base(backupPath))
		if err != nil {
			return err
		}
		backupType = detected
	}

	switch backupType {
	case BackupTypeDatabase:
		return c.RestoreDatabase(ctx, backupPath)
	case BackupTypeFullSystem:
		return c.RestoreFullSystem(ctx, backupPath)
	default:
		return errors.NewUnsupportedFormatError(
			fmt.Sprintf("restore is not supported for %s backups", backupType), nil)
	}
}

// RestoreHistory returns audit rows, newest first, limited when limit is
// positive.
func (c *Coordinator) RestoreHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	db, err := c.svc.Open(c.cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if err := ensureHistoryTable(ctx, db); err != nil {
		return nil, err
	}

	query := `SELECT id, timestamp, backup_file, restore_type,
		COALESCE(safety_backup, ''), status, COALESCE(notes, '')
		FROM restore_history ORDER BY id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewDatabaseError("failed to query restore history", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.BackupFile, &e.RestoreType,
			&e.SafetyBackup, &e.Status, &e.Notes); err != nil {
			return nil, errors.NewDatabaseError("failed to scan restore history row", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError("failed to read restore history", err)
	}
	return entries, nil
}

// recordHistory appends the audit row for one restore attempt. Auditing must
// not mask the restore outcome, so failures here are logged and swallowed.
func (c *Coordinator) recordHistory(ctx context.Context, backupFile, restoreType, safetyBackup, status, notes string) {
	db, err := c.svc.Open(c.cfg.DatabasePath)
	if err != nil {
		c.logger.Warnf("Failed to open database for restore audit: %v", err)
		return
	}
	defer db.Close()

	if err := ensureHistoryTable(ctx, db); err != nil {
		c.logger.Warnf("Failed to ensure restore_history table: %v", err)
		return
	}

	var safety interface{}
	if safetyBackup != "" {
		safety = safetyBackup
	}
	var noteValue interface{}
	if notes != "" {
		noteValue = notes
	}

	_, err = db.ExecContext(ctx, `INSERT INTO restore_history
		(timestamp, backup_file, restore_type, safety_backup, status, notes)
		VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), backupFile, restoreType,
		safety, status, noteValue)
	if err != nil {
		c.logger.Warnf("Failed to record restore attempt: %v", err)
	}
}

func ensureHistoryTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS restore_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		backup_file TEXT NOT NULL,
		restore_type TEXT NOT NULL,
		safety_backup TEXT,
		status TEXT NOT NULL,
		notes TEXT
	)`)
	if err != nil {
		return errors.NewDatabaseError("failed to create restore_history table", err)
	}
	return nil
}

// copyFile copies src to dst, syncing dst before returning
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
