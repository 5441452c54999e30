package archival

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
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

// deleteChunkSize bounds the IN list of archival delete statements
const deleteChunkSize = 500

// Snapshot is the self-describing payload of one archive file. It carries
// the retention parameters that produced it so an archive can be understood
// and restored without the configuration that created it.
type Snapshot struct {
	Table         string                   `json:"table"`
	DateColumn    string                   `json:"date_column"`
	RetentionDays int                      `json:"retention_days"`
	Cutoff        string                   `json:"cutoff"`
	ArchivedAt    time.Time                `json:"archived_at"`
	RecordCount   int                      `json:"record_count"`
	Rows          []map[string]interface{} `json:"rows"`
}

// TableResult summarizes archival of one table
type TableResult struct {
	Table         string `json:"table"`
	DateColumn    string `json:"date_column"`
	RetentionDays int    `json:"retention_days"`
	Cutoff        string `json:"cutoff"`
	ArchivedRows  int    `json:"archived_rows"`
	ArchiveFile   string `json:"archive_file,omitempty"`
}

// RunResult summarizes one full archival sweep. RunID ties log lines and the
// persisted report to one sweep.
type RunResult struct {
	RunID            string        `json:"run_id"`
	Timestamp        time.Time     `json:"timestamp"`
	Results          []TableResult `json:"results"`
	TotalArchived    int           `json:"total_archived"`
	LogArchiveFile   string        `json:"log_archive_file,omitempty"`
	LogFilesArchived int           `json:"log_files_archived"`
	Errors           []string      `json:"errors"`
	ReportFile       string        `json:"report_file,omitempty"`
}

// RestoreResult summarizes re-importing one archive file
type RestoreResult struct {
	ArchiveFile  string `json:"archive_file"`
	Table        string `json:"table"`
	RestoredRows int    `json:"restored_rows"`
	SkippedRows  int    `json:"skipped_rows"`
}

// HistoryEntry is a row from the archival_history bookkeeping table
type HistoryEntry struct {
	ID            int64     `json:"id"`
	Table         string    `json:"table_name"`
	DateColumn    string    `json:"date_column"`
	RetentionDays int       `json:"retention_days"`
	Cutoff        string    `json:"cutoff"`
	ArchivedRows  int       `json:"archived_rows"`
	ArchiveFile   string    `json:"archive_file"`
	CreatedAt     time.Time `json:"created_at"`
}

// Manager moves expired rows out of the live database into compressed
// snapshot files. The ordering is strict: a snapshot is fully written,
// synced, and renamed into place before any row is deleted, so a failure at
// any point loses no data.
type Manager struct {
	cfg    *config.Config
	logger *logging.Logger
	codec  Codec
	lock   *database.FileLock
}

// NewManager creates an archival manager for the given configuration
func NewManager(cfg *config.Config, logger *logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	codec, err := CodecFor(cfg.Archival.Compression)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		codec:  codec,
	}, nil
}

// SetLock attaches the advisory lock held across delete phases
func (m *Manager) SetLock(lock *database.FileLock) {
	m.lock = lock
}

// CutoffDate returns the archival cutoff for a retention window, as a
// calendar date string comparable to the stored date columns.
func CutoffDate(retentionDays int) string {
	return time.Now().UTC().AddDate(0, 0, -retentionDays).Format("2006-01-02")
}

// FindCandidates counts rows of a table older than its retention cutoff
// without modifying anything.
func (m *Manager) FindCandidates(ctx context.Context, db *sql.DB, table string) (int, string, error) {
	policy, err := m.policyFor(table)
	if err != nil {
		return 0, "", err
	}

	cutoff := CutoffDate(policy.RetentionDays)
	var count int
	err = db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %q WHERE %q < ?", table, policy.DateColumn),
		cutoff).Scan(&count)
	if err != nil {
		return 0, "", errors.NewDatabaseError(
			fmt.Sprintf("failed to count archival candidates in %s", table), err)
	}
	return count, cutoff, nil
}

// ArchiveTable archives all rows of one table older than its retention
// cutoff. Rows are written to a compressed snapshot first; only after the
// snapshot is durably in place are the same rows deleted, in one transaction
// together with the archival_history record.
func (m *Manager) ArchiveTable(ctx context.Context, db *sql.DB, table string) (*TableResult, error) {
	policy, err := m.policyFor(table)
	if err != nil {
		return nil, err
	}

	cutoff := CutoffDate(policy.RetentionDays)
	result := &TableResult{
		Table:         table,
		DateColumn:    policy.DateColumn,
		RetentionDays: policy.RetentionDays,
		Cutoff:        cutoff,
	}

	snapshot, rowIDs, err := m.collectRows(ctx, db, table, policy, cutoff)
	if err != nil {
		return nil, err
	}
	if snapshot.RecordCount == 0 {
		m.logger.WithField("table", table).Debug("No rows past retention cutoff")
		return result, nil
	}

	archiveFile, err := m.writeSnapshot(snapshot)
	if err != nil {
		m.logger.LogArchival(table, 0, "", err)
		return nil, err
	}

	if m.lock != nil {
		if err := m.lock.Acquire(m.cfg.LockTimeout); err != nil {
			return nil, err
		}
		defer m.lock.Release()
	}

	err = database.WithTransaction(ctx, db, func(tx *sql.Tx) error {
		if err := deleteByID(ctx, tx, table, rowIDs); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO archival_history
			(table_name, date_column, retention_days, cutoff, archived_rows, archive_file)
			VALUES (?, ?, ?, ?, ?, ?)`,
			table, policy.DateColumn, policy.RetentionDays, cutoff,
			snapshot.RecordCount, archiveFile)
		if err != nil {
			return errors.NewDatabaseError("failed to record archival history", err)
		}
		return nil
	})
	// a failed delete leaves the snapshot behind, which is harmless
	m.logger.LogArchival(table, snapshot.RecordCount, archiveFile, err)
	if err != nil {
		return nil, err
	}

	result.ArchivedRows = snapshot.RecordCount
	result.ArchiveFile = archiveFile
	return result, nil
}

// collectRows reads the expired rows and their primary keys
func (m *Manager) collectRows(ctx context.Context, db *sql.DB, table string, policy config.TablePolicy, cutoff string) (*Snapshot, []int64, error) {
	snapshot := &Snapshot{
		Table:         table,
		DateColumn:    policy.DateColumn,
		RetentionDays: policy.RetentionDays,
		Cutoff:        cutoff,
		ArchivedAt:    time.Now().UTC(),
		Rows:          []map[string]interface{}{},
	}

	rows, err := db.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %q WHERE %q < ? ORDER BY id", table, policy.DateColumn),
		cutoff)
	if err != nil {
		return nil, nil, errors.NewDatabaseError(
			fmt.Sprintf("failed to read expired rows of %s", table), err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, errors.NewDatabaseError("failed to read column names", err)
	}

	var ids []int64
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, errors.NewDatabaseError(
				fmt.Sprintf("failed to scan row of %s", table), err)
		}

		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		snapshot.Rows = append(snapshot.Rows, row)

		id, ok := row["id"].(int64)
		if !ok {
			return nil, nil, errors.NewValidationError(
				fmt.Sprintf("table %s has no integer id column", table), nil)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.NewDatabaseError(
			fmt.Sprintf("failed to read expired rows of %s", table), err)
	}

	snapshot.RecordCount = len(snapshot.Rows)
	return snapshot, ids, nil
}

// writeSnapshot writes the snapshot to a temporary file, syncs it, and
// renames it into its final name. The rename makes the snapshot appear
// atomically.
func (m *Manager) writeSnapshot(snapshot *Snapshot) (string, error) {
	if err := os.MkdirAll(m.cfg.ArchiveDir, 0o755); err != nil {
		return "", errors.NewStorageError(
			fmt.Sprintf("failed to create archive directory %s", m.cfg.ArchiveDir), err)
	}

	name := fmt.Sprintf("%s_%s%s", snapshot.Table,
		snapshot.ArchivedAt.Format("20060102_150405"), m.codec.Extension())
	finalPath := filepath.Join(m.cfg.ArchiveDir, name)
	tempPath := finalPath + ".tmp"

	f, err := os.Create(tempPath)
	if err != nil {
		return "", errors.NewStorageError(fmt.Sprintf("failed to create %s", tempPath), err)
	}
	defer os.Remove(tempPath)

	cw, err := m.codec.NewWriter(f)
	if err != nil {
		f.Close()
		return "", errors.NewStorageError("failed to start compressed writer", err)
	}
	if err := json.NewEncoder(cw).Encode(snapshot); err != nil {
		cw.Close()
		f.Close()
		return "", errors.NewStorageError("failed to encode snapshot", err)
	}
	if err := cw.Close(); err != nil {
		f.Close()
		return "", errors.NewStorageError("failed to finish compressed writer", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", errors.NewStorageError("failed to sync snapshot", err)
	}
	if err := f.Close(); err != nil {
		return "", errors.NewStorageError("failed to close snapshot", err)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", errors.NewStorageError(
			fmt.Sprintf("failed to move snapshot to %s", finalPath), err)
	}
	return finalPath, nil
}

func deleteByID(ctx context.Context, tx *sql.Tx, table string, ids []int64) error {
	for start := 0; start < len(ids); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		res, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %q WHERE id IN (%s)", table, placeholders), args...)
		if err != nil {
			return errors.NewDatabaseError(
				fmt.Sprintf("failed to delete archived rows from %s", table), err)
		}
		affected, err := res.RowsAffected()
		if err == nil && affected != int64(len(chunk)) {
			return errors.NewDatabaseError(
				fmt.Sprintf("expected to delete %d rows from %s, deleted %d",
					len(chunk), table, affected), nil)
		}
	}
	return nil
}

// RunFullArchival archives every configured table and rotates old log files.
// Tables are processed independently; one failure is recorded and the sweep
// continues.
func (m *Manager) RunFullArchival(ctx context.Context, db *sql.DB) (*RunResult, error) {
	runID := uuid.NewString()
	done := m.logger.LogOperationStart("full_archival", map[string]interface{}{
		"archive_dir": m.cfg.ArchiveDir,
		"run_id":      runID,
	})

	result := &RunResult{
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Results:   []TableResult{},
		Errors:    []string{},
	}

	tables := make([]string, 0, len(m.cfg.Archival.Tables))
	for table := range m.cfg.Archival.Tables {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			done(err)
			return result, errors.Classify(err)
		}

		tableResult, err := m.ArchiveTable(ctx, db, table)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", table, err))
			continue
		}
		result.Results = append(result.Results, *tableResult)
		result.TotalArchived += tableResult.ArchivedRows
	}

	logArchive, logCount, err := m.ArchiveLogs(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("logs: %v", err))
	} else {
		result.LogArchiveFile = logArchive
		result.LogFilesArchived = logCount
	}

	reportFile, err := m.writeReport(result)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("report: %v", err))
	} else {
		result.ReportFile = reportFile
	}

	done(nil)
	return result, nil
}

func (m *Manager) writeReport(result *RunResult) (string, error) {
	if err := os.MkdirAll(m.cfg.ArchiveDir, 0o755); err != nil {
		return "", errors.NewStorageError(
			fmt.Sprintf("failed to create archive directory %s", m.cfg.ArchiveDir), err)
	}

	name := fmt.Sprintf("archival_report_%s.json", result.Timestamp.Format("20060102_150405"))
	path := filepath.Join(m.cfg.ArchiveDir, name)

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", errors.NewStorageError("failed to encode archival report", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.NewStorageError(fmt.Sprintf("failed to write report %s", path), err)
	}
	return path, nil
}

// RestoreFromArchive re-imports a snapshot file into the live database.
// Rows whose primary key already exists are skipped rather than overwritten,
// so restoring an archive twice is safe.
func (m *Manager) RestoreFromArchive(ctx context.Context, db *sql.DB, archivePath string) (*RestoreResult, error) {
	snapshot, err := m.ReadSnapshot(archivePath)
	if err != nil {
		return nil, err
	}

	result := &RestoreResult{
		ArchiveFile: archivePath,
		Table:       snapshot.Table,
	}

	if len(snapshot.Rows) == 0 {
		return result, nil
	}

	cols := sortedColumns(snapshot.Rows[0])
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = fmt.Sprintf("%q", col)
	}
	insertSQL := fmt.Sprintf("INSERT OR IGNORE INTO %q (%s) VALUES (%s)",
		snapshot.Table,
		strings.Join(quoted, ", "),
		strings.TrimSuffix(strings.Repeat("?,", len(cols)), ","))

	err = database.WithTransaction(ctx, db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insertSQL)
		if err != nil {
			return errors.NewDatabaseError(
				fmt.Sprintf("failed to prepare restore insert for %s", snapshot.Table), err)
		}
		defer stmt.Close()

		for _, row := range snapshot.Rows {
			args := make([]interface{}, len(cols))
			for i, col := range cols {
				args[i] = row[col]
			}
			res, err := stmt.ExecContext(ctx, args...)
			if err != nil {
				return errors.NewDatabaseError(
					fmt.Sprintf("failed to restore row into %s", snapshot.Table), err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return errors.NewDatabaseError("failed to read restore result", err)
			}
			if affected == 0 {
				result.SkippedRows++
			} else {
				result.RestoredRows++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.WithFields(map[string]interface{}{
		"archive_file": archivePath,
		"table":        snapshot.Table,
		"restored":     result.RestoredRows,
		"skipped":      result.SkippedRows,
	}).Info("Archive restored")

	return result, nil
}

// ReadSnapshot decodes one archive file, picking the codec by extension
func (m *Manager) ReadSnapshot(archivePath string) (*Snapshot, error) {
	codec, err := CodecForFile(archivePath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError(
				fmt.Sprintf("archive not found: %s", archivePath), err)
		}
		return nil, errors.NewStorageError(fmt.Sprintf("failed to open %s", archivePath), err)
	}
	defer f.Close()

	cr, err := codec.NewReader(f)
	if err != nil {
		return nil, errors.NewStorageError(
			fmt.Sprintf("failed to decompress %s", archivePath), err)
	}
	defer cr.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(cr).Decode(&snapshot); err != nil {
		return nil, errors.NewStorageError(
			fmt.Sprintf("failed to decode snapshot %s", archivePath), err)
	}
	if snapshot.Table == "" {
		return nil, errors.NewValidationError(
			fmt.Sprintf("snapshot %s does not name a table", archivePath), nil)
	}
	return &snapshot, nil
}

// History returns archival_history rows, newest first, limited to limit when
// it is positive.
func (m *Manager) History(ctx context.Context, db *sql.DB, limit int) ([]HistoryEntry, error) {
	query := `SELECT id, table_name, date_column, retention_days, cutoff,
		archived_rows, archive_file, created_at
		FROM archival_history ORDER BY id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewDatabaseError("failed to query archival history", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.Table, &e.DateColumn, &e.RetentionDays,
			&e.Cutoff, &e.ArchivedRows, &e.ArchiveFile, &e.CreatedAt); err != nil {
			return nil, errors.NewDatabaseError("failed to scan archival history row", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError("failed to read archival history", err)
	}
	return entries, nil
}

func (m *Manager) policyFor(table string) (config.TablePolicy, error) {
	policy, ok := m.cfg.Archival.Tables[table]
	if !ok {
		return config.TablePolicy{}, errors.NewValidationError(
			fmt.Sprintf("no archival policy configured for table %s", table), nil)
	}
	if policy.DateColumn == "" {
		return config.TablePolicy{}, errors.NewValidationError(
			fmt.Sprintf("archival policy for %s has no date column", table), nil)
	}
	if policy.RetentionDays <= 0 {
		policy.RetentionDays = m.cfg.Archival.DefaultRetentionDays
	}
	return policy, nil
}

func sortedColumns(row map[string]interface{}) []string {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}
