package archival

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snoopyh42/CanaryProtocol/internal/config"
	"github.com/snoopyh42/CanaryProtocol/internal/database"
	"github.com/snoopyh42/CanaryProtocol/internal/errors"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	root := t.TempDir()
	cfg := &config.Config{
		DatabasePath:    filepath.Join(root, "data", "canary_protocol.db"),
		BackupDir:       filepath.Join(root, "backups"),
		ArchiveDir:      filepath.Join(root, "archives"),
		VerificationDir: filepath.Join(root, "verification"),
		LogDir:          filepath.Join(root, "logs"),
	}
	cfg.SetDefaults()
	cfg.Archival.Tables = map[string]config.TablePolicy{
		"daily_headlines": {DateColumn: "date", RetentionDays: 365},
	}
	return cfg
}

func openSeededDB(t *testing.T, cfg *config.Config) *sql.DB {
	t.Helper()

	svc := database.NewService(nil)
	db, err := svc.Open(cfg.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	statements := []string{
		`CREATE TABLE daily_headlines (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			date TEXT,
			title TEXT
		)`,
		`CREATE TABLE archival_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name TEXT NOT NULL,
			date_column TEXT NOT NULL,
			retention_days INTEGER NOT NULL,
			cutoff TEXT NOT NULL,
			archived_rows INTEGER NOT NULL,
			archive_file TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range statements {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return db
}

func dateDaysAgo(days int) string {
	return time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
}

func insertHeadline(t *testing.T, db *sql.DB, date, title string) {
	t.Helper()
	_, err := db.Exec("INSERT INTO daily_headlines (date, title) VALUES (?, ?)", date, title)
	require.NoError(t, err)
}

func TestManager_FindCandidates(t *testing.T) {
	cfg := testConfig(t)
	db := openSeededDB(t, cfg)
	insertHeadline(t, db, dateDaysAgo(400), "old")
	insertHeadline(t, db, dateDaysAgo(10), "recent")

	m, err := NewManager(cfg, nil)
	require.NoError(t, err)

	count, cutoff, err := m.FindCandidates(context.Background(), db, "daily_headlines")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, dateDaysAgo(365), cutoff)
}

func TestManager_ArchiveTable_MovesOnlyExpiredRows(t *testing.T) {
	cfg := testConfig(t)
	db := openSeededDB(t, cfg)
	insertHeadline(t, db, dateDaysAgo(400), "old one")
	insertHeadline(t, db, dateDaysAgo(500), "old two")
	insertHeadline(t, db, dateDaysAgo(10), "recent")

	m, err := NewManager(cfg, nil)
	require.NoError(t, err)

	result, err := m.ArchiveTable(context.Background(), db, "daily_headlines")
	require.NoError(t, err)

	assert.Equal(t, 2, result.ArchivedRows)
	require.NotEmpty(t, result.ArchiveFile)

	// the recent row survives
	var remaining int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM daily_headlines").Scan(&remaining))
	assert.Equal(t, 1, remaining)
	var title string
	require.NoError(t, db.QueryRow("SELECT title FROM daily_headlines").Scan(&title))
	assert.Equal(t, "recent", title)

	// the snapshot is self-describing and carries the archived rows
	snapshot, err := m.ReadSnapshot(result.ArchiveFile)
	require.NoError(t, err)
	assert.Equal(t, "daily_headlines", snapshot.Table)
	assert.Equal(t, "date", snapshot.DateColumn)
	assert.Equal(t, 365, snapshot.RetentionDays)
	assert.Equal(t, 2, snapshot.RecordCount)
	assert.Len(t, snapshot.Rows, 2)

	// archival is recorded in the bookkeeping table
	history, err := m.History(context.Background(), db, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "daily_headlines", history[0].Table)
	assert.Equal(t, 2, history[0].ArchivedRows)
	assert.Equal(t, result.ArchiveFile, history[0].ArchiveFile)
}

func TestManager_ArchiveTable_NothingExpired(t *testing.T) {
	cfg := testConfig(t)
	db := openSeededDB(t, cfg)
	insertHeadline(t, db, dateDaysAgo(10), "recent")

	m, err := NewManager(cfg, nil)
	require.NoError(t, err)

	result, err := m.ArchiveTable(context.Background(), db, "daily_headlines")
	require.NoError(t, err)
	assert.Equal(t, 0, result.ArchivedRows)
	assert.Empty(t, result.ArchiveFile)

	// no snapshot file should exist
	entries, err := os.ReadDir(cfg.ArchiveDir)
	if err == nil {
		assert.Empty(t, entries)
	}
}

func TestManager_ArchiveTable_UnknownTable(t *testing.T) {
	cfg := testConfig(t)
	db := openSeededDB(t, cfg)

	m, err := NewManager(cfg, nil)
	require.NoError(t, err)

	_, err = m.ArchiveTable(context.Background(), db, "mystery_table")
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeValidation, errors.GetErrorType(err))
}

func TestManager_RestoreFromArchive_RoundTrip(t *testing.T) {
	cfg := testConfig(t)
	db := openSeededDB(t, cfg)
	insertHeadline(t, db, dateDaysAgo(400), "archived headline")

	m, err := NewManager(cfg, nil)
	require.NoError(t, err)

	archived, err := m.ArchiveTable(context.Background(), db, "daily_headlines")
	require.NoError(t, err)
	require.Equal(t, 1, archived.ArchivedRows)

	restored, err := m.RestoreFromArchive(context.Background(), db, archived.ArchiveFile)
	require.NoError(t, err)
	assert.Equal(t, 1, restored.RestoredRows)
	assert.Equal(t, 0, restored.SkippedRows)

	var title string
	require.NoError(t, db.QueryRow(
		"SELECT title FROM daily_headlines WHERE date = ?", dateDaysAgo(400)).Scan(&title))
	assert.Equal(t, "archived headline", title)

	// restoring again skips the duplicate primary keys
	again, err := m.RestoreFromArchive(context.Background(), db, archived.ArchiveFile)
	require.NoError(t, err)
	assert.Equal(t, 0, again.RestoredRows)
	assert.Equal(t, 1, again.SkippedRows)
}

func TestManager_RestoreFromArchive_UnknownExtension(t *testing.T) {
	cfg := testConfig(t)
	db := openSeededDB(t, cfg)

	m, err := NewManager(cfg, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "archive.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	_, err = m.RestoreFromArchive(context.Background(), db, path)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeUnsupportedFormat, errors.GetErrorType(err))
}

func TestManager_RunFullArchival_IsolatesFailures(t *testing.T) {
	cfg := testConfig(t)
	db := openSeededDB(t, cfg)
	insertHeadline(t, db, dateDaysAgo(400), "old")
	// second policy points at a table that does not exist
	cfg.Archival.Tables["ghost_table"] = config.TablePolicy{DateColumn: "date", RetentionDays: 30}

	m, err := NewManager(cfg, nil)
	require.NoError(t, err)

	result, err := m.RunFullArchival(context.Background(), db)
	require.NoError(t, err)

	assert.Equal(t, 1, result.TotalArchived)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "ghost_table")

	_, err = os.Stat(result.ReportFile)
	assert.NoError(t, err)
}

func TestManager_ArchiveLogs(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.LogDir, 0o755))

	oldLog := filepath.Join(cfg.LogDir, "canary_2024.log")
	require.NoError(t, os.WriteFile(oldLog, []byte("old entries"), 0o644))
	oldTime := time.Now().AddDate(0, 0, -(cfg.Archival.LogRetentionDays + 30))
	require.NoError(t, os.Chtimes(oldLog, oldTime, oldTime))

	freshLog := filepath.Join(cfg.LogDir, "canary_current.log")
	require.NoError(t, os.WriteFile(freshLog, []byte("fresh entries"), 0o644))

	m, err := NewManager(cfg, nil)
	require.NoError(t, err)

	bundle, count, err := m.ArchiveLogs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.NotEmpty(t, bundle)

	_, err = os.Stat(bundle)
	assert.NoError(t, err)
	_, err = os.Stat(oldLog)
	assert.True(t, os.IsNotExist(err), "expired log should be removed")
	_, err = os.Stat(freshLog)
	assert.NoError(t, err, "fresh log must survive")
}

func TestManager_ArchiveLogs_NothingExpired(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.LogDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(cfg.LogDir, "canary_current.log"), []byte("fresh"), 0o644))

	m, err := NewManager(cfg, nil)
	require.NoError(t, err)

	bundle, count, err := m.ArchiveLogs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, bundle)
	assert.Equal(t, 0, count)
}

func TestManager_ArchiveSummary(t *testing.T) {
	cfg := testConfig(t)
	db := openSeededDB(t, cfg)
	insertHeadline(t, db, dateDaysAgo(400), "old")

	m, err := NewManager(cfg, nil)
	require.NoError(t, err)

	// empty archive directory yields an empty summary, not an error
	empty, err := m.ArchiveSummary()
	require.NoError(t, err)
	assert.Equal(t, 0, empty.TotalFiles)

	_, err = m.RunFullArchival(context.Background(), db)
	require.NoError(t, err)

	summary, err := m.ArchiveSummary()
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalFiles)
	assert.Equal(t, 1, summary.FilesByKind["table_snapshot"])
	assert.Equal(t, 1, summary.FilesByKind["report"])
	assert.Greater(t, summary.TotalSizeBytes, int64(0))
	assert.NotEmpty(t, summary.NewestArchive)
}

func TestManager_ZstdSnapshots(t *testing.T) {
	cfg := testConfig(t)
	cfg.Archival.Compression = "zstd"
	db := openSeededDB(t, cfg)
	insertHeadline(t, db, dateDaysAgo(400), "old")

	m, err := NewManager(cfg, nil)
	require.NoError(t, err)

	result, err := m.ArchiveTable(context.Background(), db, "daily_headlines")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(result.ArchiveFile, ".json.zst"))

	snapshot, err := m.ReadSnapshot(result.ArchiveFile)
	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.RecordCount)
}
