package restore

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

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
		ConfigDir:       filepath.Join(root, "config"),
	}
	cfg.SetDefaults()
	return cfg
}

// seedDatabase writes a small database at path with one marker row
func seedDatabase(t *testing.T, path, marker string) {
	t.Helper()

	svc := database.NewService(nil)
	db, err := svc.Open(path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("CREATE TABLE IF NOT EXISTS markers (id INTEGER PRIMARY KEY, value TEXT)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO markers (value) VALUES (?)", marker)
	require.NoError(t, err)
}

func readMarker(t *testing.T, path string) string {
	t.Helper()

	svc := database.NewService(nil)
	db, err := svc.OpenReadOnly(path)
	require.NoError(t, err)
	defer db.Close()

	var marker string
	require.NoError(t, db.QueryRow("SELECT value FROM markers LIMIT 1").Scan(&marker))
	return marker
}

// buildBundle writes a tar.gz containing the given name->content entries
func buildBundle(t *testing.T, path string, files map[string]string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)

	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := io.WriteString(tw, content)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
}

func TestDetectBackupType(t *testing.T) {
	tests := []struct {
		name     string
		expected BackupType
		wantErr  bool
	}{
		{"canary_backup.db", BackupTypeDatabase, false},
		{"export.json", BackupTypeJSONData, false},
		{"canary_backup_20250101.tar.gz", BackupTypeFullSystem, false},
		{"dump.sql", BackupTypeSQLDump, false},
		{"bundle.zip", BackupTypeArchive, false},
		{"notes.txt", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detected, err := DetectBackupType(tt.name)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errors.ErrorTypeUnsupportedFormat, errors.GetErrorType(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, detected)
		})
	}
}

func TestCoordinator_ListAvailableBackups(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.BackupDir, 0o755))

	seedDatabase(t, filepath.Join(cfg.BackupDir, "backup_a.db"), "a")
	require.NoError(t, os.WriteFile(filepath.Join(cfg.BackupDir, "dump.sql"), []byte("SELECT 1;"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.BackupDir, "readme.txt"), []byte("ignored"), 0o644))

	c := NewCoordinator(cfg, nil)
	backups, err := c.ListAvailableBackups()
	require.NoError(t, err)
	require.Len(t, backups, 2)

	types := map[BackupType]bool{}
	for _, b := range backups {
		types[b.Type] = true
		assert.NotEmpty(t, b.Checksum)
		assert.Greater(t, b.SizeBytes, int64(0))
	}
	assert.True(t, types[BackupTypeDatabase])
	assert.True(t, types[BackupTypeSQLDump])
}

func TestCoordinator_CreateSafetyBackup(t *testing.T) {
	cfg := testConfig(t)
	seedDatabase(t, cfg.DatabasePath, "live")

	c := NewCoordinator(cfg, nil)
	safety, err := c.CreateSafetyBackup(cfg.DatabasePath)
	require.NoError(t, err)
	assert.Contains(t, safety, ".safety_backup.")
	assert.Equal(t, "live", readMarker(t, safety))

	// a missing target needs no protection
	none, err := c.CreateSafetyBackup(filepath.Join(t.TempDir(), "absent.db"))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCoordinator_RestoreDatabase(t *testing.T) {
	cfg := testConfig(t)
	seedDatabase(t, cfg.DatabasePath, "live")

	require.NoError(t, os.MkdirAll(cfg.BackupDir, 0o755))
	backup := filepath.Join(cfg.BackupDir, "canary_backup.db")
	seedDatabase(t, backup, "from-backup")

	prompted := false
	c := NewCoordinator(cfg, nil)
	c.SetConfirm(func(prompt string) bool {
		prompted = true
		return true
	})

	require.NoError(t, c.RestoreDatabase(context.Background(), backup))
	assert.True(t, prompted)
	assert.Equal(t, "from-backup", readMarker(t, cfg.DatabasePath))

	// exactly one safety backup beside the live database
	matches, err := filepath.Glob(cfg.DatabasePath + ".safety_backup.*")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "live", readMarker(t, matches[0]))

	// exactly one audit row
	history, err := c.RestoreHistory(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StatusSuccess, history[0].Status)
	assert.Equal(t, backup, history[0].BackupFile)
	assert.Equal(t, matches[0], history[0].SafetyBackup)
}

func TestCoordinator_RestoreDatabase_Declined(t *testing.T) {
	cfg := testConfig(t)
	seedDatabase(t, cfg.DatabasePath, "live")

	require.NoError(t, os.MkdirAll(cfg.BackupDir, 0o755))
	backup := filepath.Join(cfg.BackupDir, "canary_backup.db")
	seedDatabase(t, backup, "from-backup")

	c := NewCoordinator(cfg, nil)
	c.SetConfirm(func(prompt string) bool { return false })

	err := c.RestoreDatabase(context.Background(), backup)
	require.Error(t, err)
	assert.True(t, errors.IsConfirmationDeclined(err))

	// live database untouched, but the attempt is still audited
	assert.Equal(t, "live", readMarker(t, cfg.DatabasePath))
	history, herr := c.RestoreHistory(context.Background(), 0)
	require.NoError(t, herr)
	require.Len(t, history, 1)
	assert.Equal(t, StatusCancelled, history[0].Status)
}

func TestCoordinator_RestoreDatabase_FailedOverwriteIsAudited(t *testing.T) {
	cfg := testConfig(t)
	seedDatabase(t, cfg.DatabasePath, "live")

	require.NoError(t, os.MkdirAll(cfg.BackupDir, 0o755))
	backup := filepath.Join(cfg.BackupDir, "canary_backup.db")
	seedDatabase(t, backup, "from-backup")

	// a directory squatting on the staging path makes the overwrite fail
	// after the safety backup has already been taken
	require.NoError(t, os.Mkdir(cfg.DatabasePath+".restore_tmp", 0o755))

	c := NewCoordinator(cfg, nil)
	c.SetConfirm(func(string) bool { return true })

	err := c.RestoreDatabase(context.Background(), backup)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeStorage, errors.GetErrorType(err))

	// live database untouched, safety backup kept for the operator
	assert.Equal(t, "live", readMarker(t, cfg.DatabasePath))
	matches, gerr := filepath.Glob(cfg.DatabasePath + ".safety_backup.*")
	require.NoError(t, gerr)
	require.Len(t, matches, 1)

	history, herr := c.RestoreHistory(context.Background(), 0)
	require.NoError(t, herr)
	require.Len(t, history, 1)
	assert.Equal(t, StatusFailed, history[0].Status)
	assert.Equal(t, backup, history[0].BackupFile)
	assert.Equal(t, matches[0], history[0].SafetyBackup)
	assert.NotEmpty(t, history[0].Notes)
}

func TestCoordinator_RestoreDatabase_MissingBackup(t *testing.T) {
	cfg := testConfig(t)
	seedDatabase(t, cfg.DatabasePath, "live")

	c := NewCoordinator(cfg, nil)
	err := c.RestoreDatabase(context.Background(), filepath.Join(cfg.BackupDir, "absent.db"))
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, "live", readMarker(t, cfg.DatabasePath))
}

func TestCoordinator_RestoreFromBackup_Dispatch(t *testing.T) {
	cfg := testConfig(t)
	seedDatabase(t, cfg.DatabasePath, "live")

	require.NoError(t, os.MkdirAll(cfg.BackupDir, 0o755))
	dump := filepath.Join(cfg.BackupDir, "dump.sql")
	require.NoError(t, os.WriteFile(dump, []byte("SELECT 1;"), 0o644))

	c := NewCoordinator(cfg, nil)
	err := c.RestoreFromBackup(context.Background(), dump, "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeUnsupportedFormat, errors.GetErrorType(err))

	backup := filepath.Join(cfg.BackupDir, "canary_backup.db")
	seedDatabase(t, backup, "from-backup")
	require.NoError(t, c.RestoreFromBackup(context.Background(), backup, ""))
	assert.Equal(t, "from-backup", readMarker(t, cfg.DatabasePath))
}

func TestCoordinator_RestoreFullSystem(t *testing.T) {
	cfg := testConfig(t)
	seedDatabase(t, cfg.DatabasePath, "live")

	// stage a bundle database and wrap it the way the packaging tooling does
	staging := t.TempDir()
	bundleDB := filepath.Join(staging, "bundle.db")
	seedDatabase(t, bundleDB, "from-bundle")
	dbBytes, err := os.ReadFile(bundleDB)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(cfg.BackupDir, 0o755))
	bundle := filepath.Join(cfg.BackupDir, "canary_backup_20250101.tar.gz")
	buildBundle(t, bundle, map[string]string{
		"canary_backup_20250101/data/canary_protocol.db": string(dbBytes),
		"canary_backup_20250101/config/settings.yaml":    "retention: 365\n",
		"canary_backup_20250101/logs/canary.log":         "log line\n",
	})

	c := NewCoordinator(cfg, nil)
	require.NoError(t, c.RestoreFullSystem(context.Background(), bundle))

	assert.Equal(t, "from-bundle", readMarker(t, cfg.DatabasePath))

	settings, err := os.ReadFile(filepath.Join(cfg.ConfigDir, "settings.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "retention: 365\n", string(settings))

	logLine, err := os.ReadFile(filepath.Join(cfg.LogDir, "canary.log"))
	require.NoError(t, err)
	assert.Equal(t, "log line\n", string(logLine))

	history, err := c.RestoreHistory(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StatusSuccess, history[0].Status)
	assert.Equal(t, string(BackupTypeFullSystem), history[0].RestoreType)
}

func TestCoordinator_RestoreFullSystem_SubtreesAtRoot(t *testing.T) {
	cfg := testConfig(t)

	staging := t.TempDir()
	bundleDB := filepath.Join(staging, "bundle.db")
	seedDatabase(t, bundleDB, "from-bundle")
	dbBytes, err := os.ReadFile(bundleDB)
	require.NoError(t, err)

	bundle := filepath.Join(staging, "flat_bundle.tar.gz")
	buildBundle(t, bundle, map[string]string{
		"data/canary_protocol.db": string(dbBytes),
	})

	c := NewCoordinator(cfg, nil)
	require.NoError(t, c.RestoreFullSystem(context.Background(), bundle))
	assert.Equal(t, "from-bundle", readMarker(t, cfg.DatabasePath))
}

func TestCoordinator_RestoreFullSystem_InvalidStructure(t *testing.T) {
	cfg := testConfig(t)
	seedDatabase(t, cfg.DatabasePath, "live")

	bundle := filepath.Join(t.TempDir(), "junk.tar.gz")
	buildBundle(t, bundle, map[string]string{
		"random/file.txt": "not a backup",
	})

	c := NewCoordinator(cfg, nil)
	err := c.RestoreFullSystem(context.Background(), bundle)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeValidation, errors.GetErrorType(err))

	// validation happened before any live path was touched
	assert.Equal(t, "live", readMarker(t, cfg.DatabasePath))

	history, herr := c.RestoreHistory(context.Background(), 0)
	require.NoError(t, herr)
	require.Len(t, history, 1)
	assert.Equal(t, StatusFailed, history[0].Status)
}

func TestCoordinator_RestoreFullSystem_RejectsEscapingEntries(t *testing.T) {
	cfg := testConfig(t)

	bundle := filepath.Join(t.TempDir(), "evil.tar.gz")
	buildBundle(t, bundle, map[string]string{
		"../escape.txt": "outside",
	})

	c := NewCoordinator(cfg, nil)
	err := c.RestoreFullSystem(context.Background(), bundle)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeValidation, errors.GetErrorType(err))
}

func TestCoordinator_RestoreFullSystem_WrongExtension(t *testing.T) {
	cfg := testConfig(t)

	file := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	c := NewCoordinator(cfg, nil)
	err := c.RestoreFullSystem(context.Background(), file)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeUnsupportedFormat, errors.GetErrorType(err))
}

func TestCoordinator_RestoreHistory_Order(t *testing.T) {
	cfg := testConfig(t)
	seedDatabase(t, cfg.DatabasePath, "live")

	require.NoError(t, os.MkdirAll(cfg.BackupDir, 0o755))
	backup := filepath.Join(cfg.BackupDir, "canary_backup.db")
	seedDatabase(t, backup, "from-backup")

	c := NewCoordinator(cfg, nil)
	declined := true
	c.SetConfirm(func(string) bool {
		approve := !declined
		declined = false
		return approve
	})

	// first attempt declined, second approved
	err := c.RestoreDatabase(context.Background(), backup)
	require.Error(t, err)
	require.NoError(t, c.RestoreDatabase(context.Background(), backup))

	history, err := c.RestoreHistory(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, StatusSuccess, history[0].Status, "newest first")
	assert.Equal(t, StatusCancelled, history[1].Status)

	limited, err := c.RestoreHistory(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, StatusSuccess, limited[0].Status)
}
