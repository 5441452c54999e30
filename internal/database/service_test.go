package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snoopyh42/CanaryProtocol/internal/errors"
)

func openTestDB(t *testing.T) (*Service, *sql.DB, string) {
	t.Helper()

	svc := NewService(nil)
	path := filepath.Join(t.TempDir(), "canary_protocol.db")

	db, err := svc.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return svc, db, path
}

func TestService_Open_CreatesParentDirectory(t *testing.T) {
	svc := NewService(nil)
	path := filepath.Join(t.TempDir(), "nested", "dir", "canary.db")

	db, err := svc.Open(path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestService_Open_EmptyPath(t *testing.T) {
	svc := NewService(nil)

	_, err := svc.Open("")
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeValidation, errors.GetErrorType(err))
}

func TestService_OpenReadOnly_MissingFile(t *testing.T) {
	svc := NewService(nil)

	_, err := svc.OpenReadOnly(filepath.Join(t.TempDir(), "absent.db"))
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestWithTransaction_Commit(t *testing.T) {
	_, db, _ := openTestDB(t)
	ctx := context.Background()

	_, err := db.Exec("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
	require.NoError(t, err)

	err = WithTransaction(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO items (name) VALUES ('a'), ('b')")
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM items").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestWithTransaction_RollbackOnError(t *testing.T) {
	_, db, _ := openTestDB(t)
	ctx := context.Background()

	_, err := db.Exec("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
	require.NoError(t, err)

	err = WithTransaction(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO items (name) VALUES ('kept?')"); err != nil {
			return err
		}
		return fmt.Errorf("deliberate failure")
	})
	require.Error(t, err)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM items").Scan(&count))
	assert.Equal(t, 0, count, "rolled-back insert must not be visible")
}

func TestWithTransaction_CommitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(fmt.Errorf("disk I/O error"))

	err = WithTransaction(context.Background(), db, func(tx *sql.Tx) error {
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeDatabase, errors.GetErrorType(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteStatements_AtomicBatch(t *testing.T) {
	svc, db, _ := openTestDB(t)
	ctx := context.Background()

	err := svc.ExecuteStatements(ctx, db, []string{
		"CREATE TABLE a (id INTEGER PRIMARY KEY)",
		"CREATE TABLE b (id INTEGER PRIMARY KEY)",
	})
	require.NoError(t, err)

	// Second batch fails on its last statement; the whole batch rolls back
	err = svc.ExecuteStatements(ctx, db, []string{
		"CREATE TABLE c (id INTEGER PRIMARY KEY)",
		"CREATE TABLE a (id INTEGER PRIMARY KEY)", // already exists
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeDatabase, errors.GetErrorType(err))

	var count int
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='c'").Scan(&count))
	assert.Equal(t, 0, count, "failed batch must not leave partial state")
}

func TestExecuteStatements_EmptyBatch(t *testing.T) {
	svc, db, _ := openTestDB(t)

	assert.NoError(t, svc.ExecuteStatements(context.Background(), db, nil))
	assert.NoError(t, svc.ExecuteStatements(context.Background(), db, []string{""}))
}

func TestFileLock_AcquireRelease(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "canary.lock")

	lock := NewFileLock(lockPath)
	require.NoError(t, lock.Acquire(time.Second))
	assert.True(t, lock.Held())

	_, err := os.Stat(lockPath)
	assert.NoError(t, err, "lock file should exist while held")

	require.NoError(t, lock.Release())
	assert.False(t, lock.Held())

	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err), "lock file should be removed on release")
}

func TestFileLock_Contention(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "canary.lock")

	first := NewFileLock(lockPath)
	require.NoError(t, first.Acquire(time.Second))
	defer first.Release()

	second := NewFileLock(lockPath)
	err := second.Acquire(200 * time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeLock, errors.GetErrorType(err))
}

func TestFileLock_StaleReclaim(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "canary.lock")

	// Simulate a lock abandoned by a crashed process; the pid is above any
	// kernel pid_max so no process can own it
	require.NoError(t, os.WriteFile(lockPath, []byte("999999999\n"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	lock := NewFileLock(lockPath)
	require.NoError(t, lock.Acquire(2*time.Second))
	defer lock.Release()

	assert.True(t, lock.Held())
}

func TestFileLock_StaleLockWithLiveOwnerNotReclaimed(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "canary.lock")

	// An old lock file whose recorded owner is still running must be left
	// alone, even past the stale cutoff
	require.NoError(t, os.WriteFile(lockPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	lock := NewFileLock(lockPath)
	err := lock.Acquire(300 * time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeLock, errors.GetErrorType(err))

	_, statErr := os.Stat(lockPath)
	assert.NoError(t, statErr, "lock file owned by a live process should survive")
}

func TestFileLock_ReleaseUnheld(t *testing.T) {
	lock := NewFileLock(filepath.Join(t.TempDir(), "canary.lock"))
	assert.NoError(t, lock.Release())
}
