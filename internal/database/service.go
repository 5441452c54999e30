package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // CGO-free SQLite driver

	"github.com/snoopyh42/CanaryProtocol/internal/errors"
	"github.com/snoopyh42/CanaryProtocol/internal/logging"
)

// Service provides access to the single-file SQLite database
type Service struct {
	logger *logging.Logger
}

// NewService creates a new database service
func NewService(logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Service{logger: logger}
}

// Open opens the database file, creating parent directories as needed. The
// connection pool is restricted to a single connection because the storage
// engine permits only one writer.
func (s *Service) Open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.NewValidationError("database path is required", nil)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.NewStorageError(fmt.Sprintf("failed to create database directory %s", dir), err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.NewDatabaseError(fmt.Sprintf("failed to open database %s", path), err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errors.NewDatabaseError("failed to enable foreign keys", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, errors.NewDatabaseError("failed to set busy timeout", err)
	}

	s.logger.WithField("path", path).Debug("Database opened")
	return db, nil
}

// OpenReadOnly opens an existing database file without creating it. Used for
// inspecting backup artifacts.
func (s *Service) OpenReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.NewNotFoundError(fmt.Sprintf("database file not found: %s", path), err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.NewDatabaseError(fmt.Sprintf("failed to open database %s", path), err)
	}
	db.SetMaxOpenConns(1)

	return db, nil
}

// Close closes the database connection
func (s *Service) Close(db *sql.DB) error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return errors.NewDatabaseError("failed to close database", err)
	}
	return nil
}

// WithTransaction executes fn inside a transaction. The transaction is
// committed when fn returns nil and rolled back otherwise, so fn is
// all-or-nothing.
func WithTransaction(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewDatabaseError("failed to begin transaction", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.NewDatabaseError("rollback failed after transaction error", rbErr).
				WithContext("original_error", err.Error())
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.NewDatabaseError("failed to commit transaction", err)
	}
	return nil
}

// ExecuteStatements executes an ordered statement list inside one
// transaction. A failure of any statement rolls back all of them.
func (s *Service) ExecuteStatements(ctx context.Context, db *sql.DB, statements []string) error {
	if db == nil {
		return errors.NewValidationError("database connection is nil", nil)
	}
	if len(statements) == 0 {
		s.logger.Debug("No SQL statements to execute")
		return nil
	}

	return WithTransaction(ctx, db, func(tx *sql.Tx) error {
		for i, stmt := range statements {
			if stmt == "" {
				continue
			}

			startTime := time.Now()
			_, execErr := tx.ExecContext(ctx, stmt)
			duration := time.Since(startTime)

			if execErr != nil {
				s.logger.WithFields(map[string]interface{}{
					"statement_index": i,
					"duration":        duration.String(),
					"error":           execErr.Error(),
				}).Error("SQL execution failed")
				return errors.NewDatabaseError(
					fmt.Sprintf("failed to execute statement %d", i+1), execErr).
					WithContext("statement", stmt)
			}
		}
		return nil
	})
}
