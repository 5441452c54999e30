package migration

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/snoopyh42/CanaryProtocol/internal/database"
	"github.com/snoopyh42/CanaryProtocol/internal/errors"
	"github.com/snoopyh42/CanaryProtocol/internal/logging"
)

const trackingTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

// Engine applies versioned schema migrations to the live database. Each
// migration runs in its own transaction together with its tracking-table
// insert, so a migration is either fully applied and recorded or leaves no
// trace.
type Engine struct {
	db         *sql.DB
	logger     *logging.Logger
	migrations []Migration
	lock       *database.FileLock
}

// NewEngine creates an engine over the built-in migration history
func NewEngine(db *sql.DB, logger *logging.Logger) *Engine {
	return NewEngineWithMigrations(db, logger, DefinedMigrations())
}

// NewEngineWithMigrations creates an engine with an explicit migration list
func NewEngineWithMigrations(db *sql.DB, logger *logging.Logger, migrations []Migration) *Engine {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Engine{
		db:         db,
		logger:     logger,
		migrations: sortMigrations(migrations),
	}
}

// SetLock attaches the advisory lock held across migration runs. When unset,
// the engine relies on the caller for serialization.
func (e *Engine) SetLock(lock *database.FileLock) {
	e.lock = lock
}

// EnsureTrackingTable creates the schema_migrations table if it does not
// exist. Safe to call repeatedly.
func (e *Engine) EnsureTrackingTable(ctx context.Context) error {
	if _, err := e.db.ExecContext(ctx, trackingTableSQL); err != nil {
		return errors.NewDatabaseError("failed to create migration tracking table", err)
	}
	return nil
}

// CurrentVersion returns the highest applied version, or VersionNone when no
// migration has been applied.
func (e *Engine) CurrentVersion(ctx context.Context) (string, error) {
	applied, err := e.AppliedVersions(ctx)
	if err != nil {
		return "", err
	}
	if len(applied) == 0 {
		return VersionNone, nil
	}
	return applied[len(applied)-1], nil
}

// AppliedMigrations returns the tracking-table rows sorted ascending by
// version.
func (e *Engine) AppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	if err := e.EnsureTrackingTable(ctx); err != nil {
		return nil, err
	}

	rows, err := e.db.QueryContext(ctx,
		"SELECT version, description, applied_at FROM schema_migrations")
	if err != nil {
		return nil, errors.NewDatabaseError("failed to query applied migrations", err)
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var m AppliedMigration
		if err := rows.Scan(&m.Version, &m.Description, &m.AppliedAt); err != nil {
			return nil, errors.NewDatabaseError("failed to scan migration row", err)
		}
		applied = append(applied, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError("failed to read applied migrations", err)
	}

	sorted := sortMigrationRows(applied)
	return sorted, nil
}

// AppliedVersions returns the applied version strings sorted ascending
func (e *Engine) AppliedVersions(ctx context.Context) ([]string, error) {
	applied, err := e.AppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(applied))
	for _, m := range applied {
		versions = append(versions, m.Version)
	}
	return versions, nil
}

// PendingMigrations returns defined migrations not yet applied, sorted
// ascending by version.
func (e *Engine) PendingMigrations(ctx context.Context) ([]Migration, error) {
	applied, err := e.AppliedVersions(ctx)
	if err != nil {
		return nil, err
	}

	appliedSet := make(map[string]bool, len(applied))
	for _, v := range applied {
		appliedSet[v] = true
	}

	var pending []Migration
	for _, m := range e.migrations {
		if !appliedSet[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// Status reports the current migration state of the database
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	applied, err := e.AppliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := e.PendingMigrations(ctx)
	if err != nil {
		return nil, err
	}

	status := &Status{
		CurrentVersion:  VersionNone,
		LatestVersion:   VersionNone,
		AppliedCount:    len(applied),
		PendingCount:    len(pending),
		AppliedVersions: applied,
	}
	if len(applied) > 0 {
		status.CurrentVersion = applied[len(applied)-1]
	}
	if len(e.migrations) > 0 {
		status.LatestVersion = e.migrations[len(e.migrations)-1].Version
	}
	for _, m := range pending {
		status.PendingVersions = append(status.PendingVersions, m.Version)
	}
	return status, nil
}

// ApplyPending applies all unapplied migrations in version order, stopping at
// targetVersion when one is given. Migrations are applied one transaction at
// a time; the first failure aborts the run and already-applied migrations
// stay applied.
func (e *Engine) ApplyPending(ctx context.Context, targetVersion string) (*ApplyResult, error) {
	result := &ApplyResult{AppliedVersions: []string{}}

	if err := ctx.Err(); err != nil {
		return result, errors.Classify(err)
	}
	if err := e.EnsureTrackingTable(ctx); err != nil {
		return result, err
	}

	if e.lock != nil {
		if err := e.lock.Acquire(30 * time.Second); err != nil {
			return result, err
		}
		defer e.lock.Release()
	}

	if targetVersion != "" && !e.isDefined(targetVersion) {
		return result, errors.NewNotFoundError(
			fmt.Sprintf("migration version %s is not defined", targetVersion), nil)
	}

	if err := e.checkAppliedPrefix(ctx); err != nil {
		return result, err
	}

	pending, err := e.PendingMigrations(ctx)
	if err != nil {
		return result, err
	}

	for _, m := range pending {
		if targetVersion != "" && CompareVersions(m.Version, targetVersion) > 0 {
			break
		}

		if err := ctx.Err(); err != nil {
			return result, errors.Classify(err)
		}

		if err := e.applyOne(ctx, m); err != nil {
			return result, err
		}
		result.Applied++
		result.AppliedVersions = append(result.AppliedVersions, m.Version)
		result.CurrentVersion = m.Version
	}

	if result.CurrentVersion == "" {
		current, err := e.CurrentVersion(ctx)
		if err != nil {
			return result, err
		}
		result.CurrentVersion = current
	}
	return result, nil
}

// applyOne runs one migration and its tracking insert inside a single
// transaction.
func (e *Engine) applyOne(ctx context.Context, m Migration) error {
	startTime := time.Now()

	err := database.WithTransaction(ctx, e.db, func(tx *sql.Tx) error {
		for i, stmt := range m.UpSQL {
			if stmt == "" {
				continue
			}
			if _, execErr := tx.ExecContext(ctx, stmt); execErr != nil {
				return errors.NewMigrationError(
					fmt.Sprintf("migration %s failed at statement %d", m.Version, i+1), execErr).
					WithContext("version", m.Version).
					WithContext("statement", stmt)
			}
		}
		if _, insErr := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			m.Version, m.Description); insErr != nil {
			return errors.NewMigrationError(
				fmt.Sprintf("failed to record migration %s", m.Version), insErr)
		}
		return nil
	})

	e.logger.LogMigrationApplied(m.Version, m.Description, time.Since(startTime), err)
	return err
}

// Rollback reverses the most recently applied migration. Only the current
// version may be rolled back, and only when it defines reverse statements.
func (e *Engine) Rollback(ctx context.Context, version string) error {
	if err := e.EnsureTrackingTable(ctx); err != nil {
		return err
	}

	if e.lock != nil {
		if err := e.lock.Acquire(30 * time.Second); err != nil {
			return err
		}
		defer e.lock.Release()
	}

	current, err := e.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if current == VersionNone {
		return errors.NewNotFoundError("no migrations have been applied", nil)
	}
	if CompareVersions(version, current) != 0 {
		return errors.NewMigrationError(
			fmt.Sprintf("only the current version %s can be rolled back, not %s", current, version), nil)
	}

	m, ok := e.findDefined(version)
	if !ok {
		return errors.NewNotFoundError(
			fmt.Sprintf("migration version %s is not defined", version), nil)
	}
	if !m.HasRollback() {
		return errors.NewMigrationError(
			fmt.Sprintf("migration %s does not support rollback", version), nil).
			WithContext("description", m.Description)
	}

	done := e.logger.LogOperationStart("migration_rollback", map[string]interface{}{
		"version": version,
	})

	err = database.WithTransaction(ctx, e.db, func(tx *sql.Tx) error {
		for i, stmt := range m.DownSQL {
			if stmt == "" {
				continue
			}
			if _, execErr := tx.ExecContext(ctx, stmt); execErr != nil {
				return errors.NewMigrationError(
					fmt.Sprintf("rollback of %s failed at statement %d", version, i+1), execErr).
					WithContext("statement", stmt)
			}
		}
		if _, delErr := tx.ExecContext(ctx,
			"DELETE FROM schema_migrations WHERE version = ?", version); delErr != nil {
			return errors.NewMigrationError(
				fmt.Sprintf("failed to remove migration record %s", version), delErr)
		}
		return nil
	})

	done(err)
	return err
}

// checkAppliedPrefix verifies the applied versions form an unbroken prefix of
// the defined history. A gap means the tracking table was edited by hand or
// the binary is older than the database, either way applying on top would
// produce an untested schema.
func (e *Engine) checkAppliedPrefix(ctx context.Context) error {
	applied, err := e.AppliedVersions(ctx)
	if err != nil {
		return err
	}

	appliedSet := make(map[string]bool, len(applied))
	for _, v := range applied {
		appliedSet[v] = true
	}

	highest := VersionNone
	if len(applied) > 0 {
		highest = applied[len(applied)-1]
	}

	for _, m := range e.migrations {
		if CompareVersions(m.Version, highest) < 0 && !appliedSet[m.Version] {
			return errors.NewMigrationError(
				fmt.Sprintf("migration history has a gap: %s is unapplied but %s is applied",
					m.Version, highest), nil)
		}
	}

	for _, v := range applied {
		if !e.isDefined(v) {
			return errors.NewMigrationError(
				fmt.Sprintf("applied version %s is not in the defined migration history", v), nil)
		}
	}
	return nil
}

func (e *Engine) isDefined(version string) bool {
	_, ok := e.findDefined(version)
	return ok
}

func (e *Engine) findDefined(version string) (Migration, bool) {
	for _, m := range e.migrations {
		if CompareVersions(m.Version, version) == 0 {
			return m, true
		}
	}
	return Migration{}, false
}
