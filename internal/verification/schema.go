package verification

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/snoopyh42/CanaryProtocol/internal/errors"
)

// ColumnInfo describes one column as reported by the storage engine
type ColumnInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NotNull    bool   `json:"not_null"`
	PrimaryKey bool   `json:"primary_key"`
}

// TableInfo describes one user table
type TableInfo struct {
	Name     string       `json:"name"`
	Columns  []ColumnInfo `json:"columns"`
	RowCount int64        `json:"row_count"`
}

// SchemaInfo is a point-in-time snapshot of a database's user tables
type SchemaInfo struct {
	Tables map[string]TableInfo `json:"tables"`
}

// TableNames returns the table names sorted ascending
func (s *SchemaInfo) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasTable reports whether the schema contains the named table
func (s *SchemaInfo) HasTable(name string) bool {
	_, ok := s.Tables[name]
	return ok
}

// InspectSchema reads the table list, column definitions, and row counts of
// every user table. Internal sqlite_* tables are skipped.
func InspectSchema(ctx context.Context, db *sql.DB) (*SchemaInfo, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, errors.NewDatabaseError("failed to list tables", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.NewDatabaseError("failed to scan table name", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError("failed to read table list", err)
	}

	info := &SchemaInfo{Tables: make(map[string]TableInfo, len(names))}
	for _, name := range names {
		table, err := inspectTable(ctx, db, name)
		if err != nil {
			return nil, err
		}
		info.Tables[name] = table
	}
	return info, nil
}

func inspectTable(ctx context.Context, db *sql.DB, name string) (TableInfo, error) {
	table := TableInfo{Name: name}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", name))
	if err != nil {
		return table, errors.NewDatabaseError(
			fmt.Sprintf("failed to read columns of %s", name), err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			col        ColumnInfo
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &col.Name, &col.Type, &notNull, &defaultVal, &pk); err != nil {
			return table, errors.NewDatabaseError(
				fmt.Sprintf("failed to scan column of %s", name), err)
		}
		col.NotNull = notNull != 0
		col.PrimaryKey = pk != 0
		table.Columns = append(table.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return table, errors.NewDatabaseError(
			fmt.Sprintf("failed to read columns of %s", name), err)
	}

	if err := db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %q", name)).Scan(&table.RowCount); err != nil {
		return table, errors.NewDatabaseError(
			fmt.Sprintf("failed to count rows of %s", name), err)
	}
	return table, nil
}
