package migration

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// VersionNone is the sentinel version reported when no migration has been
// applied
const VersionNone = "0.0.0"

// Migration is a named, versioned, ordered schema change with a forward
// statement list and an optional reverse statement list. Statements are kept
// as structured lists rather than a single string so literals containing
// semicolons cannot corrupt execution.
type Migration struct {
	Version     string   `json:"version"`
	Description string   `json:"description"`
	UpSQL       []string `json:"up_sql"`
	DownSQL     []string `json:"down_sql,omitempty"`
}

// HasRollback reports whether the migration carries reverse statements
func (m Migration) HasRollback() bool {
	return len(m.DownSQL) > 0
}

// AppliedMigration is a row from the tracking table
type AppliedMigration struct {
	Version     string    `json:"version"`
	Description string    `json:"description"`
	AppliedAt   time.Time `json:"applied_at"`
}

// ApplyResult summarizes one ApplyPending run
type ApplyResult struct {
	Applied         int      `json:"applied"`
	AppliedVersions []string `json:"applied_versions"`
	CurrentVersion  string   `json:"current_version"`
}

// Status describes the migration state of the database
type Status struct {
	CurrentVersion  string   `json:"current_version"`
	LatestVersion   string   `json:"latest_version"`
	AppliedCount    int      `json:"applied_count"`
	PendingCount    int      `json:"pending_count"`
	AppliedVersions []string `json:"applied_versions"`
	PendingVersions []string `json:"pending_versions"`
}

// UpToDate reports whether no migrations are pending
func (s *Status) UpToDate() bool {
	return s.PendingCount == 0
}

// CompareVersions orders two dotted version strings numerically per
// component. It returns -1, 0, or 1 as a is less than, equal to, or greater
// than b. Missing components compare as zero, so "1.1" equals "1.1.0".
func CompareVersions(a, b string) int {
	aParts := strings.Split(a, ".")
	bParts := strings.Split(b, ".")

	n := len(aParts)
	if len(bParts) > n {
		n = len(bParts)
	}

	for i := 0; i < n; i++ {
		av := versionComponent(aParts, i)
		bv := versionComponent(bParts, i)
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}
	return 0
}

func versionComponent(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
	if err != nil {
		return 0
	}
	return v
}

// sortMigrations returns a copy of the migrations sorted ascending by version
func sortMigrations(migrations []Migration) []Migration {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool {
		return CompareVersions(sorted[i].Version, sorted[j].Version) < 0
	})
	return sorted
}

// sortMigrationRows returns a copy of the tracking rows sorted ascending by
// version
func sortMigrationRows(rows []AppliedMigration) []AppliedMigration {
	sorted := make([]AppliedMigration, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool {
		return CompareVersions(sorted[i].Version, sorted[j].Version) < 0
	})
	return sorted
}
