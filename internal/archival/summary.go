package archival

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/snoopyh42/CanaryProtocol/internal/errors"
)

// Summary is a read-only aggregation of the archive directory
type Summary struct {
	TotalFiles     int            `json:"total_files"`
	TotalSizeBytes int64          `json:"total_size_bytes"`
	FilesByKind    map[string]int `json:"files_by_kind"`
	OldestArchive  string         `json:"oldest_archive,omitempty"`
	NewestArchive  string         `json:"newest_archive,omitempty"`
}

// ArchiveSummary scans the archive directory and aggregates file counts and
// sizes by kind. It never opens or modifies the archives.
func (m *Manager) ArchiveSummary() (*Summary, error) {
	summary := &Summary{FilesByKind: make(map[string]int)}

	entries, err := os.ReadDir(m.cfg.ArchiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return summary, nil
		}
		return nil, errors.NewStorageError(
			fmt.Sprintf("failed to read archive directory %s", m.cfg.ArchiveDir), err)
	}

	var oldest, newest time.Time
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		summary.TotalFiles++
		summary.TotalSizeBytes += info.Size()
		summary.FilesByKind[archiveKind(entry.Name())]++

		if oldest.IsZero() || info.ModTime().Before(oldest) {
			oldest = info.ModTime()
			summary.OldestArchive = filepath.Join(m.cfg.ArchiveDir, entry.Name())
		}
		if newest.IsZero() || info.ModTime().After(newest) {
			newest = info.ModTime()
			summary.NewestArchive = filepath.Join(m.cfg.ArchiveDir, entry.Name())
		}
	}
	return summary, nil
}

func archiveKind(name string) string {
	switch {
	case strings.HasSuffix(name, ".json.gz"),
		strings.HasSuffix(name, ".json.zst"),
		strings.HasSuffix(name, ".json.lz4"):
		return "table_snapshot"
	case strings.HasPrefix(name, "logs_") && strings.HasSuffix(name, ".tar.gz"):
		return "log_bundle"
	case strings.HasPrefix(name, "archival_report_") && strings.HasSuffix(name, ".json"):
		return "report"
	default:
		return "other"
	}
}
