package archival

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/snoopyh42/CanaryProtocol/internal/errors"
)

// ArchiveLogs bundles log files older than the log retention window into a
// tar.gz under the archive directory and deletes the originals. The bundle
// is written and renamed into place before any log file is removed. Returns
// the bundle path and the number of files archived; when nothing is old
// enough it returns an empty path.
func (m *Manager) ArchiveLogs(ctx context.Context) (string, int, error) {
	cutoff := time.Now().AddDate(0, 0, -m.cfg.Archival.LogRetentionDays)

	entries, err := os.ReadDir(m.cfg.LogDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, nil
		}
		return "", 0, errors.NewStorageError(
			fmt.Sprintf("failed to read log directory %s", m.cfg.LogDir), err)
	}

	var expired []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			expired = append(expired, filepath.Join(m.cfg.LogDir, entry.Name()))
		}
	}
	if len(expired) == 0 {
		return "", 0, nil
	}

	if err := ctx.Err(); err != nil {
		return "", 0, errors.Classify(err)
	}

	if err := os.MkdirAll(m.cfg.ArchiveDir, 0o755); err != nil {
		return "", 0, errors.NewStorageError(
			fmt.Sprintf("failed to create archive directory %s", m.cfg.ArchiveDir), err)
	}

	bundlePath := filepath.Join(m.cfg.ArchiveDir,
		fmt.Sprintf("logs_%s.tar.gz", time.Now().UTC().Format("20060102_150405")))
	if err := writeLogBundle(bundlePath, expired); err != nil {
		return "", 0, err
	}

	for _, path := range expired {
		if err := os.Remove(path); err != nil {
			m.logger.WithField("file", path).Warnf("Failed to remove archived log: %v", err)
		}
	}

	m.logger.WithFields(map[string]interface{}{
		"bundle": bundlePath,
		"files":  len(expired),
	}).Info("Log files archived")

	return bundlePath, len(expired), nil
}

func writeLogBundle(bundlePath string, files []string) error {
	tempPath := bundlePath + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to create %s", tempPath), err)
	}
	defer os.Remove(tempPath)

	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)

	for _, path := range files {
		if err := addLogToBundle(tw, path); err != nil {
			tw.Close()
			gw.Close()
			f.Close()
			return err
		}
	}

	if err := tw.Close(); err != nil {
		gw.Close()
		f.Close()
		return errors.NewStorageError("failed to finish log bundle", err)
	}
	if err := gw.Close(); err != nil {
		f.Close()
		return errors.NewStorageError("failed to finish log bundle", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.NewStorageError("failed to sync log bundle", err)
	}
	if err := f.Close(); err != nil {
		return errors.NewStorageError("failed to close log bundle", err)
	}

	if err := os.Rename(tempPath, bundlePath); err != nil {
		return errors.NewStorageError(
			fmt.Sprintf("failed to move log bundle to %s", bundlePath), err)
	}
	return nil
}

func addLogToBundle(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to open log %s", path), err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to stat log %s", path), err)
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to describe log %s", path), err)
	}
	header.Name = filepath.Base(path)

	if err := tw.WriteHeader(header); err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to add log %s", path), err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to add log %s", path), err)
	}
	return nil
}
