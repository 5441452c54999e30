package restore

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/snoopyh42/CanaryProtocol/internal/errors"
)

// RestoreFullSystem restores a tar.gz bundle containing data/, config/, and
// logs/ subtrees. Extraction is staged: the bundle is unpacked into an
// isolated temporary directory and its structure validated before any live
// path is touched, so a corrupt or partial bundle can never half-clobber
// live state. The temporary directory is removed on every exit path.
func (c *Coordinator) RestoreFullSystem(ctx context.Context, bundlePath string) error {
	if _, err := os.Stat(bundlePath); err != nil {
		return errors.NewNotFoundError(
			fmt.Sprintf("backup bundle not found: %s", bundlePath), err)
	}
	if !strings.HasSuffix(bundlePath, ".tar.gz") {
		return errors.NewUnsupportedFormatError(
			fmt.Sprintf("full system restore requires a .tar.gz bundle, got %s", bundlePath), nil)
	}

	prompt := fmt.Sprintf("Restore full system from %s? This will overwrite current data.",
		filepath.Base(bundlePath))
	if c.confirm != nil && !c.confirm(prompt) {
		c.recordHistory(ctx, bundlePath, string(BackupTypeFullSystem), "", StatusCancelled,
			"declined by operator")
		c.logger.LogRestore(bundlePath, string(BackupTypeFullSystem), StatusCancelled, nil)
		return errors.NewConfirmationDeclinedError("full system restore declined")
	}

	tempDir, err := os.MkdirTemp("", "temp_restore_")
	if err != nil {
		return errors.NewStorageError("failed to create extraction directory", err)
	}
	defer os.RemoveAll(tempDir)

	if err := extractBundle(ctx, bundlePath, tempDir); err != nil {
		c.recordHistory(ctx, bundlePath, string(BackupTypeFullSystem), "", StatusFailed, err.Error())
		c.logger.LogRestore(bundlePath, string(BackupTypeFullSystem), StatusFailed, err)
		return err
	}

	bundleRoot, err := locateBundleRoot(tempDir)
	if err != nil {
		c.recordHistory(ctx, bundlePath, string(BackupTypeFullSystem), "", StatusFailed, err.Error())
		c.logger.LogRestore(bundlePath, string(BackupTypeFullSystem), StatusFailed, err)
		return err
	}

	if c.lock != nil {
		if err := c.lock.Acquire(c.cfg.LockTimeout); err != nil {
			return err
		}
		defer c.lock.Release()
	}

	safetyBackup, err := c.CreateSafetyBackup(c.cfg.DatabasePath)
	if err != nil {
		c.recordHistory(ctx, bundlePath, string(BackupTypeFullSystem), "", StatusFailed, err.Error())
		c.logger.LogRestore(bundlePath, string(BackupTypeFullSystem), StatusFailed, err)
		return err
	}

	if err := c.applyBundle(bundleRoot); err != nil {
		c.recordHistory(ctx, bundlePath, string(BackupTypeFullSystem), safetyBackup, StatusFailed, err.Error())
		c.logger.LogRestore(bundlePath, string(BackupTypeFullSystem), StatusFailed, err)
		return err
	}

	notes := ""
	if safetyBackup != "" {
		notes = fmt.Sprintf("Safety backup: %s", safetyBackup)
	}
	c.recordHistory(ctx, bundlePath, string(BackupTypeFullSystem), safetyBackup, StatusSuccess, notes)
	c.logger.LogRestore(bundlePath, string(BackupTypeFullSystem), StatusSuccess, nil)
	return nil
}

// applyBundle copies the validated bundle subtrees over live locations
func (c *Coordinator) applyBundle(bundleRoot string) error {
	dbSource := filepath.Join(bundleRoot, "data", "canary_protocol.db")
	if _, err := os.Stat(dbSource); err == nil {
		if err := c.overwriteDatabase(dbSource); err != nil {
			return err
		}
		c.logger.Info("Database restored from bundle")
	}

	if err := copyTree(filepath.Join(bundleRoot, "config"), c.cfg.ConfigDir); err != nil {
		return err
	}
	if err := copyTree(filepath.Join(bundleRoot, "logs"), c.cfg.LogDir); err != nil {
		return err
	}
	return nil
}

// locateBundleRoot finds the directory holding the data/config/logs
// subtrees. Bundles from older tooling wrap everything in a canary_backup_*
// directory; newer ones place the subtrees at the archive root. Either form
// is accepted, anything else is rejected before live state is touched.
func locateBundleRoot(tempDir string) (string, error) {
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		return "", errors.NewStorageError("failed to read extracted bundle", err)
	}

	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "canary_backup_") {
			return filepath.Join(tempDir, entry.Name()), nil
		}
	}

	for _, entry := range entries {
		if entry.IsDir() {
			switch entry.Name() {
			case "data", "config", "logs":
				return tempDir, nil
			}
		}
	}

	return "", errors.NewValidationError(
		"bundle does not contain a recognizable backup structure", nil)
}

// extractBundle unpacks a tar.gz into destDir, rejecting entries that would
// escape it.
func extractBundle(ctx context.Context, bundlePath, destDir string) error {
	f, err := os.Open(bundlePath)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to open bundle %s", bundlePath), err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.NewStorageError(
			fmt.Sprintf("bundle %s is not valid gzip", bundlePath), err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return errors.Classify(err)
		}

		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.NewStorageError(
				fmt.Sprintf("bundle %s is not a valid archive", bundlePath), err)
		}

		target, err := sanitizeEntryPath(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.NewStorageError(fmt.Sprintf("failed to create %s", target), err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errors.NewStorageError(
					fmt.Sprintf("failed to create %s", filepath.Dir(target)), err)
			}
			if err := writeEntry(target, tr); err != nil {
				return err
			}
		default:
			// symlinks and devices have no business in a backup bundle
		}
	}
}

func sanitizeEntryPath(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.Clean(name))
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", errors.NewValidationError(
			fmt.Sprintf("bundle entry escapes extraction directory: %s", name), nil)
	}
	return target, nil
}

func writeEntry(target string, r io.Reader) error {
	out, err := os.Create(target)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to create %s", target), err)
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to extract %s", target), err)
	}
	return nil
}

// copyTree copies all regular files under src into dst, creating dst as
// needed. A missing src is not an error; bundles may omit any subtree.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.NewStorageError(fmt.Sprintf("failed to stat %s", src), err)
	}
	if !info.IsDir() {
		return nil
	}

	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return errors.NewStorageError(fmt.Sprintf("failed to walk %s", src), err)
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return errors.NewStorageError(fmt.Sprintf("failed to resolve %s", path), err)
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.NewStorageError(fmt.Sprintf("failed to create %s", target), err)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := copyFile(path, target); err != nil {
			return errors.NewStorageError(fmt.Sprintf("failed to copy %s", path), err)
		}
		return nil
	})
}
