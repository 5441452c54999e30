package verification

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/snoopyh42/CanaryProtocol/internal/errors"
)

// FileChecksum computes the SHA-256 digest of a file as a lowercase hex
// string. The file is streamed so backups larger than memory are fine.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NewNotFoundError(fmt.Sprintf("file not found: %s", path), err)
		}
		return "", errors.NewStorageError(fmt.Sprintf("failed to open %s", path), err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.NewStorageError(fmt.Sprintf("failed to read %s", path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
