//go:build !windows

package session

import (
	"fmt"

	"github.com/google/renameio/v2"
)

// writeFileAtomic writes data to path via temp file, fsync and rename.
func writeFileAtomic(path string, data []byte) error {
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("atomically write %s: %w", path, err)
	}
	return nil
}
