// Package file provides crash-safe file replacement.
package file

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
)

// WriteFileAtomic writes data to a temporary file next to path and renames
// it over path, so readers see either the old or the new contents.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return multierr.Append(fmt.Errorf("write: %w", err), tmp.Close())
	}
	if err := tmp.Sync(); err != nil {
		return multierr.Append(fmt.Errorf("sync: %w", err), tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}

	if err := RenameFile(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return SyncDir(dir)
}
