package file

import "os"

// SyncDir is a no-op on windows, where directories cannot be fsynced.
func SyncDir(dirName string) error {
	return nil
}

// RenameFile will rename the source to target using os function. The
// target is removed first because windows refuses to rename over it.
func RenameFile(oldpath, newpath string) error {
	if _, err := os.Stat(newpath); err == nil {
		if err := os.Remove(newpath); err != nil {
			return err
		}
	}
	return os.Rename(oldpath, newpath)
}
