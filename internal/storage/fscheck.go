package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// fsInfo describes the filesystem holding a path.
type fsInfo struct {
	Name    string
	Network bool
}

// CheckLocalFilesystem rejects database paths on network filesystems, where
// SQLite locking is unreliable. Platforms without detection pass.
func CheckLocalFilesystem(path string) error {
	return checkLocalFilesystem(path, statFilesystem)
}

func checkLocalFilesystem(path string, stat func(string) (fsInfo, error)) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	existing, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}

	info, err := stat(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if info.Network {
		return fmt.Errorf("journal path %q is on network filesystem %q; point journal.path at local disk", path, info.Name)
	}
	return nil
}

// nearestExistingPath walks up from path to the first ancestor that exists, so a
// database that has not been created yet is checked against its parent.
func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing ancestor")
		}
		candidate = parent
	}
}
