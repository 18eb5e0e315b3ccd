//go:build !windows

package util

import (
	"os"
	"path/filepath"
)

// EnforcePermission makes the directory holding file writable only by its owner, others may read it
func EnforcePermission(file string) error {
	return os.Chmod(filepath.Dir(file), 0o755)
}
