//go:build !windows

package installer

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// canReplace reports whether path can be swapped out: its parent must accept new entries and,
// for a directory bundle, the bundle itself must be writable. Nothing is written.
func canReplace(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		log.Debugf("bundle %s is not accessible: %v", path, err)
		return false
	}

	if err := unix.Access(filepath.Dir(path), unix.W_OK|unix.X_OK); err != nil {
		log.Debugf("parent of %s is not writable: %v", path, err)
		return false
	}
	if info.IsDir() {
		if err := unix.Access(path, unix.W_OK|unix.X_OK); err != nil {
			log.Debugf("bundle %s is not writable: %v", path, err)
			return false
		}
	}
	return true
}
