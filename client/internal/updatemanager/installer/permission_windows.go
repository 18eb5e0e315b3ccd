package installer

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// canReplace tests the bundle's parent directory with a short-lived file
func canReplace(path string) bool {
	if _, err := os.Lstat(path); err != nil {
		log.Debugf("bundle %s is not accessible: %v", path, err)
		return false
	}

	scratch, err := os.CreateTemp(filepath.Dir(path), ".selfupdate-write-*")
	if err != nil {
		log.Debugf("parent of %s is not writable: %v", path, err)
		return false
	}
	_ = scratch.Close()
	_ = os.Remove(scratch.Name())
	return true
}
