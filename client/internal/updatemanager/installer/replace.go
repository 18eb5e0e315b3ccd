package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/extract"
)

const backupSuffix = ".selfupdate-backup"

// replaceBundle swaps the staged bundle in for the installed one. The installed bundle is kept as a
// backup until the new one is in place and restored when the swap fails.
func replaceBundle(ctx context.Context, staged, target string) error {
	info, err := os.Lstat(target)
	if err != nil {
		return fmt.Errorf("stat installed bundle: %w", err)
	}

	source := staged
	if !info.IsDir() {
		// a single file bundle ships under its own name in the archive
		source = filepath.Join(staged, filepath.Base(target))
	}
	if _, err := os.Lstat(source); err != nil {
		return fmt.Errorf("staged bundle has no %s: %w", filepath.Base(source), err)
	}

	backup := target + backupSuffix
	if err := os.RemoveAll(backup); err != nil {
		return fmt.Errorf("remove stale backup: %w", err)
	}
	if err := os.Rename(target, backup); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	if err := move(ctx, source, target); err != nil {
		if rbErr := rollback(backup, target); rbErr != nil {
			return fmt.Errorf("installing new bundle: %w (rollback failed: %v)", err, rbErr)
		}
		return fmt.Errorf("installing new bundle: %w", err)
	}

	if !info.IsDir() {
		if err := os.Chmod(target, info.Mode().Perm()); err != nil {
			log.Warnf("failed to restore permissions of %s: %v", target, err)
		}
	}

	if err := os.RemoveAll(backup); err != nil {
		log.Warnf("failed to remove backup %s: %v", backup, err)
	}
	return nil
}

// move renames src to dst, copying when they live on different filesystems
func move(ctx context.Context, src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	log.Debugf("rename %s failed, copying instead: %v", src, err)

	if err := extract.CopyTree(ctx, src, dst); err != nil {
		_ = os.RemoveAll(dst)
		return err
	}
	if err := os.RemoveAll(src); err != nil {
		log.Warnf("failed to remove %s: %v", src, err)
	}
	return nil
}

// rollback restores the backup over a partially installed bundle
func rollback(backup, target string) error {
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	return os.Rename(backup, target)
}
