package extract

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// DeltaRemoveManifest lists, one relative path per line, the files a delta archive deletes from the base bundle
const DeltaRemoveManifest = ".delta-remove"

// ApplyDelta rebuilds a full bundle in destDir from the installed bundle at baseDir and a delta archive:
// the base is copied, the archive entries are laid over it and the paths named in the archive's
// removal manifest are deleted. baseDir is only read. On failure destDir is removed.
func ApplyDelta(ctx context.Context, archivePath, baseDir, destDir string, progress Progress) (err error) {
	reporter := newReporter(progress)

	info, err := os.Stat(baseDir)
	if err != nil {
		return fmt.Errorf("stat base bundle: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("base bundle %s is not a directory", baseDir)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create dest dir: %w", err)
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(destDir); rmErr != nil {
				err = multierror.Append(err, fmt.Errorf("remove partial extraction: %w", rmErr))
			}
		}
	}()

	if err := copyTree(ctx, baseDir, destDir, reporter.scaled(0, 0.3)); err != nil {
		return fmt.Errorf("copy base bundle: %w", err)
	}
	if err := unpackInto(ctx, archivePath, destDir, reporter.scaled(0.3, 0.95)); err != nil {
		return err
	}
	if err := applyRemovals(destDir); err != nil {
		return err
	}

	reporter.report(1)
	return nil
}

func applyRemovals(destDir string) error {
	manifest := filepath.Join(destDir, DeltaRemoveManifest)
	f, err := os.Open(manifest)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open removal manifest: %w", err)
	}

	var merr *multierror.Error
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" || strings.HasPrefix(name, "#") {
			continue
		}
		target, err := safeJoin(destDir, name)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if target == filepath.Clean(destDir) {
			merr = multierror.Append(merr, fmt.Errorf("illegal removal of bundle root"))
			continue
		}
		log.Debugf("delta removes %s", name)
		if err := os.RemoveAll(target); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("remove %s: %w", name, err))
		}
	}
	if err := scanner.Err(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("read removal manifest: %w", err))
	}
	if err := f.Close(); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := os.Remove(manifest); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("remove manifest: %w", err))
	}
	return merr.ErrorOrNil()
}

// CopyTree copies a file or directory tree, keeping modes and symlinks
func CopyTree(ctx context.Context, src, dst string) error {
	return copyTree(ctx, src, dst, func(float64) {})
}

func copyTree(ctx context.Context, src, dst string, progress func(float64)) error {
	var total int
	if err := filepath.WalkDir(src, func(_ string, _ fs.DirEntry, err error) error {
		total++
		return err
	}); err != nil {
		return err
	}

	var done int
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			err = os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			var link string
			if link, err = os.Readlink(path); err == nil {
				err = os.Symlink(link, target)
			}
		case info.Mode().IsRegular():
			err = copyFile(path, target, info.Mode().Perm())
		default:
			log.Debugf("skipping special file %s", path)
		}
		if err != nil {
			return err
		}

		done++
		progress(float64(done) / float64(total))
		return nil
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
