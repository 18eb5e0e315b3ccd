package extract

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// Progress receives the unpacked fraction, non-decreasing within [0,1]
type Progress func(fraction float64)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zipMagic  = []byte("PK\x03\x04")
)

// ErrUnsupportedFormat is returned for archives that are neither gzip compressed tar nor zip
var ErrUnsupportedFormat = errors.New("unsupported archive format")

// Unpack extracts a .tar.gz or .zip archive into destDir. On failure destDir is removed.
func Unpack(ctx context.Context, archivePath, destDir string, progress Progress) (err error) {
	reporter := newReporter(progress)

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

	if err := unpackInto(ctx, archivePath, destDir, reporter.scaled(0, 1)); err != nil {
		return err
	}
	reporter.report(1)
	return nil
}

func unpackInto(ctx context.Context, archivePath, destDir string, progress func(float64)) error {
	format, err := detectFormat(archivePath)
	if err != nil {
		return err
	}

	switch format {
	case formatTarGz:
		return extractTarGz(ctx, archivePath, destDir, progress)
	case formatZip:
		return extractZip(ctx, archivePath, destDir, progress)
	default:
		return ErrUnsupportedFormat
	}
}

type archiveFormat int

const (
	formatUnknown archiveFormat = iota
	formatTarGz
	formatZip
)

func detectFormat(archivePath string) (archiveFormat, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return formatUnknown, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return formatUnknown, fmt.Errorf("read archive header: %w", err)
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return formatTarGz, nil
	case bytes.HasPrefix(head, zipMagic):
		return formatZip, nil
	default:
		return formatUnknown, ErrUnsupportedFormat
	}
}

func extractTarGz(ctx context.Context, archivePath, destDir string, progress func(float64)) error {
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer archiveFile.Close()

	info, err := archiveFile.Stat()
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}

	counter := &countingReader{r: archiveFile, total: info.Size(), progress: progress}
	gzipReader, err := gzip.NewReader(counter)
	if err != nil {
		return fmt.Errorf("create gzip reader: %w", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		target, err := safeJoin(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tarReader, os.FileMode(header.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := writeSymlink(destDir, target, header.Linkname); err != nil {
				return err
			}
		default:
			log.Debugf("skipping unsupported tar entry %s (type %c)", header.Name, header.Typeflag)
		}
	}
}

func extractZip(ctx context.Context, archivePath, destDir string, progress func(float64)) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	var total, done uint64
	for _, f := range r.File {
		total += f.CompressedSize64
	}

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
		case mode&os.ModeSymlink != 0:
			link, err := readZipEntry(f)
			if err != nil {
				return err
			}
			if err := writeSymlink(destDir, target, string(link)); err != nil {
				return err
			}
		default:
			rc, err := f.Open()
			if err != nil {
				return fmt.Errorf("open zip entry %s: %w", f.Name, err)
			}
			err = writeFile(target, rc, mode.Perm())
			rc.Close()
			if err != nil {
				return err
			}
		}

		done += f.CompressedSize64
		if total > 0 {
			progress(float64(done) / float64(total))
		}
	}
	return nil
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, 4096))
}

// safeJoin resolves name under destDir and rejects entries escaping it, lexically or through a
// symlinked parent directory
func safeJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, name)
	if !within(filepath.Clean(destDir), target) {
		return "", fmt.Errorf("illegal file path: %s", name)
	}
	if _, _, err := resolveParent(destDir, target); err != nil {
		return "", fmt.Errorf("illegal file path %s: %w", name, err)
	}
	return target, nil
}

func within(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(os.PathSeparator))
}

// resolveParent follows the symlinks among the existing ancestors of target. It returns the
// resolved destDir and the directory target will really be created in, which must lie inside it.
func resolveParent(destDir, target string) (root, parent string, err error) {
	root, err = filepath.EvalSymlinks(destDir)
	if err != nil {
		return "", "", fmt.Errorf("resolve %s: %w", destDir, err)
	}

	dir := filepath.Dir(target)
	var missing []string
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			if !within(root, resolved) {
				return "", "", fmt.Errorf("%s resolves outside of %s", dir, destDir)
			}
			return root, filepath.Join(append([]string{resolved}, missing...)...), nil
		}
		// a dangling link is never written through
		if _, lerr := os.Lstat(dir); lerr == nil {
			return "", "", fmt.Errorf("resolve %s: %w", dir, err)
		}
		if dir == filepath.Clean(destDir) || dir == filepath.Dir(dir) {
			return "", "", fmt.Errorf("resolve %s: %w", dir, err)
		}
		missing = append([]string{filepath.Base(dir)}, missing...)
		dir = filepath.Dir(dir)
	}
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", target, err)
	}
	if perm == 0 {
		perm = 0o644
	}

	// replace rather than truncate so links into the base bundle are never written through
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replace file %s: %w", target, err)
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create file %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write file %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close file %s: %w", target, err)
	}
	return nil
}

func writeSymlink(destDir, target, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("illegal symlink %s -> %s", target, linkname)
	}
	// the link is checked against where it really lands, earlier links included
	root, parent, err := resolveParent(destDir, target)
	if err != nil || !within(root, filepath.Join(parent, linkname)) {
		return fmt.Errorf("illegal symlink %s -> %s", target, linkname)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", target, err)
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replace symlink %s: %w", target, err)
	}
	if err := os.Symlink(linkname, target); err != nil {
		return fmt.Errorf("create symlink %s: %w", target, err)
	}
	return nil
}

type countingReader struct {
	r        io.Reader
	read     int64
	total    int64
	progress func(float64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.total > 0 && n > 0 {
		c.progress(float64(c.read) / float64(c.total))
	}
	return n, err
}
