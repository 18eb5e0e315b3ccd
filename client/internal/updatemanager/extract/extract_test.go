package extract

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name string
	body string
	link string
	dir  bool
}

func buildTarGz(t *testing.T, entries []entry) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		switch {
		case e.dir:
			require.NoError(t, tw.WriteHeader(&tar.Header{Name: e.name, Typeflag: tar.TypeDir, Mode: 0o755}))
		case e.link != "":
			require.NoError(t, tw.WriteHeader(&tar.Header{Name: e.name, Typeflag: tar.TypeSymlink, Linkname: e.link}))
		default:
			require.NoError(t, tw.WriteHeader(&tar.Header{Name: e.name, Typeflag: tar.TypeReg, Mode: 0o755, Size: int64(len(e.body))}))
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	path := filepath.Join(t.TempDir(), "archive.tar.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func buildZip(t *testing.T, entries []entry) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "archive.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

type progressLog struct {
	values []float64
}

func (p *progressLog) record(f float64) {
	p.values = append(p.values, f)
}

func (p *progressLog) assertMonotonic(t *testing.T) {
	t.Helper()
	require.NotEmpty(t, p.values)
	for i, v := range p.values {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
		if i > 0 {
			assert.GreaterOrEqual(t, v, p.values[i-1])
		}
	}
	assert.Equal(t, 1.0, p.values[len(p.values)-1])
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestUnpack_TarGz(t *testing.T) {
	archive := buildTarGz(t, []entry{
		{name: "App/", dir: true},
		{name: "App/bin/app", body: "binary v2"},
		{name: "App/README", body: "read me"},
		{name: "App/current", link: "bin/app"},
	})
	dest := filepath.Join(t.TempDir(), "staged")

	var progress progressLog
	require.NoError(t, Unpack(context.Background(), archive, dest, progress.record))

	assert.Equal(t, "binary v2", readFile(t, filepath.Join(dest, "App/bin/app")))
	assert.Equal(t, "read me", readFile(t, filepath.Join(dest, "App/README")))
	link, err := os.Readlink(filepath.Join(dest, "App/current"))
	require.NoError(t, err)
	assert.Equal(t, "bin/app", link)
	progress.assertMonotonic(t)
}

func TestUnpack_Zip(t *testing.T) {
	archive := buildZip(t, []entry{
		{name: "App/bin/app", body: "zipped binary"},
		{name: "App/lib/a.so", body: "lib"},
	})
	dest := filepath.Join(t.TempDir(), "staged")

	var progress progressLog
	require.NoError(t, Unpack(context.Background(), archive, dest, progress.record))
	assert.Equal(t, "zipped binary", readFile(t, filepath.Join(dest, "App/bin/app")))
	assert.Equal(t, "lib", readFile(t, filepath.Join(dest, "App/lib/a.so")))
	progress.assertMonotonic(t)
}

func TestUnpack_RejectsTraversal(t *testing.T) {
	tests := []struct {
		name    string
		entries []entry
	}{
		{name: "dot dot", entries: []entry{{name: "../escape", body: "x"}}},
		{name: "nested dot dot", entries: []entry{{name: "App/../../escape", body: "x"}}},
		{name: "symlink out", entries: []entry{{name: "App/link", link: "../../etc/passwd"}}},
		{name: "absolute symlink", entries: []entry{{name: "App/link", link: "/etc/passwd"}}},
		{name: "chained symlinks", entries: []entry{
			{name: "d/", dir: true},
			{name: "d/l", link: ".."},
			{name: "d/l/m", link: ".."},
			{name: "d/l/m/escape", body: "x"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := buildTarGz(t, tt.entries)
			root := t.TempDir()
			dest := filepath.Join(root, "staged")

			err := Unpack(context.Background(), archive, dest, nil)
			require.Error(t, err)
			assert.NoDirExists(t, dest)
			assert.NoFileExists(t, filepath.Join(root, "escape"))
		})
	}
}

func TestUnpack_KeepsInternalSymlinks(t *testing.T) {
	archive := buildTarGz(t, []entry{
		{name: "App/Versions/A/bin", body: "binary"},
		{name: "App/Versions/Current", link: "A"},
		{name: "App/bin", link: "Versions/Current/bin"},
	})
	dest := filepath.Join(t.TempDir(), "staged")

	require.NoError(t, Unpack(context.Background(), archive, dest, nil))
	assert.Equal(t, "binary", readFile(t, filepath.Join(dest, "App", "bin")))
}

func TestUnpack_UnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.bin")
	require.NoError(t, os.WriteFile(path, []byte("plain text payload"), 0o644))

	dest := filepath.Join(t.TempDir(), "staged")
	err := Unpack(context.Background(), path, dest, nil)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.NoDirExists(t, dest)
}

func TestUnpack_Corrupt(t *testing.T) {
	archive := buildTarGz(t, []entry{{name: "App/bin/app", body: "binary"}})
	data, err := os.ReadFile(archive)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(archive, data[:len(data)/2], 0o644))

	dest := filepath.Join(t.TempDir(), "staged")
	assert.Error(t, Unpack(context.Background(), archive, dest, nil))
	assert.NoDirExists(t, dest)
}

func TestUnpack_Cancelled(t *testing.T) {
	archive := buildTarGz(t, []entry{{name: "App/bin/app", body: "binary"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dest := filepath.Join(t.TempDir(), "staged")
	assert.ErrorIs(t, Unpack(ctx, archive, dest, nil), context.Canceled)
}

func TestApplyDelta(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "App/bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "App/bin/app"), []byte("binary v1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "App/unchanged"), []byte("same"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "App/obsolete"), []byte("old"), 0o644))

	archive := buildTarGz(t, []entry{
		{name: "App/bin/app", body: "binary v2"},
		{name: "App/added", body: "new"},
		{name: DeltaRemoveManifest, body: "# removed in v2\nApp/obsolete\n"},
	})
	dest := filepath.Join(t.TempDir(), "staged")

	var progress progressLog
	require.NoError(t, ApplyDelta(context.Background(), archive, base, dest, progress.record))

	assert.Equal(t, "binary v2", readFile(t, filepath.Join(dest, "App/bin/app")))
	assert.Equal(t, "same", readFile(t, filepath.Join(dest, "App/unchanged")))
	assert.Equal(t, "new", readFile(t, filepath.Join(dest, "App/added")))
	assert.NoFileExists(t, filepath.Join(dest, "App/obsolete"))
	assert.NoFileExists(t, filepath.Join(dest, DeltaRemoveManifest))
	progress.assertMonotonic(t)

	// the installed bundle is left untouched
	assert.Equal(t, "binary v1", readFile(t, filepath.Join(base, "App/bin/app")))
	assert.FileExists(t, filepath.Join(base, "App/obsolete"))
}

func TestApplyDelta_RejectsEscapingRemoval(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "file"), []byte("x"), 0o644))

	archive := buildTarGz(t, []entry{{name: DeltaRemoveManifest, body: "../outside\n"}})
	dest := filepath.Join(t.TempDir(), "staged")

	assert.Error(t, ApplyDelta(context.Background(), archive, base, dest, nil))
	assert.NoDirExists(t, dest)
}

func TestReporter(t *testing.T) {
	var progress progressLog
	r := newReporter(progress.record)

	r.report(0.5)
	r.report(0.2)
	r.report(0.505)
	r.report(2)
	r.report(1)

	assert.Equal(t, []float64{0.5, 1}, progress.values)
}
