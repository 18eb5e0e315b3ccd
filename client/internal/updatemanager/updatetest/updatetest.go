// Package updatetest serves signed release feeds and artifacts for update pipeline tests
package updatetest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/sign"
)

const sparkleNS = "http://www.andymatuschak.org/xml-namespaces/sparkle"

// Release is one feed item and the bundle its archive installs
type Release struct {
	Version          string
	MinSystemVersion string
	MaxSystemVersion string
	Files            map[string]string
	// Deltas maps a base version to the entries of the delta archive
	Deltas map[string]map[string]string
	// BadSignature signs different bytes than the served archive
	BadSignature bool
	// Missing makes the full archive answer 404
	Missing bool
	// MissingDeltas makes every delta archive answer 404
	MissingDeltas bool
}

// Server hosts an appcast and its artifacts
type Server struct {
	*httptest.Server
	Key *sign.ArtifactKey

	mu        sync.Mutex
	feed      []byte
	artifacts map[string][]byte
	missing   map[string]bool
	blocked   map[string]chan struct{}
	hits      map[string]int
}

// NewServer publishes releases, newest first in feed order as given
func NewServer(t testing.TB, releases ...Release) *Server {
	t.Helper()

	key, _, _, err := sign.GenerateArtifactKey(0)
	require.NoError(t, err)

	s := &Server{
		Key:       key,
		artifacts: make(map[string][]byte),
		missing:   make(map[string]bool),
		blocked:   make(map[string]chan struct{}),
		hits:      make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)

	var items strings.Builder
	for _, r := range releases {
		items.WriteString(s.publish(t, r))
	}
	s.feed = []byte(fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<rss version="2.0" xmlns:sparkle="%s">
  <channel>
    <title>Test Changelog</title>
%s  </channel>
</rss>`, sparkleNS, items.String()))
	return s
}

func (s *Server) publish(t testing.TB, r Release) string {
	path := fmt.Sprintf("/app-%s.tar.gz", r.Version)
	archive := Archive(t, r.Files)
	s.artifacts[path] = archive
	s.missing[path] = r.Missing

	var b strings.Builder
	fmt.Fprintf(&b, "    <item>\n      <title>Version %s</title>\n      <sparkle:version>%s</sparkle:version>\n", r.Version, r.Version)
	if r.MinSystemVersion != "" {
		fmt.Fprintf(&b, "      <sparkle:minimumSystemVersion>%s</sparkle:minimumSystemVersion>\n", r.MinSystemVersion)
	}
	if r.MaxSystemVersion != "" {
		fmt.Fprintf(&b, "      <sparkle:maximumSystemVersion>%s</sparkle:maximumSystemVersion>\n", r.MaxSystemVersion)
	}
	fmt.Fprintf(&b, "      <enclosure url=\"%s%s\" length=\"%d\" sparkle:edSignature=\"%s\"/>\n",
		s.URL, path, len(archive), s.signature(t, archive, r.BadSignature))

	if len(r.Deltas) > 0 {
		b.WriteString("      <sparkle:deltas>\n")
		for _, from := range sortedKeys(r.Deltas) {
			dpath := fmt.Sprintf("/app-%s-from-%s.tar.gz", r.Version, from)
			delta := Archive(t, r.Deltas[from])
			s.artifacts[dpath] = delta
			s.missing[dpath] = r.MissingDeltas
			fmt.Fprintf(&b, "        <enclosure url=\"%s%s\" sparkle:version=\"%s\" sparkle:deltaFrom=\"%s\" length=\"%d\" sparkle:edSignature=\"%s\"/>\n",
				s.URL, dpath, r.Version, from, len(delta), s.signature(t, delta, r.BadSignature))
		}
		b.WriteString("      </sparkle:deltas>\n")
	}
	b.WriteString("    </item>\n")
	return b.String()
}

func (s *Server) signature(t testing.TB, data []byte, bad bool) string {
	if bad {
		data = append([]byte("tampered"), data...)
	}
	sig, err := sign.SignData(*s.Key, data)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	gate := s.blocked[r.URL.Path]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if r.URL.Path == "/appcast.xml" {
		_, _ = w.Write(s.feed)
		return
	}

	s.mu.Lock()
	data, ok := s.artifacts[r.URL.Path]
	missing := s.missing[r.URL.Path]
	s.mu.Unlock()
	if !ok || missing {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	_, _ = w.Write(data)
}

// FeedURL is the appcast location
func (s *Server) FeedURL() string {
	return s.URL + "/appcast.xml"
}

// PublicKeys are the keys that verify the served artifacts
func (s *Server) PublicKeys() []sign.PublicKey {
	return []sign.PublicKey{s.Key.Public()}
}

// Block holds requests for path until the returned function is called
func (s *Server) Block(path string) (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.blocked[path] = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.blocked, path)
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Hits counts the requests for path
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// Archive returns a gzip compressed tar holding files
func Archive(t testing.TB, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range sortedKeys(files) {
		body := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o755, Size: int64(len(body))}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// Bundle writes files into a new directory standing in for an installed application
func Bundle(t testing.TB, files map[string]string) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "App")
	for name, body := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	}
	return dir
}

// ReadBundle returns every regular file under dir keyed by slash separated relative path
func ReadBundle(t testing.TB, dir string) map[string]string {
	t.Helper()

	files := make(map[string]string)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return files
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
