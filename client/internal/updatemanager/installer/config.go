package installer

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/sign"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/status"
)

const (
	defaultHostExitTimeout = 30 * time.Second
	defaultFeedSizeLimit   = 8 << 20
)

// Config of the installer service
type Config struct {
	// TempDir holds one scratch directory per release item
	TempDir string
	// ResultDir receives result.json, TempDir when empty
	ResultDir string

	// BundlePaths are the only bundles the service checks, reads or replaces. Sessions are
	// unauthenticated, so any other host_bundle_path is refused.
	BundlePaths []string

	// ArtifactKeys verify ed25519 feed signatures
	ArtifactKeys []sign.PublicKey
	// Keyring verifies OpenPGP feed signatures
	Keyring openpgp.EntityList

	// RelaunchExecutable is started after an install, relative to the bundle root.
	// When empty the bundle path itself is executed.
	RelaunchExecutable string
	// HostExitTimeout bounds the wait for the host to quit before relaunching
	HostExitTimeout time.Duration

	BackgroundTransfers bool
	HTTPClient          *http.Client
	FeedSizeLimit       int64

	// Registerer receives the service metrics, none are exported when nil
	Registerer prometheus.Registerer
}

// DefaultTempDir is the scratch location used when none is configured, it is OS specific
func DefaultTempDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "selfupdate", "tmp-install")
	}
	return filepath.Join(os.TempDir(), "selfupdate")
}

func (c Config) withDefaults() Config {
	if c.TempDir == "" {
		c.TempDir = DefaultTempDir()
	}
	if c.ResultDir == "" {
		c.ResultDir = c.TempDir
	}
	if c.HostExitTimeout <= 0 {
		c.HostExitTimeout = defaultHostExitTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.FeedSizeLimit <= 0 {
		c.FeedSizeLimit = defaultFeedSizeLimit
	}

	bundles := make([]string, 0, len(c.BundlePaths))
	for _, b := range c.BundlePaths {
		if abs, err := filepath.Abs(b); err == nil {
			bundles = append(bundles, abs)
		}
	}
	c.BundlePaths = bundles
	return c
}

// checkBundle fails with a status.WritePermission error unless path is a configured bundle
func (c Config) checkBundle(path string) error {
	if path == "" {
		return status.Errorf(status.WritePermission, "no bundle path given")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return status.Wrap(status.WritePermission, err, "resolve %s", path)
	}
	for _, b := range c.BundlePaths {
		if b == abs {
			return nil
		}
	}
	return status.Errorf(status.WritePermission, "%s is not a bundle managed by this installer", path)
}

// relaunchPath resolves the program to start for an installed bundle
func (c Config) relaunchPath(bundlePath string) string {
	if c.RelaunchExecutable == "" {
		return bundlePath
	}
	return filepath.Join(bundlePath, c.RelaunchExecutable)
}
