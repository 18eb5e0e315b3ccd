package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/downloader"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/driver"
	"github.com/netbirdio/selfupdate/client/system"
	"github.com/netbirdio/selfupdate/util"
)

const (
	feedURLFlag          = "feed-url"
	bundlePathFlag       = "bundle-path"
	installedVersionFlag = "installed-version"
	hostOSVersionFlag    = "host-os-version"
)

var (
	feedURL          string
	bundlePath       string
	installedVersion string
	hostOSVersion    string
)

// Settings are the persisted values an update cycle depends on
type Settings struct {
	FeedURL          string `json:"feed_url"`
	HostBundlePath   string `json:"host_bundle_path"`
	InstalledVersion string `json:"installed_version"`
	// HostOSVersion overrides the detected operating system version
	HostOSVersion   string `json:"host_os_version,omitempty"`
	SkippedVersion  string `json:"skipped_version,omitempty"`
	AllowDowngrades bool   `json:"allow_downgrades,omitempty"`

	RetainFailedDownload bool `json:"retain_failed_download,omitempty"`
	Relaunch             bool `json:"relaunch,omitempty"`

	// CheckInterval is in seconds
	CheckInterval int64     `json:"check_interval,omitempty"`
	LastCheck     time.Time `json:"last_check,omitempty"`

	UserAgent           string            `json:"user_agent,omitempty"`
	Headers             map[string]string `json:"headers,omitempty"`
	BackgroundTransfers bool              `json:"background_transfers,omitempty"`
}

func addCycleFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&feedURL, feedURLFlag, "", "appcast feed URL, overrides the settings file")
	cmd.PersistentFlags().StringVar(&bundlePath, bundlePathFlag, "", "path of the installed bundle, overrides the settings file")
	cmd.PersistentFlags().StringVar(&installedVersion, installedVersionFlag, "", "installed bundle version, overrides the settings file")
	cmd.PersistentFlags().StringVar(&hostOSVersion, hostOSVersionFlag, "", "operating system version compared against item bounds, detected when empty")
}

// readSettings loads the settings file. A missing file yields empty settings.
func readSettings(path string) (*Settings, error) {
	settings := &Settings{}
	if !util.FileExists(path) {
		return settings, nil
	}
	if _, err := util.ReadJson(path, settings); err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	return settings, nil
}

// loadSettings reads the settings file and applies the flags set on cmd
func loadSettings(cmd *cobra.Command) (*Settings, error) {
	settings, err := readSettings(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed(feedURLFlag) {
		settings.FeedURL = feedURL
	}
	if flags.Changed(bundlePathFlag) {
		settings.HostBundlePath = bundlePath
	}
	if flags.Changed(installedVersionFlag) {
		settings.InstalledVersion = installedVersion
	}
	if flags.Changed(hostOSVersionFlag) {
		settings.HostOSVersion = hostOSVersion
	}

	if settings.FeedURL == "" {
		return nil, fmt.Errorf("no feed URL configured, set %s in %s or pass --%s", "feed_url", configPath, feedURLFlag)
	}
	return settings, nil
}

// recordCheck persists the time of a finished check when a settings file is in use
func recordCheck(ctx context.Context, settings *Settings, at time.Time) {
	settings.LastCheck = at.UTC()
	if _, err := os.Stat(configPath); err != nil {
		return
	}
	if err := util.WriteJson(ctx, configPath, settings); err != nil {
		log.Warnf("failed to record the last check time: %v", err)
	}
}

// cycleConfig resolves the settings into the inputs of one cycle
func (s *Settings) cycleConfig(ctx context.Context, detector system.Detector) (driver.CycleConfig, error) {
	osVersion := s.HostOSVersion
	if osVersion == "" {
		v, err := detector.HostOSVersion(ctx)
		if err != nil {
			return driver.CycleConfig{}, fmt.Errorf("detect host os version: %w", err)
		}
		osVersion = v
	}

	return driver.CycleConfig{
		FeedURL:              s.FeedURL,
		HostBundlePath:       s.HostBundlePath,
		InstalledVersion:     s.InstalledVersion,
		HostOSVersion:        osVersion,
		SkippedVersion:       s.SkippedVersion,
		AllowDowngrades:      s.AllowDowngrades,
		RetainFailedDownload: s.RetainFailedDownload,
		Transfer: downloader.Options{
			UserAgent:  s.UserAgent,
			Headers:    s.Headers,
			Background: s.BackgroundTransfers,
		},
		Relaunch: s.Relaunch,
	}, nil
}

func (s *Settings) checkInterval() time.Duration {
	return time.Duration(s.CheckInterval) * time.Second
}
