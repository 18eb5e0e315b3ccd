package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/driver"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/feed"
	"github.com/netbirdio/selfupdate/client/system"
	"github.com/netbirdio/selfupdate/util"
)

func TestInitCommands(t *testing.T) {
	helpFlag := "-h"
	commandArgs := [][]string{{"root", helpFlag}}
	for _, command := range rootCmd.Commands() {
		commandArgs = append(commandArgs, []string{command.Name(), command.Name(), helpFlag})
		for _, subcommand := range command.Commands() {
			commandArgs = append(commandArgs, []string{command.Name() + " " + subcommand.Name(), command.Name(), subcommand.Name(), helpFlag})
		}
	}

	for _, args := range commandArgs {
		t.Run(fmt.Sprintf("Testing Command %s", args[0]), func(t *testing.T) {
			defer func() {
				err := recover()
				if err != nil {
					t.Fatalf("got an panic error while running the command: %s -h. Error: %s", args[0], err)
				}
			}()

			rootCmd.SetArgs(args[1:])
			rootCmd.SetOut(io.Discard)
			if err := rootCmd.Execute(); err != nil {
				t.Errorf("expected no error while running %s command, got %v", args[0], err)
				return
			}
		})
	}
}

func withConfigPath(t *testing.T, path string) {
	t.Helper()
	prev := configPath
	configPath = path
	t.Cleanup(func() { configPath = prev })
}

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	addCycleFlags(cmd)
	return cmd
}

func TestLoadSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	withConfigPath(t, path)

	stored := &Settings{
		FeedURL:          "https://updates.example.com/appcast.xml",
		HostBundlePath:   "/opt/app",
		InstalledVersion: "1.0",
		SkippedVersion:   "1.1",
		CheckInterval:    3600,
	}
	require.NoError(t, util.WriteJson(context.Background(), path, stored))

	cmd := newSettingsCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--installed-version", "1.2"}))

	settings, err := loadSettings(cmd)
	require.NoError(t, err)
	assert.Equal(t, stored.FeedURL, settings.FeedURL)
	assert.Equal(t, "/opt/app", settings.HostBundlePath)
	assert.Equal(t, "1.2", settings.InstalledVersion, "flags override the settings file")
	assert.Equal(t, "1.1", settings.SkippedVersion)
	assert.Equal(t, time.Hour, settings.checkInterval())
}

func TestLoadSettings_RequiresFeedURL(t *testing.T) {
	withConfigPath(t, filepath.Join(t.TempDir(), "missing.json"))

	_, err := loadSettings(newSettingsCmd())
	require.Error(t, err)

	cmd := newSettingsCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--feed-url", "https://updates.example.com/appcast.xml"}))
	settings, err := loadSettings(cmd)
	require.NoError(t, err)
	assert.Equal(t, "https://updates.example.com/appcast.xml", settings.FeedURL)
}

func TestRecordCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	withConfigPath(t, path)

	settings := &Settings{FeedURL: "https://updates.example.com/appcast.xml"}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	recordCheck(context.Background(), settings, at)
	assert.False(t, util.FileExists(path), "no settings file is created for flag only runs")

	require.NoError(t, util.WriteJson(context.Background(), path, settings))
	recordCheck(context.Background(), settings, at)

	stored, err := readSettings(path)
	require.NoError(t, err)
	assert.True(t, stored.LastCheck.Equal(at))
}

func TestCycleConfig(t *testing.T) {
	settings := &Settings{
		FeedURL:              "https://updates.example.com/appcast.xml",
		HostBundlePath:       "/opt/app",
		InstalledVersion:     "1.0",
		RetainFailedDownload: true,
		UserAgent:            "app/1.0",
		Headers:              map[string]string{"X-Channel": "beta"},
	}

	cfg, err := settings.cycleConfig(context.Background(), system.StaticDetector("14.2"))
	require.NoError(t, err)
	assert.Equal(t, "14.2", cfg.HostOSVersion)
	assert.True(t, cfg.RetainFailedDownload)
	assert.Equal(t, "app/1.0", cfg.Transfer.UserAgent)
	assert.Equal(t, "beta", cfg.Transfer.Headers["X-Channel"])

	settings.HostOSVersion = "13.0"
	cfg, err = settings.cycleConfig(context.Background(), system.StaticDetector("14.2"))
	require.NoError(t, err)
	assert.Equal(t, "13.0", cfg.HostOSVersion, "a configured version wins over detection")
}

func TestConfirmInstall(t *testing.T) {
	item := feed.ReleaseItem{Version: "2.0", DisplayVersion: "2.0 beta"}

	testCases := []struct {
		name     string
		input    string
		expected bool
	}{
		{name: "yes", input: "y\n", expected: true},
		{name: "full word", input: "Yes\n", expected: true},
		{name: "no", input: "n\n", expected: false},
		{name: "empty line", input: "\n", expected: false},
		{name: "closed input", input: "", expected: false},
		{name: "answer without newline", input: "y", expected: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			got := confirmInstall(strings.NewReader(tc.input), &out, item, true)
			assert.Equal(t, tc.expected, got)
			assert.Contains(t, out.String(), "Install 2.0 beta (2.0) now and relaunch?")
		})
	}
}

func TestProgressPrinter(t *testing.T) {
	var out bytes.Buffer
	p := &progressPrinter{out: &out}

	p.report(driver.Progress{State: driver.StateChecking})
	p.report(driver.Progress{State: driver.StateFound, Identifier: "item-2.0"})
	p.report(driver.Progress{State: driver.StateDownloading, Identifier: "item-2.0"})
	for written := int64(0); written <= 100; written += 5 {
		p.report(driver.Progress{State: driver.StateDownloading, Identifier: "item-2.0", Written: written, Expected: 100})
	}
	p.report(driver.Progress{State: driver.StateExtracting, Fraction: 0.55})
	p.report(driver.Progress{State: driver.StateExtracting, Fraction: 0.56})
	p.report(driver.Progress{State: driver.StateInstalling})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	expected := []string{
		"Checking for updates",
		"Found update item-2.0",
		"Downloading item-2.0",
		"   10%", "   20%", "   30%", "   40%", "   50%", "   60%", "   70%", "   80%", "   90%", "  100%",
		"Extracting",
		"   50%",
		"Installing",
	}
	assert.Equal(t, expected, lines)
}

func TestSilentPolicy(t *testing.T) {
	prev := silent
	silent = true
	t.Cleanup(func() { silent = prev })

	var out bytes.Buffer
	policy := newCLIPolicy(strings.NewReader(""), &out)
	assert.True(t, policy.ConfirmInstall(feed.ReleaseItem{Version: "2.0"}, false, false))
	policy.Progress(driver.Progress{State: driver.StateChecking})
	assert.Empty(t, out.String())
}
