package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/driver"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/eligibility"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/feed"
	"github.com/netbirdio/selfupdate/client/system"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Checks the feed for an update without installing it",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings(cmd)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		cfg, err := settings.cycleConfig(ctx, system.NewDetector())
		if err != nil {
			return err
		}

		client, err := dialInstaller(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		selection, found, err := driver.New(client, nil).Check(ctx, cfg)
		if err != nil {
			return fmt.Errorf("check for updates: %w", err)
		}
		recordCheck(ctx, settings, time.Now())

		if !found {
			cmd.Printf("%s is up to date\n", describeVersion(settings.InstalledVersion))
			return nil
		}
		printSelection(cmd.OutOrStdout(), selection)
		return nil
	},
}

func init() {
	addCycleFlags(checkCmd)
}

func printSelection(w io.Writer, selection eligibility.Selection) {
	item := selection.Target()

	_, _ = fmt.Fprintf(w, "Update available: %s\n", displayVersion(item))
	if item.Title != "" {
		_, _ = fmt.Fprintf(w, "  Title:    %s\n", item.Title)
	}
	if item.Critical {
		_, _ = fmt.Fprintf(w, "  Critical: yes\n")
	}
	if selection.HasFallback() {
		_, _ = fmt.Fprintf(w, "  Delta:    from %s, %d bytes\n", selection.Primary.DeltaFrom, selection.Primary.Length)
	}
	_, _ = fmt.Fprintf(w, "  Size:     %d bytes\n", item.Length)
	if item.ReleaseNotesURL != "" {
		_, _ = fmt.Fprintf(w, "  Notes:    %s\n", item.ReleaseNotesURL)
	}
}

func displayVersion(item feed.ReleaseItem) string {
	if item.DisplayVersion != "" {
		return fmt.Sprintf("%s (%s)", item.DisplayVersion, item.Version)
	}
	return item.Version
}

func describeVersion(v string) string {
	if v == "" {
		return "installed bundle"
	}
	return "version " + v
}
