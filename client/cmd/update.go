package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/driver"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/feed"
	"github.com/netbirdio/selfupdate/client/system"
)

var (
	assumeYes bool
	silent    bool
	relaunch  bool
	hostPID   int32
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Checks for an update, downloads and installs it",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		if settings.HostBundlePath == "" {
			return fmt.Errorf("no bundle path configured, set %s in %s or pass --%s", "host_bundle_path", configPath, bundlePathFlag)
		}
		if cmd.Flags().Changed("relaunch") {
			settings.Relaunch = relaunch
		}

		ctx := cmd.Context()
		cfg, err := settings.cycleConfig(ctx, system.NewDetector())
		if err != nil {
			return err
		}
		cfg.ShowUI = !silent
		cfg.HostPID = hostPID

		client, err := dialInstaller(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		d := driver.New(client, newCLIPolicy(cmd.InOrStdin(), cmd.OutOrStdout()))
		state, err := d.Run(ctx, cfg)
		recordCheck(ctx, settings, time.Now())
		if err != nil {
			return fmt.Errorf("update failed: %w", err)
		}

		switch state {
		case driver.StateNoUpdateFound:
			cmd.Printf("%s is up to date\n", describeVersion(settings.InstalledVersion))
		case driver.StateReadyToInstall:
			cmd.Println("Install declined, nothing was changed")
		case driver.StateRelaunching:
			cmd.Println("Update installed, the application will be relaunched")
		default:
			cmd.Println("Update installed")
		}
		return nil
	},
}

func init() {
	addCycleFlags(updateCmd)
	updateCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "install without asking for confirmation")
	updateCmd.Flags().BoolVar(&silent, "silent", false, "install without prompts or progress output")
	updateCmd.Flags().BoolVar(&relaunch, "relaunch", false, "relaunch the application after the install, overrides the settings file")
	updateCmd.Flags().Int32Var(&hostPID, "host-pid", 0, "process the installer waits for before relaunching")
}

// newCLIPolicy prompts on in and prints progress to out, unless --silent is set
func newCLIPolicy(in io.Reader, out io.Writer) driver.Policy {
	if silent {
		return driver.Hooks{}
	}

	printer := &progressPrinter{out: out}
	return driver.Hooks{
		Confirm: func(item feed.ReleaseItem, relaunch, showUI bool) bool {
			if assumeYes {
				return true
			}
			return confirmInstall(in, out, item, relaunch)
		},
		Report: printer.report,
		DeltaFailure: func(delta feed.ReleaseItem, err error) bool {
			_, _ = fmt.Fprintf(out, "Delta update from %s failed (%v), downloading the full update\n", delta.DeltaFrom, err)
			return true
		},
	}
}

func confirmInstall(in io.Reader, out io.Writer, item feed.ReleaseItem, relaunch bool) bool {
	prompt := fmt.Sprintf("Install %s now", displayVersion(item))
	if relaunch {
		prompt += " and relaunch"
	}
	_, _ = fmt.Fprintf(out, "%s? [y/N]: ", prompt)

	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		_, _ = fmt.Fprintln(out)
		return false
	}

	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// progressPrinter writes state changes and every tenth of a transfer or extraction
type progressPrinter struct {
	out   io.Writer
	state driver.State
	step  int
}

func (p *progressPrinter) report(progress driver.Progress) {
	if progress.State != p.state {
		p.state = progress.State
		p.step = -1
		p.printState(progress)
	}

	var fraction float64
	switch progress.State {
	case driver.StateDownloading:
		if progress.Expected <= 0 {
			return
		}
		fraction = float64(progress.Written) / float64(progress.Expected)
	case driver.StateExtracting:
		fraction = progress.Fraction
	default:
		return
	}

	step := int(fraction * 10)
	if step <= p.step || step <= 0 {
		return
	}
	p.step = step
	_, _ = fmt.Fprintf(p.out, "  %3d%%\n", min(step*10, 100))
}

func (p *progressPrinter) printState(progress driver.Progress) {
	var line string
	switch progress.State {
	case driver.StateChecking:
		line = "Checking for updates"
	case driver.StateFound:
		line = fmt.Sprintf("Found update %s", progress.Identifier)
	case driver.StateDownloading:
		line = fmt.Sprintf("Downloading %s", progress.Identifier)
	case driver.StateExtracting:
		line = "Extracting"
	case driver.StateReadyToInstall:
		line = "Ready to install"
	case driver.StateInstalling:
		line = "Installing"
	case driver.StateAborted:
		line = "Update aborted"
	default:
		return
	}
	_, _ = fmt.Fprintln(p.out, line)
}
