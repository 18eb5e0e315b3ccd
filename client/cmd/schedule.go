package cmd

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/driver"
	"github.com/netbirdio/selfupdate/client/system"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Runs silent update cycles on the configured check interval",
	Long: `Runs in the foreground and installs updates without prompting, every check_interval seconds
of the settings file (once a day by default). The settings file is re-read before every check.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		SetupCloseHandler(ctx, cancel)

		client, err := dialInstaller(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		detector := system.NewDetector()
		configFn := func() driver.CycleConfig {
			current, err := loadSettings(cmd)
			if err != nil {
				log.Warnf("failed to reload settings, using the previous ones: %v", err)
				current = settings
			}
			cfg, err := current.cycleConfig(ctx, detector)
			if err != nil {
				log.Warnf("failed to resolve cycle settings: %v", err)
			}
			return cfg
		}

		manager := updatemanager.NewUpdateManager(driver.New(client, nil), settings.checkInterval(), configFn)
		manager.SetLastCheck(settings.LastCheck)
		log.Infof("update schedule started, last check: %s", lastCheckAge(settings.LastCheck))
		manager.SetOnResultListener(func(state driver.State, err error) {
			recordCheck(ctx, settings, manager.LastCheck())
			if state == driver.StateTerminated || state == driver.StateRelaunching {
				log.Infof("update installed, stopping the schedule")
				cancel()
			}
		})

		manager.Start(ctx)
		defer manager.Stop()

		select {
		case <-ctx.Done():
		case <-client.Done():
			log.Warnf("installer service closed the session")
		}
		return nil
	},
}

func init() {
	addCycleFlags(scheduleCmd)
}

// lastCheckAge is reported on start so a missed schedule is visible in the logs
func lastCheckAge(last time.Time) string {
	if last.IsZero() {
		return "never"
	}
	return time.Since(last).Round(time.Second).String() + " ago"
}
