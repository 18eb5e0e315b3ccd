package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/ipc"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/status"
	"github.com/netbirdio/selfupdate/util"
)

var (
	configPath           string
	defaultConfigPathDir string
	defaultConfigPath    string
	logLevel             string
	defaultLogFileDir    string
	defaultLogFile       string
	logFile              string
	socketPath           string
	rootCmd              = &cobra.Command{
		Use:          "selfupdate",
		Short:        "Keeps an installed application bundle up to date",
		Long:         "",
		SilenceUsage: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultConfigPathDir = "/etc/selfupdate/"
	defaultLogFileDir = "/var/log/selfupdate/"
	defaultSocketPath := "/var/run/selfupdate.sock"

	if runtime.GOOS == "windows" {
		defaultConfigPathDir = os.Getenv("PROGRAMDATA") + "\\SelfUpdate\\"
		defaultLogFileDir = os.Getenv("PROGRAMDATA") + "\\SelfUpdate\\"
		defaultSocketPath = defaultConfigPathDir + "installer.sock"
	}

	defaultConfigPath = defaultConfigPathDir + "settings.json"
	defaultLogFile = defaultLogFileDir + "selfupdate.log"

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "update settings file location")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "sets the log level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "console", "sets the log path. If console is specified the log will be output to stdout")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath, "unix socket of the installer service")

	rootCmd.PersistentPreRunE = setupCommand

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(resultCmd)
	rootCmd.AddCommand(installerCmd)
	rootCmd.AddCommand(versionCmd)

	installerCmd.AddCommand(runCmd, startCmd, stopCmd, installCmd, uninstallCmd)
}

// setupCommand applies SU_ environment overrides and initializes logging before every command
func setupCommand(cmd *cobra.Command, args []string) error {
	util.SetFlagsFromEnvVars(rootCmd)
	util.SetFlagsFromEnvVars(cmd)
	cmd.SetOut(cmd.OutOrStdout())
	return util.InitLog(logLevel, logFile)
}

// SetupCloseHandler handles SIGTERM signal and exits with success
func SetupCloseHandler(ctx context.Context, cancel context.CancelFunc) {
	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		done := ctx.Done()
		select {
		case <-done:
		case <-termCh:
		}

		log.Info("shutdown signal received")
		cancel()
	}()
}

// dialInstaller opens a session with the installer service, retrying while it starts up
func dialInstaller(ctx context.Context) (*ipc.Client, error) {
	var client *ipc.Client
	err := WithBackOff(ctx, func() error {
		dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		conn, err := ipc.Dial(dialCtx, socketPath)
		if err != nil {
			return err
		}

		c := ipc.NewClient(conn)
		if err := c.Hello(dialCtx); err != nil {
			_ = c.Close()
			// a rejected handshake does not heal on retry
			if status.TypeOf(err) == status.InvalidState {
				return backoff.Permanent(err)
			}
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the installer service: %v\n"+
			"If the installer service is not running please run: "+
			"\nselfupdate installer install \nselfupdate installer start\n", err)
	}
	return client, nil
}

// WithBackOff execute function in backoff cycle.
func WithBackOff(ctx context.Context, bf func() error) error {
	return backoff.RetryNotify(bf, backoff.WithContext(CLIBackOffSettings, ctx), func(err error, duration time.Duration) {
		log.Warnf("retrying connection to the installer service in %v due to error %v", duration, err)
	})
}

// CLIBackOffSettings is default backoff settings for CLI commands.
var CLIBackOffSettings = &backoff.ExponentialBackOff{
	InitialInterval:     time.Second,
	RandomizationFactor: backoff.DefaultRandomizationFactor,
	Multiplier:          backoff.DefaultMultiplier,
	MaxInterval:         5 * time.Second,
	MaxElapsedTime:      15 * time.Second,
	Stop:                backoff.Stop,
	Clock:               backoff.SystemClock,
}
