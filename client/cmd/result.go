package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/installer"
)

var (
	resultDir     string
	resultWait    bool
	resultTimeout time.Duration
)

var resultCmd = &cobra.Command{
	Use:   "result",
	Short: "Prints the outcome of the last install",
	Long: `Prints the result the installer service left for the relaunched application and removes it.
With --wait the command blocks until a result appears.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rh := installer.NewResultHandler(resultDir)

		var (
			result installer.Result
			err    error
		)
		if resultWait {
			ctx, cancel := context.WithTimeout(cmd.Context(), resultTimeout)
			defer cancel()
			result, err = rh.Watch(ctx)
		} else {
			result, err = rh.Read()
			if err == nil {
				err = rh.Cleanup()
			}
		}
		if err != nil {
			return fmt.Errorf("read install result: %w", err)
		}

		if !result.Success {
			return fmt.Errorf("install of %s failed at %s: %s (%s)", result.Identifier, result.ExecutedAt.Format(time.RFC3339), result.Error, result.ErrorType)
		}
		cmd.Printf("Installed %s at %s\n", result.Version, result.ExecutedAt.Format(time.RFC3339))
		if result.Relaunched {
			cmd.Println("The application was relaunched")
		}
		return nil
	},
}

func init() {
	resultCmd.Flags().StringVar(&resultDir, "result-dir", installer.DefaultTempDir(), "directory the installer service writes its result to")
	resultCmd.Flags().BoolVar(&resultWait, "wait", false, "wait for the result to appear")
	resultCmd.Flags().DurationVar(&resultTimeout, "timeout", 5*time.Minute, "how long to wait for the result")
}
