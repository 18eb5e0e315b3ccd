package cmd

import (
	"github.com/spf13/cobra"

	"github.com/netbirdio/selfupdate/version"
)

var (
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "prints selfupdate version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.SetOut(cmd.OutOrStdout())
			cmd.Println(version.Version())
			cmd.Printf("installer protocol %s\n", version.ProtocolVersion)
		},
	}
)
