package main

import (
	"github.com/spf13/cobra"

	"github.com/rpi-weather-display/epaperd/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Print the client and daemon versions",
		GroupID: gBasic,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Printf("client: %s (%s)\n", version.Version, version.GitCommit)
			daemonVersion, err := apiClient.GetVersion()
			if err != nil {
				cmd.Println("daemon: unavailable")
				return err
			}
			cmd.Printf("daemon: %s\n", daemonVersion)
			return nil
		},
	}
}
