package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rpi-weather-display/epaperd/pkg/utils/daemon"
)

func NewInstallCommand() *cobra.Command {
	var allowNonRoot bool

	cmd := &cobra.Command{
		Use:     "install",
		Short:   "Install epaperd as a systemd service",
		GroupID: gAdvanced,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := daemon.Install(configPath, allowNonRoot); err != nil {
				return err
			}
			logrus.Info("installation succeeded")
			return nil
		},
	}

	cmd.Flags().BoolVar(&allowNonRoot, "allow-non-root-access", false,
		"Allow non-root users to access the daemon socket.")

	return cmd
}

func NewUninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "uninstall",
		Short:   "Stop and remove the epaperd systemd service",
		GroupID: gAdvanced,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := daemon.Uninstall(); err != nil {
				return err
			}
			logrus.Info("uninstallation succeeded")
			return nil
		},
	}
}
