// Package daemon installs epaperd as a systemd service.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

const unitName = "epaperd.service"

const unitTemplate = `[Unit]
Description=E-paper weather display daemon
After=network-online.target time-sync.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=/path/to/epaperd daemon --config=/path/to/config{{extraArgs}}
Restart=on-failure
RestartSec=10

[Install]
WantedBy=multi-user.target
`

var (
	unitDir = "/etc/systemd/system"

	runSystemctl = func(args ...string) error {
		out, err := exec.Command("systemctl", args...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("systemctl %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
		}
		return nil
	}
)

func unitPath() string {
	return filepath.Join(unitDir, unitName)
}

// Unit renders the service unit for the given executable and config.
func Unit(exePath, configPath string, allowNonRoot bool) string {
	extra := ""
	if allowNonRoot {
		extra = " --always-allow-non-root-access"
	}
	u := strings.ReplaceAll(unitTemplate, "/path/to/epaperd", exePath)
	u = strings.ReplaceAll(u, "/path/to/config", configPath)
	return strings.ReplaceAll(u, "{{extraArgs}}", extra)
}

// Install writes the unit for the running executable, then enables and
// starts it.
func Install(configPath string, allowNonRoot bool) error {
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get the path to the current executable: %w", err)
	}
	exePath, err = filepath.Abs(exePath)
	if err != nil {
		return fmt.Errorf("failed to get the absolute path to the current executable: %w", err)
	}

	logrus.Infof("current executable path: %s", exePath)

	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", unitDir, err)
	}

	path := unitPath()
	if _, err := os.Stat(path); err == nil {
		logrus.Warnf("%s already exists, overwriting", path)
	}

	logrus.Infof("writing %s", path)
	if err := os.WriteFile(path, []byte(Unit(exePath, configPath, allowNonRoot)), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if err := runSystemctl("daemon-reload"); err != nil {
		return err
	}
	logrus.Infof("starting epaperd")
	return runSystemctl("enable", "--now", unitName)
}
