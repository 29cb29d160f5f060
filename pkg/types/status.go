// Package types holds API payloads shared between the daemon and client
// packages.
package types

import (
	"github.com/rpi-weather-display/epaperd/pkg/battery"
	"github.com/rpi-weather-display/epaperd/pkg/power"
	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
	"github.com/rpi-weather-display/epaperd/pkg/scheduler"
)

// QuietHours is the /quiet-hours response.
type QuietHours struct {
	Start              string  `json:"start"`
	End                string  `json:"end"`
	Active             bool    `json:"active"`
	SecondsUntilChange float64 `json:"secondsUntilChange"`
}

// Status is the /status response.
type Status struct {
	Power      power.Snapshot            `json:"power"`
	Scheduler  scheduler.Status          `json:"scheduler"`
	Thresholds battery.DiffThresholds    `json:"thresholds"`
	QuietHours QuietHours                `json:"quietHours"`
	History    []powerinfo.BatteryStatus `json:"history,omitempty"`
}
