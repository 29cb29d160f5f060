// Package hardware talks to the battery, the RTC and the init system. Every
// reader returns an error rather than guessing when the hardware is not
// there; turning that into an UNKNOWN reading is the power manager's job.
package hardware

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/distatus/battery"
	"github.com/sirupsen/logrus"

	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
)

// ErrNoBattery is returned when no battery could be found.
var ErrNoBattery = errors.New("no batteries found")

const SourceSysfs = "sysfs"

var getAllBatteries = battery.GetAll

// SysfsReader reads the first battery exposed by the kernel power supply
// class.
type SysfsReader struct {
	now func() time.Time
}

func NewSysfsReader() *SysfsReader {
	return &SysfsReader{now: time.Now}
}

func (r *SysfsReader) ReadBattery(context.Context) (powerinfo.BatteryStatus, powerinfo.Diagnostics, error) {
	diag := powerinfo.UnknownDiagnostics(SourceSysfs)

	batteries, err := getAllBatteries()
	if len(batteries) == 0 || batteries[0] == nil {
		if err == nil {
			err = ErrNoBattery
		}
		return powerinfo.BatteryStatus{}, diag, err
	}
	if err != nil {
		logrus.WithError(err).Debug("partial battery information")
	}

	// A Pi has a single battery.
	bat := batteries[0]
	return statusFromBattery(bat, r.now()), diagnosticsFromBattery(bat), nil
}

func statusFromBattery(bat *battery.Battery, ts time.Time) powerinfo.BatteryStatus {
	level := 0
	if bat.Full > 0 {
		level = int(math.Round(bat.Current / bat.Full * 100))
	}

	state := powerinfo.Unknown
	switch bat.State {
	case battery.Charging:
		state = powerinfo.Charging
	case battery.Discharging:
		state = powerinfo.Discharging
	case battery.Full:
		state = powerinfo.Full
	}

	// ChargeRate is in mW, Voltage in V.
	current := 0.0
	if bat.Voltage > 0 {
		current = bat.ChargeRate / bat.Voltage
	}
	if state == powerinfo.Discharging {
		current = -current
	}

	s := powerinfo.NewBatteryStatus(level, bat.Voltage, current, 0, state, ts)
	if state == powerinfo.Discharging && bat.ChargeRate > 0 {
		s = s.WithTimeRemaining(int(bat.Current / bat.ChargeRate * 60))
	}
	return s
}

func diagnosticsFromBattery(bat *battery.Battery) powerinfo.Diagnostics {
	diag := powerinfo.UnknownDiagnostics(SourceSysfs)
	switch bat.State {
	case battery.Charging, battery.Full:
		diag.PowerInput = powerinfo.PowerInputPresent
	case battery.Discharging:
		diag.PowerInput = powerinfo.PowerInputNotPresent
	}
	return diag
}
