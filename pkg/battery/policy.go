// Package battery holds the pure battery policy: threshold predicates,
// display-diff sensitivity bands, the bounded reading history and the drain
// rate estimator.
package battery

import (
	"github.com/rpi-weather-display/epaperd/pkg/config"
	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
)

// IsCritical reports whether a non-charging battery is below threshold.
func IsCritical(s powerinfo.BatteryStatus, threshold int) bool {
	return s.Level < threshold && s.State != powerinfo.Charging
}

// IsLow reports whether a non-charging battery is below threshold.
func IsLow(s powerinfo.BatteryStatus, threshold int) bool {
	return s.Level < threshold && s.State != powerinfo.Charging
}

// IsCharging reports whether the battery is charging.
func IsCharging(s powerinfo.BatteryStatus) bool {
	return s.State == powerinfo.Charging
}

// ShouldConserve reports whether the battery has reached the low threshold.
func ShouldConserve(s powerinfo.BatteryStatus, p config.Power) bool {
	return IsLow(s, p.LowBatteryThreshold)
}

// ShouldDoubleIntervals reports whether refresh and update intervals should
// be doubled. Quiet hours already minimize activity, so it is always false
// inside them.
func ShouldDoubleIntervals(s powerinfo.BatteryStatus, p config.Power, inQuietHours bool) bool {
	if inQuietHours {
		return false
	}
	return IsLow(s, p.LowBatteryThreshold)
}
