package scheduler

import (
	"time"

	"github.com/rpi-weather-display/epaperd/pkg/config"
	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
	"github.com/rpi-weather-display/epaperd/pkg/quiethours"
)

const (
	// DefaultSleep is the longest in-process sleep outside quiet hours.
	DefaultSleep = 60 * time.Second
	// MinSleep keeps the loop from spinning.
	MinSleep = 10 * time.Second
	// DeepSleepThreshold is the sleep above which the device powers off.
	DeepSleepThreshold = 10 * time.Minute
	// DeepSleepRetryDelay is used when a wakeup alarm could not be armed.
	DeepSleepRetryDelay = 10 * time.Second
)

// SleepInput is everything NextSleep depends on. A zero LastRefresh or
// LastUpdate means the operation has never run.
type SleepInput struct {
	Config      *config.Config
	Status      powerinfo.BatteryStatus
	InQuiet     bool
	Doubled     bool
	LastRefresh time.Time
	LastUpdate  time.Time
	Now         time.Time
}

// NextSleep returns how long the loop should sleep. Quiet hours use the
// wake up interval. Otherwise it is the smallest of DefaultSleep, the time
// until the next refresh or update, and the time until quiet hours start or
// end, but never less than MinSleep. Values are whole seconds.
func NextSleep(in SleepInput) time.Duration {
	if in.InQuiet {
		return in.Config.WakeUpInterval()
	}

	secs := int(DefaultSleep.Seconds())

	remaining := func(last time.Time, interval time.Duration) {
		if last.IsZero() {
			return
		}
		if in.Doubled {
			interval *= 2
		}
		left := int(last.Add(interval).Sub(in.Now).Seconds())
		if left > 0 && left < secs {
			secs = left
		}
	}
	remaining(in.LastRefresh, in.Config.RefreshInterval())
	remaining(in.LastUpdate, in.Config.UpdateInterval())

	p := in.Config.Power
	if change := quiethours.TimeUntilChange(p.QuietHoursStart, p.QuietHoursEnd, in.Now); change > 0 && int(change) < secs {
		secs = int(change)
	}

	if secs < int(MinSleep.Seconds()) {
		secs = int(MinSleep.Seconds())
	}
	return time.Duration(secs) * time.Second
}
