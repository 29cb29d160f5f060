package battery

import (
	"fmt"

	"github.com/rpi-weather-display/epaperd/pkg/config"
	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
)

// Battery levels at which the display diff becomes less sensitive.
const (
	CriticalPercent = 10
	WarningPercent  = 20
)

// Band is a battery band used to pick display-diff thresholds.
type Band int

const (
	BandStandard Band = iota
	BandLow
	BandCritical
)

func (b Band) String() string {
	switch b {
	case BandLow:
		return "low"
	case BandCritical:
		return "critical"
	default:
		return "standard"
	}
}

func (b Band) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *Band) UnmarshalText(text []byte) error {
	switch string(text) {
	case "standard":
		*b = BandStandard
	case "low":
		*b = BandLow
	case "critical":
		*b = BandCritical
	default:
		return fmt.Errorf("unknown battery band %q", text)
	}
	return nil
}

// DiffThresholds controls how different a new image must be before the
// display is refreshed.
type DiffThresholds struct {
	Band             Band `json:"band"`
	PixelDiff        int  `json:"pixelDiff"`
	MinChangedPixels int  `json:"minChangedPixels"`
}

// BandFor classifies a reading. A nil status or a charging battery is
// standard.
func BandFor(s *powerinfo.BatteryStatus) Band {
	if s == nil || s.State != powerinfo.Discharging {
		return BandStandard
	}
	switch {
	case s.Level <= CriticalPercent:
		return BandCritical
	case s.Level <= WarningPercent:
		return BandLow
	default:
		return BandStandard
	}
}

// Thresholds returns the diff thresholds for the current battery reading.
// The standard band is used unless battery aware thresholds are enabled
// and a reading is available.
func Thresholds(s *powerinfo.BatteryStatus, d config.Display) DiffThresholds {
	band := BandStandard
	if d.BatteryAwareThreshold && s != nil {
		band = BandFor(s)
	}
	return DiffThresholds{
		Band:             band,
		PixelDiff:        levelFor(d.PixelDiff, band),
		MinChangedPixels: levelFor(d.MinChangedPixels, band),
	}
}

func levelFor(l config.Levels, b Band) int {
	switch b {
	case BandCritical:
		return l.Critical
	case BandLow:
		return l.Low
	default:
		return l.Standard
	}
}
