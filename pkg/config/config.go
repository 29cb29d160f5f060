package config

import (
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MinUpdateIntervalMinutes is the shortest allowed weather update interval.
const MinUpdateIntervalMinutes = 15

// Config is the resolved, read-only configuration. It is built once at
// startup by Load and never changed afterwards.
type Config struct {
	Debug           bool
	DevelopmentMode bool

	Power     Power
	Display   Display
	Weather   Weather
	Server    Server
	Store     Store
	Telemetry Telemetry
	Notify    Notify
	Daemon    Daemon
}

type Power struct {
	QuietHoursStart          string
	QuietHoursEnd            string
	LowBatteryThreshold      int
	CriticalBatteryThreshold int
	BatteryCapacityMAh       int
	// ExpectedDischargeRate is in percent per hour.
	ExpectedDischargeRate float64
	WakeUpIntervalMinutes int
	DynamicWakeup         bool
	CriticalShutdown      bool

	CriticalMaxOperationCost   float64
	ConservingMaxOperationCost float64

	BatterySource     string
	I2CBus            string
	FuelGaugeAddress  uint16
	ACDetectPin       string
	ACDetectActiveLow bool
	RTC               string
	RTCAddress        uint16

	Retry Retry
}

type Retry struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       float64
	MaxAttempts  int
}

type Display struct {
	RefreshIntervalMinutes int
	BatteryAwareThreshold  bool
	PartialRefresh         bool
	PixelDiff              Levels
	MinChangedPixels       Levels
	Command                []string
	ImagePath              string
}

// Levels holds one value per battery band.
type Levels struct {
	Standard int
	Low      int
	Critical int
}

type Weather struct {
	UpdateIntervalMinutes int
}

type Server struct {
	URL     string
	Port    int
	Timeout time.Duration
}

// RenderURL is the endpoint the weather image is fetched from.
func (s Server) RenderURL() string {
	return fmt.Sprintf("%s:%d/render", s.URL, s.Port)
}

type Store struct {
	Path string
}

type Telemetry struct {
	InfluxAddr     string
	InfluxDatabase string
	InfluxUser     string
	InfluxPassword string
}

type Notify struct {
	PushoverToken string
	PushoverUser  string
}

type Daemon struct {
	Socket             string
	AllowNonRootAccess bool
}

// Battery sources accepted by Power.BatterySource.
const (
	BatterySourceSysfs    = "sysfs"
	BatterySourceMAX17040 = "max17040"
	BatterySourceMock     = "mock"
	BatterySourceNone     = "none"
)

// RTC chips accepted by Power.RTC.
const (
	RTCPCF8563 = "pcf8563"
	RTCNone    = "none"
)

// RefreshInterval returns the display refresh interval.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Display.RefreshIntervalMinutes) * time.Minute
}

// UpdateInterval returns the weather update interval.
func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.Weather.UpdateIntervalMinutes) * time.Minute
}

// WakeUpInterval returns the polling interval used during quiet hours.
func (c *Config) WakeUpInterval() time.Duration {
	return time.Duration(c.Power.WakeUpIntervalMinutes) * time.Minute
}

// Validate checks value ranges that the file format cannot express.
func (c *Config) Validate() error {
	p := c.Power
	if p.LowBatteryThreshold < 0 || p.LowBatteryThreshold > 100 {
		return pkgerrors.Errorf("low_battery_threshold must be between 0 and 100, got %d", p.LowBatteryThreshold)
	}
	if p.CriticalBatteryThreshold < 0 || p.CriticalBatteryThreshold > 100 {
		return pkgerrors.Errorf("critical_battery_threshold must be between 0 and 100, got %d", p.CriticalBatteryThreshold)
	}
	if p.CriticalBatteryThreshold >= p.LowBatteryThreshold {
		return pkgerrors.Errorf("critical_battery_threshold (%d) must be below low_battery_threshold (%d)",
			p.CriticalBatteryThreshold, p.LowBatteryThreshold)
	}
	if p.CriticalMaxOperationCost != 0 {
		return pkgerrors.Errorf("critical_max_operation_cost must be 0 so that CRITICAL vetoes every non-essential operation, got %v",
			p.CriticalMaxOperationCost)
	}
	if p.ConservingMaxOperationCost < 0 {
		return pkgerrors.Errorf("conserving_max_operation_cost must not be negative, got %v", p.ConservingMaxOperationCost)
	}
	if p.BatteryCapacityMAh <= 0 {
		return pkgerrors.Errorf("battery_capacity_mah must be positive, got %d", p.BatteryCapacityMAh)
	}
	if p.WakeUpIntervalMinutes <= 0 {
		return pkgerrors.Errorf("wake_up_interval_minutes must be positive, got %d", p.WakeUpIntervalMinutes)
	}
	if c.Display.RefreshIntervalMinutes <= 0 {
		return pkgerrors.Errorf("refresh_interval_minutes must be positive, got %d", c.Display.RefreshIntervalMinutes)
	}
	if c.Weather.UpdateIntervalMinutes < MinUpdateIntervalMinutes {
		return pkgerrors.Errorf("update_interval_minutes must be at least %d, got %d",
			MinUpdateIntervalMinutes, c.Weather.UpdateIntervalMinutes)
	}
	if p.Retry.Factor < 1 {
		return pkgerrors.Errorf("retry_backoff_factor must be at least 1, got %v", p.Retry.Factor)
	}
	if p.Retry.MaxAttempts < 1 {
		return pkgerrors.Errorf("retry_max_attempts must be at least 1, got %d", p.Retry.MaxAttempts)
	}
	switch p.BatterySource {
	case BatterySourceSysfs, BatterySourceMAX17040, BatterySourceMock, BatterySourceNone:
	default:
		return pkgerrors.Errorf("unknown battery_source %q", p.BatterySource)
	}
	switch p.RTC {
	case RTCPCF8563, RTCNone:
	default:
		return pkgerrors.Errorf("unknown rtc %q", p.RTC)
	}
	return nil
}

func (c *Config) LogrusFields() logrus.Fields {
	return logrus.Fields{
		"debug":             c.Debug,
		"developmentMode":   c.DevelopmentMode,
		"quietHours":        c.Power.QuietHoursStart + "-" + c.Power.QuietHoursEnd,
		"lowThreshold":      c.Power.LowBatteryThreshold,
		"criticalThreshold": c.Power.CriticalBatteryThreshold,
		"refreshInterval":   c.RefreshInterval(),
		"updateInterval":    c.UpdateInterval(),
		"wakeUpInterval":    c.WakeUpInterval(),
		"batterySource":     c.Power.BatterySource,
		"rtc":               c.Power.RTC,
	}
}
