package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"time"

	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/rpi-weather-display/epaperd/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		Debug:           ptr.To(false),
		DevelopmentMode: ptr.To(false),
		Power: RawPower{
			QuietHoursStart:            ptr.To("23:00"),
			QuietHoursEnd:              ptr.To("06:00"),
			LowBatteryThreshold:        ptr.To(20),
			CriticalBatteryThreshold:   ptr.To(10),
			BatteryCapacityMAh:         ptr.To(12000),
			ExpectedDischargeRate:      ptr.To(2.0),
			WakeUpIntervalMinutes:      ptr.To(60),
			DynamicWakeup:              ptr.To(true),
			CriticalShutdown:           ptr.To(true),
			CriticalMaxOperationCost:   ptr.To(0.0),
			ConservingMaxOperationCost: ptr.To(1.0),
			BatterySource:              ptr.To(BatterySourceSysfs),
			I2CBus:                     ptr.To(""),
			FuelGaugeAddress:           ptr.To(uint16(0x36)),
			ACDetectPin:                ptr.To("GPIO6"),
			ACDetectActiveLow:          ptr.To(true),
			RTC:                        ptr.To(RTCPCF8563),
			RTCAddress:                 ptr.To(uint16(0x51)),
			RetryInitialDelaySeconds:   ptr.To(1.0),
			RetryMaxDelaySeconds:       ptr.To(300.0),
			RetryBackoffFactor:         ptr.To(2.0),
			RetryJitterFactor:          ptr.To(0.1),
			RetryMaxAttempts:           ptr.To(5),
		},
		Display: RawDisplay{
			RefreshIntervalMinutes:            ptr.To(30),
			BatteryAwareThreshold:             ptr.To(true),
			PartialRefresh:                    ptr.To(true),
			PixelDiffThreshold:                ptr.To(10),
			PixelDiffThresholdLowBattery:      ptr.To(20),
			PixelDiffThresholdCriticalBattery: ptr.To(30),
			MinChangedPixels:                  ptr.To(100),
			MinChangedPixelsLowBattery:        ptr.To(250),
			MinChangedPixelsCriticalBattery:   ptr.To(500),
			Command:                           []string{"epd-show"},
			ImagePath:                         ptr.To("/var/cache/epaperd/current.png"),
		},
		Weather: RawWeather{
			UpdateIntervalMinutes: ptr.To(30),
		},
		Server: RawServer{
			URL:            ptr.To("http://localhost"),
			Port:           ptr.To(8000),
			TimeoutSeconds: ptr.To(10),
		},
		Store: RawStore{
			Path: ptr.To("/var/lib/epaperd/epaperd.db"),
		},
		Telemetry: RawTelemetry{
			InfluxAddr:     ptr.To(""),
			InfluxDatabase: ptr.To("epaperd"),
			InfluxUser:     ptr.To(""),
			InfluxPassword: ptr.To(""),
		},
		Notify: RawNotify{
			PushoverToken: ptr.To(""),
			PushoverUser:  ptr.To(""),
		},
		Daemon: RawDaemon{
			Socket:             ptr.To("/var/run/epaperd.sock"),
			AllowNonRootAccess: ptr.To(false),
		},
	}
)

// RawFileConfig mirrors the YAML file. Unset fields are nil and fall back
// to defaultFileConfig when resolved.
type RawFileConfig struct {
	Debug           *bool        `yaml:"debug,omitempty" json:"debug,omitempty"`
	DevelopmentMode *bool        `yaml:"development_mode,omitempty" json:"developmentMode,omitempty"`
	Power           RawPower     `yaml:"power" json:"power"`
	Display         RawDisplay   `yaml:"display" json:"display"`
	Weather         RawWeather   `yaml:"weather" json:"weather"`
	Server          RawServer    `yaml:"server" json:"server"`
	Store           RawStore     `yaml:"store" json:"store"`
	Telemetry       RawTelemetry `yaml:"telemetry" json:"telemetry"`
	Notify          RawNotify    `yaml:"notify" json:"notify"`
	Daemon          RawDaemon    `yaml:"daemon" json:"daemon"`
}

type RawPower struct {
	QuietHoursStart            *string  `yaml:"quiet_hours_start,omitempty" json:"quietHoursStart,omitempty"`
	QuietHoursEnd              *string  `yaml:"quiet_hours_end,omitempty" json:"quietHoursEnd,omitempty"`
	LowBatteryThreshold        *int     `yaml:"low_battery_threshold,omitempty" json:"lowBatteryThreshold,omitempty"`
	CriticalBatteryThreshold   *int     `yaml:"critical_battery_threshold,omitempty" json:"criticalBatteryThreshold,omitempty"`
	BatteryCapacityMAh         *int     `yaml:"battery_capacity_mah,omitempty" json:"batteryCapacityMah,omitempty"`
	ExpectedDischargeRate      *float64 `yaml:"expected_discharge_rate,omitempty" json:"expectedDischargeRate,omitempty"`
	WakeUpIntervalMinutes      *int     `yaml:"wake_up_interval_minutes,omitempty" json:"wakeUpIntervalMinutes,omitempty"`
	DynamicWakeup              *bool    `yaml:"dynamic_wakeup,omitempty" json:"dynamicWakeup,omitempty"`
	CriticalShutdown           *bool    `yaml:"critical_shutdown,omitempty" json:"criticalShutdown,omitempty"`
	CriticalMaxOperationCost   *float64 `yaml:"critical_max_operation_cost,omitempty" json:"criticalMaxOperationCost,omitempty"`
	ConservingMaxOperationCost *float64 `yaml:"conserving_max_operation_cost,omitempty" json:"conservingMaxOperationCost,omitempty"`
	BatterySource              *string  `yaml:"battery_source,omitempty" json:"batterySource,omitempty"`
	I2CBus                     *string  `yaml:"i2c_bus,omitempty" json:"i2cBus,omitempty"`
	FuelGaugeAddress           *uint16  `yaml:"fuel_gauge_address,omitempty" json:"fuelGaugeAddress,omitempty"`
	ACDetectPin                *string  `yaml:"ac_detect_pin,omitempty" json:"acDetectPin,omitempty"`
	ACDetectActiveLow          *bool    `yaml:"ac_detect_active_low,omitempty" json:"acDetectActiveLow,omitempty"`
	RTC                        *string  `yaml:"rtc,omitempty" json:"rtc,omitempty"`
	RTCAddress                 *uint16  `yaml:"rtc_address,omitempty" json:"rtcAddress,omitempty"`
	RetryInitialDelaySeconds   *float64 `yaml:"retry_initial_delay_seconds,omitempty" json:"retryInitialDelaySeconds,omitempty"`
	RetryMaxDelaySeconds       *float64 `yaml:"retry_max_delay_seconds,omitempty" json:"retryMaxDelaySeconds,omitempty"`
	RetryBackoffFactor         *float64 `yaml:"retry_backoff_factor,omitempty" json:"retryBackoffFactor,omitempty"`
	RetryJitterFactor          *float64 `yaml:"retry_jitter_factor,omitempty" json:"retryJitterFactor,omitempty"`
	RetryMaxAttempts           *int     `yaml:"retry_max_attempts,omitempty" json:"retryMaxAttempts,omitempty"`
}

type RawDisplay struct {
	RefreshIntervalMinutes            *int     `yaml:"refresh_interval_minutes,omitempty" json:"refreshIntervalMinutes,omitempty"`
	BatteryAwareThreshold             *bool    `yaml:"battery_aware_threshold,omitempty" json:"batteryAwareThreshold,omitempty"`
	PartialRefresh                    *bool    `yaml:"partial_refresh,omitempty" json:"partialRefresh,omitempty"`
	PixelDiffThreshold                *int     `yaml:"pixel_diff_threshold,omitempty" json:"pixelDiffThreshold,omitempty"`
	PixelDiffThresholdLowBattery      *int     `yaml:"pixel_diff_threshold_low_battery,omitempty" json:"pixelDiffThresholdLowBattery,omitempty"`
	PixelDiffThresholdCriticalBattery *int     `yaml:"pixel_diff_threshold_critical_battery,omitempty" json:"pixelDiffThresholdCriticalBattery,omitempty"`
	MinChangedPixels                  *int     `yaml:"min_changed_pixels,omitempty" json:"minChangedPixels,omitempty"`
	MinChangedPixelsLowBattery        *int     `yaml:"min_changed_pixels_low_battery,omitempty" json:"minChangedPixelsLowBattery,omitempty"`
	MinChangedPixelsCriticalBattery   *int     `yaml:"min_changed_pixels_critical_battery,omitempty" json:"minChangedPixelsCriticalBattery,omitempty"`
	Command                           []string `yaml:"command,omitempty" json:"command,omitempty"`
	ImagePath                         *string  `yaml:"image_path,omitempty" json:"imagePath,omitempty"`
}

type RawWeather struct {
	UpdateIntervalMinutes *int `yaml:"update_interval_minutes,omitempty" json:"updateIntervalMinutes,omitempty"`
}

type RawServer struct {
	URL            *string `yaml:"url,omitempty" json:"url,omitempty"`
	Port           *int    `yaml:"port,omitempty" json:"port,omitempty"`
	TimeoutSeconds *int    `yaml:"timeout_seconds,omitempty" json:"timeoutSeconds,omitempty"`
}

type RawStore struct {
	Path *string `yaml:"path,omitempty" json:"path,omitempty"`
}

type RawTelemetry struct {
	InfluxAddr     *string `yaml:"influx_addr,omitempty" json:"influxAddr,omitempty"`
	InfluxDatabase *string `yaml:"influx_database,omitempty" json:"influxDatabase,omitempty"`
	InfluxUser     *string `yaml:"influx_user,omitempty" json:"influxUser,omitempty"`
	InfluxPassword *string `yaml:"influx_password,omitempty" json:"-"`
}

type RawNotify struct {
	PushoverToken *string `yaml:"pushover_token,omitempty" json:"-"`
	PushoverUser  *string `yaml:"pushover_user,omitempty" json:"-"`
}

type RawDaemon struct {
	Socket             *string `yaml:"socket,omitempty" json:"socket,omitempty"`
	AllowNonRootAccess *bool   `yaml:"allow_non_root_access,omitempty" json:"allowNonRootAccess,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	c, err := NewFromRaw(&RawFileConfig{})
	if err != nil {
		// The built-in defaults always validate.
		panic(err)
	}
	return c
}

// Load reads the YAML file at path and resolves it against the defaults.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	raw := &RawFileConfig{}

	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, pkgerrors.Wrapf(err, "failed to open config file %s", path)
		}
		return NewFromRaw(raw)
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to read config file %s", path)
	}

	if err := Decode(b, raw); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to parse config file %s", path)
	}

	return NewFromRaw(raw)
}

// Decode strictly unmarshals YAML into raw. Unknown keys are rejected.
func Decode(b []byte, raw *RawFileConfig) error {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(raw); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// NewFromRaw resolves raw against the defaults and validates the result.
func NewFromRaw(raw *RawFileConfig) (*Config, error) {
	if raw == nil {
		raw = &RawFileConfig{}
	}
	d := defaultFileConfig
	rp, dp := raw.Power, d.Power
	rd, dd := raw.Display, d.Display

	c := &Config{
		Debug:           pick(raw.Debug, d.Debug),
		DevelopmentMode: pick(raw.DevelopmentMode, d.DevelopmentMode),
		Power: Power{
			QuietHoursStart:            pick(rp.QuietHoursStart, dp.QuietHoursStart),
			QuietHoursEnd:              pick(rp.QuietHoursEnd, dp.QuietHoursEnd),
			LowBatteryThreshold:        pick(rp.LowBatteryThreshold, dp.LowBatteryThreshold),
			CriticalBatteryThreshold:   pick(rp.CriticalBatteryThreshold, dp.CriticalBatteryThreshold),
			BatteryCapacityMAh:         pick(rp.BatteryCapacityMAh, dp.BatteryCapacityMAh),
			ExpectedDischargeRate:      pick(rp.ExpectedDischargeRate, dp.ExpectedDischargeRate),
			WakeUpIntervalMinutes:      pick(rp.WakeUpIntervalMinutes, dp.WakeUpIntervalMinutes),
			DynamicWakeup:              pick(rp.DynamicWakeup, dp.DynamicWakeup),
			CriticalShutdown:           pick(rp.CriticalShutdown, dp.CriticalShutdown),
			CriticalMaxOperationCost:   pick(rp.CriticalMaxOperationCost, dp.CriticalMaxOperationCost),
			ConservingMaxOperationCost: pick(rp.ConservingMaxOperationCost, dp.ConservingMaxOperationCost),
			BatterySource:              pick(rp.BatterySource, dp.BatterySource),
			I2CBus:                     pick(rp.I2CBus, dp.I2CBus),
			FuelGaugeAddress:           pick(rp.FuelGaugeAddress, dp.FuelGaugeAddress),
			ACDetectPin:                pick(rp.ACDetectPin, dp.ACDetectPin),
			ACDetectActiveLow:          pick(rp.ACDetectActiveLow, dp.ACDetectActiveLow),
			RTC:                        pick(rp.RTC, dp.RTC),
			RTCAddress:                 pick(rp.RTCAddress, dp.RTCAddress),
			Retry: Retry{
				InitialDelay: seconds(pick(rp.RetryInitialDelaySeconds, dp.RetryInitialDelaySeconds)),
				MaxDelay:     seconds(pick(rp.RetryMaxDelaySeconds, dp.RetryMaxDelaySeconds)),
				Factor:       pick(rp.RetryBackoffFactor, dp.RetryBackoffFactor),
				Jitter:       pick(rp.RetryJitterFactor, dp.RetryJitterFactor),
				MaxAttempts:  pick(rp.RetryMaxAttempts, dp.RetryMaxAttempts),
			},
		},
		Display: Display{
			RefreshIntervalMinutes: pick(rd.RefreshIntervalMinutes, dd.RefreshIntervalMinutes),
			BatteryAwareThreshold:  pick(rd.BatteryAwareThreshold, dd.BatteryAwareThreshold),
			PartialRefresh:         pick(rd.PartialRefresh, dd.PartialRefresh),
			PixelDiff: Levels{
				Standard: pick(rd.PixelDiffThreshold, dd.PixelDiffThreshold),
				Low:      pick(rd.PixelDiffThresholdLowBattery, dd.PixelDiffThresholdLowBattery),
				Critical: pick(rd.PixelDiffThresholdCriticalBattery, dd.PixelDiffThresholdCriticalBattery),
			},
			MinChangedPixels: Levels{
				Standard: pick(rd.MinChangedPixels, dd.MinChangedPixels),
				Low:      pick(rd.MinChangedPixelsLowBattery, dd.MinChangedPixelsLowBattery),
				Critical: pick(rd.MinChangedPixelsCriticalBattery, dd.MinChangedPixelsCriticalBattery),
			},
			ImagePath: pick(rd.ImagePath, dd.ImagePath),
		},
		Weather: Weather{
			UpdateIntervalMinutes: pick(raw.Weather.UpdateIntervalMinutes, d.Weather.UpdateIntervalMinutes),
		},
		Server: Server{
			URL:     pick(raw.Server.URL, d.Server.URL),
			Port:    pick(raw.Server.Port, d.Server.Port),
			Timeout: time.Duration(pick(raw.Server.TimeoutSeconds, d.Server.TimeoutSeconds)) * time.Second,
		},
		Store: Store{
			Path: pick(raw.Store.Path, d.Store.Path),
		},
		Telemetry: Telemetry{
			InfluxAddr:     pick(raw.Telemetry.InfluxAddr, d.Telemetry.InfluxAddr),
			InfluxDatabase: pick(raw.Telemetry.InfluxDatabase, d.Telemetry.InfluxDatabase),
			InfluxUser:     pick(raw.Telemetry.InfluxUser, d.Telemetry.InfluxUser),
			InfluxPassword: pick(raw.Telemetry.InfluxPassword, d.Telemetry.InfluxPassword),
		},
		Notify: Notify{
			PushoverToken: pick(raw.Notify.PushoverToken, d.Notify.PushoverToken),
			PushoverUser:  pick(raw.Notify.PushoverUser, d.Notify.PushoverUser),
		},
		Daemon: Daemon{
			Socket:             pick(raw.Daemon.Socket, d.Daemon.Socket),
			AllowNonRootAccess: pick(raw.Daemon.AllowNonRootAccess, d.Daemon.AllowNonRootAccess),
		},
	}
	if len(rd.Command) > 0 {
		c.Display.Command = append([]string(nil), rd.Command...)
	} else {
		c.Display.Command = append([]string(nil), dd.Command...)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewRawFileConfigFromConfig converts a resolved config back into its file
// form. Secrets are left out.
func NewRawFileConfigFromConfig(c *Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	p := c.Power
	return &RawFileConfig{
		Debug:           ptr.To(c.Debug),
		DevelopmentMode: ptr.To(c.DevelopmentMode),
		Power: RawPower{
			QuietHoursStart:            ptr.To(p.QuietHoursStart),
			QuietHoursEnd:              ptr.To(p.QuietHoursEnd),
			LowBatteryThreshold:        ptr.To(p.LowBatteryThreshold),
			CriticalBatteryThreshold:   ptr.To(p.CriticalBatteryThreshold),
			BatteryCapacityMAh:         ptr.To(p.BatteryCapacityMAh),
			ExpectedDischargeRate:      ptr.To(p.ExpectedDischargeRate),
			WakeUpIntervalMinutes:      ptr.To(p.WakeUpIntervalMinutes),
			DynamicWakeup:              ptr.To(p.DynamicWakeup),
			CriticalShutdown:           ptr.To(p.CriticalShutdown),
			CriticalMaxOperationCost:   ptr.To(p.CriticalMaxOperationCost),
			ConservingMaxOperationCost: ptr.To(p.ConservingMaxOperationCost),
			BatterySource:              ptr.To(p.BatterySource),
			I2CBus:                     ptr.To(p.I2CBus),
			FuelGaugeAddress:           ptr.To(p.FuelGaugeAddress),
			ACDetectPin:                ptr.To(p.ACDetectPin),
			ACDetectActiveLow:          ptr.To(p.ACDetectActiveLow),
			RTC:                        ptr.To(p.RTC),
			RTCAddress:                 ptr.To(p.RTCAddress),
			RetryInitialDelaySeconds:   ptr.To(p.Retry.InitialDelay.Seconds()),
			RetryMaxDelaySeconds:       ptr.To(p.Retry.MaxDelay.Seconds()),
			RetryBackoffFactor:         ptr.To(p.Retry.Factor),
			RetryJitterFactor:          ptr.To(p.Retry.Jitter),
			RetryMaxAttempts:           ptr.To(p.Retry.MaxAttempts),
		},
		Display: RawDisplay{
			RefreshIntervalMinutes:            ptr.To(c.Display.RefreshIntervalMinutes),
			BatteryAwareThreshold:             ptr.To(c.Display.BatteryAwareThreshold),
			PartialRefresh:                    ptr.To(c.Display.PartialRefresh),
			PixelDiffThreshold:                ptr.To(c.Display.PixelDiff.Standard),
			PixelDiffThresholdLowBattery:      ptr.To(c.Display.PixelDiff.Low),
			PixelDiffThresholdCriticalBattery: ptr.To(c.Display.PixelDiff.Critical),
			MinChangedPixels:                  ptr.To(c.Display.MinChangedPixels.Standard),
			MinChangedPixelsLowBattery:        ptr.To(c.Display.MinChangedPixels.Low),
			MinChangedPixelsCriticalBattery:   ptr.To(c.Display.MinChangedPixels.Critical),
			Command:                           append([]string(nil), c.Display.Command...),
			ImagePath:                         ptr.To(c.Display.ImagePath),
		},
		Weather: RawWeather{
			UpdateIntervalMinutes: ptr.To(c.Weather.UpdateIntervalMinutes),
		},
		Server: RawServer{
			URL:            ptr.To(c.Server.URL),
			Port:           ptr.To(c.Server.Port),
			TimeoutSeconds: ptr.To(int(c.Server.Timeout / time.Second)),
		},
		Store: RawStore{
			Path: ptr.To(c.Store.Path),
		},
		Telemetry: RawTelemetry{
			InfluxAddr:     ptr.To(c.Telemetry.InfluxAddr),
			InfluxDatabase: ptr.To(c.Telemetry.InfluxDatabase),
			InfluxUser:     ptr.To(c.Telemetry.InfluxUser),
		},
		Daemon: RawDaemon{
			Socket:             ptr.To(c.Daemon.Socket),
			AllowNonRootAccess: ptr.To(c.Daemon.AllowNonRootAccess),
		},
	}, nil
}

func pick[T any](v, def *T) T {
	if v != nil {
		return *v
	}
	return *def
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
