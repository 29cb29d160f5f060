package powerinfo

import (
	"fmt"
	"strings"
	"time"
)

// BatteryState represents the charging state of the battery.
type BatteryState int

const (
	// Unknown indicates the state could not be determined, usually because
	// the battery hardware is missing or a read failed.
	Unknown BatteryState = iota
	// Charging indicates the battery is charging.
	Charging
	// Discharging indicates the battery is discharging.
	Discharging
	// Full indicates the battery is full.
	Full
)

var batteryStateNames = map[BatteryState]string{
	Unknown:     "UNKNOWN",
	Charging:    "CHARGING",
	Discharging: "DISCHARGING",
	Full:        "FULL",
}

func (s BatteryState) String() string {
	if n, ok := batteryStateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// ParseBatteryState parses a state name. Unrecognized names map to Unknown.
func ParseBatteryState(s string) BatteryState {
	s = strings.ToUpper(strings.TrimSpace(s))
	for k, v := range batteryStateNames {
		if v == s {
			return k
		}
	}
	return Unknown
}

func (s BatteryState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *BatteryState) UnmarshalText(b []byte) error {
	*s = ParseBatteryState(string(b))
	return nil
}

// BatteryStatus is a single battery reading. It is never mutated after
// creation.
// Units:
// - Voltage: Volts
// - Current: mA, positive when charging, negative when discharging
// - Temperature: degrees Celsius
// - TimeRemaining: minutes
type BatteryStatus struct {
	Level         int          `json:"level"`
	Voltage       float64      `json:"voltage"`
	Current       float64      `json:"current"`
	Temperature   float64      `json:"temperature"`
	State         BatteryState `json:"state"`
	TimeRemaining *int         `json:"timeRemaining,omitempty"`
	// Timestamp is the zero time when the reading time is not known.
	Timestamp time.Time `json:"timestamp"`
}

// NewBatteryStatus builds a reading with the level clamped to 0-100.
func NewBatteryStatus(level int, voltage, current, temperature float64, state BatteryState, ts time.Time) BatteryStatus {
	return BatteryStatus{
		Level:       ClampLevel(level),
		Voltage:     voltage,
		Current:     current,
		Temperature: temperature,
		State:       state,
		Timestamp:   ts,
	}
}

// UnknownStatus is the reading reported when the hardware is unavailable.
func UnknownStatus(ts time.Time) BatteryStatus {
	return BatteryStatus{State: Unknown, Timestamp: ts}
}

// WithTimeRemaining returns a copy of s with the remaining time set.
func (s BatteryStatus) WithTimeRemaining(minutes int) BatteryStatus {
	s.TimeRemaining = &minutes
	return s
}

// Known reports whether the reading carries real telemetry. Readings from
// an unavailable source are UNKNOWN with a zero level.
func (s BatteryStatus) Known() bool {
	return s.State != Unknown || s.Level > 0
}

func (s BatteryStatus) String() string {
	return fmt.Sprintf("%d%% %s", s.Level, s.State)
}

// ClampLevel limits a charge level to 0-100.
func ClampLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level > 100 {
		return 100
	}
	return level
}

// Power input values reported in Diagnostics.
const (
	PowerInputPresent    = "PRESENT"
	PowerInputNotPresent = "NOT_PRESENT"
	PowerInputUnknown    = "UNKNOWN"
)

// Diagnostics carries hardware details gathered with a reading.
type Diagnostics struct {
	Source     string `json:"source"`
	PowerInput string `json:"powerInput"`
	IOVoltage  string `json:"ioVoltage"`
	Fault      bool   `json:"fault"`
	// Error is the read error message, empty on success.
	Error string `json:"error,omitempty"`
}

// UnknownDiagnostics describes a reading from an unavailable source.
func UnknownDiagnostics(source string) Diagnostics {
	return Diagnostics{
		Source:     source,
		PowerInput: PowerInputUnknown,
		IOVoltage:  PowerInputUnknown,
	}
}

// PowerState is the coarse operating mode of the device.
type PowerState int

const (
	// PowerNormal is the initial state.
	PowerNormal PowerState = iota
	// PowerConserving is entered at the low battery threshold.
	PowerConserving
	// PowerCritical is entered at the critical battery threshold.
	PowerCritical
	// PowerCharging overrides the level based states while charging.
	PowerCharging
)

var powerStateNames = map[PowerState]string{
	PowerNormal:     "NORMAL",
	PowerConserving: "CONSERVING",
	PowerCritical:   "CRITICAL",
	PowerCharging:   "CHARGING",
}

func (s PowerState) String() string {
	if n, ok := powerStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("PowerState(%d)", int(s))
}

func (s PowerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PowerState) UnmarshalText(b []byte) error {
	name := strings.ToUpper(strings.TrimSpace(string(b)))
	for k, v := range powerStateNames {
		if v == name {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown power state %q", string(b))
}
