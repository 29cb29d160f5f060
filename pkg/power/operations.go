package power

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/rpi-weather-display/epaperd/pkg/battery"
	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
)

// Operation names passed to CanPerformOperation.
const (
	OpShutdown           = "shutdown"
	OpLowBatteryWarning  = "low_battery_warning"
	OpBatteryRead        = "battery_read"
	OpDisplayRefresh     = "display_refresh"
	OpDisplayFullRefresh = "display_full_refresh"
	OpWeatherUpdate      = "weather_update"
	OpTelemetry          = "telemetry"
	OpNotification       = "notification"
)

var essentialOps = map[string]bool{
	OpShutdown:          true,
	OpLowBatteryWarning: true,
	OpBatteryRead:       true,
}

// CanPerformOperation reports whether an operation with the given relative
// power cost (1.0 is a normal operation) may run in the current state.
// Essential operations always run. CRITICAL vetoes anything with a cost
// above zero whatever CriticalMaxOperationCost says, and CONSERVING vetoes
// anything above ConservingMaxOperationCost.
func (m *Manager) CanPerformOperation(op string, cost float64) bool {
	if essentialOps[op] {
		return true
	}

	state := m.CurrentState()
	allowed := true
	switch state {
	case powerinfo.PowerCritical:
		allowed = cost <= 0 && cost <= m.cfg.CriticalMaxOperationCost
	case powerinfo.PowerConserving:
		allowed = cost <= m.cfg.ConservingMaxOperationCost
	}

	if !allowed {
		logrus.WithFields(logrus.Fields{
			"operation": op,
			"cost":      cost,
			"state":     state,
		}).Debug("operation vetoed by power state")
	}
	return allowed
}

// IsDischargeRateAbnormal reports whether the smoothed drain exceeds the
// expected rate by more than 50%. A hardware fault always counts.
func (m *Manager) IsDischargeRateAbnormal() bool {
	if _, diag, ok := m.LastStatus(); ok && diag.Fault {
		return true
	}
	return battery.IsAbnormal(m.drain.Smoothed(), m.cfg.ExpectedDischargeRate, battery.DefaultAbnormalTolerance)
}

// ExpectedBatteryLife estimates the hours left on the last reading. It is
// nil while charging, with no reading, or when the drain is not positive.
// Without a derived drain rate the reading's own time remaining is used.
func (m *Manager) ExpectedBatteryLife() *float64 {
	status, _, ok := m.LastStatus()
	if !ok || battery.IsCharging(status) {
		return nil
	}

	if _, derived := m.drain.LastRaw(); !derived && status.TimeRemaining != nil {
		h := float64(*status.TimeRemaining) / 60
		return &h
	}

	h, ok := ExpectedLife(status.Level, m.cfg.BatteryCapacityMAh, m.drain.Smoothed())
	if !ok {
		return nil
	}
	return &h
}

// ExpectedLife converts a level and a drain in percent per hour into hours
// of remaining runtime for a battery of capacityMAh.
func ExpectedLife(level, capacityMAh int, drainPercentPerHour float64) (float64, bool) {
	if drainPercentPerHour <= 0 || capacityMAh <= 0 {
		return 0, false
	}
	remainingMAh := float64(level) / 100 * float64(capacityMAh)
	drainMA := drainPercentPerHour / 100 * float64(capacityMAh)
	return remainingMAh / drainMA, true
}

// Bounds applied by DynamicWakeupMinutes.
const (
	MinWakeupMinutes = 30
	MaxWakeupMinutes = 24 * 60

	chargingWakeupFactor   = 0.8
	criticalWakeupFactor   = 8.0
	conservingMinFactor    = 3.0
	conservingMaxFactor    = 6.0
	abnormalWakeupFactor   = 1.5
	batteryLifeWakeupShare = 0.25
)

// DynamicWakeupMinutes stretches or shrinks a deep sleep of base minutes
// according to the power state. Quiet hours use the configured wake up
// interval. Outside CRITICAL the result never exceeds a quarter of the
// expected battery life.
func (m *Manager) DynamicWakeupMinutes(base int, inQuietHours bool) int {
	if inQuietHours {
		return m.cfg.WakeUpIntervalMinutes
	}

	state := m.CurrentState()
	status, _, _ := m.LastStatus()

	minutes := float64(base)
	capByLife := true
	switch state {
	case powerinfo.PowerCharging:
		minutes = math.Max(MinWakeupMinutes, minutes*chargingWakeupFactor)
		capByLife = false
	case powerinfo.PowerCritical:
		minutes *= criticalWakeupFactor
		capByLife = false
	case powerinfo.PowerConserving:
		minutes *= conservingFactor(status.Level, m.cfg.LowBatteryThreshold, m.cfg.CriticalBatteryThreshold)
	default:
		if m.IsDischargeRateAbnormal() {
			minutes *= abnormalWakeupFactor
		}
	}

	if capByLife {
		if life := m.ExpectedBatteryLife(); life != nil {
			minutes = math.Min(minutes, *life*60*batteryLifeWakeupShare)
		}
	}

	result := int(math.Round(minutes))
	if result < MinWakeupMinutes {
		result = MinWakeupMinutes
	}
	if result > MaxWakeupMinutes {
		result = MaxWakeupMinutes
	}

	logrus.WithFields(logrus.Fields{
		"base":   base,
		"result": result,
		"state":  state,
	}).Debug("computed dynamic wakeup")
	return result
}

// conservingFactor scales linearly from conservingMinFactor at the low
// threshold to conservingMaxFactor at the critical threshold.
func conservingFactor(level, low, critical int) float64 {
	if low <= critical {
		return conservingMinFactor
	}
	frac := float64(low-level) / float64(low-critical)
	frac = math.Max(0, math.Min(1, frac))
	return conservingMinFactor + (conservingMaxFactor-conservingMinFactor)*frac
}

// Snapshot is a point-in-time view of the Manager.
type Snapshot struct {
	State               powerinfo.PowerState     `json:"state"`
	Status              *powerinfo.BatteryStatus `json:"status,omitempty"`
	Diagnostics         *powerinfo.Diagnostics   `json:"diagnostics,omitempty"`
	DrainRate           float64                  `json:"drainRate"`
	AbnormalDrain       bool                     `json:"abnormalDrain"`
	ExpectedBatteryLife *float64                 `json:"expectedBatteryLife,omitempty"`
}

// Snapshot returns the current state, last reading and estimates.
func (m *Manager) Snapshot() Snapshot {
	s := Snapshot{
		State:               m.CurrentState(),
		DrainRate:           m.DrainRate(),
		AbnormalDrain:       m.IsDischargeRateAbnormal(),
		ExpectedBatteryLife: m.ExpectedBatteryLife(),
	}
	if status, diag, ok := m.LastStatus(); ok {
		s.Status = &status
		s.Diagnostics = &diag
	}
	return s
}
