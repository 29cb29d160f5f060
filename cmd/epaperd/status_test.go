package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/rpi-weather-display/epaperd/pkg/events"
	"github.com/rpi-weather-display/epaperd/pkg/power"
	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
	"github.com/rpi-weather-display/epaperd/pkg/scheduler"
	"github.com/rpi-weather-display/epaperd/pkg/types"
	"github.com/rpi-weather-display/epaperd/pkg/utils/ptr"
)

func init() {
	color.NoColor = true
}

func TestRenderStatus(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	status := powerinfo.NewBatteryStatus(15, 3.62, -140, 21.5, powerinfo.Discharging, now)
	st := &types.Status{
		Power: power.Snapshot{
			State:               powerinfo.PowerConserving,
			Status:              &status,
			Diagnostics:         &powerinfo.Diagnostics{Source: "max17040", PowerInput: powerinfo.PowerInputNotPresent},
			DrainRate:           3.2,
			AbnormalDrain:       true,
			ExpectedBatteryLife: ptr.To(4.7),
		},
		Scheduler: scheduler.Status{
			Running:    true,
			LastUpdate: ptr.To(now.Add(-5 * time.Minute)),
		},
		QuietHours: types.QuietHours{Start: "23:00", End: "06:00"},
	}

	var buf bytes.Buffer
	renderStatus(&buf, st, now)
	out := buf.String()

	assert.Contains(t, out, "Level: 15%")
	assert.Contains(t, out, "State: DISCHARGING")
	assert.Contains(t, out, "State: CONSERVING")
	assert.Contains(t, out, "3.20 %/h (abnormal)")
	assert.Contains(t, out, "~4.7 hours")
	assert.Contains(t, out, "Last weather update: 5m0s ago")
	assert.Contains(t, out, "Last display refresh: never")
	assert.Contains(t, out, "Quiet hours: 23:00-06:00 (inactive)")
}

func TestRenderStatusUnknownBattery(t *testing.T) {
	var buf bytes.Buffer
	renderStatus(&buf, &types.Status{}, time.Now())
	assert.Contains(t, buf.String(), "Level: unknown")
}

func TestFormatEvent(t *testing.T) {
	data, _ := json.Marshal(events.PowerStateEvent{From: "NORMAL", To: "CRITICAL", Level: 7})
	assert.Equal(t, "power.state power state NORMAL -> CRITICAL at 7%",
		formatEvent(events.Event{Name: events.PowerState, Data: data}))

	data, _ = json.Marshal(events.WeatherUpdateEvent{Attempts: 5, Error: "timeout"})
	assert.Equal(t, "weather.update failed after 5 attempts: timeout",
		formatEvent(events.Event{Name: events.WeatherUpdate, Data: data}))

	assert.Equal(t, "custom {}", formatEvent(events.Event{Name: "custom", Data: json.RawMessage("{}")}))
}
