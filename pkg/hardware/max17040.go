package hardware

import (
	"context"
	"math"
	"time"

	pkgerrors "github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"

	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
)

const (
	SourceMAX17040 = "max17040"

	// MAX17040DefaultAddress is the fixed address of the fuel gauge.
	MAX17040DefaultAddress = 0x36

	max17040RegVCell = 0x02
	max17040RegSOC   = 0x04

	// Cell voltages outside this range mean the gauge is misreporting.
	minPlausibleCellVoltage = 2.5
	maxPlausibleCellVoltage = 4.5
	lowIOVoltage            = 3.0
)

// MAX17040Reader reads a MAX17040 fuel gauge over I2C. Charging is inferred
// from an optional GPIO wired to the charger's power-good output.
type MAX17040Reader struct {
	dev       *i2c.Dev
	acPin     gpio.PinIn
	activeLow bool
	now       func() time.Time
}

// NewMAX17040Reader returns a reader for the gauge at addr. acPin may be
// nil, in which case the charge state is UNKNOWN.
func NewMAX17040Reader(bus i2c.Bus, addr uint16, acPin gpio.PinIn, activeLow bool) (*MAX17040Reader, error) {
	if err := bus.Tx(addr, nil, nil); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to find max17040 at 0x%02x", addr)
	}
	return &MAX17040Reader{
		dev:       &i2c.Dev{Bus: bus, Addr: addr},
		acPin:     acPin,
		activeLow: activeLow,
		now:       time.Now,
	}, nil
}

func (r *MAX17040Reader) ReadBattery(context.Context) (powerinfo.BatteryStatus, powerinfo.Diagnostics, error) {
	diag := powerinfo.UnknownDiagnostics(SourceMAX17040)

	vcell := make([]byte, 2)
	if err := readBytes(r.dev, max17040RegVCell, vcell); err != nil {
		return powerinfo.BatteryStatus{}, diag, pkgerrors.Wrap(err, "failed to read cell voltage")
	}
	soc := make([]byte, 2)
	if err := readBytes(r.dev, max17040RegSOC, soc); err != nil {
		return powerinfo.BatteryStatus{}, diag, pkgerrors.Wrap(err, "failed to read state of charge")
	}

	voltage := cellVoltage(vcell)
	level := int(math.Round(stateOfCharge(soc)))

	diag.IOVoltage = "NORMAL"
	if voltage < lowIOVoltage {
		diag.IOVoltage = "LOW"
	}
	diag.Fault = voltage < minPlausibleCellVoltage || voltage > maxPlausibleCellVoltage

	state := powerinfo.Unknown
	if r.acPin != nil {
		if r.powerPresent() {
			diag.PowerInput = powerinfo.PowerInputPresent
			state = powerinfo.Charging
			if level >= 100 {
				state = powerinfo.Full
			}
		} else {
			diag.PowerInput = powerinfo.PowerInputNotPresent
			state = powerinfo.Discharging
		}
	}

	return powerinfo.NewBatteryStatus(level, voltage, 0, 0, state, r.now()), diag, nil
}

func (r *MAX17040Reader) powerPresent() bool {
	l := r.acPin.Read()
	if r.activeLow {
		return l == gpio.Low
	}
	return l == gpio.High
}

// cellVoltage decodes VCELL: 12 bits, 1.25 mV per LSB.
func cellVoltage(b []byte) float64 {
	raw := (uint16(b[0])<<8 | uint16(b[1])) >> 4
	return float64(raw) * 1.25 / 1000
}

// stateOfCharge decodes SOC: whole percent in the high byte, 1/256 percent
// in the low byte.
func stateOfCharge(b []byte) float64 {
	return float64(b[0]) + float64(b[1])/256
}
